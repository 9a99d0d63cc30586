package app

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// maxToolRounds bounds how many model/tool round-trips a single user turn
// may take before the orchestrator gives up.
const maxToolRounds = 8

// QueuedMessage is one user turn waiting in the backlog. PlanMode is
// snapshotted at enqueue time; toggling the mode mid-processing does not
// affect turns already queued.
type QueuedMessage struct {
	ID       string
	Text     string
	Files    []string
	PlanMode bool
}

// ContextStatus summarizes how much of the model's context window the
// working session occupies.
type ContextStatus struct {
	UsedTokens    int
	ContextWindow int
	UsagePercent  float64
	IsNearLimit   bool
	IsFull        bool
}

// OrchestratorConfig wires the orchestrator's collaborators. Client, Store
// and Executor are required; the rest has working defaults.
type OrchestratorConfig struct {
	Client      ProtocolClient
	Store       *SessionStore
	Executor    ToolExecutor
	Catalog     []ToolDescriptor
	Caps        ModelCapabilities
	Resolver    FileResolver
	Logger      *Logger
	WorkDir     string
	ProjectType string

	// OnDelta relays streamed increments for the given queued message id.
	OnDelta func(messageID string, d StreamDelta)
	// OnNotice surfaces inline system-style messages (turn failures,
	// refusals). At most one per failed turn.
	OnNotice func(text string)
	// OnSessionReplaced fires after compaction swaps the working session.
	OnSessionReplaced func(fresh *LiveSession)
	// OnIdle fires each time the backlog drains and the worker stops.
	OnIdle func()
}

// Orchestrator serializes user turns against a single working session:
// Idle -> Processing -> Idle, with a FIFO backlog for turns enqueued while
// one is in flight.
type Orchestrator struct {
	cfg OrchestratorConfig

	mu         sync.Mutex
	live       *LiveSession
	backlog    []QueuedMessage
	processing bool
	cancel     context.CancelFunc
}

func NewOrchestrator(cfg OrchestratorConfig, live *LiveSession) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = NewLogger(nil)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = OSFileResolver{}
	}
	if len(cfg.Catalog) == 0 {
		cfg.Catalog = BuiltinCatalog()
	}
	if cfg.Caps.ContextWindow <= 0 {
		cfg.Caps = DetectCapabilities("")
	}
	return &Orchestrator{cfg: cfg, live: live}
}

// SetCallbacks installs the UI callbacks. Call before the first Enqueue;
// the UI usually needs the orchestrator handle before it can build them.
func (o *Orchestrator) SetCallbacks(onDelta func(string, StreamDelta), onNotice func(string), onReplaced func(*LiveSession)) {
	o.mu.Lock()
	o.cfg.OnDelta = onDelta
	o.cfg.OnNotice = onNotice
	o.cfg.OnSessionReplaced = onReplaced
	o.mu.Unlock()
}

// SetIdleCallback installs fn, invoked each time the backlog drains.
func (o *Orchestrator) SetIdleCallback(fn func()) {
	o.mu.Lock()
	o.cfg.OnIdle = fn
	o.mu.Unlock()
}

// Session returns the current working session. After compaction this is a
// different session than the one the orchestrator started with.
func (o *Orchestrator) Session() *LiveSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.live
}

// Enqueue registers a user turn and returns its message id immediately.
// If the orchestrator is idle the turn starts right away; otherwise it
// joins the FIFO backlog.
func (o *Orchestrator) Enqueue(text string, files []string, planMode bool) string {
	msg := QueuedMessage{
		ID:       uuid.NewString(),
		Text:     text,
		Files:    files,
		PlanMode: planMode,
	}
	o.mu.Lock()
	o.backlog = append(o.backlog, msg)
	if !o.processing {
		o.processing = true
		ctx, cancel := context.WithCancel(context.Background())
		o.cancel = cancel
		go o.run(ctx)
	}
	o.mu.Unlock()
	return msg.ID
}

// Stop cancels the in-flight turn and discards the backlog. The aborted
// turn produces no error banner; partial streamed content is kept.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.backlog = nil
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) IsProcessing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processing
}

// Status reports context-window pressure for the working session.
func (o *Orchestrator) Status() ContextStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	used := 0
	if o.live != nil {
		used = EstimateTokens(o.live.Transcript())
	}
	window := o.cfg.Caps.ContextWindow
	pct := float64(used) / float64(window) * 100
	return ContextStatus{
		UsedTokens:    used,
		ContextWindow: window,
		UsagePercent:  pct,
		IsNearLimit:   pct >= 80,
		IsFull:        used+DefaultReserveTokens >= window,
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	for {
		o.mu.Lock()
		if ctx.Err() != nil {
			// Stop cleared the backlog before cancelling; anything left was
			// enqueued after the Stop and deserves a fresh run.
			if len(o.backlog) > 0 {
				next, cancel := context.WithCancel(context.Background())
				o.cancel = cancel
				o.mu.Unlock()
				go o.run(next)
				return
			}
			o.goIdleLocked()
			return
		}
		if len(o.backlog) == 0 {
			o.goIdleLocked()
			return
		}
		msg := o.backlog[0]
		o.backlog = o.backlog[1:]
		o.mu.Unlock()

		o.processTurn(ctx, msg)
	}
}

// goIdleLocked clears the processing state and fires OnIdle outside the lock.
// The caller holds o.mu; it is released here.
func (o *Orchestrator) goIdleLocked() {
	o.processing = false
	o.cancel = nil
	onIdle := o.cfg.OnIdle
	o.mu.Unlock()
	if onIdle != nil {
		onIdle()
	}
}

// appendMessages mutates the working session under the lock so Status and
// Session readers never race the worker.
func (o *Orchestrator) appendMessages(live *LiveSession, msgs ...Message) {
	o.mu.Lock()
	live.Messages = append(live.Messages, msgs...)
	o.mu.Unlock()
}

func (o *Orchestrator) recordUsage(live *LiveSession, u *Usage) {
	o.mu.Lock()
	live.TokenState.PromptTokens = u.PromptTokens
	live.TokenState.CompletionTokens += u.CompletionTokens
	o.mu.Unlock()
}

func (o *Orchestrator) emitDelta(messageID string, d StreamDelta) {
	o.mu.Lock()
	fn := o.cfg.OnDelta
	o.mu.Unlock()
	if fn != nil {
		fn(messageID, d)
	}
}

func (o *Orchestrator) notice(text string) {
	o.mu.Lock()
	fn := o.cfg.OnNotice
	o.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

func (o *Orchestrator) processTurn(ctx context.Context, msg QueuedMessage) {
	o.mu.Lock()
	live := o.live
	o.mu.Unlock()
	if live == nil {
		return
	}

	if NeedsCompaction(live, o.cfg.Caps) {
		fresh, err := CompactSession(ctx, o.cfg.Client, o.cfg.Store, live, o.cfg.Logger)
		if err != nil {
			if errors.Is(err, ErrStreamAborted) {
				return
			}
			o.cfg.Logger.Warn("compaction failed, continuing uncompacted", map[string]interface{}{
				"session": live.ID,
				"error":   err.Error(),
			})
		} else {
			o.mu.Lock()
			o.live = fresh
			onReplaced := o.cfg.OnSessionReplaced
			o.mu.Unlock()
			live = fresh
			if onReplaced != nil {
				onReplaced(fresh)
			}
		}
	}

	available := o.cfg.Caps.ContextWindow - DefaultReserveTokens - EstimateTokens(live.Transcript())
	built := BuildMessageContent(ContentInput{
		UserMessage:     msg.Text,
		Files:           msg.Files,
		WorkDir:         o.cfg.WorkDir,
		AvailableTokens: available,
	}, o.cfg.Resolver)
	if built.ExceedsAvailable {
		o.notice("The attached files do not fit in the remaining context. Trim the attachments or start a new session.")
		return
	}

	mode := ModeAction
	if msg.PlanMode {
		mode = ModePlan
	}
	mask := BuildToolMask(msg.Text, MaskContext{WorkDir: o.cfg.WorkDir, ProjectType: o.cfg.ProjectType}, msg.PlanMode, o.cfg.Catalog, o.cfg.Caps)
	schemas := SchemasForCatalog(FilterCatalog(o.cfg.Catalog, &mask))

	// The wire carries schema names; the mask and executor are keyed by
	// descriptor id. They coincide for the builtins but not necessarily for
	// external catalogs.
	idByName := make(map[string]string, len(o.cfg.Catalog))
	for _, d := range o.cfg.Catalog {
		idByName[d.Name] = d.ID
	}

	o.appendMessages(live, Message{Role: RoleUser, Content: built.Content})

	req := &ChatRequest{
		SystemPrompt: SystemPromptForMode(mode, o.cfg.WorkDir),
		Tools:        schemas,
	}
	if mask.Strategy == NegotiateToolChoice && mask.RequiredTool != "" {
		req.RequiredTool = mask.RequiredTool
	}
	if msg.PlanMode && mask.Strategy == NegotiatePrefill {
		req.Prefill = PlanPrefill
	}

	nudged := false
	calledPlanTool := false
	for round := 0; round < maxToolRounds; round++ {
		req.Messages = live.Messages
		deltas, err := o.cfg.Client.StreamChat(ctx, req)
		if err != nil {
			o.endFailedTurn(live, msg.ID, err)
			return
		}

		var content, reasoning strings.Builder
		var terminal StreamDelta
		for d := range deltas {
			content.WriteString(d.Content)
			reasoning.WriteString(d.Reasoning)
			if d.Usage != nil {
				o.recordUsage(live, d.Usage)
			}
			o.emitDelta(msg.ID, d)
			if d.Terminal() {
				terminal = d
			}
		}

		if terminal.Err != nil {
			if content.Len() > 0 || reasoning.Len() > 0 {
				o.appendMessages(live, Message{
					Role:      RoleAssistant,
					Content:   content.String(),
					Reasoning: reasoning.String(),
				})
			}
			o.endFailedTurn(live, msg.ID, terminal.Err)
			return
		}

		assistant := Message{
			Role:      RoleAssistant,
			Content:   content.String(),
			Reasoning: reasoning.String(),
			ToolCalls: terminal.ToolCalls,
		}
		o.appendMessages(live, assistant)

		if len(terminal.ToolCalls) > 0 {
			for _, call := range terminal.ToolCalls {
				id, ok := idByName[call.Name]
				if !ok {
					id = call.Name
				}
				if id == PlanToolID {
					calledPlanTool = true
				}
				var result string
				if !IsToolAllowed(id, &mask) {
					result = ToolNotAllowedMessage(id, &mask)
				} else {
					result = o.cfg.Executor.ExecuteTool(ctx, id, call.ArgumentsJSON).Render()
				}
				o.appendMessages(live, Message{
					Role:       RoleTool,
					Content:    result,
					ToolCallID: call.ID,
				})
			}
			// A forced choice and a prefill apply to the first round only;
			// re-sending them would make a compliant model call the same
			// tool forever.
			req.RequiredTool = ""
			req.Prefill = ""
			if msg.PlanMode && calledPlanTool {
				// The plan is recorded; the turn is done.
				break
			}
			continue
		}

		// Plan mode with an unconstrainable model: a prose reply that is
		// neither a p-plan call nor plan-shaped gets one corrective retry.
		if msg.PlanMode && mask.Strategy == NegotiateDynamicFallback &&
			!calledPlanTool && !nudged && !LooksLikePlan(assistant.Content) {
			nudged = true
			o.appendMessages(live, Message{Role: RoleUser, Content: planCorrectionNudge})
			continue
		}
		break
	}

	o.cfg.Store.SaveSession(live)
}

// endFailedTurn persists whatever the turn produced and surfaces at most one
// inline notice. A caller-initiated abort gets no banner.
func (o *Orchestrator) endFailedTurn(live *LiveSession, messageID string, err error) {
	o.cfg.Store.SaveSession(live)
	if errors.Is(err, ErrStreamAborted) {
		return
	}
	o.cfg.Logger.Error("turn failed", map[string]interface{}{
		"message_id": messageID,
		"error":      err.Error(),
	})
	o.notice("Request failed: " + err.Error())
}
