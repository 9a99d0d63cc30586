package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"tandem/internal/app"
	"tandem/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const version = "0.1.0"

func newProtocolClient(cfg app.Config, caps app.ModelCapabilities, logger *app.Logger) app.ProtocolClient {
	opts := app.ClientOptions{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		Timeout:    time.Duration(cfg.TimeoutMs) * time.Millisecond,
		MaxRetries: cfg.MaxRetries,
		MaxTokens:  cfg.MaxTokens,
		Thinking:   caps.SupportsThinking,
		Logger:     logger,
	}
	if strings.EqualFold(cfg.Provider, "anthropic") {
		return app.NewAnthropicClient(opts)
	}
	return app.NewOpenAIClient(opts)
}

func loadActiveSession(store *app.SessionStore, model, workDir string) *app.LiveSession {
	live := &app.LiveSession{
		SystemPrompt: app.SystemPromptForMode(app.ModeAction, workDir),
		ModelID:      model,
	}
	info, ok := store.GetActiveSession()
	if !ok {
		info = store.CreateSession("")
	}
	live.ID = info.ID
	if state, err := store.LoadSession(info.ID); err == nil && state != nil {
		live.Messages = state.Messages
		live.TokenState = state.TokenState
		if state.SystemPrompt != "" {
			live.SystemPrompt = state.SystemPrompt
		}
	}
	return live
}

type runtime struct {
	cfg    app.Config
	caps   app.ModelCapabilities
	logger *app.Logger
	store  *app.SessionStore
	orch   *app.Orchestrator
}

func buildRuntime(configPath, modeFlag string) (*runtime, bool, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, false, fmt.Errorf("no API key configured: set TANDEM_API_KEY or edit %s", app.DefaultConfigPath())
	}

	caps := app.DetectCapabilities(cfg.Model)
	if cfg.ContextWindow > 0 {
		caps.ContextWindow = cfg.ContextWindow
	}

	logger := app.NewFileLogger(cfg.StorageRoot)
	store := app.NewSessionStore(cfg.StorageRoot, logger)
	if err := store.Initialize(); err != nil {
		return nil, false, err
	}

	workDir, _ := os.Getwd()
	client := newProtocolClient(cfg, caps, logger)
	live := loadActiveSession(store, cfg.Model, workDir)

	orch := app.NewOrchestrator(app.OrchestratorConfig{
		Client:   client,
		Store:    store,
		Executor: app.NewLocalExecutor(workDir),
		Caps:     caps,
		Logger:   logger,
		WorkDir:  workDir,
	}, live)

	mode, ok := app.ParseMode(modeFlag)
	if !ok {
		mode, _ = app.ParseMode(cfg.DefaultMode)
	}

	return &runtime{cfg: cfg, caps: caps, logger: logger, store: store, orch: orch}, mode == app.ModePlan, nil
}

func runTUI(configPath, modeFlag string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("not a terminal; use 'tandem run \"<task>\"' for one-shot mode")
	}
	rt, planMode, err := buildRuntime(configPath, modeFlag)
	if err != nil {
		return err
	}

	workDir, _ := os.Getwd()
	history, err := app.NewHistoryStore(rt.cfg.StorageRoot)
	if err != nil {
		rt.logger.Warn("history store unavailable", map[string]interface{}{"error": err.Error()})
		history = nil
	} else {
		defer history.Close()
	}

	model := tui.New(rt.orch, history, workDir, planMode)
	onDelta, onNotice, onReplaced := model.Callbacks()
	rt.orch.SetCallbacks(onDelta, onNotice, onReplaced)

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func runOneShot(configPath, task, modeFlag string) error {
	rt, planMode, err := buildRuntime(configPath, modeFlag)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var failed bool
	rt.orch.SetCallbacks(
		func(_ string, d app.StreamDelta) {
			if d.Content != "" {
				fmt.Print(d.Content)
			}
			for _, tc := range d.ToolCalls {
				fmt.Fprintf(os.Stderr, "\n[tool] %s\n", tc.Name)
			}
		},
		func(text string) {
			failed = true
			fmt.Fprintln(os.Stderr, text)
		},
		nil,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		rt.orch.Stop()
	}()

	var once sync.Once
	rt.orch.SetIdleCallback(func() { once.Do(func() { close(done) }) })
	rt.orch.Enqueue(task, nil, planMode)
	<-done
	fmt.Println()

	if failed {
		return fmt.Errorf("task failed")
	}
	return nil
}

func sessionStoreOnly(configPath string) (*app.SessionStore, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := app.NewFileLogger(cfg.StorageRoot)
	store := app.NewSessionStore(cfg.StorageRoot, logger)
	if err := store.Initialize(); err != nil {
		return nil, err
	}
	return store, nil
}

func main() {
	var modeFlag, configFlag string

	root := &cobra.Command{
		Use:     "tandem",
		Short:   "Tandem - terminal AI coding assistant",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTUI(configFlag, modeFlag)
		},
	}
	root.PersistentFlags().StringVar(&modeFlag, "mode", "", "mode: plan|action")
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default "+app.DefaultConfigPath()+")")

	runCmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a single task without the TUI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOneShot(configFlag, args[0], modeFlag)
		},
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored sessions",
	}
	sessionsCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, most recent first",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := sessionStoreOnly(configFlag)
				if err != nil {
					return err
				}
				for _, info := range store.ListSessions() {
					marker := " "
					if info.IsActive {
						marker = "*"
					}
					fmt.Printf("%s %s  %-40s  %d msgs  %s\n",
						marker, info.ID, info.Name, info.MessageCount,
						info.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "new [name]",
			Short: "Create a session and make it active",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := sessionStoreOnly(configFlag)
				if err != nil {
					return err
				}
				name := ""
				if len(args) > 0 {
					name = args[0]
				}
				info := store.CreateSession(name)
				fmt.Println(info.ID)
				return nil
			},
		},
		&cobra.Command{
			Use:   "rename <id> <name>",
			Short: "Rename a session",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := sessionStoreOnly(configFlag)
				if err != nil {
					return err
				}
				if !store.UpdateSessionName(args[0], args[1]) {
					return fmt.Errorf("unknown session: %s", args[0])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "switch <id>",
			Short: "Make a session active",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := sessionStoreOnly(configFlag)
				if err != nil {
					return err
				}
				store.SetActiveSessionID(args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a non-active session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := sessionStoreOnly(configFlag)
				if err != nil {
					return err
				}
				if !store.DeleteSession(args[0]) {
					return fmt.Errorf("cannot delete session %s (active or unknown)", args[0])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete all sessions and start fresh",
			RunE: func(cmd *cobra.Command, args []string) error {
				store, err := sessionStoreOnly(configFlag)
				if err != nil {
					return err
				}
				info := store.ClearAllSessions()
				fmt.Println(info.ID)
				return nil
			},
		},
	)

	root.AddCommand(runCmd, sessionsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
