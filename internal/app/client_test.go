package app

import (
	"net/http"
	"testing"
	"time"
)

func TestClientOptionsDefaults(t *testing.T) {
	opts := ClientOptions{}
	opts.normalize()
	if opts.Timeout != 60*time.Second || opts.MaxRetries != 3 || opts.MaxTokens != 4096 {
		t.Fatalf("defaults = %+v", opts)
	}
}

func TestClientOptionsBoundsStreamingHeaderPhase(t *testing.T) {
	opts := ClientOptions{Timeout: 5 * time.Second}
	opts.normalize()
	tr, ok := opts.HTTPClient.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("default transport type = %T, want *http.Transport", opts.HTTPClient.Transport)
	}
	if tr.ResponseHeaderTimeout != 5*time.Second {
		t.Fatalf("ResponseHeaderTimeout = %v, want the per-attempt timeout", tr.ResponseHeaderTimeout)
	}
	// The overall client timeout stays unset so stream bodies can outlive it.
	if opts.HTTPClient.Timeout != 0 {
		t.Fatalf("client timeout = %v, want 0 for streaming", opts.HTTPClient.Timeout)
	}
}

func TestClientOptionsKeepsCallerHTTPClient(t *testing.T) {
	custom := &http.Client{}
	opts := ClientOptions{HTTPClient: custom}
	opts.normalize()
	if opts.HTTPClient != custom {
		t.Fatalf("caller-supplied client replaced")
	}
}
