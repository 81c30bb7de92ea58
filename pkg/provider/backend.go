package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/harun/kestrel/pkg/stream"
)

// Backend is one LLM vendor behind the common chunk contract.
//
// Chat returns a finite chunk sequence that ends with exactly one done or
// error chunk, unless ctx is cancelled first. Implementations must not block
// forever on send once ctx is done.
type Backend interface {
	Name() string
	IsAvailable() bool
	Chat(ctx context.Context, req stream.Request) <-chan stream.Chunk
}

var ErrNoBackends = errors.New("no backends configured")

// BackendConfig describes how to construct a vendor backend.
type BackendConfig struct {
	Name      string
	Kind      string // anthropic, openai
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Priority  int
	// Timeout bounds one Chat call; zero uses the router default.
	Timeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
	// MaxRetries is the SDK-level retry count. The router fails over
	// instead, so zero is the usual value.
	MaxRetries int
	// HTTPClient overrides the SDK transport, mainly for tests.
	HTTPClient *http.Client
}

// New builds a backend for cfg.Kind.
func New(cfg BackendConfig) (Backend, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Kind
	}
	switch cfg.Kind {
	case "anthropic":
		return NewAnthropicBackend(cfg), nil
	case "openai":
		return NewOpenAIBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend kind: %s", cfg.Kind)
	}
}

// sender writes chunks to out until ctx is done.
type sender struct {
	ctx     context.Context
	out     chan<- stream.Chunk
	backend string
}

func (s sender) send(c stream.Chunk) bool {
	c.Backend = s.backend
	select {
	case s.out <- c:
		return true
	case <-s.ctx.Done():
		return false
	}
}
