package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/stream"
)

const DefaultTimeout = 120 * time.Second

// BackendOptions are per-backend routing settings.
type BackendOptions struct {
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 = unlimited
	Burst     int
}

type Config struct {
	// Backends in preference order. The first healthy backend serves.
	Backends []Backend
	Options  map[string]BackendOptions
	Cooldown time.Duration
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Router streams a request from the first usable backend, failing over
// while nothing has been forwarded to the caller.
type Router struct {
	backends []Backend
	timeouts map[string]time.Duration
	limiters map[string]*rate.Limiter
	timeout  time.Duration
	health   *HealthTable
	logger   zerolog.Logger
}

func NewRouter(cfg Config) (*Router, error) {
	if len(cfg.Backends) == 0 {
		return nil, ErrNoBackends
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r := &Router{
		backends: append([]Backend(nil), cfg.Backends...),
		timeouts: make(map[string]time.Duration),
		limiters: make(map[string]*rate.Limiter),
		timeout:  timeout,
		health:   NewHealthTable(cfg.Cooldown),
		logger:   cfg.Logger.With().Str("component", "router").Logger(),
	}

	seen := make(map[string]bool)
	for _, b := range r.backends {
		if seen[b.Name()] {
			return nil, fmt.Errorf("duplicate backend name: %s", b.Name())
		}
		seen[b.Name()] = true

		opts := cfg.Options[b.Name()]
		if opts.Timeout > 0 {
			r.timeouts[b.Name()] = opts.Timeout
		}
		if opts.RateLimit > 0 {
			burst := opts.Burst
			if burst < 1 {
				burst = 1
			}
			r.limiters[b.Name()] = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
		}
		observability.SetBackendHealthy(b.Name(), true)
	}

	return r, nil
}

// NewRouterFromConfigs builds vendor backends ordered by priority.
func NewRouterFromConfigs(backends []BackendConfig, cfg Config) (*Router, error) {
	sorted := append([]BackendConfig(nil), backends...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	if cfg.Options == nil {
		cfg.Options = make(map[string]BackendOptions)
	}
	cfg.Backends = nil
	for _, bc := range sorted {
		b, err := New(bc)
		if err != nil {
			return nil, err
		}
		cfg.Backends = append(cfg.Backends, b)
		cfg.Options[b.Name()] = BackendOptions{
			Timeout:   bc.Timeout,
			RateLimit: bc.RateLimit,
			Burst:     bc.Burst,
		}
	}
	return NewRouter(cfg)
}

// Health reports every backend, including those that never failed.
func (r *Router) Health() map[string]BackendHealth {
	snap := r.health.Snapshot()
	for _, b := range r.backends {
		if _, ok := snap[b.Name()]; !ok {
			snap[b.Name()] = BackendHealth{Healthy: true}
		}
	}
	return snap
}

func (r *Router) Backends() []string {
	names := make([]string, 0, len(r.backends))
	for _, b := range r.backends {
		names = append(names, b.Name())
	}
	return names
}

func (r *Router) Close() {
	r.health.Stop()
}

type attemptOutcome int

const (
	outcomeDone attemptOutcome = iota
	outcomeFailedEarly
	outcomeFailedMidStream
	outcomeCancelled
)

// Route returns the chunk sequence for req. The sequence always ends with a
// single done or error chunk unless ctx is cancelled.
func (r *Router) Route(ctx context.Context, req stream.Request) <-chan stream.Chunk {
	out := make(chan stream.Chunk, 16)

	go func() {
		defer close(out)

		ctx, span := tracing.StartSpan(
			ctx,
			tracing.TracerProvider,
			"router.route",
			attribute.Int("messages", len(req.Messages)),
			attribute.Int("tools", len(req.Tools)),
		)
		defer span.End()
		logger := tracing.LoggerFromContext(ctx, r.logger)

		send := func(c stream.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var failures []string
		for _, b := range r.backends {
			name := b.Name()

			if !b.IsAvailable() {
				failures = append(failures, name+": unavailable")
				observability.RecordRouteAttempt(name, 0, "unavailable")
				continue
			}
			if !r.health.IsHealthy(name) {
				failures = append(failures, name+": cooling down")
				observability.RecordRouteAttempt(name, 0, "cooldown")
				logger.Debug().Str("backend", name).Msg("Skipping backend in cooldown")
				continue
			}
			if lim := r.limiters[name]; lim != nil && !lim.Allow() {
				failures = append(failures, name+": rate limited")
				observability.RecordRouteAttempt(name, 0, "rate_limited")
				continue
			}

			start := time.Now()
			outcome, final := r.attempt(ctx, b, req, send)
			elapsed := time.Since(start)

			switch outcome {
			case outcomeDone:
				r.health.MarkHealthy(name)
				observability.RecordRouteAttempt(name, elapsed, "success")
				span.SetAttributes(attribute.String("backend", name))
				send(final)
				return

			case outcomeFailedEarly:
				r.health.MarkUnhealthy(name)
				observability.RecordRouteAttempt(name, elapsed, "error")
				failures = append(failures, name+": "+final.Err)
				logger.Warn().
					Str("backend", name).
					Str("error", final.Err).
					Msg("Backend failed before output, trying next")
				continue

			case outcomeFailedMidStream:
				r.health.MarkUnhealthy(name)
				observability.RecordRouteAttempt(name, elapsed, "error")
				logger.Warn().
					Str("backend", name).
					Str("error", final.Err).
					Msg("Backend failed mid-stream")
				span.RecordError(errors.New(final.Err))
				span.SetStatus(codes.Error, final.Err)
				send(final)
				return

			case outcomeCancelled:
				observability.RecordRouteAttempt(name, elapsed, "cancelled")
				return
			}
		}

		var err error
		if len(failures) == 0 {
			err = ErrNoBackends
		} else {
			err = fmt.Errorf("all backends failed: %s", strings.Join(failures, "; "))
		}
		logger.Error().Err(err).Msg("No backend could serve the request")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		send(stream.Error(err))
	}()

	return out
}

// attempt streams one backend. Content chunks are forwarded through send as
// they arrive; the terminal chunk is returned, not forwarded.
func (r *Router) attempt(ctx context.Context, b Backend, req stream.Request, send func(stream.Chunk) bool) (attemptOutcome, stream.Chunk) {
	timeout := r.timeout
	if t, ok := r.timeouts[b.Name()]; ok {
		timeout = t
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	forwarded := false
	failed := func(msg string) (attemptOutcome, stream.Chunk) {
		c := stream.Errorf("%s", msg)
		c.Backend = b.Name()
		if forwarded {
			return outcomeFailedMidStream, c
		}
		return outcomeFailedEarly, c
	}

	chunks := b.Chat(callCtx, req)
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				if ctx.Err() != nil {
					return outcomeCancelled, stream.Chunk{}
				}
				if callCtx.Err() != nil {
					return failed(fmt.Sprintf("timed out after %s", timeout))
				}
				return failed("stream ended without completion")
			}
			c.Backend = b.Name()
			switch c.Kind {
			case stream.ChunkDone:
				return outcomeDone, c
			case stream.ChunkError:
				if ctx.Err() != nil {
					return outcomeCancelled, stream.Chunk{}
				}
				return failed(c.Err)
			default:
				if !send(c) {
					return outcomeCancelled, stream.Chunk{}
				}
				if c.IsContent() {
					forwarded = true
				}
			}
		case <-callCtx.Done():
			if ctx.Err() != nil {
				return outcomeCancelled, stream.Chunk{}
			}
			return failed(fmt.Sprintf("timed out after %s", timeout))
		}
	}
}

// Complete drains a route into its text. Tool calls are ignored.
func (r *Router) Complete(ctx context.Context, req stream.Request) (string, error) {
	acc := stream.Collect(r.Route(ctx, req))
	if acc.Err() != "" {
		return "", errors.New(acc.Err())
	}
	if !acc.Done() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("route ended without completion")
	}
	return acc.Text(), nil
}
