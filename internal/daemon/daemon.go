package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/kestrel/internal/config"
	"github.com/harun/kestrel/internal/logger"
	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/agent"
	"github.com/harun/kestrel/pkg/commandqueue"
	"github.com/harun/kestrel/pkg/coretools"
	"github.com/harun/kestrel/pkg/events"
	"github.com/harun/kestrel/pkg/gateway"
	"github.com/harun/kestrel/pkg/heartbeat"
	"github.com/harun/kestrel/pkg/hooks"
	"github.com/harun/kestrel/pkg/memory"
	"github.com/harun/kestrel/pkg/provider"
	"github.com/harun/kestrel/pkg/session"
	"github.com/harun/kestrel/pkg/subagent"
	"github.com/harun/kestrel/pkg/toolexecutor"
	"github.com/harun/kestrel/pkg/workspace"
)

const serviceName = "kestrel"

// Version is stamped on traces and reported by the CLI.
const Version = "0.1.0"

// ModelRouter streams model responses and answers one-shot completions
// for compaction.
type ModelRouter interface {
	agent.Router
	agent.Summarizer
	Close()
}

// newModelRouter builds the failover router from the enabled providers.
var newModelRouter = func(cfg *config.Config, log zerolog.Logger) (ModelRouter, error) {
	enabled := cfg.EnabledProviders()
	backends := make([]provider.BackendConfig, 0, len(enabled))
	for _, p := range enabled {
		backends = append(backends, provider.BackendConfig{
			Name:      p.Name,
			Kind:      p.Kind,
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			Model:     p.Model,
			MaxTokens: cfg.Agent.MaxTokens,
			Priority:  p.Priority,
			Timeout:   p.Timeout(),
			RateLimit: p.RateLimit,
			Burst:     p.Burst,
		})
	}
	return provider.NewRouterFromConfigs(backends, provider.Config{
		Cooldown: cfg.Router.Cooldown(),
		Timeout:  cfg.Router.Timeout(),
		Logger:   log.With().Str("component", "router").Logger(),
	})
}

// Daemon owns every runtime component and their lifecycle.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	bus        *events.Bus
	queue      *commandqueue.CommandQueue
	sessions   *session.Store
	memory     *memory.Store
	workspace  *workspace.Assembler
	allowlist  *toolexecutor.Allowlist
	gate       *toolexecutor.ApprovalGate
	tools      *toolexecutor.ToolExecutor
	router     ModelRouter
	runner     *agent.Runner
	supervisor *subagent.Supervisor

	// Services
	gatewayServer *gateway.Server
	heartbeats    *heartbeat.Service
	cleanup       *session.Cleanup
	hooks         *hooks.Manager

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex
	closeOnce sync.Once

	tracingEnabled bool
}

// Status reports whether the daemon is serving.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New builds the runtime. Nothing listens or schedules until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := tracing.Setup(tracing.Telemetry{ServiceName: serviceName, Version: Version}); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initializeCoreModules builds the modules every command needs
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	if err := observability.OpenAuditLog(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to open audit log, using stderr")
	}

	d.bus = events.NewBus(d.logger.Component("events"))
	d.queue = commandqueue.New(commandqueue.Config{
		Logger:    d.logger.Component("queue"),
		WarnAfter: 30 * time.Second,
	})

	sessions, err := session.New(session.Config{
		Dir:    filepath.Join(cfg.DataDir, "sessions"),
		Logger: d.logger.Component("session"),
	})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	d.sessions = sessions
	d.logger.Info().Int("sessions", sessions.Count()).Msg("Session store initialized")

	mem, err := memory.NewStore(memory.Config{
		DBPath: filepath.Join(cfg.DataDir, "memory.db"),
		Logger: d.logger.Component("memory"),
	})
	if err != nil {
		return fmt.Errorf("failed to create memory store: %w", err)
	}
	d.memory = mem

	if cfg.WorkspacePath != "" {
		assembler, err := workspace.New(workspace.Config{
			Path:   cfg.WorkspacePath,
			Watch:  true,
			Logger: d.logger.Component("workspace"),
		})
		if err != nil {
			return fmt.Errorf("failed to load workspace: %w", err)
		}
		d.workspace = assembler
		d.logger.Info().Str("path", assembler.Path()).Msg("Workspace loaded")
	}

	allowlist, err := toolexecutor.NewAllowlist(filepath.Join(cfg.DataDir, "allowlist.json"), d.logger.Component("allowlist"))
	if err != nil {
		return fmt.Errorf("failed to load allowlist: %w", err)
	}
	d.allowlist = allowlist

	d.gate = toolexecutor.NewApprovalGate(toolexecutor.ApprovalConfig{
		Bus:       d.bus,
		Timeout:   cfg.Approval.Timeout(),
		Allowlist: allowlist,
		Logger:    d.logger.Component("approval"),
	})

	d.tools = toolexecutor.New(toolexecutor.Config{
		Logger:         d.logger.Component("tools"),
		Approver:       d.gate,
		Policy:         &toolexecutor.ToolPolicy{Allow: cfg.Tools.Allow, Deny: cfg.Tools.Deny},
		Autonomous:     cfg.Approval.Autonomous,
		DefaultTimeout: cfg.Tools.Timeout(),
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
	})

	if err := coretools.RegisterCoreTools(d.tools, coretools.Options{
		WorkspaceRoot: d.workspaceRoot(),
		Logger:        d.logger.Component("coretools"),
	}); err != nil {
		return err
	}
	if err := memory.RegisterTools(d.tools, d.memory); err != nil {
		return err
	}

	router, err := newModelRouter(cfg, d.logger.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to create model router: %w", err)
	}
	d.router = router

	runnerCfg := agent.Config{
		Router:   router,
		Tools:    d.tools,
		Sessions: d.sessions,
		Queue:    d.queue,
		Memory:   d.memory,
		Compactor: agent.NewCompactor(agent.CompactorConfig{
			Summarizer: router,
			Threshold:  cfg.Agent.CompactionThreshold,
			MaxTokens:  cfg.Agent.MaxTokens,
			Logger:     d.logger.Component("compaction"),
		}),
		Options: agent.Options{
			MaxTokens:    cfg.Agent.MaxTokens,
			Temperature:  cfg.Agent.Temperature,
			SystemPrompt: cfg.Agent.SystemPrompt,
			MaxTurns:     cfg.Agent.MaxTurns,
			WorkingDir:   d.workspaceRoot(),
			ToolTimeout:  cfg.Tools.Timeout(),
		},
		Logger: d.logger.Component("agent"),
	}
	if d.workspace != nil {
		runnerCfg.Prompt = d.workspace
	}
	runner, err := agent.NewRunner(runnerCfg)
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.runner = runner

	supervisor, err := subagent.New(subagent.Config{
		Runner:        runner,
		Sessions:      d.sessions,
		Bus:           d.bus,
		MaxConcurrent: cfg.Subagents.MaxConcurrent,
		RegistryPath:  filepath.Join(cfg.DataDir, "subagents.json"),
		Logger:        d.logger.Component("subagent"),
	})
	if err != nil {
		return fmt.Errorf("failed to create sub-agent supervisor: %w", err)
	}
	d.supervisor = supervisor
	if err := subagent.RegisterTools(d.tools, supervisor); err != nil {
		return err
	}

	d.logger.Info().Int("tools", d.tools.GetToolCount()).Msg("Core modules initialized")
	return nil
}

// initializeServices builds the long-running services started by Start
func (d *Daemon) initializeServices() error {
	cfg := d.config

	jobs := make([]heartbeat.Job, 0, len(cfg.Heartbeats))
	for _, hb := range cfg.Heartbeats {
		jobs = append(jobs, heartbeat.Job{
			Name:     hb.Name,
			Schedule: hb.Schedule,
			Prompt:   hb.Prompt,
			Enabled:  hb.Enabled,
		})
	}
	heartbeats, err := heartbeat.New(heartbeat.Config{
		Jobs:      jobs,
		Trigger:   d.runner,
		StatePath: filepath.Join(cfg.DataDir, "heartbeats.json"),
		Logger:    d.logger.Component("heartbeat"),
	})
	if err != nil {
		return fmt.Errorf("failed to create heartbeat service: %w", err)
	}
	d.heartbeats = heartbeats

	hookDefs := make([]hooks.Hook, 0, len(cfg.Hooks))
	for _, h := range cfg.Hooks {
		hookDefs = append(hookDefs, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: h.Timeout(),
			Enabled: h.Enabled,
		})
	}
	hookManager, err := hooks.NewManager(hooks.Config{
		Hooks:  hookDefs,
		Bus:    d.bus,
		Logger: d.logger.Component("hooks"),
	})
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.hooks = hookManager

	d.cleanup = session.NewCleanup(d.sessions, d.queue, 0, 0, d.logger.Component("session-cleanup"))

	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			RateLimit:    cfg.Gateway.RateLimit,
			Burst:        cfg.Gateway.Burst,
			Bus:          d.bus,
			Runner:       d.runner,
			Sessions:     d.sessions,
			Memory:       d.memory,
			Approvals:    d.gate,
			Subagents:    d.supervisor,
			Heartbeats:   d.heartbeats,
			Logger:       d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		d.gatewayServer = server
	}

	return nil
}

func (d *Daemon) workspaceRoot() string {
	if d.config.WorkspacePath != "" {
		return d.config.WorkspacePath
	}
	return filepath.Join(d.config.DataDir, "workspace")
}

// Start begins serving: PID file, gateway, heartbeats and maintenance.
func (d *Daemon) Start() (err error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	defer func() {
		if err != nil {
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
		}
	}()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting kestrel daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			_ = d.lifecycle.Stop()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	d.heartbeats.Start()
	logger.Info().Int("jobs", len(d.heartbeats.Jobs())).Msg("Heartbeat service started")

	if err := d.cleanup.Start(d.ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to start session cleanup")
	}

	d.hooks.Start(d.ctx)
	if err := d.hooks.Trigger(d.ctx, hooks.EventDaemonStarted, map[string]interface{}{"pid": os.Getpid()}); err != nil {
		logger.Warn().Err(err).Msg("Startup hook failed")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started")
	return nil
}

// Stop shuts services down and releases every module.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping kestrel daemon")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.hooks.Trigger(shutdownCtx, hooks.EventDaemonStopping, nil); err != nil {
		logger.Warn().Err(err).Msg("Shutdown hook failed")
	}

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	if err := d.heartbeats.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop heartbeat service")
	}

	if d.cleanup.IsRunning() {
		d.cleanup.Stop()
	}

	d.cancel()
	d.hooks.Stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.Close()
	logger.Info().Msg("Daemon stopped")
	return nil
}

// Close releases modules built by New. It is safe to call more than once
// and after Stop.
func (d *Daemon) Close() {
	d.closeOnce.Do(func() {
		d.cancel()

		if d.supervisor != nil {
			if err := d.supervisor.Close(); err != nil {
				d.logger.Error().Err(err).Msg("Failed to close sub-agent supervisor")
			}
		}
		if d.queue != nil {
			if err := d.queue.Close(); err != nil {
				d.logger.Error().Err(err).Msg("Failed to close command queue")
			}
		}
		if d.router != nil {
			d.router.Close()
		}
		if d.workspace != nil {
			if err := d.workspace.Close(); err != nil {
				d.logger.Error().Err(err).Msg("Failed to close workspace")
			}
		}
		if d.memory != nil {
			if err := d.memory.Close(); err != nil {
				d.logger.Error().Err(err).Msg("Failed to close memory store")
			}
		}
		if d.bus != nil {
			d.bus.Close()
		}

		if d.tracingEnabled {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := tracing.Shutdown(ctx); err != nil {
				d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
			}
			cancel()
			d.tracingEnabled = false
		}

		if err := observability.GetAuditLogger().Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close audit log")
		}
	})
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Config returns the daemon configuration
func (d *Daemon) Config() *config.Config { return d.config }

// Bus returns the runtime event bus
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Runner returns the agent runner
func (d *Daemon) Runner() *agent.Runner { return d.runner }

// Sessions returns the session store
func (d *Daemon) Sessions() *session.Store { return d.sessions }

// Memory returns the memory store
func (d *Daemon) Memory() *memory.Store { return d.memory }

// Tools returns the tool executor
func (d *Daemon) Tools() *toolexecutor.ToolExecutor { return d.tools }

// Approvals returns the approval gate
func (d *Daemon) Approvals() *toolexecutor.ApprovalGate { return d.gate }

// Supervisor returns the sub-agent supervisor
func (d *Daemon) Supervisor() *subagent.Supervisor { return d.supervisor }

// Heartbeats returns the heartbeat service
func (d *Daemon) Heartbeats() *heartbeat.Service { return d.heartbeats }

// Gateway returns the gateway server, nil when disabled
func (d *Daemon) Gateway() *gateway.Server { return d.gatewayServer }
