package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/events"
)

const (
	// SecretHeader carries the shared secret on HTTP RPC calls.
	SecretHeader = "X-Kestrel-Secret"

	maxMessageBytes = 1 << 20
	maxRPCBodyBytes = 1 << 20
)

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// RateLimit is requests per second per client; Burst is the bucket size.
	RateLimit     float64
	Burst         int
	MaxConcurrent int
	TickInterval  time.Duration
	TokenTTL      time.Duration

	Bus        *events.Bus
	Runner     Runner
	Sessions   SessionStore
	Memory     MemorySearcher
	Approvals  ApprovalResolver
	Subagents  SubagentLister
	Heartbeats HeartbeatRunner
	Logger     zerolog.Logger
}

// Server exposes runtime events and RPC methods over websocket and HTTP.
type Server struct {
	host          string
	port          int
	rateLimit     float64
	burst         int
	maxConcurrent int
	tickInterval  time.Duration

	httpServer  *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	tokens      *TokenStore
	broadcaster *EventBroadcaster

	bus        *events.Bus
	runner     Runner
	sessions   SessionStore
	memory     MemorySearcher
	approvals  ApprovalResolver
	subagents  SubagentLister
	heartbeats HeartbeatRunner
	logger     zerolog.Logger

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// NewServer creates a gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}

	observability.EnsureRegistered()

	clients := NewClientRegistry()
	tokens := NewTokenStore(cfg.TokenTTL)
	logger := cfg.Logger.With().Str("component", "gateway").Logger()

	s := &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		rateLimit:     cfg.RateLimit,
		burst:         cfg.Burst,
		maxConcurrent: cfg.MaxConcurrent,
		tickInterval:  cfg.TickInterval,
		clients:       clients,
		router:        NewRPCRouter(),
		authHandler:   NewAuthHandler(cfg.SharedSecret, tokens),
		tokens:        tokens,
		broadcaster:   NewEventBroadcaster(clients, logger),
		bus:           cfg.Bus,
		runner:        cfg.Runner,
		sessions:      cfg.Sessions,
		memory:        cfg.Memory,
		approvals:     cfg.Approvals,
		subagents:     cfg.Subagents,
		heartbeats:    cfg.Heartbeats,
		logger:        logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // clients authenticate with the shared secret
			},
		},
	}

	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP handler serving /ws, /rpc, /metrics and /healthz
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and begins forwarding bus events.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startBackground()
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	if s.bus != nil {
		sub := s.bus.Subscribe(
			events.ApprovalRequested,
			events.ApprovalResolved,
			events.SubagentSpawned,
			events.SubagentCompleted,
		)
		s.bgWG.Add(1)
		go func() {
			defer sub.Close()
			s.forwardEvents(ctx, sub)
		}()
	}

	if s.tickInterval > 0 {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			ticker := time.NewTicker(s.tickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.broadcaster.Broadcast("tick", map[string]interface{}{"status": "alive"})
				}
			}
		}()
	}
}

// Stop gracefully stops the server, waiting for in-flight requests until ctx ends
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	if s.bgCancel != nil {
		s.bgCancel()
	}
	s.bgWG.Wait()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		_ = client.Close()
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	clientID, err := gonanoid.New()
	if err != nil {
		_ = conn.Close()
		return
	}
	client := NewClient(clientID, conn, r.RemoteAddr, NewClientRateLimiter(s.rateLimit, s.burst, s.maxConcurrent))
	s.clients.Add(client)

	s.logger.Info().Str("client_id", clientID).Str("ip", r.RemoteAddr).Msg("Client connected")

	challenge, err := s.authHandler.Issue(client)
	if err == nil {
		err = client.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge})
	}
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth challenge")
		_ = client.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Close()
		s.clients.Remove(client.ID)
		s.tokens.Revoke(client.ID)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}

		client.touch()
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage processes one frame. It returns false when the connection
// must be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.IsAuthenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	allowed, reason := client.RateLimiter.Acquire()
	if !allowed {
		code := RateLimitExceeded
		if reason == reasonTooConcurrent {
			code = TooManyConcurrent
		}
		observability.RecordGatewayRPC(req.Method, "rejected")
		s.sendError(client, req.ID, code, reason)
		return true
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer client.RateLimiter.Release()

		ctx := withCaller(context.Background(), caller{ClientID: client.ID, Transport: "ws", Addr: client.IPAddress})
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("request_id", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)
	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return false
	}

	if !result.Success {
		s.logger.Warn().Str("client_id", client.ID).Str("reason", result.Message).Msg("Authentication failed")
		return client.attempts() < maxAuthAttempts
	}

	s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
	return true
}

// handleRPC serves single-shot HTTP JSON-RPC. Callers present the shared
// secret header or a bearer token issued to a websocket client.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	clientID, ok := s.authorizeHTTP(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		resp := errorResponse("", ParseError, err.Error())
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			resp = errorResponse("", rpcErr.Code, rpcErr.Message)
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(r.Context(), traceID)
	ctx = withCaller(ctx, caller{ClientID: clientID, Transport: "http", Addr: r.RemoteAddr})
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	s.inFlightReqs.Add(1)
	resp := s.router.RouteRequest(ctx, req)
	s.inFlightReqs.Done()

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// authorizeHTTP returns the websocket client a bearer token belongs to;
// the shared secret authorizes without a client.
func (s *Server) authorizeHTTP(r *http.Request) (string, bool) {
	if s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		return "", true
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return s.tokens.Validate(strings.TrimSpace(token))
	}
	return "", false
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, code, message)); err != nil {
		s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Failed to send error response")
	}
}

// Broadcast sends an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
