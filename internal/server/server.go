// Package server bridges websocket-connected players to per-session ABR engines.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agleyzer/abrsim/internal/abr"
	"github.com/agleyzer/abrsim/internal/cluster"
	"github.com/agleyzer/abrsim/internal/metrics"
	"github.com/agleyzer/abrsim/internal/variant"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Cluster is the replicated session state the server reads on reconnect.
// *cluster.Manager implements it.
type Cluster interface {
	Session(id string) (cluster.SessionState, bool)
	ForgetSession(id string) error
	GetState() cluster.ClusterState
	NodeID() string
	Peers() []string
	State() string
	IsLeader() bool
	LeaderAddr() string
}

// Options configures a Server.
type Options struct {
	Port int

	// Engine is the template for every session's engine options.
	// SessionID, Logger, Reporter and Observers are filled per session.
	Engine abr.Options

	// Config is the initial shared configuration of every session.
	Config abr.Config

	// Variants is the default catalog, e.g. loaded from a master playlist.
	Variants []variant.Variant

	// Collector exports session metrics; nil disables them.
	Collector *metrics.Collector

	// Gatherer serves /metrics; prometheus.DefaultGatherer if nil.
	Gatherer prometheus.Gatherer

	// Cluster and Replicator are nil when running standalone.
	Cluster    Cluster
	Replicator abr.DecisionObserver

	// MessageRate and MessageBurst limit inbound messages per connection.
	MessageRate  rate.Limit
	MessageBurst int

	// OutboundQueue is the per-connection send buffer size.
	OutboundQueue int
}

func (o *Options) setDefaults() {
	if o.Gatherer == nil {
		o.Gatherer = prometheus.DefaultGatherer
	}
	if o.MessageRate == 0 {
		o.MessageRate = 50
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 100
	}
	if o.OutboundQueue <= 0 {
		o.OutboundQueue = 64
	}
}

// Server hosts ABR sessions over websockets
type Server struct {
	opts       Options
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server

	// baseCtx parents every session; canceled on shutdown
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New creates a new server
func New(opts Options, logger *slog.Logger) *Server {
	opts.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		baseCtx:    ctx,
		cancelBase: cancel,
		sessions:   make(map[string]*session),
	}
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	return s.loggingMiddleware(mux)
}

// Start starts the HTTP server and blocks until ctx is canceled
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.opts.Port),
		Handler: s.Handler(),
	}

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting HTTP server", "port", s.opts.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close ends every open session and waits for them to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancelBase()
	s.wg.Wait()
}

// SessionCount returns the number of connected sessions. Ids reserved by a
// handshake still in progress are not counted.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sess := range s.sessions {
		if sess != nil {
			n++
		}
	}
	return n
}

// handleSession upgrades the request and runs a session until the
// connection closes
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	// Reserve the id before upgrading so a duplicate gets a plain HTTP error
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if _, exists := s.sessions[id]; exists {
		s.mu.Unlock()
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}
	s.sessions[id] = nil
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session", id, "error", err)
		return
	}

	sess, err := newSession(id, conn, s)
	if err != nil {
		s.logger.Error("failed to create session", "session", id, "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		conn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.run(s.baseCtx)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":   "ok",
		"sessions": s.SessionCount(),
	}

	if c := s.opts.Cluster; c != nil {
		health["cluster"] = map[string]interface{}{
			"node_id":             c.NodeID(),
			"peers":               c.Peers(),
			"state":               c.State(),
			"is_leader":           c.IsLeader(),
			"leader":              c.LeaderAddr(),
			"replicated_sessions": len(c.GetState().Sessions),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(health)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", duration,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
