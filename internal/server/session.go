package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/abrsim/internal/abr"
	"github.com/agleyzer/abrsim/internal/cluster"
	"github.com/agleyzer/abrsim/internal/monitor"
	"github.com/agleyzer/abrsim/internal/variant"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
)

// session binds one websocket connection to one engine.
type session struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	engine   *abr.Engine
	limiter  *rate.Limiter
	outbound chan Envelope
	logger   *slog.Logger

	// restore holds replicated state until a catalog arrives to apply it to
	restore *cluster.SessionState
}

func newSession(id string, conn *websocket.Conn, srv *Server) (*session, error) {
	s := &session{
		id:       id,
		conn:     conn,
		server:   srv,
		limiter:  rate.NewLimiter(srv.opts.MessageRate, srv.opts.MessageBurst),
		outbound: make(chan Envelope, srv.opts.OutboundQueue),
		logger:   srv.logger.With("session", id),
	}

	opts := srv.opts.Engine
	opts.SessionID = id
	opts.Logger = srv.logger

	reporters := monitor.MultiReporter{monitor.ReporterFunc(s.sendStats)}
	if opts.Reporter != nil {
		reporters = append(reporters, opts.Reporter)
	}
	observers := append([]abr.DecisionObserver(nil), opts.Observers...)
	if c := srv.opts.Collector; c != nil {
		reporters = append(reporters, c)
		observers = append(observers, c)
	}
	if r := srv.opts.Replicator; r != nil {
		observers = append(observers, r)
	}
	opts.Reporter = reporters
	opts.Observers = observers

	engine, err := abr.New(opts)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	s.engine = engine

	cfg := srv.opts.Config
	if c := srv.opts.Cluster; c != nil {
		if state, ok := c.Session(id); ok {
			cfg.Restrictions.MaxBandwidth = state.MaxBandwidth
			cfg.RestrictToScreenSize = state.RestrictToScreenSize
			s.restore = &state
		}
	}
	if err := engine.Configure(&cfg); err != nil {
		return nil, fmt.Errorf("configure engine: %w", err)
	}
	engine.SetSwitchCallback(s.sendSwitch)

	if len(srv.opts.Variants) > 0 {
		s.applyVariants(srv.opts.Variants)
	}

	return s, nil
}

// run serves the connection until it closes or ctx is canceled.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Unblock the read loop on shutdown
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	writerDone := make(chan struct{})
	go s.writeLoop(writerDone)

	if err := s.engine.Start(ctx); err != nil {
		s.logger.Error("failed to start engine", "error", err)
	}
	s.logger.Info("session started")

	ended := s.readLoop()

	// No callback or report can fire once Stop returns, so outbound is safe to close
	s.engine.Stop()
	close(s.outbound)
	<-writerDone

	if ended {
		s.forget()
	}
	if c := s.server.opts.Collector; c != nil {
		c.Forget(s.id)
	}

	s.logger.Info("session closed", "ended", ended)
}

// readLoop handles inbound messages. It reports whether the host ended the
// session explicitly.
func (s *session) readLoop() bool {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return false
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !s.limiter.Allow() {
			s.sendError("rate limit exceeded")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(fmt.Sprintf("invalid message: %v", err))
			continue
		}

		if env.Type == TypeEnd {
			return true
		}

		if err := s.handle(env); err != nil {
			s.logger.Debug("rejected message", "type", env.Type, "error", err)
			s.sendError(err.Error())
		}
	}
}

func (s *session) handle(env Envelope) error {
	switch env.Type {
	case TypeVariants:
		var msgs []VariantMessage
		if err := decode(env, &msgs); err != nil {
			return err
		}
		variants := toVariants(msgs)
		if err := variant.Validate(variants); err != nil {
			return err
		}
		s.applyVariants(variants)
		return nil

	case TypeConfigure:
		var msg ConfigureMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		if msg.LowBufferThreshold != 0 || msg.HighBufferThreshold != 0 {
			if err := s.engine.SetThresholds(msg.LowBufferThreshold, msg.HighBufferThreshold); err != nil {
				return err
			}
		}
		// Engine-owned fields carry over from the current configuration
		cfg, _ := s.engine.Configuration()
		cfg.SafeMarginSwitch = msg.SafeMarginSwitch
		cfg.ClearBufferSwitch = msg.ClearBufferSwitch
		return s.engine.Configure(&cfg)

	case TypeBuffer:
		var msg BufferMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		_, _, err := s.engine.EvaluateBuffer(msg.Fullness)
		return err

	case TypeSegment:
		var msg SegmentMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		req := msg.request(time.Now())
		delta := msToDuration(msg.DeltaTimeMs)

		if msg.BufferFullness == nil {
			return s.engine.OnSegmentDownloaded(delta, msg.Bytes, msg.AllowSwitch, req)
		}
		if err := s.engine.OnSegmentDownloaded(delta, msg.Bytes, false, req); err != nil {
			return err
		}
		if msg.AllowSwitch {
			_, _, err := s.engine.EvaluateBuffer(*msg.BufferFullness)
			return err
		}
		return nil

	case TypeFailure:
		var msg FailureMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		s.engine.OnResponseFailure(msg.URI, msg.Status)
		return nil

	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
}

func decode(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s message has no data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("invalid %s message: %w", env.Type, err)
	}
	return nil
}

// applyVariants installs a catalog and, the first time one arrives, the
// replicated quality index.
func (s *session) applyVariants(variants []variant.Variant) {
	s.engine.SetVariants(variants)

	if s.restore == nil || len(variants) == 0 {
		return
	}
	if err := s.engine.RestoreIndex(s.restore.Index); err != nil {
		s.logger.Warn("replicated quality index not restored", "index", s.restore.Index, "error", err)
	} else {
		s.logger.Info("restored quality index", "index", s.restore.Index)
	}
	s.restore = nil
}

// forget drops the replicated state of an ended session.
func (s *session) forget() {
	c := s.server.opts.Cluster
	if c == nil {
		return
	}
	err := c.ForgetSession(s.id)
	switch {
	case err == nil:
	case errors.Is(err, cluster.ErrNotLeader):
		s.logger.Debug("not leader, session state kept")
	default:
		s.logger.Error("failed to forget session", "error", err)
	}
}

func (s *session) writeLoop(done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				s.writeFailed(err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.writeFailed(err)
				return
			}
		}
	}
}

// writeFailed closes a broken connection and discards queued messages until
// the session shuts the queue.
func (s *session) writeFailed(err error) {
	s.logger.Debug("websocket write failed", "error", err)
	s.conn.Close()
	for range s.outbound {
	}
}

// sendSwitch is the engine's switch callback. It runs under the engine lock
// and must not block.
func (s *session) sendSwitch(v variant.Variant, safeMarginSwitch, clearBufferSwitch bool) {
	s.send(TypeSwitch, SwitchMessage{
		VariantMessage: VariantMessage{
			Bandwidth:  v.Bandwidth,
			Resolution: v.Resolution,
			Codecs:     v.Codecs,
			URI:        v.PlaylistURL,
		},
		SafeMarginSwitch:  safeMarginSwitch,
		ClearBufferSwitch: clearBufferSwitch,
	})
}

func (s *session) sendStats(r monitor.Report) {
	s.send(TypeStats, newStatsMessage(r))
}

func (s *session) sendError(message string) {
	s.send(TypeError, ErrorMessage{Message: message})
}

func (s *session) send(msgType string, data any) {
	env, err := encode(msgType, data)
	if err != nil {
		s.logger.Error("failed to encode message", "type", msgType, "error", err)
		return
	}

	select {
	case s.outbound <- env:
	default:
		s.logger.Warn("outbound queue full, dropping message", "type", msgType)
	}
}
