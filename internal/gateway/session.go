package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chat/session"
)

// clientSession is one websocket bound to one broker connection. Only the
// writer goroutine writes data frames to ws.
type clientSession struct {
	server  *Server
	ws      *websocket.Conn
	conn    *session.Connection
	limiter *rate.Limiter
	logger  *zap.Logger
}

// runSession registers identity with the broker and pumps frames until the
// socket closes.
func (s *Server) runSession(identity chat.Identity, ws *websocket.Conn, remoteAddr string) {
	start := time.Now()
	defer ws.Close()

	conn, err := s.broker.Connect(identity)
	if err != nil {
		s.logger.Error("registering connection", zap.String("identity", identity.ID), zap.Error(err))
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed"),
			time.Now().Add(s.cfg.WriteTimeout))
		return
	}

	limit := rate.Limit(s.cfg.RateLimit.RPS)
	if s.cfg.RateLimit.RPS <= 0 {
		limit = rate.Inf
	}
	cs := &clientSession{
		server:  s,
		ws:      ws,
		conn:    conn,
		limiter: rate.NewLimiter(limit, s.cfg.RateLimit.Burst),
		logger: s.logger.With(
			zap.String("conn_id", conn.ID),
			zap.String("identity", identity.ID),
		),
	}
	cs.logger.Info("client connected", zap.String("remote_addr", remoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		cs.writeLoop()
	}()

	err = cs.readLoop(s.ctx)

	// Disconnect closes the outbox, which ends the writer after it drains.
	s.broker.Disconnect(conn.ID)
	<-writerDone

	cs.logger.Info("client disconnected",
		zap.Duration("duration", time.Since(start)),
		zap.Uint64("dropped_events", conn.Outbox.Dropped()),
		zap.NamedError("cause", err),
	)
}

// readLoop reads and dispatches frames until the socket fails.
func (cs *clientSession) readLoop(ctx context.Context) error {
	cfg := cs.server.cfg
	cs.ws.SetReadLimit(cfg.MaxMessageBytes)
	_ = cs.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	cs.ws.SetPongHandler(func(string) error {
		return cs.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, data, err := cs.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil
		}
		_ = cs.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

		var f inboundFrame
		parseErr := json.Unmarshal(data, &f)
		if !cs.limiter.Allow() {
			cs.server.metrics.FrameRateLimited()
			cs.reply(errorEvent(f.Type, f.RequestID, "rate limited"))
			continue
		}
		if parseErr != nil || f.Type == "" {
			cs.reply(errorEvent(f.Type, f.RequestID, "malformed frame"))
			continue
		}
		cs.dispatch(ctx, f)
	}
}

// reply enqueues evt on the connection's own outbox so replies stay ordered
// with broker events.
func (cs *clientSession) reply(evt chat.Event) {
	if err := cs.conn.Outbox.Push(evt); err != nil {
		cs.server.metrics.EventDropped()
		cs.logger.Debug("reply dropped", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

// writeLoop drains the outbox to the socket and keeps the connection alive
// with pings. It returns when the outbox is closed or a write fails.
func (cs *clientSession) writeLoop() {
	cfg := cs.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-cs.conn.Outbox.Events():
			if !ok {
				_ = cs.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(cfg.WriteTimeout))
				return
			}
			_ = cs.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := cs.ws.WriteJSON(evt); err != nil {
				cs.logger.Debug("write failed", zap.Error(err))
				cs.ws.Close()
				cs.drain()
				return
			}
		case <-ticker.C:
			if err := cs.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				cs.logger.Debug("ping failed", zap.Error(err))
				cs.ws.Close()
				cs.drain()
				return
			}
		}
	}
}

// drain discards events until the outbox closes, so the writer exits only
// after Disconnect.
func (cs *clientSession) drain() {
	for range cs.conn.Outbox.Events() {
	}
}
