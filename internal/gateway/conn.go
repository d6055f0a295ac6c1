package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/aide/internal/emitter"
	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/pkg/models"
)

// sendBuffer is how many outbound frames may queue per connection before
// Send starts failing.
const sendBuffer = 64

// clientConn is one websocket connection. The read loop owns sessionID: it
// is written when the register frame arrives and read again only on that
// goroutine.
type clientConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	sessionID string
}

var _ emitter.ClientChannel = (*clientConn)(nil)

func newClientConn(s *Server, conn *websocket.Conn) *clientConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &clientConn{
		server: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// run blocks until the connection drops. Close must precede unregister so
// that a session whose channel lookup already misses can no longer accept
// sends.
func (c *clientConn) run() {
	defer func() {
		c.close()
		c.server.unregister(c.sessionID, c)
	}()
	go c.writeLoop()
	c.readLoop()
}

// close is safe to call from any goroutine, any number of times. The send
// channel is never closed; Send fails through the context instead.
func (c *clientConn) close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.conn.Close() //nolint:errcheck
	})
}

// Send enqueues one frame for the write loop. It never blocks: a full
// buffer or a closed connection returns an error, which the channel
// emitter surfaces as a delivery failure.
func (c *clientConn) Send(ctx context.Context, frame *models.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := frame.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if int64(len(data)) > c.server.cfg.MaxMessageBytes {
		return fmt.Errorf("frame exceeds %d bytes", c.server.cfg.MaxMessageBytes)
	}
	if c.ctx.Err() != nil {
		return errors.New("client connection closed")
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

func (c *clientConn) writeLoop() {
	ticker := time.NewTicker(c.server.cfg.PingInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *clientConn) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout.Std())) //nolint:errcheck
	return c.conn.WriteMessage(messageType, data)
}

func (c *clientConn) readLoop() {
	cfg := c.server.cfg
	c.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout.Std())) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout.Std()))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := models.DecodeFrame(data)
		if err != nil {
			c.server.logger.Warn(c.ctx, "invalid frame dropped", "error", err)
			continue
		}
		c.handleFrame(frame)
	}
}

// handleFrame routes one decoded inbound frame. Frames arriving before
// register, or carrying a different session than the registered one, are
// dropped.
func (c *clientConn) handleFrame(frame *models.Frame) {
	s := c.server
	if s.metrics != nil {
		s.metrics.RecordFrame(string(frame.Type), "inbound")
	}
	ctx := observability.AddSessionID(c.ctx, frame.SessionID)

	if frame.Type == models.FrameRegister {
		c.registerSession(ctx, frame.SessionID)
		return
	}
	if c.sessionID == "" {
		s.logger.Warn(ctx, "frame before register dropped", "frame_type", string(frame.Type))
		return
	}
	if frame.SessionID != c.sessionID {
		s.logger.Warn(ctx, "frame for foreign session dropped",
			"frame_type", string(frame.Type), "registered", c.sessionID)
		return
	}

	var err error
	switch frame.Type {
	case models.FrameTaskResult:
		err = s.router.HandleTaskResult(ctx, frame.SessionID, frame.TaskID, frame.Result)
	case models.FrameTaskBatchResults:
		err = s.router.HandleBatchResults(ctx, frame.SessionID, frame.Results)
	case models.FrameApprovalResponse:
		err = s.router.ResolveApproval(ctx, frame.SessionID, frame.TaskID, *frame.Approved)
	case models.FramePing:
		s.logger.Debug(ctx, "client ping")
	default:
		s.logger.Warn(ctx, "unhandled frame type dropped", "frame_type", string(frame.Type))
	}
	if err != nil {
		s.logger.Warn(ctx, "inbound frame rejected", "frame_type", string(frame.Type), "error", err)
	}
}

func (c *clientConn) registerSession(ctx context.Context, sessionID string) {
	if c.sessionID == sessionID {
		return
	}
	if c.sessionID != "" {
		c.server.unregister(c.sessionID, c)
	}
	c.sessionID = sessionID
	c.server.register(sessionID, c)
	c.server.logger.Info(ctx, "client registered")
}
