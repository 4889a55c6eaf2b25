package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"supportchat-ws/internal/coordinator"
	"supportchat-ws/internal/domain"

	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	sendBuffer   = 256
	joinTimeout  = 10 * time.Second
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// connSink is the registry sink of one websocket. Frames are queued and written
// by the connection's write pump.
type connSink struct {
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnSink(size int) *connSink {
	return &connSink{
		out:  make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Send never blocks; a full buffer rejects the frame.
func (s *connSink) Send(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *connSink) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

type WSManager struct {
	coord *coordinator.Coordinator
	rps   rate.Limit
	burst int
}

func NewWSManager(coord *coordinator.Coordinator, eventsPerSecond float64, burst int) *WSManager {
	if burst <= 0 {
		burst = 1
	}
	return &WSManager{
		coord: coord,
		rps:   rate.Limit(eventsPerSecond),
		burst: burst,
	}
}

// HandleConnection runs one websocket from its user:join frame until it closes.
func (w *WSManager) HandleConnection(c *websocket.Conn) {
	defer c.Close()

	ident, ok := c.Locals(identityKey).(domain.Identity)
	if !ok {
		return
	}
	ctx := context.Background()

	_ = c.SetReadDeadline(time.Now().Add(joinTimeout))
	_, raw, err := c.ReadMessage()
	if err != nil {
		log.Debug().Err(err).Str("user_id", ident.UserID).Msg("websocket closed before join")
		return
	}
	p, err := w.coord.DecodeJoin(raw)
	if err != nil {
		w.sendErrorResponse(c, domain.EventUserJoin, err)
		return
	}

	sink := newConnSink(sendBuffer)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		w.writePump(c, sink)
	}()
	defer func() {
		sink.Close()
		<-pumpDone
	}()

	connID, err := w.coord.Join(ctx, ident, p, sink)
	if err != nil {
		// The pump flushes the error frame before closing.
		if frame, ok := errorFrame(domain.EventUserJoin, err); ok {
			sink.Send(frame)
		}
		log.Warn().Err(err).Str("user_id", ident.UserID).Msg("websocket join rejected")
		return
	}
	defer w.coord.Leave(connID)

	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(w.rps, w.burst)
	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("conn_id", connID).Msg("websocket read error")
			}
			break
		}
		_ = c.SetReadDeadline(time.Now().Add(pongWait))

		if !limiter.Allow() {
			w.coord.Fail(connID, "", domain.ErrRateLimited)
			continue
		}
		if err := w.coord.Dispatch(ctx, connID, raw); errors.Is(err, domain.ErrUnknownConnection) {
			// Evicted elsewhere, e.g. a full send buffer.
			break
		}
	}
}

// writePump is the only writer of c. It exits when the sink is closed or a
// write fails.
func (w *WSManager) writePump(c *websocket.Conn, sink *connSink) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-sink.out:
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				sink.Close()
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				sink.Close()
				_ = c.Close()
				return
			}
		case <-sink.done:
			w.flush(c, sink)
			_ = c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			// Unblocks the read loop when the close came from the server side.
			_ = c.Close()
			return
		}
	}
}

// flush writes frames still queued when the sink closed.
func (w *WSManager) flush(c *websocket.Conn, sink *connSink) {
	for {
		select {
		case frame := <-sink.out:
			_ = c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func errorFrame(event string, err error) ([]byte, bool) {
	code := domain.ErrorCode(err)
	message := err.Error()
	if code == "internal" {
		message = "internal error"
	}
	frame, encErr := domain.EncodeFrame(domain.EventError, domain.ErrorResponse{Code: code, Message: message, Event: event})
	return frame, encErr == nil
}

// sendErrorResponse writes an error frame directly; used before the connection
// has a write pump.
func (w *WSManager) sendErrorResponse(c *websocket.Conn, event string, err error) {
	log.Warn().Err(err).Msg("websocket join rejected")
	frame, ok := errorFrame(event, err)
	if !ok {
		return
	}
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Debug().Err(err).Msg("failed to send error response")
	}
}
