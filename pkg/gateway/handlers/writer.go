package handlers

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// socketWriter serializes all outbound frames for one connection.
// Handlers fire on session goroutines, so frames go through a bounded
// queue and a single writer loop owns the connection for writes.
type socketWriter struct {
	ws           wsWriter
	logger       *slog.Logger
	frames       chan any
	stop         chan struct{}
	done         chan struct{}
	pingInterval time.Duration
	writeTimeout time.Duration
}

func newSocketWriter(ws wsWriter, logger *slog.Logger, pingInterval, writeTimeout time.Duration) *socketWriter {
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &socketWriter{
		ws:           ws,
		logger:       logger,
		frames:       make(chan any, 128),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
}

// Enqueue queues a frame for delivery. Frames are dropped when the
// client cannot keep up; a slow reader must not stall the session.
func (w *socketWriter) Enqueue(frame any) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.frames <- frame:
		return true
	default:
		if w.logger != nil {
			w.logger.Warn("outbound frame dropped", "queue_size", cap(w.frames))
		}
		return false
	}
}

// Stop asks the writer loop to send a close frame and exit.
func (w *socketWriter) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// Done is closed when the writer loop has exited.
func (w *socketWriter) Done() <-chan struct{} {
	return w.done
}

func (w *socketWriter) Run() {
	defer close(w.done)

	pingTicker := time.NewTicker(w.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.stop:
			w.flushPending()
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(w.writeTimeout))
			return
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				return
			}
		case frame := <-w.frames:
			if err := w.writeFrame(frame); err != nil {
				return
			}
		}
	}
}

// flushPending drains a handful of queued frames before the close frame
// so an orderly shutdown does not swallow trailing events.
func (w *socketWriter) flushPending() {
	deadline := time.Now().Add(w.writeTimeout)
	for i := 0; i < 16 && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.frames:
			if err := w.writeFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *socketWriter) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("marshal outbound frame", "error", err)
		}
		return nil
	}
	_ = w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	return w.ws.WriteMessage(websocket.TextMessage, data)
}
