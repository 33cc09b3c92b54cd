package inference

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultConnectTimeout = 15 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

// WSConnector opens inference streams over a WebSocket endpoint. Each
// OpenStream call dials one connection; outbound envelopes are sent as text
// frames and inbound text frames are surfaced as chunks.
type WSConnector struct {
	URL            string
	Header         http.Header
	Dialer         *websocket.Dialer
	WriteTimeout   time.Duration
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

func (c *WSConnector) OpenStream(ctx context.Context, source ChunkSource) (BidiStream, error) {
	if c == nil || c.URL == "" {
		return nil, fmt.Errorf("inference: ws connector is not configured")
	}
	if source == nil {
		return nil, fmt.Errorf("inference: source must not be nil")
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := c.ConnectTimeout
		if timeout <= 0 {
			timeout = defaultConnectTimeout
		}
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, c.URL, c.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("inference: websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("inference: websocket dial failed: %w", err)
	}

	writeTimeout := c.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	stream := &wsStream{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       c.Logger,
	}
	go stream.pump(ctx, source)
	return stream, nil
}

type wsStream struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// pump drives the outbound side: it pulls chunks from the source until the
// source terminates, then sends a close frame.
func (s *wsStream) pump(ctx context.Context, source ChunkSource) {
	for {
		chunk, ok := source.Next(ctx)
		if !ok {
			s.writeMu.Lock()
			deadline := time.Now().Add(s.writeTimeout)
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			s.writeMu.Unlock()
			return
		}
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		err := s.conn.WriteMessage(websocket.TextMessage, chunk)
		s.writeMu.Unlock()
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("inference outbound write failed", "error", err)
			}
			return
		}
	}
}

func (s *wsStream) Recv() ([]byte, error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}
