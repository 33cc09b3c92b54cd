package handlers

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shuttlebay/voicelink/pkg/core"
	"github.com/shuttlebay/voicelink/pkg/gateway/config"
	"github.com/shuttlebay/voicelink/pkg/gateway/lifecycle"
	"github.com/shuttlebay/voicelink/pkg/gateway/mw"
	"github.com/shuttlebay/voicelink/pkg/gateway/wsproto"
	"github.com/shuttlebay/voicelink/pkg/stream"
)

// forwardedEvents are the session events relayed to the client verbatim.
var forwardedEvents = []string{
	"contentStart",
	"textOutput",
	"audioOutput",
	"contentEnd",
	"toolUse",
	"toolEnd",
	"toolResult",
}

// StreamHandler handles /v1/stream websocket sessions.
type StreamHandler struct {
	Config    config.Config
	Client    *stream.Client
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !h.originAllowed(r) {
		reqID, _ := mw.RequestIDFrom(r.Context())
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin"}, http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	handshakeTimeout := h.Config.WSHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read start frame", "")
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be start", "")
		return
	}

	decoded, err := wsproto.DecodeClientFrame(firstFrame)
	if err != nil {
		code, param := decodeErrorParts(err)
		h.writeWSError(conn, code, "invalid start frame: "+err.Error(), param)
		return
	}
	start, ok := decoded.(wsproto.ClientStart)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be start", "")
		return
	}

	variant := strings.TrimSpace(start.AgentVariant)
	if variant != "" && len(h.Config.VariantSources) > 0 {
		if _, known := h.Config.VariantSources[variant]; !known {
			h.writeWSError(conn, "bad_request", "unknown agent_variant", "agent_variant")
			return
		}
	}

	infCfg := stream.InferenceConfig{
		MaxTokens:   h.Config.DefaultMaxTokens,
		TopP:        h.Config.DefaultTopP,
		Temperature: h.Config.DefaultTemperature,
	}
	if start.MaxTokens > 0 {
		infCfg.MaxTokens = start.MaxTokens
	}
	if start.TopP != nil {
		infCfg.TopP = *start.TopP
	}
	if start.Temperature != nil {
		infCfg.Temperature = *start.Temperature
	}

	s, err := h.Client.CreateStreamSession("", &infCfg, variant)
	if err != nil {
		h.writeWSError(conn, "internal", "failed to create session", "")
		return
	}
	sessionID := s.ID()

	voiceID := strings.TrimSpace(start.VoiceID)
	if voiceID == "" {
		voiceID = h.Config.DefaultVoiceID
	}
	s.SetVoice(voiceID)
	if userID := strings.TrimSpace(start.UserID); userID != "" {
		s.SetUser(userID)
	}

	logger := h.Logger
	if logger != nil {
		logger = logger.With("session_id", sessionID)
	}

	writer := newSocketWriter(conn, logger, h.Config.WSPingInterval, h.Config.WSWriteTimeout)
	go writer.Run()
	defer writer.Stop()

	for _, name := range forwardedEvents {
		eventName := name
		s.OnEvent(eventName, func(payload map[string]any) {
			writer.Enqueue(wsproto.Event(eventName, payload))
		})
	}
	s.OnEvent("error", func(payload map[string]any) {
		source, _ := payload["source"].(string)
		writer.Enqueue(wsproto.ErrorFrame("inference_error", "inference stream error", source))
	})
	s.OnEvent("streamComplete", func(payload map[string]any) {
		writer.Enqueue(wsproto.Event("streamComplete", payload))
	})

	writer.Enqueue(wsproto.Started(sessionID))

	s.SetupPromptStart()
	s.SetupSystemPrompt(nil, start.SystemPrompt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = h.Client.InitiateSession(ctx, sessionID)
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.readTimeout()))
	})

	graceful := h.readLoop(conn, s, writer)

	if graceful {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = h.Client.CloseSession(sessionID)
		}()
		select {
		case <-done:
		case <-closeCtx.Done():
			h.Client.ForceCloseSession(sessionID)
		}
	} else {
		h.Client.ForceCloseSession(sessionID)
	}

	writer.Stop()
	select {
	case <-writer.Done():
	case <-time.After(h.readTimeout()):
	}
}

// readLoop relays client frames into the session until the socket closes.
// It reports whether the connection ended in an orderly way.
func (h StreamHandler) readLoop(conn *websocket.Conn, s *stream.Session, writer *socketWriter) bool {
	maxAudioBytes := h.Config.WSMaxAudioBytes
	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout()))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		decoded, err := wsproto.DecodeClientFrame(data)
		if err != nil {
			code, param := decodeErrorParts(err)
			writer.Enqueue(wsproto.ErrorFrame(code, err.Error(), param))
			continue
		}

		switch msg := decoded.(type) {
		case wsproto.ClientStart:
			writer.Enqueue(wsproto.ErrorFrame("bad_request", "session already started", "type"))
		case wsproto.ClientAudioStart:
			s.SetupStartAudio(nil)
		case wsproto.ClientAudioFrame:
			chunk, decErr := base64.StdEncoding.DecodeString(msg.DataB64)
			if decErr != nil {
				writer.Enqueue(wsproto.ErrorFrame("bad_request", "audio_frame.data_b64 is not valid base64", "data_b64"))
				continue
			}
			if maxAudioBytes > 0 && len(chunk) > maxAudioBytes {
				writer.Enqueue(wsproto.ErrorFrame("bad_request", "audio frame exceeds size limit", "data_b64"))
				continue
			}
			s.StreamAudio(chunk)
		case wsproto.ClientAudioEnd:
			s.EndAudioContent()
		case wsproto.ClientControl:
			switch msg.Op {
			case wsproto.ControlStopAudio:
				s.ClearPendingAudio()
			case wsproto.ControlSetVoice:
				s.SetVoice(msg.VoiceID)
			case wsproto.ControlSetUser:
				s.SetUser(msg.UserID)
			case wsproto.ControlClose:
				return true
			}
		}
	}
}

func (h StreamHandler) readTimeout() time.Duration {
	if h.Config.ReadTimeout > 0 {
		return h.Config.ReadTimeout
	}
	return 30 * time.Second
}

func (h StreamHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.AllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.AllowedOrigins[origin]
	return ok
}

func (h StreamHandler) writeWSError(conn *websocket.Conn, code, message, param string) {
	_ = conn.WriteJSON(wsproto.ErrorFrame(code, message, param))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}

func decodeErrorParts(err error) (code, param string) {
	if decodeErr, ok := err.(*wsproto.DecodeError); ok {
		return decodeErr.Code, decodeErr.Param
	}
	return "bad_request", ""
}
