// Package wsproto defines the JSON frames exchanged with browser and
// kiosk clients over the /v1/stream WebSocket.
package wsproto

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientStart opens a session. It must be the first frame on the socket.
type ClientStart struct {
	Type         string   `json:"type"`
	AgentVariant string   `json:"agent_variant,omitempty"`
	VoiceID      string   `json:"voice_id,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// ClientAudioFrame carries one chunk of base64 LPCM microphone audio.
type ClientAudioFrame struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

// ClientAudioStart tells the gateway the client is about to stream audio.
type ClientAudioStart struct {
	Type string `json:"type"`
}

// ClientAudioEnd closes the current audio input turn.
type ClientAudioEnd struct {
	Type string `json:"type"`
}

// ClientControl carries session-level operations: barge-in audio clear,
// voice/user changes, and orderly close.
type ClientControl struct {
	Type    string `json:"type"`
	Op      string `json:"op"`
	VoiceID string `json:"voice_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
}

const (
	ControlStopAudio = "stop_audio"
	ControlSetVoice  = "set_voice"
	ControlSetUser   = "set_user"
	ControlClose     = "close"
)

// DecodeClientFrame parses one inbound text frame into its typed message.
func DecodeClientFrame(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "start":
		var msg ClientStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if msg.MaxTokens < 0 {
			return nil, badRequest("start.max_tokens must be >= 0", "max_tokens")
		}
		if msg.TopP != nil && (*msg.TopP <= 0 || *msg.TopP > 1) {
			return nil, badRequest("start.top_p must be in (0, 1]", "top_p")
		}
		if msg.Temperature != nil && (*msg.Temperature < 0 || *msg.Temperature > 2) {
			return nil, badRequest("start.temperature must be in [0, 2]", "temperature")
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "audio_start":
		var msg ClientAudioStart
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_start", "")
		}
		return msg, nil
	case "audio_end":
		var msg ClientAudioEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_end", "")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case ControlStopAudio, ControlClose:
		case ControlSetVoice:
			if strings.TrimSpace(msg.VoiceID) == "" {
				return nil, badRequest("control.voice_id is required", "voice_id")
			}
		case ControlSetUser:
			if strings.TrimSpace(msg.UserID) == "" {
				return nil, badRequest("control.user_id is required", "user_id")
			}
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ServerStarted acknowledges a start frame.
type ServerStarted struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ServerEvent forwards one session event to the client.
type ServerEvent struct {
	Type    string         `json:"type"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ServerError reports a protocol or session failure.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

func Started(sessionID string) ServerStarted {
	return ServerStarted{Type: "started", SessionID: sessionID}
}

func Event(name string, payload map[string]any) ServerEvent {
	return ServerEvent{Type: "event", Event: name, Payload: payload}
}

func ErrorFrame(code, message, param string) ServerError {
	return ServerError{Type: "error", Code: code, Message: message, Param: param}
}
