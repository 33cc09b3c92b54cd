package handlers

import (
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shuttlebay/voicelink/pkg/gateway/config"
	"github.com/shuttlebay/voicelink/pkg/gateway/lifecycle"
	"github.com/shuttlebay/voicelink/pkg/inference"
	"github.com/shuttlebay/voicelink/pkg/stream"
	"github.com/shuttlebay/voicelink/pkg/tools"
)

type streamTestHarness struct {
	inference *httptest.Server
	gateway   *httptest.Server
	client    *stream.Client
}

func (h *streamTestHarness) close() {
	h.gateway.Close()
	h.inference.Close()
}

type streamTestOptions struct {
	configure func(*config.Config)
	// inferenceHandler serves the upgraded upstream connection. The
	// default reads frames until the client closes.
	inferenceHandler func(conn *websocket.Conn)
}

func newStreamTestServer(t *testing.T, opts streamTestOptions) (*streamTestHarness, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	serveUpstream := opts.inferenceHandler
	if serveUpstream == nil {
		serveUpstream = func(conn *websocket.Conn) {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}

	upgrader := websocket.Upgrader{}
	fakeInference := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serveUpstream(conn)
	}))

	cfg := config.Config{
		InferenceURL:        "ws" + strings.TrimPrefix(fakeInference.URL, "http"),
		WSMaxMessageBytes:   1 << 20,
		WSMaxAudioBytes:     32 * 1024,
		WSHandshakeTimeout:  2 * time.Second,
		WSPingInterval:      20 * time.Second,
		WSWriteTimeout:      2 * time.Second,
		ReadTimeout:         5 * time.Second,
		DefaultVoiceID:      "tiffany",
		DefaultMaxTokens:    1024,
		DefaultTopP:         0.9,
		DefaultTemperature:  0.7,
		SessionIdleTimeout:  time.Minute,
		SessionReapInterval: time.Minute,
	}
	if opts.configure != nil {
		opts.configure(&cfg)
	}

	connector := &inference.WSConnector{URL: cfg.InferenceURL, WriteTimeout: cfg.WSWriteTimeout}
	bridge := tools.NewKnowledgeBridge(nil, cfg.VariantSources, cfg.RetrievalMaxResults, logger)
	client := stream.NewClient(stream.Config{
		DefaultInference: stream.InferenceConfig{
			MaxTokens:   cfg.DefaultMaxTokens,
			TopP:        cfg.DefaultTopP,
			Temperature: cfg.DefaultTemperature,
		},
		IdleTimeout:    cfg.SessionIdleTimeout,
		ReapInterval:   cfg.SessionReapInterval,
		CloseStepDelay: 5 * time.Millisecond,
		Logger:         logger,
	}, connector, bridge)

	handler := StreamHandler{
		Config:    cfg,
		Client:    client,
		Logger:    logger,
		Lifecycle: &lifecycle.Lifecycle{},
	}
	gw := httptest.NewServer(handler)

	h := &streamTestHarness{inference: fakeInference, gateway: gw, client: client}
	t.Cleanup(h.close)
	return h, "ws" + strings.TrimPrefix(gw.URL, "http")
}

func mustDialWS(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(serverURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func baseStart() map[string]any {
	return map[string]any{"type": "start"}
}

func TestStreamHandler_RejectsNonGet(t *testing.T) {
	_, serverURL := newStreamTestServer(t, streamTestOptions{})

	httpURL := "http" + strings.TrimPrefix(serverURL, "ws")
	resp, err := http.Post(httpURL, "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStreamHandler_RejectsWhileDraining(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)
	handler := StreamHandler{Config: config.Config{}, Logger: logger, Lifecycle: lc}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStreamHandler_RejectsDisallowedOrigin(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := StreamHandler{Config: config.Config{}, Logger: logger, Lifecycle: &lifecycle.Lifecycle{}}

	req := httptest.NewRequest(http.MethodGet, "/v1/stream", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStreamHandler_FirstFrameMustBeStart(t *testing.T) {
	_, serverURL := newStreamTestServer(t, streamTestOptions{})

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, map[string]any{"type": "audio_start"})

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["type"] != "error" || msg["code"] != "bad_request" {
		t.Fatalf("frame = %v", msg)
	}
}

func TestStreamHandler_RejectsUnknownVariant(t *testing.T) {
	_, serverURL := newStreamTestServer(t, streamTestOptions{
		configure: func(cfg *config.Config) {
			cfg.VariantSources = map[string][]string{"booking": {"kb-schedules"}}
		},
	})

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	start := baseStart()
	start["agent_variant"] = "unknown-team"
	mustWriteJSON(t, conn, start)

	msg := mustReadJSON(t, conn, 2*time.Second)
	if msg["type"] != "error" || msg["param"] != "agent_variant" {
		t.Fatalf("frame = %v", msg)
	}
}

func TestStreamHandler_StartForwardsEvents(t *testing.T) {
	_, serverURL := newStreamTestServer(t, streamTestOptions{
		inferenceHandler: func(conn *websocket.Conn) {
			// Wait for the session's opening envelope before emitting.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"textOutput":{"content":"Your shuttle departs at 9:15."}}`))
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		},
	})

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, baseStart())

	started := mustReadJSON(t, conn, 2*time.Second)
	if started["type"] != "started" {
		t.Fatalf("first frame = %v", started)
	}
	if sid, _ := started["session_id"].(string); sid == "" {
		t.Fatalf("missing session_id: %v", started)
	}

	sawText := false
	sawComplete := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !(sawText && sawComplete) {
		msg := mustReadJSON(t, conn, 2*time.Second)
		switch msg["event"] {
		case "textOutput":
			payload, _ := msg["payload"].(map[string]any)
			if payload["content"] != "Your shuttle departs at 9:15." {
				t.Fatalf("payload = %v", payload)
			}
			sawText = true
		case "streamComplete":
			sawComplete = true
		}
	}
	if !sawText || !sawComplete {
		t.Fatalf("sawText=%v sawComplete=%v", sawText, sawComplete)
	}
}

func TestStreamHandler_DuplicateStartIsError(t *testing.T) {
	_, serverURL := newStreamTestServer(t, streamTestOptions{})

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, baseStart())
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "started" {
		t.Fatalf("first frame = %v", msg)
	}

	mustWriteJSON(t, conn, baseStart())
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := mustReadJSON(t, conn, 2*time.Second)
		if msg["type"] == "error" {
			if !strings.Contains(msg["message"].(string), "already started") {
				t.Fatalf("message = %v", msg["message"])
			}
			return
		}
	}
	t.Fatal("no duplicate-start error observed")
}

func TestStreamHandler_OversizedAudioFrameIsError(t *testing.T) {
	_, serverURL := newStreamTestServer(t, streamTestOptions{
		configure: func(cfg *config.Config) {
			cfg.WSMaxAudioBytes = 8
		},
	})

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, baseStart())
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "started" {
		t.Fatalf("first frame = %v", msg)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "audio_start"})
	mustWriteJSON(t, conn, map[string]any{
		"type":     "audio_frame",
		"data_b64": base64.StdEncoding.EncodeToString(make([]byte, 64)),
	})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg := mustReadJSON(t, conn, 2*time.Second)
		if msg["type"] == "error" && msg["param"] == "data_b64" {
			return
		}
	}
	t.Fatal("no oversized-frame error observed")
}

func TestStreamHandler_ControlCloseEndsSession(t *testing.T) {
	h, serverURL := newStreamTestServer(t, streamTestOptions{})

	conn := mustDialWS(t, serverURL)
	defer conn.Close()

	mustWriteJSON(t, conn, baseStart())
	if msg := mustReadJSON(t, conn, 2*time.Second); msg["type"] != "started" {
		t.Fatalf("first frame = %v", msg)
	}

	mustWriteJSON(t, conn, map[string]any{"type": "control", "op": "close"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.client.ActiveSessionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session still active: %d", h.client.ActiveSessionCount())
}
