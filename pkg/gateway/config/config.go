// Package config loads gateway configuration from VOICELINK_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS / WebSocket origin checks. Empty => any origin.
	AllowedOrigins map[string]struct{}

	// Client WebSocket limits.
	WSMaxMessageBytes  int64
	WSMaxAudioBytes    int
	WSHandshakeTimeout time.Duration
	WSPingInterval     time.Duration
	WSWriteTimeout     time.Duration

	// Session lifecycle.
	SessionIdleTimeout  time.Duration
	SessionReapInterval time.Duration
	CloseStepDelay      time.Duration
	ShutdownGracePeriod time.Duration

	// Inference stream endpoint.
	InferenceURL            string
	InferenceAPIKey         string
	InferenceConnectTimeout time.Duration

	// Default inference parameters.
	DefaultMaxTokens   int
	DefaultTopP        float64
	DefaultTemperature float64
	DefaultVoiceID     string

	// Knowledge retrieval.
	RetrievalBaseURL    string
	RetrievalAPIKey     string
	RetrievalMaxResults int

	// Agent variant -> knowledge source IDs.
	VariantSources map[string][]string

	// Operational defaults.
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                    envOr("VOICELINK_ADDR", ":8080"),
		AuthMode:                AuthMode(envOr("VOICELINK_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                 make(map[string]struct{}),
		AllowedOrigins:          make(map[string]struct{}),
		WSMaxMessageBytes:       envInt64Or("VOICELINK_WS_MAX_MESSAGE_BYTES", 256*1024),
		WSMaxAudioBytes:         envIntOr("VOICELINK_WS_MAX_AUDIO_BYTES", 32*1024),
		WSHandshakeTimeout:      envDurationOr("VOICELINK_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSPingInterval:          envDurationOr("VOICELINK_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:          envDurationOr("VOICELINK_WS_WRITE_TIMEOUT", 5*time.Second),
		SessionIdleTimeout:      envDurationOr("VOICELINK_SESSION_IDLE_TIMEOUT", 5*time.Minute),
		SessionReapInterval:     envDurationOr("VOICELINK_SESSION_REAP_INTERVAL", time.Minute),
		CloseStepDelay:          envDurationOr("VOICELINK_CLOSE_STEP_DELAY", 300*time.Millisecond),
		ShutdownGracePeriod:     envDurationOr("VOICELINK_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		InferenceURL:            envOr("VOICELINK_INFERENCE_URL", ""),
		InferenceAPIKey:         envOr("VOICELINK_INFERENCE_API_KEY", ""),
		InferenceConnectTimeout: envDurationOr("VOICELINK_INFERENCE_CONNECT_TIMEOUT", 15*time.Second),
		DefaultMaxTokens:        envIntOr("VOICELINK_DEFAULT_MAX_TOKENS", 1024),
		DefaultTopP:             envFloat64Or("VOICELINK_DEFAULT_TOP_P", 0.9),
		DefaultTemperature:      envFloat64Or("VOICELINK_DEFAULT_TEMPERATURE", 0.7),
		DefaultVoiceID:          envOr("VOICELINK_DEFAULT_VOICE_ID", "tiffany"),
		RetrievalBaseURL:        envOr("VOICELINK_RETRIEVAL_BASE_URL", ""),
		RetrievalAPIKey:         envOr("VOICELINK_RETRIEVAL_API_KEY", ""),
		RetrievalMaxResults:     envIntOr("VOICELINK_RETRIEVAL_MAX_RESULTS", 5),
		VariantSources:          make(map[string][]string),
		ReadHeaderTimeout:       envDurationOr("VOICELINK_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:             envDurationOr("VOICELINK_READ_TIMEOUT", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOICELINK_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("VOICELINK_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOICELINK_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	variants, err := parseVariantSources(os.Getenv("VOICELINK_KB_SOURCES"))
	if err != nil {
		return Config{}, err
	}
	cfg.VariantSources = variants

	if strings.TrimSpace(cfg.InferenceURL) == "" {
		return Config{}, fmt.Errorf("VOICELINK_INFERENCE_URL must not be empty")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WSMaxAudioBytes <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_WS_MAX_AUDIO_BYTES must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if cfg.SessionReapInterval <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_SESSION_REAP_INTERVAL must be > 0")
	}
	if cfg.CloseStepDelay <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_CLOSE_STEP_DELAY must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.DefaultMaxTokens <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_DEFAULT_MAX_TOKENS must be > 0")
	}
	if cfg.RetrievalMaxResults <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_RETRIEVAL_MAX_RESULTS must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_READ_TIMEOUT must be > 0")
	}
	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VOICELINK_API_KEYS must be set when VOICELINK_AUTH_MODE=required")
	}

	return cfg, nil
}

// parseVariantSources parses "variant:id1|id2,variant2:id3" into a map.
func parseVariantSources(raw string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range splitCSV(raw) {
		variant, ids, ok := strings.Cut(entry, ":")
		variant = strings.TrimSpace(variant)
		if !ok || variant == "" {
			return nil, fmt.Errorf("VOICELINK_KB_SOURCES entry %q must look like variant:id1|id2", entry)
		}
		var sources []string
		for _, id := range strings.Split(ids, "|") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			sources = append(sources, id)
		}
		if len(sources) == 0 {
			return nil, fmt.Errorf("VOICELINK_KB_SOURCES entry %q has no source ids", entry)
		}
		out[variant] = sources
	}
	return out, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
