package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shuttlebay/voicelink/pkg/core"
	"github.com/shuttlebay/voicelink/pkg/inference"
)

const (
	defaultIdleTimeout    = 5 * time.Minute
	defaultReapInterval   = time.Minute
	defaultCloseStepDelay = 300 * time.Millisecond
)

// ToolResolver resolves a model-issued tool call for a session's agent
// variant. A returned error is fatal for the session; recoverable problems
// must resolve to a diagnostic value instead.
type ToolResolver interface {
	Resolve(ctx context.Context, variant, toolName string, input map[string]any) (any, error)
}

// Config tunes the client orchestrator.
type Config struct {
	DefaultInference InferenceConfig
	IdleTimeout      time.Duration
	ReapInterval     time.Duration
	CloseStepDelay   time.Duration
	Logger           *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.DefaultInference == (InferenceConfig{}) {
		c.DefaultInference = DefaultInferenceConfig()
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = defaultReapInterval
	}
	if c.CloseStepDelay <= 0 {
		c.CloseStepDelay = defaultCloseStepDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
}

// Client owns every active session: creation, the inbound response loop,
// idle reaping and shutdown. Sessions never reach into each other's state;
// only the client mutates the registry.
type Client struct {
	cfg       Config
	connector inference.Connector
	resolver  ToolResolver
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup

	reapOnce     sync.Once
	reapStop     chan struct{}
	shutdownOnce sync.Once
}

// NewClient creates a client. The connector opens duplex inference streams;
// the resolver serves tool calls.
func NewClient(cfg Config, connector inference.Connector, resolver ToolResolver) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:       cfg,
		connector: connector,
		resolver:  resolver,
		logger:    cfg.Logger,
		sessions:  make(map[string]*Session),
		reapStop:  make(chan struct{}),
	}
}

// StartReaper launches the periodic idle-session sweep. Safe to call once.
func (c *Client) StartReaper() {
	c.reapOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(c.cfg.ReapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.reapIdleSessions()
				case <-c.reapStop:
					return
				}
			}
		}()
	})
}

// CreateStreamSession allocates and registers a session. An empty id is
// replaced with a generated one; a colliding id is an error.
func (c *Client) CreateStreamSession(id string, inferenceCfg *InferenceConfig, variant string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	cfg := c.cfg.DefaultInference
	if inferenceCfg != nil {
		cfg = *inferenceCfg
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.sessions[id]; exists {
		return nil, fmt.Errorf("stream: session %q already exists", id)
	}
	s := newSession(id, variant, cfg, c.logger, c.cfg.now())
	c.sessions[id] = s
	c.wg.Add(1)
	return s, nil
}

// Session returns the registered session for id.
func (c *Client) Session(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, core.NewNotFoundError(fmt.Sprintf("session %q not found", id))
	}
	return s, nil
}

// ActiveSessionCount reports the registry size.
func (c *Client) ActiveSessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// InitiateSession emits the session-start event, opens the duplex stream
// with the session's queue as its body, and runs the inbound response loop
// until the stream ends. Unrecoverable errors dispatch an error event and
// force-close the session.
func (c *Client) InitiateSession(ctx context.Context, id string) error {
	s, err := c.Session(id)
	if err != nil {
		return err
	}

	s.enqueue(sessionStartEvent(s.inference))

	st, err := c.connector.OpenStream(ctx, s.queue)
	if err != nil {
		c.dispatchError(s, "failed to open inference stream", err)
		c.ForceCloseSession(id)
		return err
	}
	defer st.Close()

	if err := c.processResponseStream(ctx, s, st); err != nil {
		c.dispatchError(s, "inference stream processing failed", err)
		if s.IsActive() {
			c.ForceCloseSession(id)
		}
		return err
	}
	return nil
}

// processResponseStream consumes inbound chunks one at a time: decode one
// JSON envelope, dispatch on its single top-level event key.
func (c *Client) processResponseStream(ctx context.Context, s *Session, st inference.BidiStream) error {
	for {
		chunk, err := st.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.dispatch("streamComplete", map[string]any{})
				return nil
			}
			return err
		}
		s.touch(c.cfg.now())

		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(chunk, &envelope); err != nil {
			c.logger.Warn("discarding malformed inbound chunk", "session_id", s.id, "error", err)
			continue
		}

		kind, raw, ok := singleEventKey(envelope)
		if !ok {
			s.dispatch("unknown", map[string]any{"raw": string(chunk)})
			continue
		}

		payload := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				c.logger.Warn("discarding malformed event payload", "session_id", s.id, "event", kind, "error", err)
				continue
			}
		}

		switch kind {
		case "modelStreamErrorException", "internalServerException":
			s.dispatch("error", map[string]any{"source": kind, "details": payload})
		case "toolUse":
			toolUseID, _ := payload["toolUseId"].(string)
			toolName, _ := payload["toolName"].(string)
			s.setToolUse(toolUseID, toolName, payload)
			s.dispatch(kind, payload)
		case "contentEnd":
			s.dispatch(kind, payload)
			if typ, _ := payload["type"].(string); typ == ContentTypeTool {
				if err := c.handleToolEnd(ctx, s); err != nil {
					return err
				}
			}
		default:
			s.dispatch(kind, payload)
		}
	}
}

// singleEventKey extracts the envelope's single top-level event key. Fault
// keys and event keys share the same envelope shape.
func singleEventKey(envelope map[string]json.RawMessage) (string, json.RawMessage, bool) {
	if len(envelope) != 1 {
		return "", nil, false
	}
	for k, v := range envelope {
		return k, v, true
	}
	return "", nil, false
}

// handleToolEnd resolves the cached tool call and pushes the correlated
// tool-result triplet outbound. An error from the resolver (unsupported
// tool) is fatal for the session.
func (c *Client) handleToolEnd(ctx context.Context, s *Session) error {
	toolUseID, toolName, content := s.toolUse()

	s.dispatch("toolEnd", map[string]any{
		"toolUseId": toolUseID,
		"toolName":  toolName,
		"content":   content,
	})

	result, err := c.resolver.Resolve(ctx, s.Variant(), toolName, content)
	if err != nil {
		return fmt.Errorf("resolve tool %q: %w", toolName, err)
	}

	s.dispatch("toolResult", map[string]any{
		"toolUseId": toolUseID,
		"result":    result,
	})

	contentName := uuid.NewString()
	s.enqueue(contentStartToolEvent(s.promptName, contentName, toolUseID))
	s.enqueue(toolResultEvent(s.promptName, contentName, toolUseID, result))
	s.enqueue(contentEndEvent(s.promptName, contentName))
	return nil
}

func (c *Client) dispatchError(s *Session, message string, err error) {
	payload := map[string]any{"message": message}
	if err != nil {
		payload["details"] = err.Error()
	}
	s.dispatch("error", payload)
}

// CloseSession runs the graceful three-step shutdown: content-end, prompt-end
// and session-end with fixed short delays so the remote side can process each
// step, then removes the session from the registry.
func (c *Client) CloseSession(id string) error {
	s, err := c.Session(id)
	if err != nil {
		return err
	}

	delay := c.cfg.CloseStepDelay
	s.EndAudioContent()
	time.Sleep(delay)
	s.EndPrompt()
	time.Sleep(delay)
	s.Close()
	time.Sleep(delay)

	c.removeSession(id, s)
	c.logger.Info("session closed", "session_id", id)
	return nil
}

// ForceCloseSession tears a session down immediately, discarding anything
// still queued. Used for errors and idle timeouts.
func (c *Client) ForceCloseSession(id string) {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	s.Close()
	s.queue.Close()
	c.removeSession(id, s)
	c.logger.Info("session force closed", "session_id", id)
}

func (c *Client) removeSession(id string, s *Session) {
	c.mu.Lock()
	current, ok := c.sessions[id]
	if ok && current == s {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	if ok && current == s {
		s.queue.Close()
		c.wg.Done()
	}
}

// reapIdleSessions force-closes sessions idle beyond the configured
// threshold. Not surfaced to handlers; a log line is the only record.
func (c *Client) reapIdleSessions() {
	now := c.cfg.now()

	c.mu.Lock()
	var idle []string
	for id, s := range c.sessions {
		if s.idleSince(now) > c.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	c.mu.Unlock()

	for _, id := range idle {
		c.logger.Info("reaping idle session", "session_id", id)
		c.ForceCloseSession(id)
	}
}

// Shutdown gracefully closes every active session within the context's
// deadline, then force-closes whatever remains.
func (c *Client) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() { close(c.reapStop) })

	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		go func(id string) {
			if err := c.CloseSession(id); err != nil {
				c.logger.Warn("graceful close failed", "session_id", id, "error", err)
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, id := range ids {
			c.ForceCloseSession(id)
		}
		return ctx.Err()
	}
}
