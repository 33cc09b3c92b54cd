package stream

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WildcardEvent receives every dispatched event regardless of type.
const WildcardEvent = "any"

// Handler is a callback for one inbound event type.
type Handler func(payload map[string]any)

const (
	// maxAudioQueueChunks bounds pending microphone audio per session.
	// When full the oldest chunk is dropped: for live speech, freshness
	// beats completeness.
	maxAudioQueueChunks = 200

	// audioDrainBatch is how many chunks one drain pass serializes before
	// yielding so other sessions are not starved.
	audioDrainBatch = 5
)

// DefaultSystemPrompt is used when the transport does not inject its own.
const DefaultSystemPrompt = "You are a voice assistant for a shuttle service. " +
	"Help riders book trips and answer questions about schedules, stops and " +
	"policies. Keep spoken responses short. Use the knowledge base tool when " +
	"a question needs factual shuttle information."

// Session is the per-conversation handle. It owns the outbound event queue,
// the registered event handlers and the audio buffering policy. All mutating
// operations on an inactive session are silent no-ops: the remote side may
// already have torn the stream down.
type Session struct {
	id     string
	logger *slog.Logger
	queue  *EventQueue

	promptName       string
	audioContentName string
	inference        InferenceConfig

	mu              sync.Mutex
	active          bool
	promptStartSent bool
	audioStartSent  bool
	handlers        map[string]Handler
	variant         string
	voiceID         string
	userID          string

	audioMu    sync.Mutex
	audioQueue [][]byte
	draining   bool

	toolMu      sync.Mutex
	toolUseID   string
	toolName    string
	toolContent map[string]any

	lastActivity atomic.Int64 // unix nanoseconds
}

func newSession(id, variant string, inference InferenceConfig, logger *slog.Logger, now time.Time) *Session {
	s := &Session{
		id:               id,
		logger:           logger,
		queue:            newEventQueue(),
		promptName:       uuid.NewString(),
		audioContentName: uuid.NewString(),
		inference:        inference,
		active:           true,
		handlers:         make(map[string]Handler),
		variant:          variant,
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// PromptName returns the prompt correlation token generated for the session.
func (s *Session) PromptName() string { return s.promptName }

// Variant returns the session's agent variant.
func (s *Session) Variant() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variant
}

// SetVariant overrides the agent variant used for tool resolution.
func (s *Session) SetVariant(variant string) {
	s.mu.Lock()
	s.variant = variant
	s.mu.Unlock()
}

// SetVoice selects the synthesized voice declared at prompt start.
func (s *Session) SetVoice(voiceID string) {
	s.mu.Lock()
	s.voiceID = voiceID
	s.mu.Unlock()
}

// SetUser records the rider identity the system prompt is personalized with.
func (s *Session) SetUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// IsActive reports whether the session still accepts operations.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// OnEvent registers the handler for an inbound event type, replacing any
// previous handler for that type. Returns the session for chaining.
func (s *Session) OnEvent(eventType string, handler Handler) *Session {
	s.mu.Lock()
	s.handlers[eventType] = handler
	s.mu.Unlock()
	return s
}

// dispatch invokes the handler registered for eventType plus the wildcard
// handler. A panicking handler is logged and never aborts dispatch.
func (s *Session) dispatch(eventType string, payload map[string]any) {
	s.mu.Lock()
	handler := s.handlers[eventType]
	wildcard := s.handlers[WildcardEvent]
	s.mu.Unlock()

	if handler != nil {
		s.invoke(eventType, handler, payload)
	}
	if wildcard != nil {
		s.invoke(eventType, wildcard, payload)
	}
}

func (s *Session) invoke(eventType string, handler Handler, payload map[string]any) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Error("event handler panicked", "session_id", s.id, "event", eventType, "panic", v)
		}
	}()
	handler(payload)
}

// enqueue pushes an outbound event unless the session is inactive.
func (s *Session) enqueue(ev Event) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		s.logger.Debug("dropping event for inactive session", "session_id", s.id, "event", ev.Kind())
		return
	}
	s.queue.Push(ev)
}

// SetupPromptStart declares output modalities and the single permitted
// retrieval tool.
func (s *Session) SetupPromptStart() {
	s.mu.Lock()
	voiceID := s.voiceID
	s.promptStartSent = true
	s.mu.Unlock()

	s.enqueue(promptStartEvent(s.promptName, DefaultAudioOutputConfig(voiceID)))
}

// SetupSystemPrompt injects the system prompt as a TEXT content block. A nil
// textConfig and empty content fall back to defaults.
func (s *Session) SetupSystemPrompt(textConfig *TextConfig, content string) {
	cfg := DefaultTextConfig()
	if textConfig != nil {
		cfg = *textConfig
	}
	if content == "" {
		content = DefaultSystemPrompt
	}
	s.mu.Lock()
	if s.userID != "" {
		content += "\nThe rider you are assisting is user " + s.userID + "."
	}
	s.mu.Unlock()

	contentName := uuid.NewString()
	s.enqueue(contentStartTextEvent(s.promptName, contentName, RoleSystem, cfg))
	s.enqueue(textInputEvent(s.promptName, contentName, content))
	s.enqueue(contentEndEvent(s.promptName, contentName))
}

// SetupStartAudio opens the persistent audio content channel.
func (s *Session) SetupStartAudio(audioConfig *AudioInputConfig) {
	cfg := DefaultAudioInputConfig()
	if audioConfig != nil {
		cfg = *audioConfig
	}
	s.mu.Lock()
	s.audioStartSent = true
	s.mu.Unlock()

	s.enqueue(contentStartAudioEvent(s.promptName, s.audioContentName, cfg))
}

// StreamAudio queues one microphone chunk for transmission. Silently ignored
// when the session is inactive.
func (s *Session) StreamAudio(chunk []byte) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		s.logger.Debug("dropping audio for inactive session", "session_id", s.id)
		return
	}
	s.touch(time.Now())

	s.audioMu.Lock()
	if len(s.audioQueue) >= maxAudioQueueChunks {
		s.audioQueue = s.audioQueue[1:]
	}
	s.audioQueue = append(s.audioQueue, chunk)
	start := !s.draining
	if start {
		s.draining = true
	}
	s.audioMu.Unlock()

	if start {
		go s.drainAudio()
	}
}

// drainAudio serializes queued audio in bounded batches, yielding between
// batches. Only one drain runs per session at a time.
func (s *Session) drainAudio() {
	for {
		s.audioMu.Lock()
		if len(s.audioQueue) == 0 || !s.IsActive() {
			s.draining = false
			s.audioMu.Unlock()
			return
		}
		n := audioDrainBatch
		if n > len(s.audioQueue) {
			n = len(s.audioQueue)
		}
		batch := s.audioQueue[:n]
		s.audioQueue = s.audioQueue[n:]
		s.audioMu.Unlock()

		for _, chunk := range batch {
			s.enqueue(audioInputEvent(s.promptName, s.audioContentName, chunk))
		}
		runtime.Gosched()
	}
}

// ClearPendingAudio drops queued, not-yet-sent audio. Used for barge-in.
func (s *Session) ClearPendingAudio() {
	s.audioMu.Lock()
	s.audioQueue = nil
	s.audioMu.Unlock()
}

// PendingAudioChunks reports queued, not-yet-sent audio chunks.
func (s *Session) PendingAudioChunks() int {
	s.audioMu.Lock()
	defer s.audioMu.Unlock()
	return len(s.audioQueue)
}

// EndAudioContent closes the audio content channel. No-op if audio was never
// started or the session is inactive.
func (s *Session) EndAudioContent() {
	s.mu.Lock()
	ok := s.active && s.audioStartSent
	s.mu.Unlock()
	if !ok {
		return
	}
	s.enqueue(contentEndEvent(s.promptName, s.audioContentName))
}

// EndPrompt closes the prompt. No-op if the prompt was never started or the
// session is inactive.
func (s *Session) EndPrompt() {
	s.mu.Lock()
	ok := s.active && s.promptStartSent
	s.mu.Unlock()
	if !ok {
		return
	}
	s.enqueue(promptEndEvent(s.promptName))
}

// Close marks the session inactive, clears pending audio and enqueues the
// session-end event. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.ClearPendingAudio()
	s.queue.Push(sessionEndEvent())

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// setToolUse caches the most recent tool call. A second in-flight call
// overwrites the first; correlation supports one call at a time.
func (s *Session) setToolUse(toolUseID, toolName string, content map[string]any) {
	s.toolMu.Lock()
	s.toolUseID = toolUseID
	s.toolName = toolName
	s.toolContent = content
	s.toolMu.Unlock()
}

func (s *Session) toolUse() (toolUseID, toolName string, content map[string]any) {
	s.toolMu.Lock()
	defer s.toolMu.Unlock()
	return s.toolUseID, s.toolName, s.toolContent
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActivity.Load()))
}
