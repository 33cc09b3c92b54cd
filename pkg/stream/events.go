package stream

import (
	"encoding/base64"
	"encoding/json"

	"github.com/shuttlebay/voicelink/pkg/tools"
)

// Content types and roles used on content boundaries.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"

	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"
)

// Event is one outbound protocol envelope: exactly one event-kind key
// mapping to its payload.
type Event map[string]any

// Kind returns the envelope's event-kind key.
func (e Event) Kind() string {
	for k := range e {
		return k
	}
	return ""
}

// InferenceConfig carries the sampling parameters declared at session start.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// DefaultInferenceConfig returns the session-start defaults.
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{MaxTokens: 1024, TopP: 0.9, Temperature: 0.7}
}

// TextConfig describes a text content channel.
type TextConfig struct {
	MediaType string `json:"mediaType"`
}

// AudioInputConfig describes the inbound audio channel.
type AudioInputConfig struct {
	MediaType     string `json:"mediaType"`
	SampleRateHz  int    `json:"sampleRateHertz"`
	SampleSizeBit int    `json:"sampleSizeBits"`
	ChannelCount  int    `json:"channelCount"`
	AudioType     string `json:"audioType"`
	Encoding      string `json:"encoding"`
}

// AudioOutputConfig describes the outbound audio channel.
type AudioOutputConfig struct {
	MediaType     string `json:"mediaType"`
	SampleRateHz  int    `json:"sampleRateHertz"`
	SampleSizeBit int    `json:"sampleSizeBits"`
	ChannelCount  int    `json:"channelCount"`
	VoiceID       string `json:"voiceId"`
	Encoding      string `json:"encoding"`
	AudioType     string `json:"audioType"`
}

// DefaultTextConfig returns the plain-text channel configuration.
func DefaultTextConfig() TextConfig {
	return TextConfig{MediaType: "text/plain"}
}

// DefaultAudioInputConfig returns the microphone channel configuration.
func DefaultAudioInputConfig() AudioInputConfig {
	return AudioInputConfig{
		MediaType:     "audio/lpcm",
		SampleRateHz:  16000,
		SampleSizeBit: 16,
		ChannelCount:  1,
		AudioType:     "SPEECH",
		Encoding:      "base64",
	}
}

// DefaultAudioOutputConfig returns the playback channel configuration for
// the given voice.
func DefaultAudioOutputConfig(voiceID string) AudioOutputConfig {
	if voiceID == "" {
		voiceID = "tiffany"
	}
	return AudioOutputConfig{
		MediaType:     "audio/lpcm",
		SampleRateHz:  24000,
		SampleSizeBit: 16,
		ChannelCount:  1,
		VoiceID:       voiceID,
		Encoding:      "base64",
		AudioType:     "SPEECH",
	}
}

type toolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema struct {
		JSON string `json:"json"`
	} `json:"inputSchema"`
}

type toolEntry struct {
	ToolSpec toolSpec `json:"toolSpec"`
}

type toolChoice struct {
	Tool struct {
		Name string `json:"name"`
	} `json:"tool"`
}

type toolConfiguration struct {
	ToolChoice toolChoice  `json:"toolChoice"`
	Tools      []toolEntry `json:"tools"`
}

func knowledgeToolConfiguration() toolConfiguration {
	var spec toolSpec
	spec.Name = tools.ToolRetrieveKBDocs
	spec.Description = "Retrieve documents from the shuttle knowledge base for a free-text query."
	spec.InputSchema.JSON = tools.InputSchema

	var choice toolChoice
	choice.Tool.Name = tools.ToolRetrieveKBDocs

	return toolConfiguration{
		ToolChoice: choice,
		Tools:      []toolEntry{{ToolSpec: spec}},
	}
}

func sessionStartEvent(cfg InferenceConfig) Event {
	return Event{"sessionStart": map[string]any{
		"inferenceConfiguration": cfg,
	}}
}

func promptStartEvent(promptName string, audioOut AudioOutputConfig) Event {
	return Event{"promptStart": map[string]any{
		"promptName":               promptName,
		"textOutputConfiguration":  DefaultTextConfig(),
		"audioOutputConfiguration": audioOut,
		"toolUseOutputConfiguration": TextConfig{
			MediaType: "application/json",
		},
		"toolConfiguration": knowledgeToolConfiguration(),
	}}
}

func contentStartTextEvent(promptName, contentName, role string, cfg TextConfig) Event {
	return Event{"contentStart": map[string]any{
		"promptName":             promptName,
		"contentName":            contentName,
		"type":                   ContentTypeText,
		"role":                   role,
		"interactive":            true,
		"textInputConfiguration": cfg,
	}}
}

func contentStartAudioEvent(promptName, contentName string, cfg AudioInputConfig) Event {
	return Event{"contentStart": map[string]any{
		"promptName":              promptName,
		"contentName":             contentName,
		"type":                    ContentTypeAudio,
		"role":                    RoleUser,
		"interactive":             true,
		"audioInputConfiguration": cfg,
	}}
}

func contentStartToolEvent(promptName, contentName, toolUseID string) Event {
	return Event{"contentStart": map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"type":        ContentTypeTool,
		"role":        RoleTool,
		"toolResultInputConfiguration": map[string]any{
			"toolUseId": toolUseID,
			"type":      ContentTypeText,
			"textInputConfiguration": TextConfig{
				MediaType: "text/plain",
			},
		},
	}}
}

func textInputEvent(promptName, contentName, content string) Event {
	return Event{"textInput": map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     content,
	}}
}

func audioInputEvent(promptName, contentName string, chunk []byte) Event {
	return Event{"audioInput": map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     base64.StdEncoding.EncodeToString(chunk),
	}}
}

func toolResultEvent(promptName, contentName, toolUseID string, result any) Event {
	content, ok := result.(string)
	if !ok {
		data, err := json.Marshal(result)
		if err != nil {
			content = "{}"
		} else {
			content = string(data)
		}
	}
	return Event{"toolResult": map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"toolUseId":   toolUseID,
		"content":     content,
	}}
}

func contentEndEvent(promptName, contentName string) Event {
	return Event{"contentEnd": map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
	}}
}

func promptEndEvent(promptName string) Event {
	return Event{"promptEnd": map[string]any{
		"promptName": promptName,
	}}
}

func sessionEndEvent() Event {
	return Event{"sessionEnd": map[string]any{}}
}
