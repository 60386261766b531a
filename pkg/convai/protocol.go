package convai

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

const (
	EventConversationInitiationMetadata = "conversation_initiation_metadata"
	EventUserTranscript                 = "user_transcript"
	EventAgentResponse                  = "agent_response"
	EventAudio                          = "audio"
	EventPing                           = "ping"
	EventVADScore                       = "vad_score"
)

const (
	frameConversationInitiation = "conversation_initiation_client_data"
	frameUserMessage            = "user_message"
	frameContextualUpdate       = "contextual_update"
	framePong                   = "pong"
	frameUserAudioChunk         = "user_audio_chunk"
)

const (
	DefaultPrompt       = "You are a helpful AI assistant that can discuss the uploaded story content."
	DefaultFirstMessage = "Hi! I'm ready to discuss your story. What would you like to talk about?"
	DefaultLanguage     = "en"
	DefaultVoiceID      = "21m00Tcm4TlvDq8ikWAM"
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 150
)

// Initiation holds the per-conversation overrides sent in the first frame of
// every session.
type Initiation struct {
	Prompt       string
	FirstMessage string
	Language     string
	VoiceID      string
	Temperature  float64
	MaxTokens    int
}

func DefaultInitiation() Initiation {
	return Initiation{
		Prompt:       DefaultPrompt,
		FirstMessage: DefaultFirstMessage,
		Language:     DefaultLanguage,
		VoiceID:      DefaultVoiceID,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
	}
}

// Override holds per-session changes to an Initiation. Empty strings and
// nil pointers leave the base value alone, so an explicit zero temperature
// is kept.
type Override struct {
	Prompt       string
	FirstMessage string
	Language     string
	VoiceID      string
	Temperature  *float64
	MaxTokens    *int
}

// Merge returns i with every set field of override applied on top.
func (i Initiation) Merge(override *Override) Initiation {
	if override == nil {
		return i
	}
	out := i
	if s := strings.TrimSpace(override.Prompt); s != "" {
		out.Prompt = s
	}
	if s := strings.TrimSpace(override.FirstMessage); s != "" {
		out.FirstMessage = s
	}
	if s := strings.TrimSpace(override.Language); s != "" {
		out.Language = s
	}
	if s := strings.TrimSpace(override.VoiceID); s != "" {
		out.VoiceID = s
	}
	if override.Temperature != nil {
		out.Temperature = *override.Temperature
	}
	if override.MaxTokens != nil {
		out.MaxTokens = *override.MaxTokens
	}
	return out
}

type initiationFrame struct {
	Type                       string                     `json:"type"`
	ConversationConfigOverride conversationConfigOverride `json:"conversation_config_override"`
	CustomLLMExtraBody         customLLMExtraBody         `json:"custom_llm_extra_body"`
}

type conversationConfigOverride struct {
	Agent agentOverride `json:"agent"`
	TTS   ttsOverride   `json:"tts"`
}

type agentOverride struct {
	Prompt       promptOverride `json:"prompt"`
	FirstMessage string         `json:"first_message"`
	Language     string         `json:"language"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type ttsOverride struct {
	VoiceID string `json:"voice_id"`
}

type customLLMExtraBody struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func (i Initiation) frame() initiationFrame {
	return initiationFrame{
		Type: frameConversationInitiation,
		ConversationConfigOverride: conversationConfigOverride{
			Agent: agentOverride{
				Prompt:       promptOverride{Prompt: i.Prompt},
				FirstMessage: i.FirstMessage,
				Language:     i.Language,
			},
			TTS: ttsOverride{VoiceID: i.VoiceID},
		},
		CustomLLMExtraBody: customLLMExtraBody{
			Temperature: i.Temperature,
			MaxTokens:   i.MaxTokens,
		},
	}
}

// The audio frame is the only outgoing frame without a type field.
type userAudioChunkFrame struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type textFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EventID is null when the ping carried none.
type pongFrame struct {
	Type    string `json:"type"`
	EventID *int64 `json:"event_id"`
}

func newPongFrame(p Ping) pongFrame {
	f := pongFrame{Type: framePong}
	if p.HasEventID {
		id := p.EventID
		f.EventID = &id
	}
	return f
}

// Server events.

type ConversationInitiationMetadata struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format,omitempty"`
	UserInputAudioFormat   string `json:"user_input_audio_format,omitempty"`
}

type UserTranscript struct {
	Text string
}

type AgentResponse struct {
	Text string
}

type Audio struct {
	EventID int64
	Data    []byte
}

type Ping struct {
	EventID    int64
	HasEventID bool
	PingMS     int64
}

type VADScore struct {
	Score float64
}

// UnknownEvent is returned for frame types this package does not consume.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

// DecodeServerEvent decodes one text frame from the conversation socket into
// one of the event types above.
func DecodeServerEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ProtocolDecodeError{Message: "invalid json frame", Err: err}
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, &ProtocolDecodeError{Message: "missing type"}
	}

	switch typ {
	case EventConversationInitiationMetadata:
		var msg struct {
			Event ConversationInitiationMetadata `json:"conversation_initiation_metadata_event"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolDecodeError{Type: typ, Err: err}
		}
		return msg.Event, nil
	case EventUserTranscript:
		var msg struct {
			Event struct {
				UserTranscript string `json:"user_transcript"`
			} `json:"user_transcription_event"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolDecodeError{Type: typ, Err: err}
		}
		return UserTranscript{Text: msg.Event.UserTranscript}, nil
	case EventAgentResponse:
		var msg struct {
			Event struct {
				AgentResponse string `json:"agent_response"`
			} `json:"agent_response_event"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolDecodeError{Type: typ, Err: err}
		}
		return AgentResponse{Text: msg.Event.AgentResponse}, nil
	case EventAudio:
		var msg struct {
			Event *struct {
				AudioBase64 string `json:"audio_base_64"`
				EventID     int64  `json:"event_id"`
			} `json:"audio_event"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolDecodeError{Type: typ, Err: err}
		}
		if msg.Event == nil || strings.TrimSpace(msg.Event.AudioBase64) == "" {
			return nil, &ProtocolDecodeError{Type: typ, Message: "audio_event.audio_base_64 is required"}
		}
		audio, err := decodeBase64Any(msg.Event.AudioBase64)
		if err != nil {
			return nil, &ProtocolDecodeError{Type: typ, Message: "invalid audio base64", Err: err}
		}
		return Audio{EventID: msg.Event.EventID, Data: audio}, nil
	case EventPing:
		var msg struct {
			Event *struct {
				EventID *int64 `json:"event_id"`
				PingMS  int64  `json:"ping_ms"`
			} `json:"ping_event"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolDecodeError{Type: typ, Err: err}
		}
		var ping Ping
		if msg.Event != nil {
			ping.PingMS = msg.Event.PingMS
			if msg.Event.EventID != nil {
				ping.EventID = *msg.Event.EventID
				ping.HasEventID = true
			}
		}
		return ping, nil
	case EventVADScore:
		var msg struct {
			Event struct {
				VADScore float64 `json:"vad_score"`
			} `json:"vad_score_event"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolDecodeError{Type: typ, Err: err}
		}
		return VADScore{Score: msg.Event.VADScore}, nil
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

var errEmptyBase64 = errors.New("empty base64 payload")

func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errEmptyBase64
	}
	// Padding is not always present on audio chunks.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
