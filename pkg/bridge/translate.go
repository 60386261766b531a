package bridge

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Browser -> bridge message types.
const (
	LocalAudio   = "audio"
	LocalText    = "text"
	LocalContext = "context"
)

// Bridge -> browser notification types.
const (
	NotifyAudio         = "audio"
	NotifyTranscript    = "transcript"
	NotifyAgentResponse = "agent_response"
	NotifyError         = "error"
	NotifyConnected     = "connected"
	NotifyDisconnected  = "disconnected"
)

type LocalMessage struct {
	Type      string `json:"type"`
	AudioData string `json:"audio_data,omitempty"`
	Text      string `json:"text,omitempty"`
	Context   string `json:"context,omitempty"`
}

type Notification struct {
	Type      string `json:"type"`
	AudioData string `json:"audio_data,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
}

type CommandKind int

const (
	CommandAudio CommandKind = iota + 1
	CommandText
	CommandContext
)

func (k CommandKind) String() string {
	switch k {
	case CommandAudio:
		return LocalAudio
	case CommandText:
		return LocalText
	case CommandContext:
		return LocalContext
	default:
		return "unknown"
	}
}

// RemoteCommand is a local message translated into a remote send.
type RemoteCommand struct {
	Kind  CommandKind
	Audio []byte
	Text  string
}

// DecodeLocalMessage parses one browser frame. ok is false for anything that
// is not a JSON object.
func DecodeLocalMessage(raw []byte) (msg LocalMessage, ok bool) {
	if err := json.Unmarshal(raw, &msg); err != nil {
		return LocalMessage{}, false
	}
	msg.Type = strings.TrimSpace(msg.Type)
	return msg, true
}

// ToRemote maps a browser message onto the remote send it stands for. ok is
// false for message types the bridge ignores.
func ToRemote(msg LocalMessage) (cmd RemoteCommand, ok bool, err error) {
	switch msg.Type {
	case LocalAudio:
		audio, err := hex.DecodeString(strings.TrimSpace(msg.AudioData))
		if err != nil {
			return RemoteCommand{}, true, fmt.Errorf("invalid audio_data: %w", err)
		}
		return RemoteCommand{Kind: CommandAudio, Audio: audio}, true, nil
	case LocalText:
		return RemoteCommand{Kind: CommandText, Text: msg.Text}, true, nil
	case LocalContext:
		return RemoteCommand{Kind: CommandContext, Text: msg.Context}, true, nil
	default:
		return RemoteCommand{}, false, nil
	}
}

func AudioNotification(audio []byte) Notification {
	return Notification{Type: NotifyAudio, AudioData: hex.EncodeToString(audio)}
}

func TranscriptNotification(text string) Notification {
	return Notification{Type: NotifyTranscript, Text: text}
}

func AgentResponseNotification(text string) Notification {
	return Notification{Type: NotifyAgentResponse, Text: text}
}

func ErrorNotification(message string) Notification {
	return Notification{Type: NotifyError, Message: message}
}

func ConnectedNotification() Notification {
	return Notification{Type: NotifyConnected}
}

func DisconnectedNotification() Notification {
	return Notification{Type: NotifyDisconnected}
}
