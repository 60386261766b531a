package elevenlabs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type ConversationSummary struct {
	AgentID           string `json:"agent_id,omitempty"`
	AgentName         string `json:"agent_name,omitempty"`
	ConversationID    string `json:"conversation_id"`
	StartTimeUnixSecs int64  `json:"start_time_unix_secs,omitempty"`
	CallDurationSecs  int    `json:"call_duration_secs,omitempty"`
	MessageCount      int    `json:"message_count,omitempty"`
	Status            string `json:"status,omitempty"`
	CallSuccessful    string `json:"call_successful,omitempty"`
}

// ConversationList is the conversations listing. The API has returned both a
// paged object and a bare array over time; both decode into this shape.
type ConversationList struct {
	Conversations []ConversationSummary `json:"conversations"`
	HasMore       bool                  `json:"has_more"`
	NextCursor    string                `json:"next_cursor,omitempty"`
}

var errInvalidConversationList = errors.New("conversation list must be an object or an array")

func (l *ConversationList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errInvalidConversationList
	}

	var out ConversationList
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &out.Conversations); err != nil {
			return fmt.Errorf("decode conversation array: %w", err)
		}
	case '{':
		var paged struct {
			Conversations []ConversationSummary `json:"conversations"`
			HasMore       bool                  `json:"has_more"`
			NextCursor    *string               `json:"next_cursor"`
		}
		if err := json.Unmarshal(trimmed, &paged); err != nil {
			return fmt.Errorf("decode conversation page: %w", err)
		}
		out.Conversations = paged.Conversations
		out.HasMore = paged.HasMore
		if paged.NextCursor != nil {
			out.NextCursor = *paged.NextCursor
		}
	default:
		return errInvalidConversationList
	}

	for i, c := range out.Conversations {
		if strings.TrimSpace(c.ConversationID) == "" {
			return fmt.Errorf("conversations[%d]: conversation_id is required", i)
		}
	}
	if out.Conversations == nil {
		out.Conversations = []ConversationSummary{}
	}
	*l = out
	return nil
}
