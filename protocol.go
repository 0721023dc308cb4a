package livecall

import (
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// UserProfile is the static per-call input to the topic-suggestion
// handshake. SNSData is forwarded verbatim; this layer never inspects it.
type UserProfile struct {
	UserID  string         `json:"user_id"`
	SNSData map[string]any `json:"sns_data"`
}

// ConversationMessage is one recognized utterance as it crosses the wire.
// Timestamp is epoch milliseconds.
type ConversationMessage struct {
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// NewConversationMessage tags text with the numeric speaker id and the
// recognition time.
func NewConversationMessage(talkID uint32, text string, at time.Time) ConversationMessage {
	return ConversationMessage{
		UserID:    strconv.FormatUint(uint64(talkID), 10),
		Text:      text,
		Timestamp: at.UnixMilli(),
	}
}

// TopicSuggestion is produced by the topic-suggestion backend and never
// locally mutated.
type TopicSuggestion struct {
	ID    int     `json:"id"`
	Text  string  `json:"text"`
	Type  string  `json:"type"`
	Score float64 `json:"score"`
}

func suggestionTexts(suggestions []TopicSuggestion) []string {
	texts := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		texts = append(texts, s.Text)
	}
	return texts
}

type createSessionRequest struct {
	Speaker  UserProfile `json:"speaker"`
	Listener UserProfile `json:"listener"`
}

type createSessionResponse struct {
	SessionID          string            `json:"session_id"`
	Status             string            `json:"status"`
	CommonInterests    []string          `json:"common_interests"`
	InitialSuggestions []TopicSuggestion `json:"initial_suggestions"`
}

type conversationsPayload struct {
	Conversations []ConversationMessage `json:"conversations"`
}

// topicStreamPayload covers both shapes the streaming channel can carry:
// a suggestions update and an explicit backend error.
type topicStreamPayload struct {
	Status       string            `json:"status"`
	CurrentTopic string            `json:"current_topic"`
	Suggestions  []TopicSuggestion `json:"suggestions"`

	Type      string `json:"type"`
	ErrorText string `json:"error"`
	SessionID string `json:"session_id"`
}

type topicPayloadKind int

const (
	payloadUnknown topicPayloadKind = iota
	payloadError
	payloadSuggestions
)

// decodeTopicPayload discriminates an inbound streaming message. A payload
// matching neither known shape comes back as payloadUnknown; the caller
// drops it without terminating the receive loop.
func decodeTopicPayload(data []byte) (topicStreamPayload, topicPayloadKind, error) {
	var p topicStreamPayload
	if err := sonic.Unmarshal(data, &p); err != nil {
		return p, payloadUnknown, err
	}
	if p.ErrorText != "" {
		return p, payloadError, nil
	}
	if p.Suggestions != nil {
		return p, payloadSuggestions, nil
	}
	return p, payloadUnknown, nil
}
