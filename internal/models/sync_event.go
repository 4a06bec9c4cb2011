package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// EventType tags a record in a conversation event log.
type EventType string

const (
	EventMessageSent     EventType = "MESSAGE_SENT"
	EventMessageReplied  EventType = "MESSAGE_REPLIED"
	EventMessageEdited   EventType = "MESSAGE_EDITED"
	EventReactionAdded   EventType = "REACTION_ADDED"
	EventReactionRemoved EventType = "REACTION_REMOVED"
)

// IsReaction reports whether the event carries a reaction instead of message content.
func (t EventType) IsReaction() bool {
	return t == EventReactionAdded || t == EventReactionRemoved
}

// RawEvent is one undecoded record as delivered by the realtime store or the push channel.
// Its shape is not trusted; fields are read through Get and normalised by the service layer.
type RawEvent []byte

// Get returns the value at the gjson path, or an empty result when absent.
func (r RawEvent) Get(path string) gjson.Result {
	if len(r) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(r, path)
}

// Str returns the value at path rendered as a string. Null and absent fields yield "".
func (r RawEvent) Str(path string) string {
	value := r.Get(path)
	if !value.Exists() || value.Type == gjson.Null {
		return ""
	}
	return strings.TrimSpace(value.String())
}

// EventType returns the record's tag, empty for implicit messages.
func (r RawEvent) EventType() EventType {
	return EventType(r.Str("eventType"))
}

// Message is the canonical chat entry produced from a RawEvent.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Content        string         `json:"content"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName"`
	Timestamp      string         `json:"timestamp"`
	CreatedAt      string         `json:"createdAt,omitempty"`
	ParentID       string         `json:"parentId,omitempty"`
	Reactions      []Reaction     `json:"reactions"`
	Attachments    []Attachment   `json:"attachments"`
	EventType      EventType      `json:"eventType,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// EffectiveTime is the ordering key of a message: createdAt, falling back to timestamp.
func (m Message) EffectiveTime() time.Time {
	if t, ok := ParseEventTime(m.CreatedAt); ok {
		return t
	}
	t, _ := ParseEventTime(m.Timestamp)
	return t
}

// Reaction is an emoji attached to a message.
type Reaction struct {
	Emoji      string `json:"emoji"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Timestamp  string `json:"timestamp"`
}

// ReactionEvent is a reaction record routed to reaction listeners.
type ReactionEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	EventType      EventType `json:"eventType"`
	Emoji          string    `json:"emoji"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Timestamp      string    `json:"timestamp"`
}

// Attachment describes a file shared in a message.
type Attachment struct {
	FileName string `json:"fileName"`
	FileType string `json:"fileType"`
}

var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseEventTime parses the ISO-ish timestamps found in event records.
// Numeric values are treated as unix milliseconds.
func ParseEventTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(millis).UTC(), true
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
