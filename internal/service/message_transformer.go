package service

import (
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/noah-isme/gema-chat-sync/internal/models"
)

// parentIDPaths lists where a reply's parent may be recorded, highest priority first.
var parentIDPaths = []string{"metadata.parentId", "parentMessageId", "parentId", "replyTo"}

// MessageTransformer normalises raw event records into canonical messages.
type MessageTransformer struct {
	mu           sync.Mutex
	clock        func() time.Time
	lastFallback int64
}

// NewMessageTransformer creates a transformer using the wall clock for fallback ids.
func NewMessageTransformer() *MessageTransformer {
	return &MessageTransformer{clock: time.Now}
}

// Transform converts one record of conversationID's event log.
func (t *MessageTransformer) Transform(conversationID string, raw models.RawEvent) models.Message {
	message := models.Message{
		ID:             t.messageID(raw),
		ConversationID: conversationID,
		Content:        firstString(raw, "content", "message", "text"),
		SenderID:       raw.Str("senderId"),
		SenderName:     raw.Str("senderName"),
		Timestamp:      firstString(raw, "createdAt", "timestamp"),
		CreatedAt:      raw.Str("createdAt"),
		ParentID:       ResolveParentID(raw),
		EventType:      raw.EventType(),
		Reactions:      []models.Reaction{},
		Attachments:    transformAttachments(raw),
	}
	metadata := map[string]any{}
	if existing, ok := raw.Get("metadata").Value().(map[string]any); ok {
		for key, value := range existing {
			metadata[key] = value
		}
	}
	if message.ParentID != "" {
		metadata["parentId"] = message.ParentID
	} else {
		delete(metadata, "parentId")
	}
	if len(metadata) > 0 {
		message.Metadata = metadata
	}

	return message
}

// MessageID returns the id a record would be assigned, without generating a fallback.
func MessageID(raw models.RawEvent) string {
	return firstString(raw, "messageId", "id")
}

func (t *MessageTransformer) messageID(raw models.RawEvent) string {
	if id := MessageID(raw); id != "" {
		return id
	}
	return t.fallbackID()
}

// fallbackID yields strictly increasing clock values so malformed records still get distinct ids.
func (t *MessageTransformer) fallbackID() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.clock().UnixMilli()
	if next <= t.lastFallback {
		next = t.lastFallback + 1
	}
	t.lastFallback = next
	return strconv.FormatInt(next, 10)
}

// ResolveParentID applies the reply-linkage priority chain; the first non-empty value wins.
func ResolveParentID(raw models.RawEvent) string {
	return firstString(raw, parentIDPaths...)
}

func transformAttachments(raw models.RawEvent) []models.Attachment {
	attachments := []models.Attachment{}
	list := raw.Get("attachments")
	if !list.IsArray() {
		return attachments
	}
	list.ForEach(func(_, item gjson.Result) bool {
		attachments = append(attachments, models.Attachment{
			FileName: item.Get("fileName").String(),
			FileType: item.Get("fileType").String(),
		})
		return true
	})
	return attachments
}

func firstString(raw models.RawEvent, paths ...string) string {
	for _, path := range paths {
		if value := raw.Str(path); value != "" {
			return value
		}
	}
	return ""
}
