package models

import "encoding/json"

// ConversationSummary is the per-conversation entry of a user's notification subtree.
type ConversationSummary struct {
	UnreadCount   int    `json:"unreadCount"`
	LastMessage   string `json:"lastMessage"`
	LastMessageID string `json:"lastMessageId"`
	Timestamp     string `json:"timestamp"`
}

// NotificationSummary maps conversation ids to their summary.
type NotificationSummary map[string]ConversationSummary

// TotalUnread sums the unread counters of every conversation.
func (s NotificationSummary) TotalUnread() int {
	total := 0
	for _, summary := range s {
		total += summary.UnreadCount
	}
	return total
}

// PushPayload is a foreground push delivery. Data is the free-form data bag.
type PushPayload struct {
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data"`
}
