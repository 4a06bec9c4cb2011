package dto

import "github.com/noah-isme/gema-chat-sync/internal/models"

// OutboundMessage is the payload the UI writes onto a conversation's event log.
type OutboundMessage struct {
	MessageID   string              `json:"messageId" validate:"omitempty,max=128"`
	Content     string              `json:"content" validate:"required_without=Reaction,max=4000"`
	SenderID    string              `json:"senderId" validate:"omitempty,max=64"`
	SenderName  string              `json:"senderName" validate:"omitempty,max=128"`
	ParentID    string              `json:"parentId" validate:"omitempty,max=128"`
	EventType   string              `json:"eventType" validate:"omitempty,oneof=MESSAGE_SENT MESSAGE_REPLIED MESSAGE_EDITED REACTION_ADDED REACTION_REMOVED"`
	Reaction    string              `json:"reaction" validate:"omitempty,max=32"`
	Attachments []models.Attachment `json:"attachments" validate:"omitempty,max=10,dive"`
}

// ConversationActiveRequest toggles whether a conversation is open in the UI.
type ConversationActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// AddMessageResponse echoes the event written to the store.
type AddMessageResponse struct {
	ConversationID string         `json:"conversationId"`
	Event          map[string]any `json:"event"`
}

// SyncStreamFrame is one frame sent over the websocket bridge.
type SyncStreamFrame struct {
	Type     string                `json:"type"`
	Messages []models.Message      `json:"messages,omitempty"`
	Reaction *models.ReactionEvent `json:"reaction,omitempty"`
}

// ReceiptStatusRequest is the body of the receipt status mutation.
type ReceiptStatusRequest struct {
	MessageIDs []int64 `json:"messageIds" validate:"required,min=1,max=500,dive,gt=0"`
	Status     string  `json:"status" validate:"required,oneof=SENT DELIVERED READ"`
}

// ReceiptStatusQuery selects receipts by comma separated ids.
type ReceiptStatusQuery struct {
	IDs string `query:"ids" validate:"required,max=4096"`
}

// ReceiptResponse is the serialized representation of a stored receipt.
type ReceiptResponse struct {
	MessageID   int64  `json:"messageId"`
	Status      string `json:"status"`
	DeliveredAt string `json:"deliveredAt,omitempty"`
	ReadAt      string `json:"readAt,omitempty"`
}

// ReceiptUpdateResponse summarises a status mutation.
type ReceiptUpdateResponse struct {
	Status   string `json:"status"`
	Updated  int    `json:"updated"`
	Received int    `json:"received"`
}

// NewReceiptResponse converts a model into a DTO.
func NewReceiptResponse(model models.MessageReceipt) ReceiptResponse {
	out := ReceiptResponse{
		MessageID: model.MessageID,
		Status:    string(model.Status),
	}
	if model.DeliveredAt != nil {
		out.DeliveredAt = model.DeliveredAt.UTC().Format(timeLayout)
	}
	if model.ReadAt != nil {
		out.ReadAt = model.ReadAt.UTC().Format(timeLayout)
	}
	return out
}

// NewReceiptResponseSlice converts a slice of models into DTOs.
func NewReceiptResponseSlice(receipts []models.MessageReceipt) []ReceiptResponse {
	out := make([]ReceiptResponse, 0, len(receipts))
	for _, receipt := range receipts {
		out = append(out, NewReceiptResponse(receipt))
	}
	return out
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
