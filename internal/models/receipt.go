package models

import (
	"strings"
	"time"
)

// ReceiptStatus is the per-message delivery state.
type ReceiptStatus string

const (
	ReceiptSent      ReceiptStatus = "SENT"
	ReceiptDelivered ReceiptStatus = "DELIVERED"
	ReceiptRead      ReceiptStatus = "READ"
)

// Rank orders statuses so promotions only move forward. Unknown statuses rank 0.
func (s ReceiptStatus) Rank() int {
	switch s {
	case ReceiptSent:
		return 1
	case ReceiptDelivered:
		return 2
	case ReceiptRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s ReceiptStatus) Valid() bool {
	return s.Rank() > 0
}

// ParseReceiptStatus normalises a status string.
func ParseReceiptStatus(value string) ReceiptStatus {
	return ReceiptStatus(strings.ToUpper(strings.TrimSpace(value)))
}

// MessageReceipt stores the highest status reached by a message.
type MessageReceipt struct {
	MessageID   int64         `gorm:"primaryKey;autoIncrement:false" json:"messageId"`
	Status      ReceiptStatus `gorm:"size:16;not null;default:SENT" json:"status"`
	DeliveredAt *time.Time    `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time    `json:"readAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}
