package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-sync/internal/models"
)

// ReceiptRepository persists per-message receipt statuses.
type ReceiptRepository interface {
	Promote(ctx context.Context, messageIDs []int64, status models.ReceiptStatus, at time.Time) (int, error)
	FindByIDs(ctx context.Context, messageIDs []int64) ([]models.MessageReceipt, error)
}

type receiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository constructs a repository backed by GORM.
func NewReceiptRepository(db *gorm.DB) ReceiptRepository {
	return &receiptRepository{db: db}
}

// Promote raises every message in messageIDs to status. Rows already at or above status are
// left untouched; unknown messages are created. It returns the number of rows changed.
func (r *receiptRepository) Promote(ctx context.Context, messageIDs []int64, status models.ReceiptStatus, at time.Time) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	changed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.MessageReceipt
		if err := tx.Where("message_id IN ?", messageIDs).Find(&existing).Error; err != nil {
			return err
		}
		byID := make(map[int64]models.MessageReceipt, len(existing))
		for _, receipt := range existing {
			byID[receipt.MessageID] = receipt
		}

		seen := make(map[int64]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}

			receipt, found := byID[id]
			if found && receipt.Status.Rank() >= status.Rank() {
				continue
			}
			receipt.MessageID = id
			receipt.Status = status
			stampReceipt(&receipt, status, at)

			if found {
				if err := tx.Model(&models.MessageReceipt{}).
					Where("message_id = ?", id).
					Updates(map[string]any{
						"status":       receipt.Status,
						"delivered_at": receipt.DeliveredAt,
						"read_at":      receipt.ReadAt,
						"updated_at":   at,
					}).Error; err != nil {
					return err
				}
			} else if err := tx.Create(&receipt).Error; err != nil {
				return err
			}
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (r *receiptRepository) FindByIDs(ctx context.Context, messageIDs []int64) ([]models.MessageReceipt, error) {
	if len(messageIDs) == 0 {
		return []models.MessageReceipt{}, nil
	}

	var receipts []models.MessageReceipt
	if err := r.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("message_id ASC").
		Find(&receipts).Error; err != nil {
		return nil, err
	}
	return receipts, nil
}

// stampReceipt fills the milestone timestamps a status implies. A message read without a
// recorded delivery counts as delivered at the same instant.
func stampReceipt(receipt *models.MessageReceipt, status models.ReceiptStatus, at time.Time) {
	if status.Rank() >= models.ReceiptDelivered.Rank() && receipt.DeliveredAt == nil {
		stamp := at
		receipt.DeliveredAt = &stamp
	}
	if status == models.ReceiptRead && receipt.ReadAt == nil {
		stamp := at
		receipt.ReadAt = &stamp
	}
}
