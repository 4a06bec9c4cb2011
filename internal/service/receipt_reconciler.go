package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/observability"
)

// ReceiptUpdater is the receipt API collaborator.
type ReceiptUpdater interface {
	UpdateStatus(ctx context.Context, messageIDs []int64, status models.ReceiptStatus) error
}

// ActiveChecker answers whether a conversation is open in the UI.
type ActiveChecker interface {
	Contains(conversationID string) bool
}

// ReceiptReconciler promotes inbound messages to DELIVERED or READ depending on whether
// their conversation is open, and holds delivered-but-unread ids until it is.
type ReceiptReconciler struct {
	receipts ReceiptUpdater
	active   ActiveChecker
	logger   zerolog.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	pending map[string]map[string]struct{}
}

// NewReceiptReconciler creates a reconciler reading conversation state from active.
func NewReceiptReconciler(receipts ReceiptUpdater, active ActiveChecker, logger zerolog.Logger) *ReceiptReconciler {
	return &ReceiptReconciler{
		receipts: receipts,
		active:   active,
		logger:   logger.With().Str("component", "receipt_reconciler").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/gema-chat-sync/internal/service/receipts"),
		pending:  make(map[string]map[string]struct{}),
	}
}

// HandleIncoming promotes messageIDs for conversationID. Active conversations go straight
// to READ; otherwise the ids are promoted to DELIVERED and, once that succeeds, merged into
// the conversation's pending-read batch.
func (r *ReceiptReconciler) HandleIncoming(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	if r.active.Contains(conversationID) {
		_, err := r.promote(ctx, conversationID, messageIDs, models.ReceiptRead)
		return err
	}

	sent, err := r.promote(ctx, conversationID, messageIDs, models.ReceiptDelivered)
	if err != nil {
		return err
	}
	if len(sent) == 0 {
		return nil
	}

	r.mu.Lock()
	batch := r.pending[conversationID]
	if batch == nil {
		batch = make(map[string]struct{}, len(sent))
		r.pending[conversationID] = batch
	}
	for _, id := range sent {
		batch[id] = struct{}{}
	}
	r.updatePendingGaugeLocked()
	r.mu.Unlock()

	return nil
}

// FlushPending promotes conversationID's pending batch to READ and drops it. Inactive
// conversations are left alone, since the flush may run after the UI closed them. On failure
// the batch is kept so the next activation retries.
func (r *ReceiptReconciler) FlushPending(ctx context.Context, conversationID string) error {
	if !r.active.Contains(conversationID) {
		return nil
	}
	ids := r.Pending(conversationID)
	if len(ids) == 0 {
		return nil
	}

	if _, err := r.promote(ctx, conversationID, ids, models.ReceiptRead); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if batch := r.pending[conversationID]; batch != nil {
		for _, id := range ids {
			delete(batch, id)
		}
		if len(batch) == 0 {
			delete(r.pending, conversationID)
		}
	}
	r.updatePendingGaugeLocked()
	return nil
}

// Pending returns the sorted ids awaiting a read promotion for conversationID.
func (r *ReceiptReconciler) Pending(conversationID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.pending[conversationID]
	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sortMessageIDs(ids)
	return ids
}

// PendingConversations lists conversations holding a pending batch.
func (r *ReceiptReconciler) PendingConversations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Reset discards every pending batch.
func (r *ReceiptReconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[string]map[string]struct{})
	r.updatePendingGaugeLocked()
}

// promote calls the receipt API and returns the ids it covered.
func (r *ReceiptReconciler) promote(ctx context.Context, conversationID string, messageIDs []string, status models.ReceiptStatus) ([]string, error) {
	numeric, accepted := coerceMessageIDs(messageIDs)
	if dropped := len(messageIDs) - len(accepted); dropped > 0 {
		r.logger.Warn().
			Str("conversation_id", conversationID).
			Int("dropped", dropped).
			Msg("skipping non-numeric message ids for receipt update")
	}
	if len(numeric) == 0 {
		return nil, nil
	}

	spanCtx, span := r.tracer.Start(ctx, "receipts.update_status", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("receipt.status", string(status)),
		attribute.Int("receipt.count", len(numeric)),
	))
	defer span.End()

	if err := r.receipts.UpdateStatus(spanCtx, numeric, status); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.ReceiptMutations().WithLabelValues(string(status), "error").Inc()
		return nil, fmt.Errorf("update receipts to %s for conversation %s: %w", status, conversationID, err)
	}

	observability.ReceiptMutations().WithLabelValues(string(status), "ok").Inc()
	r.logger.Debug().
		Str("conversation_id", conversationID).
		Str("status", string(status)).
		Int("count", len(numeric)).
		Msg("receipt status updated")
	return accepted, nil
}

func (r *ReceiptReconciler) updatePendingGaugeLocked() {
	total := 0
	for _, batch := range r.pending {
		total += len(batch)
	}
	observability.PendingReadMessages().Set(float64(total))
}

// coerceMessageIDs converts ids to the receipt API's numeric form, dropping duplicates
// and ids that are not integers.
func coerceMessageIDs(ids []string) ([]int64, []string) {
	seen := make(map[int64]struct{}, len(ids))
	numeric := make([]int64, 0, len(ids))
	accepted := make([]string, 0, len(ids))
	for _, id := range ids {
		value, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		numeric = append(numeric, value)
		accepted = append(accepted, id)
	}
	return numeric, accepted
}

// sortMessageIDs orders numerically where possible, lexically otherwise.
func sortMessageIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseInt(ids[i], 10, 64)
		b, errB := strconv.ParseInt(ids[j], 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
}
