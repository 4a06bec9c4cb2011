package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat-sync/internal/models"
)

func TestReceiptReconcilerMergesPendingBatches(t *testing.T) {
	receipts := newFakeReceipts()
	active := activeSet{}
	reconciler := NewReceiptReconciler(receipts, active, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, reconciler.HandleIncoming(ctx, "c1", []string{"1", "2"}))
	require.NoError(t, reconciler.HandleIncoming(ctx, "c1", []string{"2", "3"}))

	require.Equal(t, []string{"1", "2", "3"}, reconciler.Pending("c1"))
	require.Equal(t, []int64{1, 2, 2, 3}, receipts.idsFor(models.ReceiptDelivered))
	require.Empty(t, receipts.idsFor(models.ReceiptRead))

	active["c1"] = true
	require.NoError(t, reconciler.FlushPending(ctx, "c1"))
	require.Equal(t, []int64{1, 2, 3}, receipts.idsFor(models.ReceiptRead))
	require.Empty(t, reconciler.Pending("c1"))
	require.Empty(t, reconciler.PendingConversations())

	require.NoError(t, reconciler.FlushPending(ctx, "c1"))
	require.Len(t, receipts.idsFor(models.ReceiptRead), 3, "an empty batch issues no mutation")
}

func TestReceiptReconcilerActiveConversationGoesStraightToRead(t *testing.T) {
	receipts := newFakeReceipts()
	reconciler := NewReceiptReconciler(receipts, activeSet{"c1": true}, zerolog.Nop())

	require.NoError(t, reconciler.HandleIncoming(context.Background(), "c1", []string{"10", "11"}))

	calls := receipts.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, models.ReceiptRead, calls[0].status)
	require.Equal(t, []int64{10, 11}, calls[0].ids)
	require.Empty(t, reconciler.Pending("c1"))
}

func TestReceiptReconcilerFlushSkipsInactiveConversation(t *testing.T) {
	receipts := newFakeReceipts()
	active := activeSet{}
	reconciler := NewReceiptReconciler(receipts, active, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, reconciler.HandleIncoming(ctx, "c1", []string{"4"}))
	require.NoError(t, reconciler.FlushPending(ctx, "c1"))

	require.Empty(t, receipts.idsFor(models.ReceiptRead), "a closed conversation is never marked read")
	require.Equal(t, []string{"4"}, reconciler.Pending("c1"))

	active["c1"] = true
	require.NoError(t, reconciler.FlushPending(ctx, "c1"))
	require.Equal(t, []int64{4}, receipts.idsFor(models.ReceiptRead))
	require.Empty(t, reconciler.Pending("c1"))
}

func TestReceiptReconcilerFailures(t *testing.T) {
	receipts := newFakeReceipts()
	active := activeSet{}
	reconciler := NewReceiptReconciler(receipts, active, zerolog.Nop())
	ctx := context.Background()

	boom := errors.New("receipt api down")
	receipts.fail(models.ReceiptDelivered, boom)
	err := reconciler.HandleIncoming(ctx, "c1", []string{"1"})
	require.ErrorIs(t, err, boom)
	require.Empty(t, reconciler.Pending("c1"), "failed deliveries are not queued for reading")

	receipts.fail(models.ReceiptDelivered, nil)
	require.NoError(t, reconciler.HandleIncoming(ctx, "c1", []string{"2"}))

	active["c1"] = true
	receipts.fail(models.ReceiptRead, boom)
	require.ErrorIs(t, reconciler.FlushPending(ctx, "c1"), boom)
	require.Equal(t, []string{"2"}, reconciler.Pending("c1"), "a failed flush keeps the batch for the next activation")

	receipts.fail(models.ReceiptRead, nil)
	require.NoError(t, reconciler.FlushPending(ctx, "c1"))
	require.Empty(t, reconciler.Pending("c1"))
}

func TestReceiptReconcilerSkipsNonNumericIDs(t *testing.T) {
	receipts := newFakeReceipts()
	reconciler := NewReceiptReconciler(receipts, activeSet{}, zerolog.Nop())

	require.NoError(t, reconciler.HandleIncoming(context.Background(), "c1", []string{"local-1", "7", "7"}))
	require.Equal(t, []int64{7}, receipts.idsFor(models.ReceiptDelivered))
	require.Equal(t, []string{"7"}, reconciler.Pending("c1"))

	require.NoError(t, reconciler.HandleIncoming(context.Background(), "c2", []string{"local-2"}))
	require.Len(t, receipts.snapshot(), 1, "a batch without numeric ids issues no mutation")
	require.Empty(t, reconciler.Pending("c2"))

	reconciler.Reset()
	require.Empty(t, reconciler.PendingConversations())
}
