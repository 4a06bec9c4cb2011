package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-sync/internal/dto"
	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/repository"
)

var (
	// ErrNotInitialized is returned by operations that need a signed-in user.
	ErrNotInitialized = errors.New("sync engine is not initialized")
	// ErrInvalidReaction is returned when a reaction event lacks its target or emoji.
	ErrInvalidReaction = errors.New("reaction events need messageId and reaction")
)

// PushSource delivers foreground push payloads.
type PushSource interface {
	Listen(ctx context.Context, handler func(models.PushPayload)) (func(), error)
}

// SyncEngineOptions tunes the engine.
type SyncEngineOptions struct {
	DedupCapacity int
}

// SyncEngine is the facade the UI talks to. One engine serves one signed-in user between
// Initialize and Cleanup. Store and push callbacks never run concurrently with each other.
type SyncEngine struct {
	store     repository.RealtimeStore
	push      PushSource
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer

	dispatch sync.Mutex
	inflight sync.WaitGroup

	mu       sync.Mutex
	userID   string
	pushStop func()

	active        *ActiveConversationSet
	dedup         *DedupCache
	transformer   *MessageTransformer
	reactions     *ReactionExtractor
	receipts      *ReceiptReconciler
	stream        *ConversationStream
	notifications *NotificationAggregator
	router        *ForegroundPushRouter
}

// NewSyncEngine composes the engine components. push may be nil when no push channel is
// available; receipts must not be nil.
func NewSyncEngine(store repository.RealtimeStore, push PushSource, receipts ReceiptUpdater, validate *validator.Validate, opts SyncEngineOptions, logger zerolog.Logger) *SyncEngine {
	if validate == nil {
		validate = validator.New()
	}

	e := &SyncEngine{
		store:     store,
		push:      push,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "sync_engine").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat-sync/internal/service/sync"),
		active:    NewActiveConversationSet(),
		dedup:     NewDedupCache(opts.DedupCapacity),
	}

	e.transformer = NewMessageTransformer()
	e.reactions = NewReactionExtractor(logger)
	e.receipts = NewReceiptReconciler(receipts, e.active, logger)
	e.stream = NewConversationStream(store, e.transformer, e.reactions, e.active, StreamHooks{
		Incoming:  e.handleIncoming,
		MarkRead:  e.markReadAsync,
		Serialize: e.serialize,
	}, logger)
	e.notifications = NewNotificationAggregator(store, e.reactions, e.handleIncoming, e.serialize, logger)
	e.router = NewForegroundPushRouter(e.dedup, e.reactions, e.handleIncoming, e.CurrentUser, logger)

	return e
}

// Initialize signs userID into the engine. It resets the dedup and notification time
// filters and installs the push listener if it is not installed yet. Initializing a
// different user first tears down the previous user's state.
func (e *SyncEngine) Initialize(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("initialize: user id is required")
	}

	e.mu.Lock()
	previous := e.userID
	e.mu.Unlock()
	if previous != "" && previous != userID {
		e.Cleanup()
	}

	e.mu.Lock()
	e.userID = userID
	needsPush := e.pushStop == nil && e.push != nil
	e.mu.Unlock()

	e.stream.SetCurrentUser(userID)
	e.dedup.Reset()
	e.notifications.ResetFilters()

	if needsPush {
		stop, err := e.push.Listen(context.WithoutCancel(ctx), func(payload models.PushPayload) {
			e.serialize(func() { e.router.Route(payload) })
		})
		if err != nil {
			return fmt.Errorf("install push listener: %w", err)
		}

		e.mu.Lock()
		if e.pushStop != nil {
			e.mu.Unlock()
			stop()
		} else {
			e.pushStop = stop
			e.mu.Unlock()
		}
	}

	e.logger.Info().Str("user_id", userID).Bool("push", e.push != nil).Msg("sync engine initialized")
	return nil
}

// CurrentUser returns the initialized user, or "".
func (e *SyncEngine) CurrentUser() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// SubscribeToConversationMessages marks conversationID active, flushes its pending reads and
// streams its rebuilt message list to onUpdate.
func (e *SyncEngine) SubscribeToConversationMessages(ctx context.Context, conversationID string, onUpdate MessagesHandler) (func(), error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, ErrEmptyConversationID
	}
	if e.CurrentUser() == "" {
		return nil, ErrNotInitialized
	}

	if e.active.Set(conversationID, true) {
		e.flushAsync(conversationID)
	}

	if err := e.stream.Subscribe(ctx, conversationID, onUpdate); err != nil {
		e.active.Set(conversationID, false)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() { e.UnsubscribeFromConversation(conversationID) })
	}, nil
}

// UnsubscribeFromConversation detaches conversationID's listener, marks it inactive and drops
// its callbacks. Receipt updates already in flight still complete.
func (e *SyncEngine) UnsubscribeFromConversation(conversationID string) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return
	}
	e.stream.Unsubscribe(conversationID)
	e.active.Set(conversationID, false)
}

// SubscribeToReactionEvents registers onReaction for conversationID's reaction events from
// every source.
func (e *SyncEngine) SubscribeToReactionEvents(conversationID string, onReaction ReactionHandler) func() {
	return e.reactions.Subscribe(strings.TrimSpace(conversationID), onReaction)
}

// SubscribeToUserNotifications opens userID's notification subscription and registers onUpdate.
func (e *SyncEngine) SubscribeToUserNotifications(ctx context.Context, userID string, onUpdate NotificationHandler) (func(), error) {
	if err := e.notifications.Watch(ctx, userID); err != nil {
		return nil, err
	}
	return e.notifications.AddListener(onUpdate), nil
}

// Notifications returns the last broadcast notification projection.
func (e *SyncEngine) Notifications() models.NotificationSummary {
	return e.notifications.Latest()
}

// SetConversationActive toggles conversationID in the active set. Activation flushes the
// pending read batch; the flush error is returned for logging only.
func (e *SyncEngine) SetConversationActive(ctx context.Context, conversationID string, active bool) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrEmptyConversationID
	}

	changed := e.active.Set(conversationID, active)
	if !active || !changed {
		return nil
	}
	return e.receipts.FlushPending(ctx, conversationID)
}

// IsConversationActive reports whether conversationID is open in the UI.
func (e *SyncEngine) IsConversationActive(conversationID string) bool {
	return e.active.Contains(conversationID)
}

// MarkConversationAsRead resets the current user's unread count for conversationID.
func (e *SyncEngine) MarkConversationAsRead(ctx context.Context, conversationID string) error {
	userID := e.CurrentUser()
	if userID == "" {
		return ErrNotInitialized
	}
	return e.notifications.MarkConversationAsRead(ctx, userID, conversationID)
}

// ClearAllNotifications deletes userID's whole notification subtree.
func (e *SyncEngine) ClearAllNotifications(ctx context.Context, userID string) error {
	return e.notifications.ClearAll(ctx, userID)
}

// AddMessage writes an outbound event onto conversationID's event log and returns the record.
func (e *SyncEngine) AddMessage(ctx context.Context, conversationID string, message dto.OutboundMessage) (map[string]any, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, ErrEmptyConversationID
	}
	userID := e.CurrentUser()
	if userID == "" {
		return nil, ErrNotInitialized
	}

	message.MessageID = strings.TrimSpace(message.MessageID)
	message.SenderID = strings.TrimSpace(message.SenderID)
	message.ParentID = strings.TrimSpace(message.ParentID)
	message.Reaction = strings.TrimSpace(message.Reaction)
	if err := e.validator.Struct(message); err != nil {
		return nil, err
	}

	eventType := models.EventType(message.EventType)
	if eventType == "" {
		eventType = models.EventMessageSent
		if message.ParentID != "" {
			eventType = models.EventMessageReplied
		}
	}
	if eventType.IsReaction() && (message.MessageID == "" || message.Reaction == "") {
		return nil, ErrInvalidReaction
	}

	spanCtx, span := e.tracer.Start(ctx, "sync.add_message", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("chat.event_type", string(eventType)),
	))
	defer span.End()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	senderID := message.SenderID
	if senderID == "" {
		senderID = userID
	}

	event := map[string]any{
		"eventType":  string(eventType),
		"senderId":   senderID,
		"senderName": strings.TrimSpace(message.SenderName),
		"createdAt":  now,
		"timestamp":  now,
		"metadata": map[string]any{
			"clientEventId": uuid.NewString(),
		},
	}

	if eventType.IsReaction() {
		event["messageId"] = message.MessageID
		event["reaction"] = message.Reaction
	} else {
		messageID := message.MessageID
		if messageID == "" {
			messageID = e.transformer.fallbackID()
		}
		event["messageId"] = messageID
		event["content"] = e.sanitizer.Sanitize(message.Content)
		if message.ParentID != "" {
			event["parentMessageId"] = message.ParentID
			event["metadata"].(map[string]any)["parentId"] = message.ParentID
		}
		if len(message.Attachments) > 0 {
			event["attachments"] = message.Attachments
		}
	}

	if err := e.store.Push(spanCtx, ConversationEventsPath(conversationID), event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("add message to conversation %s: %w", conversationID, err)
	}
	return event, nil
}

// Messages returns the last rebuilt list of a subscribed conversation.
func (e *SyncEngine) Messages(conversationID string) []models.Message {
	return e.stream.Messages(conversationID)
}

// PendingReads returns the ids delivered to conversationID but not yet read.
func (e *SyncEngine) PendingReads(conversationID string) []string {
	return e.receipts.Pending(conversationID)
}

// Wait blocks until receipt and mark-as-read side effects in flight have finished.
func (e *SyncEngine) Wait() {
	e.inflight.Wait()
}

// Cleanup tears down every subscription and clears every cache. It is safe to call
// repeatedly and on an engine that was never initialized.
func (e *SyncEngine) Cleanup() {
	e.mu.Lock()
	stop := e.pushStop
	e.pushStop = nil
	userID := e.userID
	e.userID = ""
	e.mu.Unlock()

	if stop != nil {
		stop()
	}

	e.stream.Close()
	e.stream.SetCurrentUser("")
	e.notifications.Close()
	e.reactions.Reset()
	e.receipts.Reset()
	e.active.Clear()
	e.dedup.Reset()

	if userID != "" {
		e.logger.Info().Str("user_id", userID).Msg("sync engine cleaned up")
	}
}

func (e *SyncEngine) serialize(fn func()) {
	e.dispatch.Lock()
	defer e.dispatch.Unlock()
	fn()
}

// goAsync runs fn outside the dispatch lock so a slow receipt call stalls only itself.
func (e *SyncEngine) goAsync(fn func(ctx context.Context)) {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		fn(context.Background())
	}()
}

func (e *SyncEngine) handleIncoming(conversationID string, messageIDs []string) {
	ids := append([]string(nil), messageIDs...)
	e.goAsync(func(ctx context.Context) {
		if err := e.receipts.HandleIncoming(ctx, conversationID, ids); err != nil {
			e.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("receipt promotion failed")
		}
	})
}

func (e *SyncEngine) flushAsync(conversationID string) {
	e.goAsync(func(ctx context.Context) {
		if err := e.receipts.FlushPending(ctx, conversationID); err != nil {
			e.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("pending read flush failed")
		}
	})
}

func (e *SyncEngine) markReadAsync(conversationID string) {
	userID := e.CurrentUser()
	if userID == "" {
		return
	}
	e.goAsync(func(ctx context.Context) {
		if err := e.notifications.MarkConversationAsRead(ctx, userID, conversationID); err != nil {
			e.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark as read failed")
		}
	})
}
