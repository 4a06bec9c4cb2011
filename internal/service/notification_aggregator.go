package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/observability"
	"github.com/noah-isme/gema-chat-sync/internal/repository"
)

// NotificationHandler receives the full per-conversation summary projection.
type NotificationHandler func(models.NotificationSummary)

// NotificationAggregator owns the per-user notification subscription. Reaction events
// embedded in a summary, and the unread last message of the summary, are surfaced only
// when the summary's timestamp moved forward; the projection itself is broadcast on
// every snapshot.
type NotificationAggregator struct {
	store     repository.RealtimeStore
	reactions *ReactionExtractor
	incoming  IncomingFunc
	serialize func(fn func())
	clock     func() time.Time
	logger    zerolog.Logger

	mu            sync.Mutex
	userID        string
	unsubscribe   func()
	lastProcessed map[string]time.Time
	listeners     map[uint64]NotificationHandler
	nextID        uint64
	latest        models.NotificationSummary
}

// NewNotificationAggregator creates an aggregator; incoming and serialize may be nil.
func NewNotificationAggregator(store repository.RealtimeStore, reactions *ReactionExtractor, incoming IncomingFunc, serialize func(fn func()), logger zerolog.Logger) *NotificationAggregator {
	if serialize == nil {
		serialize = func(fn func()) { fn() }
	}
	return &NotificationAggregator{
		store:         store,
		reactions:     reactions,
		incoming:      incoming,
		serialize:     serialize,
		clock:         time.Now,
		logger:        logger.With().Str("component", "notification_aggregator").Logger(),
		lastProcessed: make(map[string]time.Time),
		listeners:     make(map[uint64]NotificationHandler),
	}
}

// UserNotificationsPath is the realtime path of a user's notification subtree.
func UserNotificationsPath(userID string) string {
	return fmt.Sprintf("user-notifications/%s", userID)
}

// Watch ensures the subscription for userID is open. Watching a different user detaches
// the previous subscription.
func (a *NotificationAggregator) Watch(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("notifications: user id is required")
	}

	a.mu.Lock()
	if a.userID == userID && a.unsubscribe != nil {
		a.mu.Unlock()
		return nil
	}
	previous := a.unsubscribe
	a.userID = userID
	a.unsubscribe = nil
	a.latest = nil
	a.mu.Unlock()

	if previous != nil {
		previous()
	}

	unsubscribe, err := a.store.Subscribe(ctx, UserNotificationsPath(userID),
		func(snapshot repository.Snapshot) {
			a.serialize(func() { a.handleSnapshot(userID, snapshot) })
		},
		func(err error) {
			a.logger.Error().Err(err).Str("user_id", userID).Msg("notification listener error")
		},
	)
	if err != nil {
		return fmt.Errorf("subscribe to notifications for %s: %w", userID, err)
	}

	a.mu.Lock()
	if a.userID != userID || a.unsubscribe != nil {
		a.mu.Unlock()
		unsubscribe()
		return nil
	}
	a.unsubscribe = unsubscribe
	a.mu.Unlock()
	return nil
}

// AddListener registers handler and replays the latest projection to it, if any.
func (a *NotificationAggregator) AddListener(handler NotificationHandler) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = handler
	latest := a.latest
	a.mu.Unlock()

	if latest != nil {
		handler(cloneSummary(latest))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.listeners, id)
			a.mu.Unlock()
		})
	}
}

// Latest returns the last broadcast projection.
func (a *NotificationAggregator) Latest() models.NotificationSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneSummary(a.latest)
}

// MarkConversationAsRead resets the unread counter of one conversation with a direct write.
func (a *NotificationAggregator) MarkConversationAsRead(ctx context.Context, userID, conversationID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("mark as read: user id and conversation id are required")
	}
	path := fmt.Sprintf("%s/%s/unreadCount", UserNotificationsPath(userID), conversationID)
	if err := a.store.Set(ctx, path, 0); err != nil {
		return fmt.Errorf("reset unread count for %s: %w", conversationID, err)
	}
	return nil
}

// ClearAll deletes the user's entire notification subtree.
func (a *NotificationAggregator) ClearAll(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("clear notifications: user id is required")
	}
	if err := a.store.Remove(ctx, UserNotificationsPath(userID)); err != nil {
		return fmt.Errorf("clear notifications for %s: %w", userID, err)
	}
	return nil
}

// ResetFilters forgets every per-conversation processed timestamp.
func (a *NotificationAggregator) ResetFilters() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastProcessed = make(map[string]time.Time)
}

// Close detaches the subscription and drops listeners, filters and the cached projection.
func (a *NotificationAggregator) Close() {
	a.mu.Lock()
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.userID = ""
	a.latest = nil
	a.listeners = make(map[uint64]NotificationHandler)
	a.lastProcessed = make(map[string]time.Time)
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (a *NotificationAggregator) handleSnapshot(userID string, snapshot repository.Snapshot) {
	a.mu.Lock()
	if a.userID != userID {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	observability.SnapshotsProcessed().WithLabelValues("notification").Inc()

	summary := models.NotificationSummary{}
	var reactions []models.ReactionEvent
	unread := map[string]string{}

	parsed := gjson.ParseBytes(snapshot.Value)
	if parsed.IsObject() {
		now := a.clock()
		parsed.ForEach(func(key, entry gjson.Result) bool {
			conversationID := key.String()
			if !entry.IsObject() {
				return true
			}
			conversation := decodeConversationSummary(entry)
			summary[conversationID] = conversation

			notificationTime, ok := models.ParseEventTime(entry.Get("timestamp").String())
			if !ok {
				notificationTime = now
			}
			if !a.advance(conversationID, notificationTime) {
				return true
			}
			reactions = append(reactions, embeddedReactions(conversationID, entry.Get("events"))...)
			if conversation.UnreadCount > 0 && conversation.LastMessageID != "" {
				unread[conversationID] = conversation.LastMessageID
			}
			return true
		})
	}

	for _, event := range reactions {
		a.reactions.Dispatch("notification", event)
	}
	if a.incoming != nil {
		for conversationID, messageID := range unread {
			a.incoming(conversationID, []string{messageID})
		}
	}

	a.mu.Lock()
	if a.userID != userID {
		a.mu.Unlock()
		return
	}
	a.latest = summary
	handlers := make([]NotificationHandler, 0, len(a.listeners))
	for _, handler := range a.listeners {
		handlers = append(handlers, handler)
	}
	a.mu.Unlock()

	for _, handler := range handlers {
		handler(cloneSummary(summary))
	}
}

// advance records notificationTime for conversationID if it is strictly newer.
func (a *NotificationAggregator) advance(conversationID string, notificationTime time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastProcessed[conversationID]; ok && !notificationTime.After(last) {
		return false
	}
	a.lastProcessed[conversationID] = notificationTime
	return true
}

func decodeConversationSummary(entry gjson.Result) models.ConversationSummary {
	return models.ConversationSummary{
		UnreadCount:   int(entry.Get("unreadCount").Int()),
		LastMessage:   entry.Get("lastMessage").String(),
		LastMessageID: entry.Get("lastMessageId").String(),
		Timestamp:     entry.Get("timestamp").String(),
	}
}

func embeddedReactions(conversationID string, events gjson.Result) []models.ReactionEvent {
	if !events.IsArray() && !events.IsObject() {
		return nil
	}
	var out []models.ReactionEvent
	events.ForEach(func(_, item gjson.Result) bool {
		raw := unwrapEmbedded(models.RawEvent(item.Raw))
		if event, ok := ReactionFromRaw(conversationID, raw); ok {
			out = append(out, event)
		}
		return true
	})
	return out
}

func cloneSummary(summary models.NotificationSummary) models.NotificationSummary {
	if summary == nil {
		return nil
	}
	out := make(models.NotificationSummary, len(summary))
	for id, entry := range summary {
		out[id] = entry
	}
	return out
}
