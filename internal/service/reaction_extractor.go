package service

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/observability"
)

// ReactionHandler receives reaction events for one conversation.
type ReactionHandler func(models.ReactionEvent)

// ReactionExtractor merges reaction records into their target messages and routes them
// to conversation-scoped listeners.
//
// REACTION_REMOVED is recognised and routed but never subtracts from a message's
// reaction list; listeners that need removal semantics must apply it themselves.
// Conversation snapshots repeat the whole event log, so the stream forwards only the
// reaction records a snapshot added; a fresh subscription replays the log's history once.
type ReactionExtractor struct {
	mu        sync.RWMutex
	listeners map[string]map[uint64]ReactionHandler
	nextID    uint64
	logger    zerolog.Logger
}

// NewReactionExtractor creates an extractor with no listeners.
func NewReactionExtractor(logger zerolog.Logger) *ReactionExtractor {
	return &ReactionExtractor{
		listeners: make(map[string]map[uint64]ReactionHandler),
		logger:    logger.With().Str("component", "reaction_extractor").Logger(),
	}
}

// ReactionFromRaw decodes a reaction record. ok is false for non-reaction records.
func ReactionFromRaw(conversationID string, raw models.RawEvent) (models.ReactionEvent, bool) {
	eventType := raw.EventType()
	if !eventType.IsReaction() {
		return models.ReactionEvent{}, false
	}
	return models.ReactionEvent{
		ConversationID: conversationID,
		MessageID:      raw.Str("messageId"),
		EventType:      eventType,
		Emoji:          firstString(raw, "reaction", "emoji"),
		SenderID:       raw.Str("senderId"),
		SenderName:     raw.Str("senderName"),
		Timestamp:      firstString(raw, "timestamp", "createdAt"),
	}, true
}

// Attach appends every REACTION_ADDED record in batch that targets message.
// The whole batch is scanned, so a reaction may precede its target in arrival order.
func (x *ReactionExtractor) Attach(message *models.Message, batch []models.RawEvent) {
	for _, raw := range batch {
		if raw.EventType() != models.EventReactionAdded {
			continue
		}
		if raw.Str("messageId") != message.ID {
			continue
		}
		message.Reactions = append(message.Reactions, models.Reaction{
			Emoji:      firstString(raw, "reaction", "emoji"),
			SenderID:   raw.Str("senderId"),
			SenderName: raw.Str("senderName"),
			Timestamp:  firstString(raw, "timestamp", "createdAt"),
		})
	}
}

// Subscribe registers handler for conversationID's reaction events.
func (x *ReactionExtractor) Subscribe(conversationID string, handler ReactionHandler) func() {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.nextID++
	id := x.nextID
	if x.listeners[conversationID] == nil {
		x.listeners[conversationID] = make(map[uint64]ReactionHandler)
	}
	x.listeners[conversationID][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			x.mu.Lock()
			defer x.mu.Unlock()
			delete(x.listeners[conversationID], id)
			if len(x.listeners[conversationID]) == 0 {
				delete(x.listeners, conversationID)
			}
		})
	}
}

// HasListeners reports whether anyone listens for conversationID's reactions.
func (x *ReactionExtractor) HasListeners(conversationID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.listeners[conversationID]) > 0
}

// Dispatch routes event to the listeners of its conversation.
func (x *ReactionExtractor) Dispatch(source string, event models.ReactionEvent) {
	x.mu.RLock()
	handlers := make([]ReactionHandler, 0, len(x.listeners[event.ConversationID]))
	for _, handler := range x.listeners[event.ConversationID] {
		handlers = append(handlers, handler)
	}
	x.mu.RUnlock()

	observability.ReactionEvents().WithLabelValues(source, string(event.EventType)).Inc()
	if len(handlers) == 0 {
		return
	}

	x.logger.Debug().
		Str("conversation_id", event.ConversationID).
		Str("message_id", event.MessageID).
		Str("event_type", string(event.EventType)).
		Str("source", source).
		Msg("dispatching reaction event")

	for _, handler := range handlers {
		handler(event)
	}
}

// Forget drops every listener of conversationID.
func (x *ReactionExtractor) Forget(conversationID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.listeners, conversationID)
}

// Reset drops every listener.
func (x *ReactionExtractor) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listeners = make(map[string]map[uint64]ReactionHandler)
}
