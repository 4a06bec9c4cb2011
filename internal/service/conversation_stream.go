package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/observability"
	"github.com/noah-isme/gema-chat-sync/internal/repository"
)

// ErrEmptyConversationID is returned when an operation needs a conversation id.
var ErrEmptyConversationID = errors.New("conversation id is required")

// MessagesHandler receives the rebuilt message list of a conversation.
type MessagesHandler func([]models.Message)

// StreamHooks are the side effects a conversation emission triggers.
type StreamHooks struct {
	// Incoming receives ids of messages sent by someone other than the current user.
	Incoming func(conversationID string, messageIDs []string)
	// MarkRead is called after every emission of an active conversation.
	MarkRead func(conversationID string)
	// Serialize runs fn so that no two listener callbacks interleave.
	Serialize func(fn func())
}

// ConversationStream owns one event-log listener per conversation and rebuilds the full
// message list on every snapshot.
type ConversationStream struct {
	store       repository.RealtimeStore
	transformer *MessageTransformer
	reactions   *ReactionExtractor
	active      ActiveChecker
	hooks       StreamHooks
	logger      zerolog.Logger

	mu          sync.Mutex
	currentUser string
	subs        map[string]*conversationSubscription
}

type conversationSubscription struct {
	onUpdate    MessagesHandler
	unsubscribe func()
	messages    []models.Message
	// reactions counts the reaction records of the previous snapshot, keyed by raw record.
	reactions map[string]int
}

// NewConversationStream wires a stream over store.
func NewConversationStream(store repository.RealtimeStore, transformer *MessageTransformer, reactions *ReactionExtractor, active ActiveChecker, hooks StreamHooks, logger zerolog.Logger) *ConversationStream {
	if hooks.Serialize == nil {
		hooks.Serialize = func(fn func()) { fn() }
	}
	return &ConversationStream{
		store:       store,
		transformer: transformer,
		reactions:   reactions,
		active:      active,
		hooks:       hooks,
		logger:      logger.With().Str("component", "conversation_stream").Logger(),
		subs:        make(map[string]*conversationSubscription),
	}
}

// ConversationEventsPath is the realtime path of a conversation's event log.
func ConversationEventsPath(conversationID string) string {
	return fmt.Sprintf("conversations/%s/events", conversationID)
}

// SetCurrentUser sets whose messages count as outgoing.
func (s *ConversationStream) SetCurrentUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = userID
}

// Subscribe opens the listener for conversationID, replacing any previous one.
func (s *ConversationStream) Subscribe(ctx context.Context, conversationID string, onUpdate MessagesHandler) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrEmptyConversationID
	}

	s.detach(conversationID, false)

	sub := &conversationSubscription{onUpdate: onUpdate}
	s.mu.Lock()
	s.subs[conversationID] = sub
	s.mu.Unlock()

	unsubscribe, err := s.store.Subscribe(ctx, ConversationEventsPath(conversationID),
		func(snapshot repository.Snapshot) {
			s.hooks.Serialize(func() { s.handleSnapshot(conversationID, sub, snapshot) })
		},
		func(err error) {
			s.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("conversation listener error")
		},
	)
	if err != nil {
		s.mu.Lock()
		if s.subs[conversationID] == sub {
			delete(s.subs, conversationID)
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribe to conversation %s: %w", conversationID, err)
	}

	s.mu.Lock()
	if s.subs[conversationID] != sub {
		s.mu.Unlock()
		unsubscribe()
		return nil
	}
	sub.unsubscribe = unsubscribe
	s.mu.Unlock()

	s.logger.Debug().Str("conversation_id", conversationID).Msg("conversation listener attached")
	return nil
}

// Unsubscribe detaches conversationID's listener and drops its update and reaction callbacks.
func (s *ConversationStream) Unsubscribe(conversationID string) {
	s.detach(conversationID, true)
}

func (s *ConversationStream) detach(conversationID string, forgetReactions bool) {
	s.mu.Lock()
	sub, ok := s.subs[conversationID]
	delete(s.subs, conversationID)
	s.mu.Unlock()

	if forgetReactions {
		s.reactions.Forget(conversationID)
	}
	if !ok {
		return
	}
	if sub.unsubscribe != nil {
		sub.unsubscribe()
	}
	s.logger.Debug().Str("conversation_id", conversationID).Msg("conversation listener detached")
}

// Subscribed reports whether conversationID has an open listener.
func (s *ConversationStream) Subscribed(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[conversationID]
	return ok
}

// Conversations lists conversations with open listeners.
func (s *ConversationStream) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.subs))
	for id := range s.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Messages returns the last list rebuilt for conversationID.
func (s *ConversationStream) Messages(conversationID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[conversationID]
	if !ok {
		return nil
	}
	return append([]models.Message(nil), sub.messages...)
}

// Close detaches every listener.
func (s *ConversationStream) Close() {
	for _, id := range s.Conversations() {
		s.Unsubscribe(id)
	}
}

func (s *ConversationStream) handleSnapshot(conversationID string, sub *conversationSubscription, snapshot repository.Snapshot) {
	s.mu.Lock()
	if s.subs[conversationID] != sub {
		s.mu.Unlock()
		return
	}
	currentUser := s.currentUser
	s.mu.Unlock()

	observability.SnapshotsProcessed().WithLabelValues("conversation").Inc()

	batch := decodeEventBatch(snapshot.Value)
	messages, incoming := s.Rebuild(conversationID, batch, currentUser)

	var fresh []models.ReactionEvent
	counts := make(map[string]int)

	s.mu.Lock()
	if s.subs[conversationID] != sub {
		s.mu.Unlock()
		return
	}
	sub.messages = messages
	for _, raw := range batch {
		event, ok := ReactionFromRaw(conversationID, raw)
		if !ok {
			continue
		}
		key := string(raw)
		counts[key]++
		if counts[key] > sub.reactions[key] {
			fresh = append(fresh, event)
		}
	}
	sub.reactions = counts
	s.mu.Unlock()

	// Only reaction records absent from the previous snapshot reach listeners.
	for _, event := range fresh {
		s.reactions.Dispatch("conversation", event)
	}

	if sub.onUpdate != nil {
		out := make([]models.Message, len(messages))
		copy(out, messages)
		sub.onUpdate(out)
	}

	if len(incoming) > 0 && s.hooks.Incoming != nil {
		s.hooks.Incoming(conversationID, incoming)
	}

	if s.active.Contains(conversationID) && s.hooks.MarkRead != nil {
		s.hooks.MarkRead(conversationID)
	}
}

// Rebuild derives the ordered message list of a full event batch, discarding any previous
// state. Reaction records are merged into their targets instead of listed. It also returns
// the ids of messages not sent by currentUser.
func (s *ConversationStream) Rebuild(conversationID string, batch []models.RawEvent, currentUser string) ([]models.Message, []string) {
	messages := make([]models.Message, 0, len(batch))
	for _, raw := range batch {
		if raw.EventType().IsReaction() {
			continue
		}
		message := s.transformer.Transform(conversationID, raw)
		s.reactions.Attach(&message, batch)
		messages = append(messages, message)
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].EffectiveTime().Before(messages[j].EffectiveTime())
	})

	incoming := make([]string, 0, len(messages))
	for _, message := range messages {
		if message.SenderID != currentUser {
			incoming = append(incoming, message.ID)
		}
	}

	return messages, incoming
}

// decodeEventBatch splits an event-log snapshot into records, accepting both list and
// keyed-object layouts in arrival order.
func decodeEventBatch(value []byte) []models.RawEvent {
	parsed := gjson.ParseBytes(value)
	if !parsed.IsArray() && !parsed.IsObject() {
		return nil
	}

	batch := make([]models.RawEvent, 0, 16)
	parsed.ForEach(func(_, item gjson.Result) bool {
		if item.IsObject() {
			batch = append(batch, models.RawEvent(item.Raw))
		}
		return true
	})
	return batch
}
