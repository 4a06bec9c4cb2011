package service

import (
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/observability"
)

// IncomingFunc receives ids of inbound messages that need a receipt promotion.
type IncomingFunc func(conversationID string, messageIDs []string)

// ForegroundPushRouter turns foreground push payloads into reaction and receipt side
// effects. Message content is left to the conversation stream.
type ForegroundPushRouter struct {
	dedup     *DedupCache
	reactions *ReactionExtractor
	incoming  IncomingFunc
	clock     func() time.Time
	logger    zerolog.Logger
	user      func() string
}

// NewForegroundPushRouter creates a router. currentUser is read on every payload.
func NewForegroundPushRouter(dedup *DedupCache, reactions *ReactionExtractor, incoming IncomingFunc, currentUser func() string, logger zerolog.Logger) *ForegroundPushRouter {
	return &ForegroundPushRouter{
		dedup:     dedup,
		reactions: reactions,
		incoming:  incoming,
		clock:     time.Now,
		logger:    logger.With().Str("component", "push_router").Logger(),
		user:      currentUser,
	}
}

// Route handles one push payload and reports whether it was processed.
func (p *ForegroundPushRouter) Route(payload models.PushPayload) bool {
	data := gjson.ParseBytes(payload.Data)
	conversationID := strings.TrimSpace(data.Get("conversationId").String())
	if conversationID == "" {
		observability.PushEvents().WithLabelValues("dropped").Inc()
		p.logger.Debug().Str("push_message_id", payload.MessageID).Msg("push payload without conversation id dropped")
		return false
	}

	key := p.dedupKey(conversationID, data)
	if !p.dedup.Add(key) {
		observability.PushEvents().WithLabelValues("duplicate").Inc()
		return false
	}

	message, ok := embeddedMessage(data)
	if !ok {
		observability.PushEvents().WithLabelValues("dropped").Inc()
		p.logger.Warn().Str("conversation_id", conversationID).Msg("push payload carries unparseable message data")
		return false
	}

	if event, ok := ReactionFromRaw(conversationID, message); ok {
		if event.MessageID == "" {
			event.MessageID = data.Get("messageId").String()
		}
		p.reactions.Dispatch("push", event)
		observability.PushEvents().WithLabelValues("processed").Inc()
		return true
	}

	senderID := firstString(message, "senderId")
	if senderID == "" {
		senderID = strings.TrimSpace(data.Get("senderId").String())
	}
	messageID := MessageID(message)
	if messageID == "" {
		messageID = strings.TrimSpace(data.Get("messageId").String())
	}

	if senderID != p.user() && messageID != "" && p.incoming != nil {
		p.incoming(conversationID, []string{messageID})
	}
	observability.PushEvents().WithLabelValues("processed").Inc()
	return true
}

func (p *ForegroundPushRouter) dedupKey(conversationID string, data gjson.Result) string {
	suffix := strings.TrimSpace(data.Get("messageId").String())
	if suffix == "" {
		suffix = strings.TrimSpace(data.Get("timestamp").String())
	}
	if suffix == "" {
		suffix = strconv.FormatInt(p.clock().UnixMilli(), 10)
	}
	return conversationID + "-" + suffix
}

// embeddedMessage extracts the message record of a push data bag. messageData may be an
// object or a JSON-encoded string; without it the bag itself is the record.
func embeddedMessage(data gjson.Result) (models.RawEvent, bool) {
	field := data.Get("messageData")
	switch {
	case !field.Exists() || field.Type == gjson.Null:
		return models.RawEvent(data.Raw), true
	case field.IsObject():
		return models.RawEvent(field.Raw), true
	case field.Type == gjson.String:
		decoded := strings.TrimSpace(field.String())
		if !gjson.Valid(decoded) || !gjson.Parse(decoded).IsObject() {
			return nil, false
		}
		return models.RawEvent(decoded), true
	default:
		return nil, false
	}
}

// unwrapEmbedded returns the record nested under messageData, if any.
func unwrapEmbedded(raw models.RawEvent) models.RawEvent {
	if message, ok := embeddedMessage(gjson.ParseBytes(raw)); ok {
		return message
	}
	return raw
}
