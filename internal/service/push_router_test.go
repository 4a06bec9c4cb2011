package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat-sync/internal/models"
)

func newRouterHarness() (*ForegroundPushRouter, *DedupCache, *ReactionExtractor, map[string][]string) {
	dedup := NewDedupCache(100)
	reactions := NewReactionExtractor(zerolog.Nop())
	incoming := map[string][]string{}
	router := NewForegroundPushRouter(dedup, reactions, func(conversationID string, ids []string) {
		incoming[conversationID] = append(incoming[conversationID], ids...)
	}, func() string { return "A" }, zerolog.Nop())
	return router, dedup, reactions, incoming
}

func pushPayload(data string) models.PushPayload {
	return models.PushPayload{Data: json.RawMessage(data)}
}

func TestForegroundPushRouterDeduplicates(t *testing.T) {
	router, dedup, _, incoming := newRouterHarness()

	first := pushPayload(`{"conversationId":"c1","messageId":"5","messageData":"{\"messageId\":\"5\",\"senderId\":\"B\",\"content\":\"hi\"}"}`)
	require.True(t, router.Route(first))
	require.False(t, router.Route(first))
	require.True(t, dedup.Contains("c1-5"))

	require.True(t, router.Route(pushPayload(`{"conversationId":"c1","messageId":"6","messageData":{"messageId":"6","senderId":"B"}}`)))

	require.Equal(t, []string{"5", "6"}, incoming["c1"])
}

func TestForegroundPushRouterKeyFallbacks(t *testing.T) {
	router, dedup, _, _ := newRouterHarness()
	router.clock = func() time.Time { return time.UnixMilli(1700000000000) }

	require.True(t, router.Route(pushPayload(`{"conversationId":"c1","timestamp":"2024-05-01T10:00:00Z","senderId":"A"}`)))
	require.True(t, dedup.Contains("c1-2024-05-01T10:00:00Z"))

	require.True(t, router.Route(pushPayload(`{"conversationId":"c2","senderId":"A"}`)))
	require.True(t, dedup.Contains("c2-1700000000000"))
}

func TestForegroundPushRouterDropsMalformedPayloads(t *testing.T) {
	router, dedup, _, incoming := newRouterHarness()

	require.False(t, router.Route(pushPayload(`{"messageId":"5"}`)))
	require.False(t, router.Route(pushPayload(`not json`)))
	require.False(t, router.Route(pushPayload(`{"conversationId":"c1","messageId":"7","messageData":"{broken"}`)))
	require.Empty(t, incoming)
	require.Equal(t, 1, dedup.Len(), "only payloads with a conversation id reach the dedup cache")
}

func TestForegroundPushRouterRoutesReactionsAndSkipsOwnMessages(t *testing.T) {
	router, _, reactions, incoming := newRouterHarness()

	var routed []models.ReactionEvent
	reactions.Subscribe("c1", func(event models.ReactionEvent) {
		routed = append(routed, event)
	})

	require.True(t, router.Route(pushPayload(`{"conversationId":"c1","messageId":"r1","messageData":"{\"eventType\":\"REACTION_ADDED\",\"messageId\":\"5\",\"reaction\":\"👍\",\"senderId\":\"B\"}"}`)))
	require.Len(t, routed, 1)
	require.Equal(t, "5", routed[0].MessageID)
	require.Equal(t, "👍", routed[0].Emoji)

	require.True(t, router.Route(pushPayload(`{"conversationId":"c1","messageId":"8","messageData":{"messageId":"8","senderId":"A"}}`)))
	require.Empty(t, incoming, "reactions and own messages never reach receipts")
}
