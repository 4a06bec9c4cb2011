package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat-sync/internal/dto"
	"github.com/noah-isme/gema-chat-sync/internal/middleware"
	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/service"
)

type stubBridge struct {
	mu          sync.Mutex
	user        string
	active      map[string]bool
	marked      []string
	cleared     []string
	added       []dto.OutboundMessage
	addErr      error
	unsubscribe int
	reactions   map[string]service.ReactionHandler
	summary     models.NotificationSummary
}

func newStubBridge(user string) *stubBridge {
	return &stubBridge{
		user:      user,
		active:    map[string]bool{},
		reactions: map[string]service.ReactionHandler{},
	}
}

func (s *stubBridge) CurrentUser() string { return s.user }

func (s *stubBridge) SubscribeToConversationMessages(_ context.Context, conversationID string, onUpdate service.MessagesHandler) (func(), error) {
	if conversationID == "broken" {
		return nil, errors.New("store unavailable")
	}
	onUpdate([]models.Message{{ID: "1", ConversationID: conversationID, Content: "hello", Reactions: []models.Reaction{}, Attachments: []models.Attachment{}}})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubscribe++
	}, nil
}

func (s *stubBridge) SubscribeToReactionEvents(conversationID string, onReaction service.ReactionHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions[conversationID] = onReaction
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.reactions, conversationID)
	}
}

func (s *stubBridge) reactionHandler(conversationID string) service.ReactionHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reactions[conversationID]
}

func (s *stubBridge) SubscribeToUserNotifications(_ context.Context, _ string, onUpdate service.NotificationHandler) (func(), error) {
	onUpdate(s.summary)
	return func() {}, nil
}

func (s *stubBridge) SetConversationActive(_ context.Context, conversationID string, active bool) error {
	if strings.TrimSpace(conversationID) == "" {
		return service.ErrEmptyConversationID
	}
	s.active[conversationID] = active
	return nil
}

func (s *stubBridge) MarkConversationAsRead(_ context.Context, conversationID string) error {
	if s.user == "" {
		return service.ErrNotInitialized
	}
	s.marked = append(s.marked, conversationID)
	return nil
}

func (s *stubBridge) ClearAllNotifications(_ context.Context, userID string) error {
	s.cleared = append(s.cleared, userID)
	return nil
}

func (s *stubBridge) AddMessage(_ context.Context, conversationID string, message dto.OutboundMessage) (map[string]any, error) {
	if s.addErr != nil {
		return nil, s.addErr
	}
	s.added = append(s.added, message)
	return map[string]any{"messageId": "100", "content": message.Content}, nil
}

func newSyncApp(bridge SyncBridge) *fiber.App {
	app := fiber.New()
	app.Use(middleware.CorrelationID())
	NewSyncHandler(bridge, validator.New(), zerolog.Nop(), time.Second).Register(app.Group("/api/v1/sync"))
	return app
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestSyncHandlerConversationRoutes(t *testing.T) {
	bridge := newStubBridge("A")
	app := newSyncApp(bridge)

	resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v1/sync/conversations/c1/active", `{"active":true}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, bridge.active["c1"])

	resp, err = app.Test(jsonRequest(http.MethodPost, "/api/v1/sync/conversations/c1/active", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, map[string]any{"active": "required"}, decodeEnvelope(t, resp).Details)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/sync/conversations/c1/read", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"c1"}, bridge.marked)

	resp, err = app.Test(jsonRequest(http.MethodPost, "/api/v1/sync/conversations/c1/messages", `{"content":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	envelope := decodeEnvelope(t, resp)
	require.Equal(t, "c1", envelope.Data.(map[string]any)["conversationId"])
	require.Equal(t, "hi", bridge.added[0].Content)

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/api/v1/sync/notifications", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{"A"}, bridge.cleared)
}

func TestSyncHandlerMapsEngineErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{err: service.ErrInvalidReaction, status: http.StatusBadRequest},
		{err: service.ErrNotInitialized, status: http.StatusConflict},
		{err: errors.New("store down"), status: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		bridge := newStubBridge("A")
		bridge.addErr = tc.err
		resp, err := newSyncApp(bridge).Test(jsonRequest(http.MethodPost, "/api/v1/sync/conversations/c1/messages", `{"content":"hi"}`))
		require.NoError(t, err)
		require.Equal(t, tc.status, resp.StatusCode, tc.err.Error())
	}

	resp, err := newSyncApp(newStubBridge("")).Test(httptest.NewRequest(http.MethodDelete, "/api/v1/sync/notifications", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = newSyncApp(newStubBridge("A")).Test(httptest.NewRequest(http.MethodGet, "/api/v1/sync/conversations/ws?conversation_id=c1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestSyncHandlerConversationWebsocket(t *testing.T) {
	bridge := newStubBridge("A")
	baseURL, shutdown := startSyncServer(t, newSyncApp(bridge))
	defer shutdown()

	url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v1/sync/conversations/ws?conversation_id=c1"
	dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
	conn, resp, err := dialer.Dial(url, http.Header{"X-Correlation-ID": {"ws-test"}})
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var frame dto.SyncStreamFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "messages", frame.Type)
	require.Len(t, frame.Messages, 1)
	require.Equal(t, "hello", frame.Messages[0].Content)

	require.Eventually(t, func() bool { return bridge.reactionHandler("c1") != nil }, time.Second, 10*time.Millisecond)
	bridge.reactionHandler("c1")(models.ReactionEvent{ConversationID: "c1", MessageID: "1", EventType: models.EventReactionAdded, Emoji: "👍"})

	frame = dto.SyncStreamFrame{}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "reaction", frame.Type)
	require.NotNil(t, frame.Reaction)
	require.Equal(t, "👍", frame.Reaction.Emoji)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		bridge.mu.Lock()
		defer bridge.mu.Unlock()
		return bridge.unsubscribe == 1 && len(bridge.reactions) == 0
	}, 2*time.Second, 10*time.Millisecond, "closing the socket releases both subscriptions")
}

func TestSyncHandlerWebsocketRequiresConversation(t *testing.T) {
	baseURL, shutdown := startSyncServer(t, newSyncApp(newStubBridge("A")))
	defer shutdown()

	for _, query := range []string{"", "?conversation_id=broken"} {
		url := "ws" + strings.TrimPrefix(baseURL, "http") + "/api/v1/sync/conversations/ws" + query
		conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		if resp != nil {
			_ = resp.Body.Close()
		}
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, _, err = conn.ReadMessage()
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		_ = conn.Close()
	}
}

func TestSyncHandlerNotificationStream(t *testing.T) {
	bridge := newStubBridge("A")
	bridge.summary = models.NotificationSummary{"c1": {UnreadCount: 2, LastMessage: "yo", LastMessageID: "12"}}
	baseURL, shutdown := startSyncServer(t, newSyncApp(bridge))
	defer shutdown()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/sync/notifications/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: notifications\n", event)

	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "data: "))

	var summary models.NotificationSummary
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &summary))
	require.Equal(t, 2, summary["c1"].UnreadCount)
}

func startSyncServer(t *testing.T, app *fiber.App) (string, func()) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = app.Listener(listener)
		close(done)
	}()

	shutdown := func() {
		_ = app.Shutdown()
		_ = listener.Close()
		select {
		case <-done:
		case <-time.After(100 * time.Millisecond):
		}
	}

	return "http://" + listener.Addr().String(), shutdown
}
