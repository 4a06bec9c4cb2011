package handler

import (
	"bufio"
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-sync/internal/dto"
	"github.com/noah-isme/gema-chat-sync/internal/middleware"
	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/observability"
	"github.com/noah-isme/gema-chat-sync/internal/service"
	"github.com/noah-isme/gema-chat-sync/internal/utils"
)

const bridgeSendBufferSize = 32

// SyncBridge is the engine surface exposed to a UI process.
type SyncBridge interface {
	CurrentUser() string
	SubscribeToConversationMessages(ctx context.Context, conversationID string, onUpdate service.MessagesHandler) (func(), error)
	SubscribeToReactionEvents(conversationID string, onReaction service.ReactionHandler) func()
	SubscribeToUserNotifications(ctx context.Context, userID string, onUpdate service.NotificationHandler) (func(), error)
	SetConversationActive(ctx context.Context, conversationID string, active bool) error
	MarkConversationAsRead(ctx context.Context, conversationID string) error
	ClearAllNotifications(ctx context.Context, userID string) error
	AddMessage(ctx context.Context, conversationID string, message dto.OutboundMessage) (map[string]any, error)
}

// SyncHandler bridges the sync engine to a UI over websocket, SSE and plain requests.
type SyncHandler struct {
	engine    SyncBridge
	validator *validator.Validate
	logger    zerolog.Logger
	keepAlive time.Duration
}

// NewSyncHandler creates a bridge handler.
func NewSyncHandler(engine SyncBridge, validate *validator.Validate, logger zerolog.Logger, keepAlive time.Duration) *SyncHandler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &SyncHandler{
		engine:    engine,
		validator: validate,
		logger:    logger.With().Str("component", "sync_handler").Logger(),
		keepAlive: keepAlive,
	}
}

// Register binds bridge routes under the provided router group.
func (h *SyncHandler) Register(router fiber.Router) {
	router.Use("/conversations/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/conversations/ws", websocket.New(h.handleConversation))
	router.Post("/conversations/:id/active", h.setActive)
	router.Post("/conversations/:id/read", h.markRead)
	router.Post("/conversations/:id/messages", h.addMessage)
	router.Get("/notifications/stream", h.streamNotifications)
	router.Delete("/notifications", h.clearNotifications)
}

func (h *SyncHandler) handleConversation(conn *websocket.Conn) {
	conversationID := strings.TrimSpace(conn.Query("conversation_id"))
	if conversationID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "conversation_id required"))
		_ = conn.Close()
		return
	}

	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	logger := h.logger.With().
		Str("conversation_id", conversationID).
		Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).
		Logger()

	frames := make(chan dto.SyncStreamFrame, bridgeSendBufferSize)
	enqueue := func(frame dto.SyncStreamFrame) {
		select {
		case frames <- frame:
		default:
			logger.Debug().Str("type", frame.Type).Msg("dropping bridge frame due to slow consumer")
		}
	}

	stopReactions := h.engine.SubscribeToReactionEvents(conversationID, func(event models.ReactionEvent) {
		reaction := event
		enqueue(dto.SyncStreamFrame{Type: "reaction", Reaction: &reaction})
	})
	defer stopReactions()

	unsubscribe, err := h.engine.SubscribeToConversationMessages(baseCtx, conversationID, func(messages []models.Message) {
		enqueue(dto.SyncStreamFrame{Type: "messages", Messages: messages})
	})
	if err != nil {
		logger.Warn().Err(err).Msg("conversation bridge subscription failed")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, errorReason(err)))
		_ = conn.Close()
		return
	}
	defer unsubscribe()

	observability.BridgeClientsActive().WithLabelValues("websocket").Inc()
	defer observability.BridgeClientsActive().WithLabelValues("websocket").Dec()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.keepAlive)
	defer ping.Stop()

	for {
		select {
		case frame := <-frames:
			if err := conn.WriteJSON(frame); err != nil {
				logger.Debug().Err(err).Msg("bridge write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (h *SyncHandler) streamNotifications(c *fiber.Ctx) error {
	userID := h.engine.CurrentUser()
	if userID == "" {
		return utils.SendError(c, fiber.StatusConflict, service.ErrNotInitialized.Error())
	}

	ctx, cancel := context.WithCancel(requestContext(c))
	updates := make(chan models.NotificationSummary, bridgeSendBufferSize)
	unsubscribe, err := h.engine.SubscribeToUserNotifications(ctx, userID, func(summary models.NotificationSummary) {
		select {
		case updates <- summary:
		default:
			h.logger.Debug().Str("user_id", userID).Msg("dropping notification summary due to slow consumer")
		}
	})
	if err != nil {
		cancel()
		requestLogger(h.logger, c).Error().Err(err).Msg("notification subscription failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to subscribe to notifications")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	keepAlive := h.keepAlive
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		observability.BridgeClientsActive().WithLabelValues("sse").Inc()
		defer func() {
			observability.BridgeClientsActive().WithLabelValues("sse").Dec()
			unsubscribe()
			cancel()
		}()

		ticker := time.NewTicker(keepAlive / 2)
		defer ticker.Stop()

		for {
			select {
			case summary := <-updates:
				if err := writeSSEEvent(w, "notifications", summary); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notification event")
					return
				}
			case <-ticker.C:
				if err := writeKeepAlive(w); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write notification keepalive")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	})

	return nil
}

func (h *SyncHandler) setActive(c *fiber.Ctx) error {
	var payload dto.ConversationActiveRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	}

	conversationID := c.Params("id")
	if err := h.engine.SetConversationActive(requestContext(c), conversationID, *payload.Active); err != nil {
		if errors.Is(err, service.ErrEmptyConversationID) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Warn().Err(err).Str("conversation_id", conversationID).Msg("pending read flush failed")
	}

	return utils.SendSuccess(c, "conversation updated", fiber.Map{
		"conversationId": conversationID,
		"active":         *payload.Active,
	})
}

func (h *SyncHandler) markRead(c *fiber.Ctx) error {
	conversationID := c.Params("id")
	if err := h.engine.MarkConversationAsRead(requestContext(c), conversationID); err != nil {
		return h.engineError(c, err, "failed to mark conversation as read")
	}
	return utils.SendSuccess(c, "conversation marked as read", fiber.Map{"conversationId": conversationID})
}

func (h *SyncHandler) addMessage(c *fiber.Ctx) error {
	var payload dto.OutboundMessage
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	conversationID := c.Params("id")
	event, err := h.engine.AddMessage(requestContext(c), conversationID, payload)
	if err != nil {
		return h.engineError(c, err, "failed to add message")
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "message added", dto.AddMessageResponse{
		ConversationID: conversationID,
		Event:          event,
	})
}

func (h *SyncHandler) clearNotifications(c *fiber.Ctx) error {
	userID := h.engine.CurrentUser()
	if userID == "" {
		return utils.SendError(c, fiber.StatusConflict, service.ErrNotInitialized.Error())
	}
	if err := h.engine.ClearAllNotifications(requestContext(c), userID); err != nil {
		return h.engineError(c, err, "failed to clear notifications")
	}
	return utils.SendSuccess(c, "notifications cleared", nil)
}

func (h *SyncHandler) engineError(c *fiber.Ctx, err error, fallback string) error {
	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "invalid payload", validationDetails(err))
	case errors.Is(err, service.ErrEmptyConversationID), errors.Is(err, service.ErrInvalidReaction):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotInitialized):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	}
	requestLogger(h.logger, c).Error().Err(err).Msg(fallback)
	return utils.SendError(c, fiber.StatusInternalServerError, fallback)
}

// errorReason trims err to fit a websocket close frame.
func errorReason(err error) string {
	reason := err.Error()
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return reason
}
