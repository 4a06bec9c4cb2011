package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-sync/internal/dto"
	"github.com/noah-isme/gema-chat-sync/internal/service"
	"github.com/noah-isme/gema-chat-sync/internal/utils"
)

// ReceiptHandler exposes the receipt status API.
type ReceiptHandler struct {
	service service.ReceiptService
	logger  zerolog.Logger
}

// NewReceiptHandler constructs a handler instance.
func NewReceiptHandler(service service.ReceiptService, logger zerolog.Logger) *ReceiptHandler {
	return &ReceiptHandler{
		service: service,
		logger:  logger.With().Str("component", "receipt_handler").Logger(),
	}
}

// Register binds the receipt routes.
func (h *ReceiptHandler) Register(router fiber.Router) {
	router.Post("/status", h.updateStatus)
	router.Get("/status", h.statuses)
}

func (h *ReceiptHandler) updateStatus(c *fiber.Ctx) error {
	var payload dto.ReceiptStatusRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	resp, err := h.service.UpdateStatus(requestContext(c), payload)
	if err != nil {
		switch {
		case isValidationError(err):
			return utils.Fail(c, fiber.StatusBadRequest, "invalid receipt update", validationDetails(err))
		case errors.Is(err, service.ErrInvalidReceiptStatus):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("receipt update failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to update receipts")
	}

	return utils.SendSuccess(c, "receipts updated", resp)
}

func (h *ReceiptHandler) statuses(c *fiber.Ctx) error {
	var query dto.ReceiptStatusQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}

	receipts, err := h.service.Statuses(requestContext(c), query)
	if err != nil {
		switch {
		case isValidationError(err):
			return utils.Fail(c, fiber.StatusBadRequest, "invalid receipt query", validationDetails(err))
		case errors.Is(err, service.ErrInvalidMessageID):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("receipt lookup failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load receipts")
	}

	return utils.OK(c, receipts, "receipts", map[string]int{"count": len(receipts)})
}
