package receiptapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-sync/internal/models"
)

// ErrReceiptRejected is returned when the receipt API answers with a failure.
var ErrReceiptRejected = errors.New("receipt api rejected the update")

// CorrelationFunc extracts a correlation id to forward from ctx.
type CorrelationFunc func(ctx context.Context) string

// Config defines how the client reaches the receipt API.
type Config struct {
	BaseURL     string
	Correlation CorrelationFunc
	Logger      zerolog.Logger
}

// Client calls the receipt status endpoint. Requests carry no timeout.
type Client struct {
	endpoint    string
	correlation CorrelationFunc
	tracer      trace.Tracer
	logger      zerolog.Logger
}

type updateRequest struct {
	MessageIDs []int64 `json:"messageIds"`
	Status     string  `json:"status"`
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// NewClient builds a client for the API rooted at cfg.BaseURL.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("receipt api base url is required")
	}

	return &Client{
		endpoint:    base + "/api/v1/receipts/status",
		correlation: cfg.Correlation,
		tracer:      otel.Tracer("github.com/noah-isme/gema-chat-sync/pkg/receiptapi"),
		logger:      cfg.Logger.With().Str("component", "receipt_client").Logger(),
	}, nil
}

// UpdateStatus promotes messageIDs to status.
func (c *Client) UpdateStatus(ctx context.Context, messageIDs []int64, status models.ReceiptStatus) error {
	if len(messageIDs) == 0 {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "receiptapi.update_status", trace.WithAttributes(
		attribute.String("receipt.status", string(status)),
		attribute.Int("receipt.count", len(messageIDs)),
	))
	defer span.End()

	correlationID := ""
	if c.correlation != nil {
		correlationID = c.correlation(ctx)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	agent := fiber.Post(c.endpoint)
	agent.Set("X-Correlation-ID", correlationID)
	agent.JSON(updateRequest{MessageIDs: messageIDs, Status: string(status)})

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("post receipt status: %w", err)
	}

	var resp envelope
	decoded := false
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			c.logger.Debug().Err(err).Int("status_code", code).Msg("receipt api returned a non-json body")
		} else {
			decoded = true
		}
	}

	if code >= fiber.StatusBadRequest || (decoded && !resp.Success) {
		err := fmt.Errorf("%w: status %d: %s", ErrReceiptRejected, code, resp.Message)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetAttributes(attribute.Int("http.status_code", code))
	return nil
}
