package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-chat-sync/internal/dto"
	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/observability"
	"github.com/noah-isme/gema-chat-sync/internal/repository"
)

var (
	// ErrInvalidReceiptStatus is returned for statuses outside SENT, DELIVERED and READ.
	ErrInvalidReceiptStatus = errors.New("invalid receipt status")
	// ErrInvalidMessageID is returned when a receipt query holds a non-numeric id.
	ErrInvalidMessageID = errors.New("invalid message id")
)

// ReceiptService is the server side of the receipt API.
type ReceiptService interface {
	UpdateStatus(ctx context.Context, payload dto.ReceiptStatusRequest) (dto.ReceiptUpdateResponse, error)
	Statuses(ctx context.Context, query dto.ReceiptStatusQuery) ([]dto.ReceiptResponse, error)
}

type receiptService struct {
	repo      repository.ReceiptRepository
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewReceiptService constructs a receipt service.
func NewReceiptService(repo repository.ReceiptRepository, validate *validator.Validate, logger zerolog.Logger) ReceiptService {
	return &receiptService{
		repo:      repo,
		validator: validate,
		logger:    logger.With().Str("component", "receipt_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-chat-sync/internal/service/receipt"),
		now:       time.Now,
	}
}

// UpdateStatus promotes the requested messages. Promotions never downgrade and repeating one
// is a no-op.
func (s *receiptService) UpdateStatus(ctx context.Context, payload dto.ReceiptStatusRequest) (dto.ReceiptUpdateResponse, error) {
	payload.Status = string(models.ParseReceiptStatus(payload.Status))
	if err := s.validator.Struct(payload); err != nil {
		return dto.ReceiptUpdateResponse{}, err
	}
	status := models.ReceiptStatus(payload.Status)
	if !status.Valid() {
		return dto.ReceiptUpdateResponse{}, ErrInvalidReceiptStatus
	}

	spanCtx, span := s.tracer.Start(ctx, "receipts.promote", trace.WithAttributes(
		attribute.String("receipt.status", payload.Status),
		attribute.Int("receipt.count", len(payload.MessageIDs)),
	))
	defer span.End()

	updated, err := s.repo.Promote(spanCtx, payload.MessageIDs, status, s.now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dto.ReceiptUpdateResponse{}, fmt.Errorf("promote receipts: %w", err)
	}

	if updated > 0 {
		observability.ReceiptPromotions().WithLabelValues(payload.Status).Add(float64(updated))
	}
	s.logger.Debug().
		Str("status", payload.Status).
		Int("received", len(payload.MessageIDs)).
		Int("updated", updated).
		Msg("receipt status promoted")

	return dto.ReceiptUpdateResponse{
		Status:   payload.Status,
		Updated:  updated,
		Received: len(payload.MessageIDs),
	}, nil
}

func (s *receiptService) Statuses(ctx context.Context, query dto.ReceiptStatusQuery) ([]dto.ReceiptResponse, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}

	ids, err := parseIDList(query.IDs)
	if err != nil {
		return nil, err
	}

	receipts, err := s.repo.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}
	return dto.NewReceiptResponseSlice(receipts), nil
}

func parseIDList(raw string) ([]int64, error) {
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w %q", ErrInvalidMessageID, part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one is required", ErrInvalidMessageID)
	}
	return ids, nil
}
