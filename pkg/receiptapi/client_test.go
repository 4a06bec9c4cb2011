package receiptapi

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat-sync/internal/models"
)

type recordedRequest struct {
	correlationID string
	body          updateRequest
}

func startReceiptAPI(t *testing.T, respond func(c *fiber.Ctx) error) (string, func() []recordedRequest) {
	t.Helper()

	var mu sync.Mutex
	var requests []recordedRequest

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Post("/api/v1/receipts/status", func(c *fiber.Ctx) error {
		var body updateRequest
		if err := c.BodyParser(&body); err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		mu.Lock()
		requests = append(requests, recordedRequest{correlationID: c.Get("X-Correlation-ID"), body: body})
		mu.Unlock()
		return respond(c)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return "http://" + ln.Addr().String(), func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), requests...)
	}
}

func TestClientUpdateStatusForwardsCorrelation(t *testing.T) {
	base, requests := startReceiptAPI(t, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"success": true, "data": fiber.Map{"updated": 2}})
	})

	client, err := NewClient(Config{
		BaseURL:     base + "/",
		Correlation: func(context.Context) string { return "corr-1" },
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, client.UpdateStatus(context.Background(), []int64{4, 5}, models.ReceiptRead))

	recorded := requests()
	require.Len(t, recorded, 1)
	require.Equal(t, "corr-1", recorded[0].correlationID)
	require.Equal(t, updateRequest{MessageIDs: []int64{4, 5}, Status: "READ"}, recorded[0].body)
}

func TestClientUpdateStatusGeneratesCorrelationAndSkipsEmptyBatches(t *testing.T) {
	base, requests := startReceiptAPI(t, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	client, err := NewClient(Config{BaseURL: base, Logger: zerolog.Nop()})
	require.NoError(t, err)

	require.NoError(t, client.UpdateStatus(context.Background(), nil, models.ReceiptRead))
	require.Empty(t, requests())

	require.NoError(t, client.UpdateStatus(context.Background(), []int64{1}, models.ReceiptDelivered))
	recorded := requests()
	require.Len(t, recorded, 1)
	require.NotEmpty(t, recorded[0].correlationID)
}

func TestClientUpdateStatusRejections(t *testing.T) {
	base, _ := startReceiptAPI(t, func(c *fiber.Ctx) error {
		if c.Get("X-Correlation-ID") == "server-error" {
			return c.Status(fiber.StatusInternalServerError).SendString("boom")
		}
		return c.JSON(fiber.Map{"success": false, "message": "invalid receipt status"})
	})

	correlation := "server-error"
	client, err := NewClient(Config{
		BaseURL:     base,
		Correlation: func(context.Context) string { return correlation },
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	require.ErrorIs(t, client.UpdateStatus(context.Background(), []int64{1}, models.ReceiptRead), ErrReceiptRejected)

	correlation = "ok"
	err = client.UpdateStatus(context.Background(), []int64{1}, models.ReceiptRead)
	require.ErrorIs(t, err, ErrReceiptRejected)
	require.Contains(t, err.Error(), "invalid receipt status")
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "  "})
	require.Error(t, err)
}
