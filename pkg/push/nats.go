package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-sync/internal/models"
)

// NATSSource delivers foreground push payloads published on a per-user device subject.
type NATSSource struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSSource creates a source listening on "<subjectBase>.<userID>".
func NewNATSSource(conn *nats.Conn, subjectBase, userID string, logger zerolog.Logger) (*NATSSource, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	subjectBase = strings.Trim(strings.TrimSpace(subjectBase), ".")
	userID = strings.TrimSpace(userID)
	if subjectBase == "" || userID == "" {
		return nil, fmt.Errorf("push subject base and user id are required")
	}

	return &NATSSource{
		conn:    conn,
		subject: DeviceSubject(subjectBase, userID),
		logger:  logger.With().Str("component", "push_source").Logger(),
	}, nil
}

// DeviceSubject is the subject carrying userID's foreground pushes.
func DeviceSubject(subjectBase, userID string) string {
	return subjectBase + "." + userID
}

// Subject returns the subject this source listens on.
func (s *NATSSource) Subject() string {
	return s.subject
}

// Listen subscribes handler to the device subject until the returned stop func is called or
// ctx is done. Payloads that are not valid JSON are dropped.
func (s *NATSSource) Listen(ctx context.Context, handler func(models.PushPayload)) (func(), error) {
	sub, err := s.conn.Subscribe(s.subject, func(msg *nats.Msg) {
		var payload models.PushPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed push payload")
			return
		}
		if len(payload.Data) == 0 {
			s.logger.Warn().Str("subject", msg.Subject).Msg("dropping push payload without data")
			return
		}
		handler(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}

	stopped := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopped)
			if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
				s.logger.Warn().Err(err).Str("subject", s.subject).Msg("failed to unsubscribe push listener")
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-stopped:
		}
	}()

	s.logger.Info().Str("subject", s.subject).Msg("push listener installed")
	return stop, nil
}

// Publish sends payload to the device subject. Used by servers and tests.
func (s *NATSSource) Publish(payload models.PushPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}
	if err := s.conn.Publish(s.subject, body); err != nil {
		return fmt.Errorf("publish push payload: %w", err)
	}
	return nil
}
