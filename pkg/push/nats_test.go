package push

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-chat-sync/internal/models"
)

func TestNewNATSSourceValidatesArguments(t *testing.T) {
	_, err := NewNATSSource(nil, "chatsync.push", "u1", zerolog.Nop())
	require.Error(t, err)

	conn := &nats.Conn{}
	_, err = NewNATSSource(conn, " . ", "u1", zerolog.Nop())
	require.Error(t, err)

	_, err = NewNATSSource(conn, "chatsync.push", " ", zerolog.Nop())
	require.Error(t, err)

	source, err := NewNATSSource(conn, ".chatsync.push.", " u1 ", zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, "chatsync.push.u1", source.Subject())
}

func TestDeviceSubject(t *testing.T) {
	require.Equal(t, "chatsync.push.user-9", DeviceSubject("chatsync.push", "user-9"))
}

type payloadRecorder struct {
	mu       sync.Mutex
	payloads []models.PushPayload
}

func (r *payloadRecorder) record(payload models.PushPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func (r *payloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *payloadRecorder) first() models.PushPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[0]
}

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv := natstest.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func rawPublish(t *testing.T, conn *nats.Conn, subject, body string) {
	t.Helper()
	require.NoError(t, conn.Publish(subject, []byte(body)))
	require.NoError(t, conn.Flush())
}

func TestNATSSourceListenDeliversAndDropsMalformed(t *testing.T) {
	conn := startNATS(t)
	source, err := NewNATSSource(conn, "chatsync.push", "u1", zerolog.Nop())
	require.NoError(t, err)

	recorder := &payloadRecorder{}
	stop, err := source.Listen(context.Background(), recorder.record)
	require.NoError(t, err)
	defer stop()
	require.NoError(t, conn.Flush())

	rawPublish(t, conn, source.Subject(), "not json")
	rawPublish(t, conn, source.Subject(), `{"messageId":"p-0"}`)
	require.NoError(t, source.Publish(models.PushPayload{
		MessageID: "p-1",
		Data:      json.RawMessage(`{"conversationId":"c1","messageId":"5"}`),
	}))
	require.NoError(t, conn.Flush())

	require.Eventually(t, func() bool { return recorder.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return recorder.count() > 1 }, 100*time.Millisecond, 10*time.Millisecond,
		"payloads that are malformed or carry no data are dropped")

	got := recorder.first()
	require.Equal(t, "p-1", got.MessageID)
	require.JSONEq(t, `{"conversationId":"c1","messageId":"5"}`, string(got.Data))
}

func TestNATSSourceStopAndCancelDetach(t *testing.T) {
	conn := startNATS(t)
	source, err := NewNATSSource(conn, "chatsync.push", "u2", zerolog.Nop())
	require.NoError(t, err)

	recorder := &payloadRecorder{}
	stop, err := source.Listen(context.Background(), recorder.record)
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	stop()
	stop()
	require.NoError(t, source.Publish(models.PushPayload{Data: json.RawMessage(`{"conversationId":"c1"}`)}))
	require.NoError(t, conn.Flush())
	require.Never(t, func() bool { return recorder.count() > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	_, err = source.Listen(ctx, recorder.record)
	require.NoError(t, err)
	require.NoError(t, conn.Flush())
	require.Equal(t, 1, conn.NumSubscriptions())

	cancel()
	require.Eventually(t, func() bool { return conn.NumSubscriptions() == 0 }, 2*time.Second, 10*time.Millisecond)
}
