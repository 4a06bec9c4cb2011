package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const realtimeWriteAttempts = 8

// ErrInvalidPath is returned for paths that do not name at least a root node.
var ErrInvalidPath = errors.New("realtime path must contain at least two segments")

// Snapshot is the full value of a path at the moment of a change. Value is JSON ("null" when absent).
type Snapshot struct {
	Path  string
	Value []byte
}

// Exists reports whether the path held a value.
func (s Snapshot) Exists() bool {
	trimmed := strings.TrimSpace(string(s.Value))
	return trimmed != "" && trimmed != "null"
}

// RealtimeStore is a subscribe-by-path store that delivers full snapshots on every change.
type RealtimeStore interface {
	// Subscribe delivers the current snapshot and then one snapshot per change.
	// The returned function detaches the listener; it is safe to call more than once.
	Subscribe(ctx context.Context, path string, onSnapshot func(Snapshot), onError func(error)) (func(), error)
	// Push appends value to the ordered list at path.
	Push(ctx context.Context, path string, value any) error
	// Set writes value at path, replacing what was there.
	Set(ctx context.Context, path string, value any) error
	// Remove deletes path and everything below it.
	Remove(ctx context.Context, path string) error
}

type redisRealtimeStore struct {
	client    *redis.Client
	namespace string
	logger    zerolog.Logger
}

// NewRedisRealtimeStore keeps one JSON document per root (the first two path segments,
// e.g. conversations/{id}) and announces changes on a pub/sub channel per root.
func NewRedisRealtimeStore(client *redis.Client, namespace string, logger zerolog.Logger) RealtimeStore {
	if strings.TrimSpace(namespace) == "" {
		namespace = "chatsync"
	}
	return &redisRealtimeStore{
		client:    client,
		namespace: namespace,
		logger:    logger.With().Str("component", "realtime_store").Logger(),
	}
}

type storePath struct {
	raw  string
	root string
	// sub addresses the node for reads; setSub is the same node for sjson writes, with
	// numeric segments forced to object keys.
	sub    string
	setSub string
}

func parseStorePath(path string) (storePath, error) {
	segments := make([]string, 0, 4)
	for _, segment := range strings.Split(path, "/") {
		if trimmed := strings.TrimSpace(segment); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}
	if len(segments) < 2 {
		return storePath{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	escaped := make([]string, 0, len(segments)-2)
	forced := make([]string, 0, len(segments)-2)
	for _, segment := range segments[2:] {
		escaped = append(escaped, escapeSegment(segment))
		if isDigits(segment) {
			forced = append(forced, ":"+segment)
		} else {
			forced = append(forced, escapeSegment(segment))
		}
	}

	return storePath{
		raw:    strings.Join(segments, "/"),
		root:   strings.Join(segments[:2], "/"),
		sub:    strings.Join(escaped, "."),
		setSub: strings.Join(forced, "."),
	}, nil
}

func escapeSegment(segment string) string {
	var b strings.Builder
	for _, r := range segment {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDigits(segment string) bool {
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return segment != ""
}

func (s *redisRealtimeStore) docKey(root string) string {
	return s.namespace + ":doc:" + root
}

func (s *redisRealtimeStore) changeChannel(root string) string {
	return s.namespace + ":changed:" + root
}

func (s *redisRealtimeStore) Subscribe(ctx context.Context, path string, onSnapshot func(Snapshot), onError func(error)) (func(), error) {
	p, err := parseStorePath(path)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(subCtx, s.changeChannel(p.root))
	// Wait for the subscription confirmation so no change between the first read and the listener is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.raw, err)
	}

	var closed atomic.Bool
	var once sync.Once

	emit := func() {
		if closed.Load() {
			return
		}
		value, err := s.read(subCtx, p)
		if err != nil {
			if closed.Load() || errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn().Err(err).Str("path", p.raw).Msg("failed to read realtime snapshot")
			if onError != nil {
				onError(err)
			}
			return
		}
		if closed.Load() {
			return
		}
		onSnapshot(Snapshot{Path: p.raw, Value: value})
	}

	go func() {
		emit()
		for msg := range pubsub.Channel() {
			if msg == nil {
				continue
			}
			emit()
		}
	}()

	unsubscribe := func() {
		once.Do(func() {
			closed.Store(true)
			cancel()
			if err := pubsub.Close(); err != nil {
				s.logger.Debug().Err(err).Str("path", p.raw).Msg("failed to close realtime subscription")
			}
		})
	}

	return unsubscribe, nil
}

func (s *redisRealtimeStore) read(ctx context.Context, p storePath) ([]byte, error) {
	doc, err := s.client.Get(ctx, s.docKey(p.root)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []byte("null"), nil
	}
	if err != nil {
		return nil, err
	}
	if p.sub == "" {
		return doc, nil
	}

	value := gjson.GetBytes(doc, p.sub)
	if !value.Exists() {
		return []byte("null"), nil
	}
	return []byte(value.Raw), nil
}

func (s *redisRealtimeStore) Push(ctx context.Context, path string, value any) error {
	p, err := parseStorePath(path)
	if err != nil {
		return err
	}
	if p.sub == "" {
		return fmt.Errorf("%w: push target must be below the root: %q", ErrInvalidPath, path)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal pushed value: %w", err)
	}

	return s.update(ctx, p, func(doc []byte) ([]byte, error) {
		current := gjson.GetBytes(doc, p.sub)
		if current.Exists() && !current.IsArray() && current.Type != gjson.Null {
			return nil, fmt.Errorf("push target %q is not a list", p.raw)
		}
		if !current.Exists() || current.Type == gjson.Null {
			var err error
			if doc, err = sjson.SetRawBytes(doc, p.setSub, []byte("[]")); err != nil {
				return nil, err
			}
		}
		return sjson.SetRawBytes(doc, p.setSub+".-1", payload)
	})
}

func (s *redisRealtimeStore) Set(ctx context.Context, path string, value any) error {
	p, err := parseStorePath(path)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	return s.update(ctx, p, func(doc []byte) ([]byte, error) {
		if p.sub == "" {
			return payload, nil
		}
		return sjson.SetRawBytes(doc, p.setSub, payload)
	})
}

func (s *redisRealtimeStore) Remove(ctx context.Context, path string) error {
	p, err := parseStorePath(path)
	if err != nil {
		return err
	}

	if p.sub == "" {
		if err := s.client.Del(ctx, s.docKey(p.root)).Err(); err != nil {
			return fmt.Errorf("remove %s: %w", p.raw, err)
		}
		return s.client.Publish(ctx, s.changeChannel(p.root), p.raw).Err()
	}

	return s.update(ctx, p, func(doc []byte) ([]byte, error) {
		return sjson.DeleteBytes(doc, p.setSub)
	})
}

// update applies mutate to the root document under optimistic locking and announces the change.
func (s *redisRealtimeStore) update(ctx context.Context, p storePath, mutate func(doc []byte) ([]byte, error)) error {
	key := s.docKey(p.root)

	txf := func(tx *redis.Tx) error {
		doc, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if len(doc) == 0 || !gjson.ValidBytes(doc) || !gjson.ParseBytes(doc).IsObject() {
			doc = []byte("{}")
		}

		next, err := mutate(doc)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			pipe.Publish(ctx, s.changeChannel(p.root), p.raw)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < realtimeWriteAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("write %s: %w", p.raw, err)
	}

	return fmt.Errorf("write %s: %w", p.raw, redis.TxFailedErr)
}
