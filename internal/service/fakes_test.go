package service

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/repository"
)

type storeWrite struct {
	path  string
	value any
}

type fakeListener struct {
	path       string
	onSnapshot func(repository.Snapshot)
	closed     bool
}

// fakeStore delivers snapshots synchronously when a test calls emit.
type fakeStore struct {
	mu        sync.Mutex
	listeners []*fakeListener
	sets      []storeWrite
	pushes    []storeWrite
	removes   []string
	subErr    error
	writeErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) Subscribe(ctx context.Context, path string, onSnapshot func(repository.Snapshot), onError func(error)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return nil, f.subErr
	}
	listener := &fakeListener{path: path, onSnapshot: onSnapshot}
	f.listeners = append(f.listeners, listener)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		listener.closed = true
	}, nil
}

func (f *fakeStore) Push(ctx context.Context, path string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.pushes = append(f.pushes, storeWrite{path: path, value: value})
	return nil
}

func (f *fakeStore) Set(ctx context.Context, path string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.sets = append(f.sets, storeWrite{path: path, value: value})
	return nil
}

func (f *fakeStore) Remove(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.removes = append(f.removes, path)
	return nil
}

// emit delivers value to every open listener on path.
func (f *fakeStore) emit(path, value string) {
	f.mu.Lock()
	targets := make([]*fakeListener, 0, len(f.listeners))
	for _, listener := range f.listeners {
		if listener.path == path && !listener.closed {
			targets = append(targets, listener)
		}
	}
	f.mu.Unlock()

	for _, listener := range targets {
		listener.onSnapshot(repository.Snapshot{Path: path, Value: []byte(value)})
	}
}

func (f *fakeStore) openListeners(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, listener := range f.listeners {
		if listener.path == path && !listener.closed {
			count++
		}
	}
	return count
}

func (f *fakeStore) setPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets))
	for _, write := range f.sets {
		out = append(out, write.path)
	}
	return out
}

type receiptCall struct {
	ids    []int64
	status models.ReceiptStatus
}

// fakeReceipts records receipt mutations and fails those listed in failOn.
type fakeReceipts struct {
	mu     sync.Mutex
	calls  []receiptCall
	failOn map[models.ReceiptStatus]error
}

func newFakeReceipts() *fakeReceipts {
	return &fakeReceipts{failOn: map[models.ReceiptStatus]error{}}
}

func (f *fakeReceipts) UpdateStatus(ctx context.Context, ids []int64, status models.ReceiptStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[status]; err != nil {
		return err
	}
	f.calls = append(f.calls, receiptCall{ids: append([]int64(nil), ids...), status: status})
	return nil
}

func (f *fakeReceipts) fail(status models.ReceiptStatus, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[status] = err
}

func (f *fakeReceipts) snapshot() []receiptCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]receiptCall(nil), f.calls...)
}

// idsFor returns every id promoted to status, sorted.
func (f *fakeReceipts) idsFor(status models.ReceiptStatus) []int64 {
	var out []int64
	for _, call := range f.snapshot() {
		if call.status == status {
			out = append(out, call.ids...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type fakePush struct {
	mu       sync.Mutex
	handlers []func(models.PushPayload)
	listens  int
	stops    int
}

func (f *fakePush) Listen(ctx context.Context, handler func(models.PushPayload)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listens++
	f.handlers = append(f.handlers, handler)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stops++
		f.handlers = nil
	}, nil
}

func (f *fakePush) deliver(data string) {
	f.mu.Lock()
	handlers := append([]func(models.PushPayload){}, f.handlers...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(models.PushPayload{Data: json.RawMessage(data)})
	}
}

type activeSet map[string]bool

func (a activeSet) Contains(id string) bool { return a[id] }

func rawBatch(records ...string) []models.RawEvent {
	out := make([]models.RawEvent, 0, len(records))
	for _, record := range records {
		out = append(out, models.RawEvent(record))
	}
	return out
}

func jsonList(records ...string) string {
	return "[" + strings.Join(records, ",") + "]"
}
