package storetest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/valandreev/restcache/pkg/store"
)

type BackendFactory func(tb testing.TB) store.Backend

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, b store.Backend)
}

type sample struct {
	URI  string `json:"uri"`
	Hits int    `json:"hits"`
}

// RunBackendContract exercises the store.Backend interface, and the typed
// List on top of it, against a supplied factory.
func RunBackendContract(t *testing.T, factory BackendFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "read missing returns ErrNotFound",
			testFn: func(t *testing.T, b store.Backend) {
				_, err := b.Read(context.Background(), "Queue/missing.json")
				if !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "write then read returns bytes",
			testFn: func(t *testing.T, b store.Backend) {
				ctx := context.Background()
				if err := b.Write(ctx, "a/b.json", []byte("[1]")); err != nil {
					t.Fatalf("Write returned error: %v", err)
				}
				got, err := b.Read(ctx, "a/b.json")
				if err != nil {
					t.Fatalf("Read returned error: %v", err)
				}
				if string(got) != "[1]" {
					t.Fatalf("Read = %q", got)
				}
			},
		},
		{
			name: "write replaces existing document",
			testFn: func(t *testing.T, b store.Backend) {
				ctx := context.Background()
				if err := b.Write(ctx, "doc", []byte("first")); err != nil {
					t.Fatalf("Write returned error: %v", err)
				}
				if err := b.Write(ctx, "doc", []byte("second")); err != nil {
					t.Fatalf("Write returned error: %v", err)
				}
				got, err := b.Read(ctx, "doc")
				if err != nil || string(got) != "second" {
					t.Fatalf("Read = %q, %v", got, err)
				}
			},
		},
		{
			name: "delete is idempotent",
			testFn: func(t *testing.T, b store.Backend) {
				ctx := context.Background()
				if err := b.Delete(ctx, "never-written"); err != nil {
					t.Fatalf("Delete of missing document failed: %v", err)
				}
				if err := b.Write(ctx, "doc", []byte("x")); err != nil {
					t.Fatalf("Write returned error: %v", err)
				}
				if err := b.Delete(ctx, "doc"); err != nil {
					t.Fatalf("Delete returned error: %v", err)
				}
				if _, err := b.Read(ctx, "doc"); !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected ErrNotFound after delete, got %v", err)
				}
			},
		},
		{
			name: "cancelled context is rejected",
			testFn: func(t *testing.T, b store.Backend) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				if err := b.Write(ctx, "doc", []byte("x")); !errors.Is(err, context.Canceled) {
					t.Fatalf("expected context.Canceled, got %v", err)
				}
			},
		},
		{
			name: "typed list survives encryption",
			testFn: func(t *testing.T, b store.Backend) {
				ctx := context.Background()
				cipher, err := store.NewCipher("s3cret")
				if err != nil {
					t.Fatalf("NewCipher returned error: %v", err)
				}
				list := store.NewList[sample](b, "idx/cache_index.json", cipher)
				want := []sample{{URI: "items/42.json", Hits: 3}, {URI: "items/7.json", Hits: 1}}
				if err := list.Save(ctx, want); err != nil {
					t.Fatalf("Save returned error: %v", err)
				}

				raw, err := b.Read(ctx, "idx/cache_index.json")
				if err != nil {
					t.Fatalf("Read returned error: %v", err)
				}
				if bytes.Contains(raw, []byte("items/42.json")) {
					t.Fatalf("document stored in plaintext")
				}

				got, err := list.Load(ctx)
				if err != nil {
					t.Fatalf("Load returned error: %v", err)
				}
				if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
					t.Fatalf("Load = %+v, want %+v", got, want)
				}
			},
		},
		{
			name: "plaintext document loads with a cipher configured",
			testFn: func(t *testing.T, b store.Backend) {
				ctx := context.Background()
				plain := store.NewList[sample](b, "legacy.json", nil)
				if err := plain.Save(ctx, []sample{{URI: "x", Hits: 2}}); err != nil {
					t.Fatalf("Save returned error: %v", err)
				}
				cipher, err := store.NewCipher("new-key")
				if err != nil {
					t.Fatalf("NewCipher returned error: %v", err)
				}
				got, err := store.NewList[sample](b, "legacy.json", cipher).Load(ctx)
				if err != nil {
					t.Fatalf("Load returned error: %v", err)
				}
				if len(got) != 1 || got[0].URI != "x" {
					t.Fatalf("Load = %+v", got)
				}
			},
		},
		{
			name: "corrupt document reports a decode error",
			testFn: func(t *testing.T, b store.Backend) {
				ctx := context.Background()
				if err := b.Write(ctx, "broken.json", []byte("{not json")); err != nil {
					t.Fatalf("Write returned error: %v", err)
				}
				_, err := store.NewList[sample](b, "broken.json", nil).Load(ctx)
				if err == nil || errors.Is(err, store.ErrNotFound) {
					t.Fatalf("expected decode error, got %v", err)
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.testFn(t, factory(t))
		})
	}
}

// MemoryBackendFactory returns a factory producing MemoryBackend instances.
func MemoryBackendFactory() BackendFactory {
	return func(tb testing.TB) store.Backend {
		tb.Helper()
		return NewMemoryBackend()
	}
}

// MemoryBackend is an in-memory store.Backend for tests.
type MemoryBackend struct {
	mu     sync.Mutex
	docs   map[string][]byte
	writes int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

func (m *MemoryBackend) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.docs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryBackend) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[name] = append([]byte(nil), data...)
	m.writes++
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, name)
	return nil
}

// Has reports whether name is stored.
func (m *MemoryBackend) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[name]
	return ok
}

// Writes counts successful Write calls.
func (m *MemoryBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
