// Package store persists the small documents the engine keeps between runs:
// cache indexes, pending operation queues and delta ledgers. Each document
// is a JSON encoded list, optionally sealed with a Cipher, kept by a Backend
// under a slash separated logical name.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a named document does not exist.
var ErrNotFound = errors.New("store: document not found")

// Backend keeps raw documents by name.
type Backend interface {
	// Read returns the document stored under name or ErrNotFound.
	Read(ctx context.Context, name string) ([]byte, error)
	// Write creates or atomically replaces the document stored under name.
	Write(ctx context.Context, name string, data []byte) error
	// Delete removes the document. Missing documents are ignored.
	Delete(ctx context.Context, name string) error
}

// List is a typed view of one document holding a list of T.
type List[T any] struct {
	backend Backend
	name    string
	cipher  *Cipher
}

// NewList binds a typed list to the document name. A nil cipher stores
// plaintext.
func NewList[T any](backend Backend, name string, cipher *Cipher) *List[T] {
	return &List[T]{backend: backend, name: name, cipher: cipher}
}

// Name returns the logical document name.
func (l *List[T]) Name() string { return l.name }

// Load reads the list. A missing document yields ErrNotFound. A document
// that does not decrypt is read once more as plaintext, which covers files
// written before encryption was switched on.
func (l *List[T]) Load(ctx context.Context) ([]T, error) {
	raw, err := l.backend.Read(ctx, l.name)
	if err != nil {
		return nil, err
	}

	plain, err := l.cipher.Open(raw)
	if errors.Is(err, ErrDecrypt) {
		plain = raw
	} else if err != nil {
		return nil, err
	}

	var items []T
	if err := json.Unmarshal(plain, &items); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", l.name, err)
	}
	return items, nil
}

// Save replaces the document with items.
func (l *List[T]) Save(ctx context.Context, items []T) error {
	if items == nil {
		items = []T{}
	}
	plain, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", l.name, err)
	}
	sealed, err := l.cipher.Seal(plain)
	if err != nil {
		return err
	}
	return l.backend.Write(ctx, l.name, sealed)
}

// Delete removes the document.
func (l *List[T]) Delete(ctx context.Context) error {
	return l.backend.Delete(ctx, l.name)
}
