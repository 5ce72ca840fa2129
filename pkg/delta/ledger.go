// Package delta keeps the ledger of objects changed through completed queue
// operations, so list responses fetched before the change can be reconciled
// with it.
package delta

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/valandreev/restcache/pkg/store"
)

// Verbs recorded in the ledger.
const (
	VerbPost   = "POST"
	VerbPut    = "PUT"
	VerbDelete = "DELETE"
)

// Record notes that the object at URI was changed by Verb at PostDate.
type Record struct {
	URI      string    `json:"uri"`
	Verb     string    `json:"verb"`
	PostDate time.Time `json:"post_date"`
}

// DocumentName is the store name of the ledger document for typeName.
func DocumentName(typeName string) string {
	return "Queue/" + typeName + "_delta.json"
}

// Ledger holds at most one record per uri, compared case-insensitively.
type Ledger struct {
	list *store.List[Record]

	mu      sync.Mutex
	records map[string]Record
}

// Open loads the ledger persisted in list, if any.
func Open(ctx context.Context, list *store.List[Record]) (*Ledger, error) {
	if list == nil {
		return nil, errors.New("delta ledger: document store is required")
	}
	l := &Ledger{list: list, records: make(map[string]Record)}

	loaded, err := list.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("delta ledger: load %s: %w", list.Name(), err)
	default:
		for _, r := range loaded {
			l.records[key(r.URI)] = r
		}
	}
	return l, nil
}

// Record adds or replaces the record for uri and persists the ledger.
func (l *Ledger) Record(ctx context.Context, uri, verb string, postDate time.Time) error {
	if uri == "" {
		return errors.New("delta ledger: uri must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key(uri)] = Record{URI: uri, Verb: strings.ToUpper(verb), PostDate: postDate.UTC()}
	return l.saveLocked(ctx)
}

// Remove drops the record for uri.
func (l *Ledger) Remove(ctx context.Context, uri string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[key(uri)]; !ok {
		return nil
	}
	delete(l.records, key(uri))
	return l.saveLocked(ctx)
}

// PurgeAtOrBefore drops records posted at or before cutoff and returns how
// many were dropped.
func (l *Ledger) PurgeAtOrBefore(ctx context.Context, cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, r := range l.records {
		if !r.PostDate.After(cutoff) {
			delete(l.records, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, l.saveLocked(ctx)
}

// IsDeleted reports whether uri has a DELETE record.
func (l *Ledger) IsDeleted(uri string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[key(uri)]
	return ok && r.Verb == VerbDelete
}

// Changed returns the POST and PUT records.
func (l *Ledger) Changed() []Record {
	return l.filter(func(r Record) bool { return r.Verb == VerbPost || r.Verb == VerbPut })
}

// Records returns every record ordered by post date.
func (l *Ledger) Records() []Record {
	return l.filter(func(Record) bool { return true })
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Clear drops every record and deletes the document.
func (l *Ledger) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]Record)
	return l.list.Delete(ctx)
}

func (l *Ledger) filter(keep func(Record) bool) []Record {
	l.mu.Lock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostDate.Equal(out[j].PostDate) {
			return out[i].URI < out[j].URI
		}
		return out[i].PostDate.Before(out[j].PostDate)
	})
	return out
}

func (l *Ledger) saveLocked(ctx context.Context) error {
	if len(l.records) == 0 {
		return l.list.Delete(ctx)
	}
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PostDate.Before(out[j].PostDate) })
	if err := l.list.Save(ctx, out); err != nil {
		return fmt.Errorf("delta ledger: save %s: %w", l.list.Name(), err)
	}
	return nil
}

// Filter drops items whose uri has a DELETE record in ledger.
func Filter[T any](ledger *Ledger, items []T, uriOf func(T) string) []T {
	if ledger == nil {
		return items
	}
	out := items[:0:0]
	for _, item := range items {
		if ledger.IsDeleted(uriOf(item)) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func key(uri string) string { return strings.ToLower(uri) }
