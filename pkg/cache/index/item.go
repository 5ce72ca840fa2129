package index

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item is the metadata of one cached resource. Zero timestamps mean unset:
// never downloaded, never expires, never goes stale.
//
// Items handed out by an Index are shared with it; read them through
// Index.Snapshot while other goroutines may be refreshing the index.
type Item struct {
	id          string
	relativeURI string

	Downloaded       time.Time
	Expiration       time.Time
	AttemptToRefresh time.Time
	ETag             string
	ContentType      string
	PreFetch         bool
	UsageCount       int
}

// NewItem creates an item with a fresh id for relativeURI.
func NewItem(relativeURI string) (*Item, error) {
	rel, err := NormalizeRelativeURI(relativeURI)
	if err != nil {
		return nil, err
	}
	return &Item{id: uuid.NewString(), relativeURI: rel}, nil
}

// NormalizeRelativeURI replaces ':' and ' ' with '-' and strips the leading
// slash.
func NormalizeRelativeURI(relativeURI string) (string, error) {
	if relativeURI == "" {
		return "", ErrEmptyRelativeURI
	}
	rel := strings.NewReplacer(":", "-", " ", "-").Replace(relativeURI)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", ErrEmptyRelativeURI
	}
	return rel, nil
}

// ID is the stable identifier that also names the cached file.
func (i *Item) ID() string { return i.id }

// RelativeURI is the path below the owning index's base uri.
func (i *Item) RelativeURI() string { return i.relativeURI }

// IsExpiredAt reports whether the item expired at or before now.
func (i *Item) IsExpiredAt(now time.Time) bool {
	return !i.Expiration.IsZero() && !now.Before(i.Expiration)
}

// IsStaleAt reports whether a refresh should be attempted at now.
func (i *Item) IsStaleAt(now time.Time) bool {
	return i.IsExpiredAt(now) || (!i.AttemptToRefresh.IsZero() && !now.Before(i.AttemptToRefresh))
}

// IsExpired is IsExpiredAt(time.Now()).
func (i *Item) IsExpired() bool { return i.IsExpiredAt(time.Now()) }

// IsStale is IsStaleAt(time.Now()).
func (i *Item) IsStale() bool { return i.IsStaleAt(time.Now()) }

// IsDownloaded reports whether the resource was ever downloaded.
func (i *Item) IsDownloaded() bool { return !i.Downloaded.IsZero() }

// Expire marks the metadata expired without touching the cached file.
func (i *Item) Expire(now time.Time) {
	now = now.UTC()
	i.Downloaded = time.Time{}
	i.Expiration = now
	i.AttemptToRefresh = now
}

// Stale marks the metadata stale without touching the cached file.
func (i *Item) Stale(now time.Time) {
	i.AttemptToRefresh = now.UTC()
}

// Update carries the metadata a fetch learned about a resource.
type Update struct {
	Downloaded       time.Time
	Expiration       time.Time
	AttemptToRefresh time.Time
	ETag             string
	ContentType      string
}

func (i *Item) apply(u Update) {
	i.Downloaded = utc(u.Downloaded)
	i.Expiration = utc(u.Expiration)
	i.AttemptToRefresh = utc(u.AttemptToRefresh)
	i.ETag = u.ETag
	i.ContentType = u.ContentType
}

func (i *Item) String() string {
	return fmt.Sprintf("Item: %s, Downloaded: %s, ID: %s", i.relativeURI, i.Downloaded.Format(time.RFC3339), i.id)
}

type itemRecord struct {
	ID               string    `json:"id"`
	RelativeURI      string    `json:"relative_uri"`
	Downloaded       time.Time `json:"downloaded"`
	Expiration       time.Time `json:"expiration"`
	AttemptToRefresh time.Time `json:"attempt_to_refresh"`
	ETag             string    `json:"etag,omitempty"`
	ContentType      string    `json:"content_type,omitempty"`
	PreFetch         bool      `json:"prefetch"`
	UsageCount       int       `json:"usage_count"`
}

func (i Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(itemRecord{
		ID:               i.id,
		RelativeURI:      i.relativeURI,
		Downloaded:       i.Downloaded,
		Expiration:       i.Expiration,
		AttemptToRefresh: i.AttemptToRefresh,
		ETag:             i.ETag,
		ContentType:      i.ContentType,
		PreFetch:         i.PreFetch,
		UsageCount:       i.UsageCount,
	})
}

func (i *Item) UnmarshalJSON(data []byte) error {
	var rec itemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	rel, err := NormalizeRelativeURI(rec.RelativeURI)
	if err != nil {
		return fmt.Errorf("cache index: item %s: %w", rec.ID, err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	*i = Item{
		id:               rec.ID,
		relativeURI:      rel,
		Downloaded:       utc(rec.Downloaded),
		Expiration:       utc(rec.Expiration),
		AttemptToRefresh: utc(rec.AttemptToRefresh),
		ETag:             rec.ETag,
		ContentType:      rec.ContentType,
		PreFetch:         rec.PreFetch,
		UsageCount:       rec.UsageCount,
	}
	return nil
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
