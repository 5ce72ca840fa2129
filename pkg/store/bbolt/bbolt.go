package bbolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/valandreev/restcache/pkg/store"
)

const (
	currentSchemaVersion = 2
	bucketStats          = "stats"
	bucketDocuments      = "documents"

	// bucketFiles held per-path metadata in schema v1; documents replaced it.
	bucketFiles = "files"

	keySchemaVersion = "schema_version"
)

var (
	errUnknownSchema = errors.New("store: unknown schema version")
)

// Options configures Open behaviour.
type Options struct {
	// Timeout controls bbolt file open timeout. If zero, a sensible default is used.
	Timeout time.Duration
}

// Backend implements store.Backend on a single bbolt file. All documents share
// one bucket keyed by their logical name.
type Backend struct {
	db *bolt.DB
}

// Open creates (or reopens) a bbolt-backed document store at path.
func Open(path string, opts Options) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	b := &Backend{db: db}
	if err := b.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return b, nil
}

// Close releases the underlying database handle.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("store: document name must not be empty")
	}

	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketDocuments)
		}
		raw := bucket.Get([]byte(name))
		if raw == nil {
			return store.ErrNotFound
		}
		// raw is only valid inside the transaction.
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, err
}

func (b *Backend) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return errors.New("store: document name must not be empty")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketDocuments)
		}
		return bucket.Put([]byte(name), data)
	})
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return errors.New("store: document name must not be empty")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketDocuments)
		}
		return bucket.Delete([]byte(name))
	})
}

// Names lists every stored document name in key order.
func (b *Backend) Names(ctx context.Context) ([]string, error) {
	names := make([]string, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketDocuments))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketDocuments)
		}
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			names = append(names, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (b *Backend) ensureSchema() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		stats, err := tx.CreateBucketIfNotExists([]byte(bucketStats))
		if err != nil {
			return fmt.Errorf("ensure stats bucket: %w", err)
		}
		versionBytes := stats.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketDocuments)); err != nil {
				return fmt.Errorf("ensure documents bucket: %w", err)
			}
			return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version == currentSchemaVersion {
			return nil
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		if err := migrate(tx, version, currentSchemaVersion); err != nil {
			return err
		}
		return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
	})
}

func migrate(tx *bolt.Tx, from, to int) error {
	version := from
	for version < to {
		switch version {
		case 0, 1:
			if tx.Bucket([]byte(bucketFiles)) != nil {
				if err := tx.DeleteBucket([]byte(bucketFiles)); err != nil {
					return fmt.Errorf("migrate v%d files: %w", version, err)
				}
			}
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketDocuments)); err != nil {
				return fmt.Errorf("migrate v%d documents: %w", version, err)
			}
			version = 2
		default:
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
	}
	return nil
}
