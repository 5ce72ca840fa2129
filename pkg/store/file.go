package store

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/valandreev/restcache/pkg/cache/files"
)

// FileBackend keeps each document as a file below Root. Writes go through
// an fsynced staging file so a crash never leaves a torn document.
type FileBackend struct {
	Root string
}

// NewFileBackend returns a backend rooted at dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Root: dir}
}

// Path maps a logical name to its file.
func (b *FileBackend) Path(name string) string {
	return filepath.Join(b.Root, filepath.FromSlash(strings.TrimPrefix(name, "/")))
}

func (b *FileBackend) Read(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := files.ReadFile(b.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (b *FileBackend) Write(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return files.WriteFile(b.Path(name), data)
}

func (b *FileBackend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return files.Remove(b.Path(name))
}
