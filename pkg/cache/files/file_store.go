package files

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrClosed is returned if an operation is attempted on a closed container.
	ErrClosed = errors.New("cache file container is closed")
)

// TempPattern is the suffix pattern of staging files created next to their target.
const TempPattern = ".tmp-*"

// Container stages a replacement for a cache file. Writes go to a temporary
// file in the target directory until Commit moves it over the target; the
// previous contents stay readable until then.
type Container struct {
	mu        sync.Mutex
	file      *os.File
	finalPath string
	tempPath  string
	closed    bool
}

// OpenContainer prepares an empty staging file for path.
func OpenContainer(path string) (*Container, error) {
	if path == "" {
		return nil, errors.New("cache file path must not be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+TempPattern)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	return &Container{
		file:      tempFile,
		finalPath: path,
		tempPath:  tempFile.Name(),
	}, nil
}

// Write appends p to the staged file.
func (c *Container) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	return c.file.Write(p)
}

// Abort discards the staged file and leaves the target untouched.
func (c *Container) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.file.Close()
	if err := os.Remove(c.tempPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

// Commit flushes the staged file and moves it over the target.
func (c *Container) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.closed = true

	if err := c.file.Sync(); err != nil {
		_ = c.file.Close()
		_ = os.Remove(c.tempPath)
		return fmt.Errorf("sync staging file: %w", err)
	}
	if err := c.file.Close(); err != nil {
		_ = os.Remove(c.tempPath)
		return fmt.Errorf("close staging file: %w", err)
	}

	if err := replaceFile(c.tempPath, c.finalPath); err != nil {
		_ = os.Remove(c.tempPath)
		return err
	}
	return nil
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	c, err := OpenContainer(path)
	if err != nil {
		return err
	}
	if _, err := c.Write(data); err != nil {
		_ = c.Abort()
		return fmt.Errorf("write staging file: %w", err)
	}
	return c.Commit()
}

// ReadFile returns the contents of path. A missing file yields fs.ErrNotExist.
func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes path; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// IsTemp reports whether name looks like a staging file. Staging files are
// left behind when a process dies between OpenContainer and Commit.
func IsTemp(name string) bool {
	return strings.Contains(filepath.Base(name), ".tmp-")
}

func replaceFile(tempPath, finalPath string) error {
	if err := os.Rename(tempPath, finalPath); err == nil {
		return nil
	}
	// Some platforms refuse to rename over an existing file.
	if err := os.Remove(finalPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove old cache file: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("commit cache file: %w", err)
	}
	return nil
}
