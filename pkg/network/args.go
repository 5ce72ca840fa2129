package network

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds any network wait that has no explicit timeout.
const DefaultTimeout = 60 * time.Second

// StaleMethod selects how a stale but unexpired cache entry is refreshed.
type StaleMethod int

const (
	// StaleDeferred serves the cached copy and refreshes in the background.
	StaleDeferred StaleMethod = iota
	// StaleImmediate refreshes before answering.
	StaleImmediate
)

func (m StaleMethod) String() string {
	if m == StaleImmediate {
		return "immediate"
	}
	return "deferred"
}

// ParseStaleMethod parses "deferred" or "immediate".
func ParseStaleMethod(s string) (StaleMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deferred":
		return StaleDeferred, nil
	case "immediate":
		return StaleImmediate, nil
	}
	return StaleDeferred, fmt.Errorf("network: unknown stale method %q", s)
}

// Args are the per-request options shared by every retrieval strategy.
type Args struct {
	Headers     map[string]string
	StaleMethod StaleMethod
	// Timeout bounds the wait for the origin; zero selects DefaultTimeout.
	Timeout time.Duration
	// Expiration is added to the download time when the origin sends no
	// Expires header; zero selects a one hour lifetime.
	Expiration time.Duration
}

// EffectiveTimeout returns Timeout or DefaultTimeout.
func (a Args) EffectiveTimeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return DefaultTimeout
}

// WithStaleMethod returns a copy of a using m.
func (a Args) WithStaleMethod(m StaleMethod) Args {
	a.StaleMethod = m
	return a
}
