// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerJSONCarriesModule(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "debug", Format: "json"}, "fetcher", false, &buf)

	l.Debugf("fetched %s", "/items/42.json")

	out := buf.String()
	if !strings.Contains(out, `"module":"fetcher"`) {
		t.Fatalf("expected module field, got %s", out)
	}
	if !strings.Contains(out, "fetched /items/42.json") {
		t.Fatalf("expected message, got %s", out)
	}
	if l.Name() != "fetcher" {
		t.Fatalf("unexpected name %q", l.Name())
	}
}

func TestNewLoggerBadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "loud", Format: "json"}, "x", false, &buf)

	if l.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %v", l.GetLevel())
	}
	l.Debugf("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered, got %s", buf.String())
	}
}

func TestE(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "info", Format: "json"}, "x", false, &buf)

	if l.E(nil) {
		t.Fatal("nil error reported as failure")
	}
	if !l.E(errors.New("boom")) {
		t.Fatal("error not reported")
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("error not logged: %s", buf.String())
	}
}

func TestGetLoggerIsCached(t *testing.T) {
	a := GetLogger("registry-test")
	b := GetLogger("registry-test")
	if a != b {
		t.Fatal("expected the same handle")
	}
}

func TestStdLoggerWritesThroughHandle(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogConfig{Level: "info", Format: "json"}, "engine", false, &buf)

	l.StdLogger().Print("http: TLS handshake error")

	out := buf.String()
	if !strings.Contains(out, "TLS handshake error") || !strings.Contains(out, `"module":"engine"`) {
		t.Fatalf("std logger output not routed through the handle: %s", out)
	}
}
