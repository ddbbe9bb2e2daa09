// Package testutil provides shared helpers for importls tests.
package testutil

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
)

// LogLevelEnv overrides the level of test loggers, e.g. IMPORTLS_TEST_LOG_LEVEL=warn.
const LogLevelEnv = "IMPORTLS_TEST_LOG_LEVEL"

// NewTestLogger returns a logger that writes to t.Log at debug level unless
// LogLevelEnv says otherwise. Output is dropped once the test has finished,
// since host fetches and the store's watcher dispatcher may still log from
// background goroutines.
func NewTestLogger(t testing.TB) *slog.Logger {
	t.Helper()
	w := &testWriter{t: t}
	t.Cleanup(w.close)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: testLogLevel(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func testLogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv(LogLevelEnv))); err != nil {
		return slog.LevelDebug
	}
	return level
}

type testWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Helper()
		w.t.Log(strings.TrimSuffix(string(p), "\n"))
	}
	return len(p), nil
}

func (w *testWriter) close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
}
