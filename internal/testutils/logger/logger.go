package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/habibyte/habibyte/logger"
)

/*
New returns logger for test "t" on debug level. The log output is written
using t.Log so it is shown only when the test fails (or -v flag is used).

Level can be changed with environment variable HB_TEST_LOG_LEVEL.
*/
func New(t testing.TB) *slog.Logger {
	return NewLvl(t, envLevel(slog.LevelDebug))
}

func NewLvl(t testing.TB, level slog.Level) *slog.Logger {
	w := &testLogWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	cfg := &logger.LogConfiguration{
		Level:        level.String(),
		Format:       "text",
		TimeFormat:   "15:04:05.0000",
		PeerIDFormat: "short",
		Writer:       w,
	}
	if level <= logger.LevelTrace {
		cfg.Level = "TRACE"
	}
	l, err := logger.New(cfg)
	if err != nil {
		t.Fatalf("creating logger: %v", err)
	}
	return l
}

// NOP returns logger which discards all output.
func NOP() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

/*
LoggerBuilder returns logger factory which ignores the configuration and
always returns test logger.
*/
func LoggerBuilder(t testing.TB) func(*logger.LogConfiguration) (*slog.Logger, error) {
	return func(*logger.LogConfiguration) (*slog.Logger, error) {
		return New(t), nil
	}
}

func envLevel(def slog.Level) slog.Level {
	if s := os.Getenv("HB_TEST_LOG_LEVEL"); s != "" {
		if lvl, err := logger.ParseLevel(s); err == nil {
			return lvl
		}
	}
	return def
}

/*
testLogWriter forwards output to t.Log until the test has finished, logging
after that would panic.
*/
type testLogWriter struct {
	t    testing.TB
	mu   sync.Mutex
	done bool
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return len(p), nil
	}
	w.t.Log(string(bytes.TrimSuffix(p, []byte("\n"))))
	return len(p), nil
}
