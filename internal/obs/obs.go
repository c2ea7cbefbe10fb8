// Package obs provides the global structured logger and per-test correlation
// context. Correlation fields flow through context so every log line emitted
// during an authentication attempt can be tied back to the test, the worker,
// and the strategy that produced it. The Datadog fields are emitted for the
// external monitoring pipeline to pick up; this package never talks to the
// agent itself.
package obs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

type correlationContextKey struct{}

// Correlation carries per-test correlation identifiers.
type Correlation struct {
	RunID                   string
	TestName                string
	WorkerID                string
	AuthStrategy            string
	DatadogTraceID          string
	DatadogParentID         string
	DatadogSamplingPriority string
}

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

// Init configures the global structured logger.
func Init() {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		return
	}
	logger = newLogger(os.Stderr)
	slog.SetDefault(logger)
}

// SetOutputForTests overrides the global logger output for tests.
func SetOutputForTests(w io.Writer) func() {
	loggerMu.Lock()
	prev := logger
	logger = newLogger(w)
	slog.SetDefault(logger)
	loggerMu.Unlock()

	return func() {
		loggerMu.Lock()
		defer loggerMu.Unlock()
		if prev != nil {
			logger = prev
		} else {
			logger = newLogger(os.Stderr)
		}
		slog.SetDefault(logger)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				t, ok := attr.Value.Any().(time.Time)
				if ok {
					return slog.String(slog.TimeKey, t.UTC().Format(time.RFC3339Nano))
				}
			}
			return attr
		},
	})
	return slog.New(handler)
}

func globalLogger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	Init()
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Pkg returns a logger tagged with package name.
func Pkg(pkg string) *slog.Logger {
	return globalLogger().With("pkg", pkg)
}

// From returns a logger with correlation fields from context.
func From(ctx context.Context) *slog.Logger {
	l := globalLogger()
	corr := CorrelationFromContext(ctx)
	attrs := correlationAttrs(corr)
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

// WithCorrelation stores per-test correlation fields in context.
func WithCorrelation(ctx context.Context, corr Correlation) context.Context {
	existing := CorrelationFromContext(ctx)
	if corr.RunID != "" {
		existing.RunID = corr.RunID
	}
	if corr.TestName != "" {
		existing.TestName = corr.TestName
	}
	if corr.WorkerID != "" {
		existing.WorkerID = corr.WorkerID
	}
	if corr.AuthStrategy != "" {
		existing.AuthStrategy = strings.TrimSpace(corr.AuthStrategy)
	}
	if corr.DatadogTraceID != "" {
		existing.DatadogTraceID = corr.DatadogTraceID
	}
	if corr.DatadogParentID != "" {
		existing.DatadogParentID = corr.DatadogParentID
	}
	if corr.DatadogSamplingPriority != "" {
		existing.DatadogSamplingPriority = corr.DatadogSamplingPriority
	}
	return context.WithValue(ctx, correlationContextKey{}, existing)
}

// WithStrategy stores the active auth strategy name in context.
func WithStrategy(ctx context.Context, strategy string) context.Context {
	return WithCorrelation(ctx, Correlation{AuthStrategy: strategy})
}

// CorrelationFromContext returns correlation fields from context.
func CorrelationFromContext(ctx context.Context) Correlation {
	if ctx == nil {
		return Correlation{}
	}
	corr, ok := ctx.Value(correlationContextKey{}).(Correlation)
	if !ok {
		return Correlation{}
	}
	return corr
}

func correlationAttrs(corr Correlation) []any {
	attrs := make([]any, 0, 14)
	if corr.RunID != "" {
		attrs = append(attrs, "run_id", corr.RunID)
	}
	if corr.TestName != "" {
		attrs = append(attrs, "test_name", corr.TestName)
	}
	if corr.WorkerID != "" {
		attrs = append(attrs, "worker_id", corr.WorkerID)
	}
	if corr.AuthStrategy != "" {
		attrs = append(attrs, "auth_strategy", corr.AuthStrategy)
	}
	if corr.DatadogTraceID != "" {
		attrs = append(attrs, "datadog_trace_id", corr.DatadogTraceID)
	}
	if corr.DatadogParentID != "" {
		attrs = append(attrs, "datadog_parent_id", corr.DatadogParentID)
	}
	if corr.DatadogSamplingPriority != "" {
		attrs = append(attrs, "datadog_sampling_priority", corr.DatadogSamplingPriority)
	}
	return attrs
}

// NewRunID returns a random identifier for one test run.
func NewRunID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "run-fallback"
	}
	return "run-" + hex.EncodeToString(buf)
}
