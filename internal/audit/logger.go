// Package audit provides the tamper-evident, append-only audit log that
// every approval decision and remediation tool invocation is written
// through. Grounded on internal/audit/logger.go's async buffered writer
// in the teacher repo, trimmed to the single event kind this domain needs
// (AuditEntry) instead of the teacher's general-purpose Event taxonomy.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/haasonsaas/nightwatch/pkg/models"
)

// Sink receives a durable copy of each AuditEntry in addition to the
// JSON-lines file, satisfied by *storage.Store. A nil Sink (the default)
// means the JSON-lines file is the only durable copy.
type Sink interface {
	SaveAuditEntry(ctx context.Context, entry models.AuditEntry) error
}

// Logger serialises AuditEntry writes to a single JSON-lines destination
// through one writer goroutine, so the on-disk sequence is always
// monotonically ordered even under concurrent pipeline workers.
type Logger struct {
	out      io.WriteCloser
	redactor *Redactor
	slogger  *slog.Logger
	sink     Sink

	entries chan *models.AuditEntry
	done    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures a Logger at construction.
type Option func(*Logger)

// WithSink attaches a durable secondary writer (e.g. *storage.Store) that
// receives every AuditEntry alongside the JSON-lines file.
func WithSink(sink Sink) Option {
	return func(l *Logger) { l.sink = sink }
}

// NewLogger opens (or creates) the append-only log file at path and starts
// its writer goroutine. Passing "" or "stdout" writes to stdout, useful for
// tests and local runs.
func NewLogger(path string, logger *slog.Logger, opts ...Option) (*Logger, error) {
	var out io.WriteCloser
	switch path {
	case "", "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		out = f
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Logger{
		out:      out,
		redactor: NewRedactor(),
		slogger:  logger.With("component", "audit"),
		entries:  make(chan *models.AuditEntry, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Write appends one AuditEntry to the log. Args are redacted before the
// entry is queued; the entry is never mutated after this call returns, and
// the return to the caller always happens before the invocation it
// documents is reported back to the agent loop.
func (l *Logger) Write(entry models.AuditEntry) {
	if l == nil {
		return
	}
	entry.Args = l.redactor.Redact(entry.Args)

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		l.writeEntry(&entry)
		return
	}

	select {
	case l.entries <- &entry:
	default:
		// Buffer saturated: write synchronously rather than drop, preserving
		// the append-only guarantee at the cost of blocking the caller.
		l.writeEntry(&entry)
	}
}

// Close flushes pending entries and releases the output file.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.done)
	l.wg.Wait()

	if l.out != os.Stdout && l.out != os.Stderr {
		return l.out.Close()
	}
	return nil
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case e := <-l.entries:
			l.writeEntry(e)
		case <-l.done:
			for {
				select {
				case e := <-l.entries:
					l.writeEntry(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEntry(e *models.AuditEntry) {
	line, err := json.Marshal(e)
	if err != nil {
		l.slogger.Error("audit entry marshal failed", "error", err)
		return
	}
	line = append(line, '\n')
	if _, err := l.out.Write(line); err != nil {
		l.slogger.Error("audit entry write failed", "error", err)
	}

	if l.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.sink.SaveAuditEntry(ctx, *e); err != nil {
			l.slogger.Warn("audit entry durable sink write failed", "error", err)
		}
	}
}
