package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/shapeshift/security-hall-of-fame/pkg/auth"
	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// Record is the structured form of an AUDIT line.
type Record struct {
	ID    string         `json:"id"`
	Event registry.Event `json:"event"`
	// RequestID is taken from the request context when present.
	RequestID string `json:"request_id,omitempty"`
}

// Logger writes one "AUDIT: {json}" line per registry event. It implements
// registry.Observer.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
func NewLoggerWithWriter(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{writer: w}
}

func (l *Logger) Observe(ctx context.Context, e registry.Event) error {
	rec := Record{ID: uuid.New().String(), Event: e}
	rec.RequestID = auth.GetRequestID(ctx)

	bytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
