package events

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLineWriter writes JSON Lines (one JSON object per line) to an io.Writer.
// It is safe for concurrent use.
type JSONLineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
	now func() time.Time
}

// NewJSONLineWriter creates a new JSONLineWriter that writes to w.
func NewJSONLineWriter(w io.Writer) *JSONLineWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLineWriter{enc: enc, w: w, now: time.Now}
}

// Emit writes a JSON line with the event envelope.
// Encoding errors are dropped; diagnostics must never stall a probe or the
// relay listener.
func (j *JSONLineWriter) Emit(eventType EventType, data interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(Envelope{
		Type:      eventType,
		Timestamp: j.now().UTC(),
		Data:      data,
	})
}

// Close closes the underlying writer if it implements io.Closer.
// Standard streams are left open.
func (j *JSONLineWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if c, ok := j.w.(io.Closer); ok && !isStdStream(j.w) {
		return c.Close()
	}
	return nil
}
