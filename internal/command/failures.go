package command

import (
	"sync"
	"time"
)

// Failure is one failed command delivery.
type Failure struct {
	DeviceID  string    `json:"device_id"`
	MessageID string    `json:"message_id,omitempty"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	At        time.Time `json:"timestamp"`
}

// Failure reasons.
const (
	ReasonInvalid      = "invalid"
	ReasonTooLarge     = "payload_too_large"
	ReasonNotConnected = "not_connected"
	ReasonRejected     = "rejected"
	ReasonTimeout      = "timeout"
)

// FailureLog is a fixed-size ring of recent delivery failures.
// When full, the oldest entry is overwritten. Thread-safe.
type FailureLog struct {
	mu    sync.Mutex
	buf   []Failure
	next  int
	count int
}

// NewFailureLog creates a log holding at most size entries (minimum 1).
func NewFailureLog(size int) *FailureLog {
	if size < 1 {
		size = 1
	}
	return &FailureLog{buf: make([]Failure, size)}
}

// Add appends a failure, evicting the oldest when full.
func (l *FailureLog) Add(f Failure) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf[l.next] = f
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// Recent returns the logged failures, newest first.
func (l *FailureLog) Recent() []Failure {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Failure, 0, l.count)
	for i := 1; i <= l.count; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Len returns the number of logged failures.
func (l *FailureLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
