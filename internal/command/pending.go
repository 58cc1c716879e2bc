package command

import (
	"context"
	"sort"
	"sync"
	"time"
)

// PendingAck is a command published but not yet confirmed by the broker.
type PendingAck struct {
	MessageID string    `json:"message_id"`
	DeviceID  string    `json:"device_id"`
	Action    string    `json:"action"`
	Topic     string    `json:"topic"`
	QueuedAt  time.Time `json:"queued_at"`
}

// PendingAcks correlates in-flight publishes by message_id.
//
// An entry exists from just before the publish until the broker confirms
// or the publish fails. Thread-safe.
type PendingAcks struct {
	mu      sync.Mutex
	entries map[string]PendingAck
	// empty is closed when the table drains; created lazily by Wait.
	empty chan struct{}
}

// NewPendingAcks creates an empty table.
func NewPendingAcks() *PendingAcks {
	return &PendingAcks{entries: make(map[string]PendingAck)}
}

// Add registers an in-flight publish.
func (p *PendingAcks) Add(a PendingAck) {
	p.mu.Lock()
	p.entries[a.MessageID] = a
	p.mu.Unlock()
}

// Remove deletes the entry for messageID, reporting whether it existed.
func (p *PendingAcks) Remove(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.entries[messageID]
	delete(p.entries, messageID)
	if len(p.entries) == 0 && p.empty != nil {
		close(p.empty)
		p.empty = nil
	}
	return ok
}

// Get returns the entry for messageID.
func (p *PendingAcks) Get(messageID string) (PendingAck, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.entries[messageID]
	return a, ok
}

// Len returns the number of unconfirmed publishes.
func (p *PendingAcks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Snapshot returns the entries, oldest first.
func (p *PendingAcks) Snapshot() []PendingAck {
	p.mu.Lock()
	out := make([]PendingAck, 0, len(p.entries))
	for _, a := range p.entries {
		out = append(out, a)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}

// Wait blocks until the table is empty or ctx is done. Used on shutdown to
// let in-flight publishes finish before the connection is closed.
func (p *PendingAcks) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.entries) == 0 {
			p.mu.Unlock()
			return nil
		}
		if p.empty == nil {
			p.empty = make(chan struct{})
		}
		ch := p.empty
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
