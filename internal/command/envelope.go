package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps an Action with delivery metadata. On the wire the action
// fields and the metadata share one flat JSON object:
//
//	{"action":"SERVO_ANGLE","angle":90,"message_id":"...","timestamp":"2026-10-19T12:00:00Z",
//	 "cmd_timestamp":1792411200,"source":"backend_api","priority":5}
type Envelope struct {
	// MessageID is a UUIDv4, unique per envelope and never reused.
	MessageID string
	Action    Action

	// IssuedAt is serialized as "timestamp" (RFC 3339, UTC).
	IssuedAt time.Time

	// CmdTimestamp is IssuedAt in epoch seconds.
	CmdTimestamp int64

	Source   string
	Priority int
}

// MarshalJSON encodes the envelope as a single flat object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Action == nil {
		return nil, fmt.Errorf("%w: envelope has no action", ErrInvalidAction)
	}

	m := make(map[string]any, len(envelopeKeys)+len(e.Action.fields()))
	for k, v := range e.Action.fields() {
		if !envelopeKeys[k] {
			m[k] = v
		}
	}
	m["action"] = e.Action.Name()
	m["message_id"] = e.MessageID
	m["timestamp"] = e.IssuedAt.UTC().Format(time.RFC3339)
	m["cmd_timestamp"] = e.CmdTimestamp
	m["source"] = e.Source
	m["priority"] = e.Priority

	return json.Marshal(m)
}

// UnmarshalJSON parses a flat envelope object. Numbers in generic action
// fields are kept as json.Number so they re-encode unchanged.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}

	action, err := ParseAction(m)
	if err != nil {
		return err
	}

	id, _ := m["message_id"].(string)
	if id == "" {
		return fmt.Errorf("%w: missing message_id", ErrInvalidEnvelope)
	}

	var out Envelope
	out.Action = action
	out.MessageID = id
	out.Source, _ = m["source"].(string)

	if ts, ok := m["timestamp"].(string); ok && ts != "" {
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return fmt.Errorf("%w: timestamp: %w", ErrInvalidEnvelope, err)
		}
		out.IssuedAt = t.UTC()
	}
	if v, ok := m["cmd_timestamp"]; ok {
		n, ok := toInt(v)
		if !ok {
			return fmt.Errorf("%w: cmd_timestamp must be an integer", ErrInvalidEnvelope)
		}
		out.CmdTimestamp = int64(n)
	}
	if v, ok := m["priority"]; ok {
		n, ok := toInt(v)
		if !ok {
			return fmt.Errorf("%w: priority must be an integer", ErrInvalidEnvelope)
		}
		out.Priority = n
	}

	*e = out
	return nil
}
