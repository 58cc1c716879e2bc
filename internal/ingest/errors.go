package ingest

import (
	"fmt"

	"github.com/rnrsolutions/devicelink/internal/infrastructure/amqp"
)

// ErrMalformed marks a message that can never be processed: invalid JSON,
// no device id, or an unknown status. It wraps amqp.ErrMalformedMessage so
// the AMQP consumer rejects it without requeue.
var ErrMalformed = fmt.Errorf("ingest: %w", amqp.ErrMalformedMessage)
