package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rnrsolutions/devicelink/internal/command"
)

// decodeCommand reads a command request body. The body is the flat action
// object (action name plus its fields); optional "priority" and "source"
// override the envelope defaults.
//
// Example:
//
//	{"action": "SERVO_ANGLE", "angle": 90, "priority": 2}
func decodeCommand(r *http.Request) (command.Action, command.SendOptions, error) {
	var opts command.SendOptions

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, opts, err
		}
		return nil, opts, errBadBody
	}
	if body == nil {
		return nil, opts, errBadBody
	}

	if v, ok := body["source"]; ok {
		src, isString := v.(string)
		if !isString {
			return nil, opts, errors.New("source must be a string")
		}
		opts.Source = src
	}
	if v, ok := body["priority"]; ok {
		n, isNumber := v.(json.Number)
		if !isNumber {
			return nil, opts, errors.New("priority must be an integer")
		}
		p, err := n.Int64()
		if err != nil {
			return nil, opts, errors.New("priority must be an integer")
		}
		priority := int(p)
		opts.Priority = &priority
	}

	action, err := command.ParseAction(body)
	if err != nil {
		return nil, opts, err
	}
	return action, opts, nil
}

var errBadBody = errors.New("invalid JSON body")

// handleSendCommand delivers one command and responds once the broker has
// acknowledged it.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	action, opts, err := decodeCommand(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}

	result, err := s.publisher.Send(r.Context(), id, action, opts)
	if err != nil {
		s.writeCommandError(w, r, err)
		return
	}

	resp := map[string]any{
		"message_id": result.MessageID,
		"device_id":  result.DeviceID,
		"topic":      result.Topic,
		"mirrored":   result.Mirrored,
	}
	if envelope, err := json.Marshal(result.Envelope); err == nil {
		resp["envelope"] = json.RawMessage(envelope)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBroadcast sends one command to every connected device. The response
// is 200 even when some devices fail; the body lists them.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	action, opts, err := decodeCommand(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if _, err := s.publisher.NewEnvelope(action, opts); err != nil {
		writeError(w, ErrCodeValidation, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s.publisher.Broadcast(r.Context(), action, opts))
}

// handleListFailures returns recent delivery failures, newest first.
func (s *Server) handleListFailures(w http.ResponseWriter, _ *http.Request) {
	failures := s.publisher.RecentFailures()
	if failures == nil {
		failures = []command.Failure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures, "count": len(failures)})
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, ErrCodePayloadTooLarge, "request body too large")
	case errors.Is(err, command.ErrInvalidAction):
		writeError(w, ErrCodeValidation, err.Error())
	default:
		writeError(w, ErrCodeBadRequest, err.Error())
	}
}

// writeCommandError maps publisher errors onto HTTP statuses.
func (s *Server) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, command.ErrInvalidDevice),
		errors.Is(err, command.ErrInvalidAction),
		errors.Is(err, command.ErrInvalidEnvelope),
		errors.Is(err, command.ErrInvalidPriority):
		writeError(w, ErrCodeValidation, err.Error())
	case errors.Is(err, command.ErrPayloadTooLarge):
		writeError(w, ErrCodePayloadTooLarge, err.Error())
	case errors.Is(err, command.ErrNotConnected):
		writeError(w, ErrCodeUnavailable, "broker not connected")
	case errors.Is(err, command.ErrTimeout):
		writeError(w, ErrCodeTimeout, "broker acknowledgement timed out")
	case errors.Is(err, command.ErrPublishRejected):
		writeError(w, ErrCodeBrokerRejected, err.Error())
	default:
		s.logger.Error("sending command", "error", err, "request_id", requestID(r.Context()))
		writeError(w, ErrCodeInternal, "failed to send command")
	}
}
