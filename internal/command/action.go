package command

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
)

// Action names on the wire.
const (
	ActionReboot         = "REBOOT"
	ActionStatusRequest  = "STATUS_REQUEST"
	ActionFirmwareUpdate = "FIRMWARE_UPDATE"
	ActionServoAngle     = "SERVO_ANGLE"
)

// Servo limits in degrees.
const (
	minServoAngle = 0
	maxServoAngle = 180
)

// Action is a command instruction. The set is closed: Reboot,
// StatusRequest, FirmwareUpdate and ServoAngle, with Generic carrying any
// action name the service does not model.
type Action interface {
	// Name returns the wire value of the "action" field.
	Name() string

	// fields returns the action's own JSON fields, excluding "action".
	fields() map[string]any

	validate() error
}

// Reboot restarts the device.
type Reboot struct{}

func (Reboot) Name() string           { return ActionReboot }
func (Reboot) fields() map[string]any { return nil }
func (Reboot) validate() error        { return nil }

// StatusRequest asks the device to report its status. Message is shown on
// the device, if it has a display.
type StatusRequest struct {
	Message string
}

func (StatusRequest) Name() string { return ActionStatusRequest }
func (a StatusRequest) fields() map[string]any {
	if a.Message == "" {
		return nil
	}
	return map[string]any{"message": a.Message}
}
func (StatusRequest) validate() error { return nil }

// FirmwareUpdate tells the device to fetch and flash the image at URL.
type FirmwareUpdate struct {
	URL string
}

func (FirmwareUpdate) Name() string { return ActionFirmwareUpdate }
func (a FirmwareUpdate) fields() map[string]any {
	return map[string]any{"url": a.URL}
}
func (a FirmwareUpdate) validate() error {
	u, err := url.Parse(a.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %s requires an http(s) url, got %q", ErrInvalidAction, ActionFirmwareUpdate, a.URL)
	}
	return nil
}

// ServoAngle moves the device's servo to Angle degrees.
type ServoAngle struct {
	Angle int
}

func (ServoAngle) Name() string { return ActionServoAngle }
func (a ServoAngle) fields() map[string]any {
	return map[string]any{"angle": a.Angle}
}
func (a ServoAngle) validate() error {
	if a.Angle < minServoAngle || a.Angle > maxServoAngle {
		return fmt.Errorf("%w: %s angle %d outside %d..%d",
			ErrInvalidAction, ActionServoAngle, a.Angle, minServoAngle, maxServoAngle)
	}
	return nil
}

// Generic is any other action. Its fields are passed through unchanged.
type Generic struct {
	Action string
	Fields map[string]any
}

func (a Generic) Name() string { return a.Action }
func (a Generic) fields() map[string]any {
	return a.Fields
}
func (a Generic) validate() error {
	if a.Action == "" {
		return fmt.Errorf("%w: action name is required", ErrInvalidAction)
	}
	return nil
}

// envelopeKeys are owned by the envelope and never treated as action fields.
var envelopeKeys = map[string]bool{
	"action":        true,
	"message_id":    true,
	"timestamp":     true,
	"cmd_timestamp": true,
	"source":        true,
	"priority":      true,
}

// ParseAction builds an Action from a decoded JSON object, validating the
// required fields of the known actions. Envelope keys in m are ignored.
//
// Example:
//
//	a, err := command.ParseAction(map[string]any{"action": "SERVO_ANGLE", "angle": 90})
func ParseAction(m map[string]any) (Action, error) {
	name, _ := m["action"].(string)
	if name == "" {
		return nil, fmt.Errorf("%w: missing action name", ErrInvalidAction)
	}

	var a Action
	switch name {
	case ActionReboot:
		a = Reboot{}

	case ActionStatusRequest:
		var msg string
		if v, ok := m["message"]; ok {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s message must be a string", ErrInvalidAction, name)
			}
			msg = s
		}
		a = StatusRequest{Message: msg}

	case ActionFirmwareUpdate:
		u, _ := m["url"].(string)
		a = FirmwareUpdate{URL: u}

	case ActionServoAngle:
		v, ok := m["angle"]
		if !ok {
			return nil, fmt.Errorf("%w: %s requires angle", ErrInvalidAction, name)
		}
		angle, ok := toInt(v)
		if !ok {
			return nil, fmt.Errorf("%w: %s angle must be an integer", ErrInvalidAction, name)
		}
		a = ServoAngle{Angle: angle}

	default:
		fields := make(map[string]any)
		for k, v := range m {
			if !envelopeKeys[k] {
				fields[k] = v
			}
		}
		a = Generic{Action: name, Fields: fields}
	}

	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// toInt accepts the numeric forms produced by encoding/json and Go callers.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
