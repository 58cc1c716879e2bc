package command

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseAction(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		want    Action
		wantErr bool
	}{
		{
			name:  "reboot",
			input: map[string]any{"action": "REBOOT"},
			want:  Reboot{},
		},
		{
			name:  "status request with message",
			input: map[string]any{"action": "STATUS_REQUEST", "message": "hi"},
			want:  StatusRequest{Message: "hi"},
		},
		{
			name:    "status request message not a string",
			input:   map[string]any{"action": "STATUS_REQUEST", "message": 3.0},
			wantErr: true,
		},
		{
			name:  "firmware update",
			input: map[string]any{"action": "FIRMWARE_UPDATE", "url": "https://fw.example.com/v2.bin"},
			want:  FirmwareUpdate{URL: "https://fw.example.com/v2.bin"},
		},
		{
			name:    "firmware update without url",
			input:   map[string]any{"action": "FIRMWARE_UPDATE"},
			wantErr: true,
		},
		{
			name:    "firmware update ftp url",
			input:   map[string]any{"action": "FIRMWARE_UPDATE", "url": "ftp://fw.example.com/v2.bin"},
			wantErr: true,
		},
		{
			name:  "servo angle from json float",
			input: map[string]any{"action": "SERVO_ANGLE", "angle": 90.0},
			want:  ServoAngle{Angle: 90},
		},
		{
			name:  "servo angle from json number",
			input: map[string]any{"action": "SERVO_ANGLE", "angle": json.Number("180")},
			want:  ServoAngle{Angle: 180},
		},
		{
			name:    "servo angle missing",
			input:   map[string]any{"action": "SERVO_ANGLE"},
			wantErr: true,
		},
		{
			name:    "servo angle out of range",
			input:   map[string]any{"action": "SERVO_ANGLE", "angle": 181},
			wantErr: true,
		},
		{
			name:    "servo angle fractional",
			input:   map[string]any{"action": "SERVO_ANGLE", "angle": 45.5},
			wantErr: true,
		},
		{
			name:    "missing action",
			input:   map[string]any{"angle": 10},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAction(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAction) {
					t.Errorf("ParseAction() error = %v, want ErrInvalidAction", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAction() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseAction() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseAction_Generic(t *testing.T) {
	got, err := ParseAction(map[string]any{
		"action":     "SET_LED",
		"color":      "green",
		"message_id": "ignored",
		"priority":   3,
	})
	if err != nil {
		t.Fatalf("ParseAction() error = %v", err)
	}

	g, ok := got.(Generic)
	if !ok {
		t.Fatalf("ParseAction() = %T, want Generic", got)
	}
	if g.Name() != "SET_LED" {
		t.Errorf("Name() = %q, want SET_LED", g.Name())
	}
	if len(g.Fields) != 1 || g.Fields["color"] != "green" {
		t.Errorf("Fields = %v, want only color", g.Fields)
	}
}
