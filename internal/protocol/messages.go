// internal/protocol/messages.go
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Action is the wire discriminator carried in every message.
type Action string

const (
	ActionHandshake Action = "handshake"
	ActionPair      Action = "pair"
	ActionReconnect Action = "reconnect"
	ActionScan      Action = "scan"

	ActionHandshakeAck Action = "handshake_ack"
	ActionPairAck      Action = "pair_ack"
	ActionReconnectAck Action = "reconnect_ack"
	ActionScanAck      Action = "scan_ack"
	ActionError        Action = "error"
)

// ErrMalformed is the root of every decode/validation failure.
var ErrMalformed = errors.New("malformed message")

// DecodeError carries the client-facing reason for a rejected frame.
type DecodeError struct {
	Action Action
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Action == "" {
		return "malformed message: " + e.Reason
	}
	return fmt.Sprintf("malformed %s message: %s", e.Action, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrMalformed }

// Client-facing reasons. Kept short; they end up in error replies.
const (
	ReasonInvalidJSON      = "Invalid message format"
	ReasonMissingAction    = "Missing action"
	ReasonUnknownAction    = "Unknown action"
	ReasonInvalidPair      = "Invalid pair request format"
	ReasonInvalidReconnect = "Invalid reconnect request format"
	ReasonInvalidScan      = "Invalid scan message format"
	ReasonMissingPayload   = "Missing payload"
	ReasonInvalidBarcode   = "Invalid barcode"
)

type PairRequest struct {
	DeviceID    string `json:"deviceId"`
	DeviceName  string `json:"deviceName"`
	DeviceModel string `json:"deviceModel,omitempty"`
	MasterToken string `json:"masterToken"`
}

type ReconnectRequest struct {
	DeviceID  string `json:"deviceId"`
	AuthToken string `json:"authToken"`
}

type ScanPayload struct {
	Barcode string `json:"barcode"`
	Type    string `json:"type,omitempty"`
}

type ScanMessage struct {
	DeviceID    string       `json:"deviceId"`
	DeviceName  string       `json:"deviceName,omitempty"`
	DeviceModel string       `json:"deviceModel,omitempty"`
	Timestamp   int64        `json:"timestamp"`
	Payload     *ScanPayload `json:"payload,omitempty"`
	AuthToken   string       `json:"authToken,omitempty"`
}

// Message is one decoded inbound frame. Exactly one of the typed fields is
// set, matching Action; handshake carries no body.
type Message struct {
	Action    Action
	Pair      *PairRequest
	Reconnect *ReconnectRequest
	Scan      *ScanMessage
}

// Limits bounds what Decode accepts.
type Limits struct {
	MaxFieldLen   int
	MaxBarcodeLen int
}

// DefaultLimits matches the config defaults.
var DefaultLimits = Limits{MaxFieldLen: 256, MaxBarcodeLen: 1024}

// Decode parses and validates one inbound frame. Every failure is a
// *DecodeError wrapping ErrMalformed.
func Decode(data []byte, lim Limits) (Message, error) {
	if lim.MaxFieldLen <= 0 {
		lim.MaxFieldLen = DefaultLimits.MaxFieldLen
	}
	if lim.MaxBarcodeLen <= 0 {
		lim.MaxBarcodeLen = DefaultLimits.MaxBarcodeLen
	}

	data = bytes.TrimSpace(data)
	var env struct {
		Action *string `json:"action"`
	}
	if len(data) == 0 || data[0] != '{' || json.Unmarshal(data, &env) != nil {
		return Message{}, &DecodeError{Reason: ReasonInvalidJSON}
	}
	if env.Action == nil || *env.Action == "" {
		return Message{}, &DecodeError{Reason: ReasonMissingAction}
	}

	act := Action(*env.Action)
	switch act {
	case ActionHandshake:
		return Message{Action: act}, nil

	case ActionPair:
		var p PairRequest
		if err := json.Unmarshal(data, &p); err != nil {
			return Message{}, &DecodeError{Action: act, Reason: ReasonInvalidPair}
		}
		p.DeviceID = strings.TrimSpace(p.DeviceID)
		if !validField(p.DeviceID, lim.MaxFieldLen) || !validField(p.DeviceName, lim.MaxFieldLen) ||
			p.MasterToken == "" || !optionalField(p.DeviceModel, lim.MaxFieldLen) {
			return Message{}, &DecodeError{Action: act, Reason: ReasonInvalidPair}
		}
		return Message{Action: act, Pair: &p}, nil

	case ActionReconnect:
		var r ReconnectRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return Message{}, &DecodeError{Action: act, Reason: ReasonInvalidReconnect}
		}
		r.DeviceID = strings.TrimSpace(r.DeviceID)
		if !validField(r.DeviceID, lim.MaxFieldLen) || r.AuthToken == "" {
			return Message{}, &DecodeError{Action: act, Reason: ReasonInvalidReconnect}
		}
		return Message{Action: act, Reconnect: &r}, nil

	case ActionScan:
		return decodeScan(data, lim)

	default:
		return Message{}, &DecodeError{Action: act, Reason: ReasonUnknownAction}
	}
}

func decodeScan(data []byte, lim Limits) (Message, error) {
	var raw struct {
		ScanMessage
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, &DecodeError{Action: ActionScan, Reason: ReasonInvalidScan}
	}
	s := raw.ScanMessage
	s.DeviceID = strings.TrimSpace(s.DeviceID)
	if !validField(s.DeviceID, lim.MaxFieldLen) || raw.Timestamp == nil ||
		!optionalField(s.DeviceName, lim.MaxFieldLen) {
		return Message{}, &DecodeError{Action: ActionScan, Reason: ReasonInvalidScan}
	}
	s.Timestamp = *raw.Timestamp

	if s.Payload == nil {
		return Message{}, &DecodeError{Action: ActionScan, Reason: ReasonMissingPayload}
	}
	if err := ValidateBarcode(s.Payload.Barcode, lim.MaxBarcodeLen); err != nil {
		return Message{}, &DecodeError{Action: ActionScan, Reason: ReasonInvalidBarcode}
	}
	return Message{Action: ActionScan, Scan: &s}, nil
}

// ValidateBarcode rejects empty, oversized, non-UTF-8 or control-character
// barcodes. GS (0x1D) is allowed since GS1 codes use it as a separator.
func ValidateBarcode(s string, max int) error {
	if s == "" {
		return errors.New("empty barcode")
	}
	if max > 0 && len(s) > max {
		return fmt.Errorf("barcode too long: %d > %d", len(s), max)
	}
	if !utf8.ValidString(s) {
		return errors.New("barcode is not valid UTF-8")
	}
	for _, r := range s {
		if r == 0x1D {
			continue
		}
		if r < 0x20 || r == 0x7F {
			return fmt.Errorf("barcode contains control character %U", r)
		}
	}
	return nil
}

func validField(s string, max int) bool {
	return s != "" && len(s) <= max && utf8.ValidString(s)
}

func optionalField(s string, max int) bool {
	return s == "" || validField(s, max)
}
