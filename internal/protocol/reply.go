package protocol

import "encoding/json"

// Reconnect outcomes.
const (
	StatusConnected    = "connected"
	StatusPaired       = "paired"
	StatusReceived     = "received"
	StatusUnauthorized = "unauthorized"
	StatusInvalidToken = "invalid_token"
)

// Reply is the single JSON object sent back for every inbound frame.
type Reply struct {
	Action    Action `json:"action"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Barcode   string `json:"barcode,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func HandshakeAck(clientID string, ts int64) Reply {
	return Reply{Action: ActionHandshakeAck, Status: StatusConnected, ClientID: clientID, Timestamp: ts}
}

func PairAck(authToken, deviceID string, ts int64) Reply {
	return Reply{Action: ActionPairAck, Status: StatusPaired, AuthToken: authToken, DeviceID: deviceID, Timestamp: ts}
}

func ReconnectConnected(deviceID string, ts int64) Reply {
	return Reply{Action: ActionReconnectAck, Status: StatusConnected, DeviceID: deviceID, Timestamp: ts}
}

func ReconnectUnauthorized() Reply {
	return Reply{Action: ActionReconnectAck, Status: StatusUnauthorized, Message: "Device not authorized. Please pair again."}
}

// ReconnectInvalidToken covers decode, decrypt and binding failures alike;
// the client is never told which one happened.
func ReconnectInvalidToken() Reply {
	return Reply{Action: ActionReconnectAck, Status: StatusInvalidToken, Message: "Invalid auth token. Please pair again."}
}

func ScanAck(barcode string) Reply {
	return Reply{Action: ActionScanAck, Status: StatusReceived, Barcode: barcode}
}

func Error(msg string) Reply {
	return Reply{Action: ActionError, Message: msg}
}

// IsError reports whether r counts against the session's error budget.
func (r Reply) IsError() bool {
	return r.Action == ActionError
}

// Encode marshals a reply. Reply has no unmarshalable fields, so errors are not expected.
func Encode(r Reply) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(Error("internal error"))
	}
	return b
}
