// cmd/scanlink-send/client.go
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OsbornePro/ScanLink/internal/protocol"
	"github.com/OsbornePro/ScanLink/internal/qr"
)

var errRejected = errors.New("server rejected request")

// client speaks the phone side of the scanner protocol.
type client struct {
	ws      *websocket.Conn
	timeout time.Duration

	DeviceID   string
	DeviceName string
}

func dialClient(info qr.ConnectionInfo, deviceID, deviceName string, timeout time.Duration) (*client, error) {
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(info.IP, strconv.Itoa(info.Port)), Path: "/"}
	d := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := d.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return &client{ws: ws, timeout: timeout, DeviceID: deviceID, DeviceName: deviceName}, nil
}

func (c *client) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *client) call(req any) (protocol.Reply, error) {
	var r protocol.Reply
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := c.ws.WriteJSON(req); err != nil {
		return r, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.timeout))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode reply: %w", err)
	}
	return r, nil
}

// Pair trades the master token for an auth token.
func (c *client) Pair(masterToken, model string) (string, error) {
	r, err := c.call(map[string]string{
		"action":      string(protocol.ActionPair),
		"deviceId":    c.DeviceID,
		"deviceName":  c.DeviceName,
		"deviceModel": model,
		"masterToken": masterToken,
	})
	if err != nil {
		return "", err
	}
	if r.Action != protocol.ActionPairAck {
		return "", fmt.Errorf("%w: %s", errRejected, r.Message)
	}
	return r.AuthToken, nil
}

// Reconnect resumes with a stored auth token.
func (c *client) Reconnect(authToken string) error {
	r, err := c.call(map[string]string{
		"action":    string(protocol.ActionReconnect),
		"deviceId":  c.DeviceID,
		"authToken": authToken,
	})
	if err != nil {
		return err
	}
	if r.Status != protocol.StatusConnected {
		return fmt.Errorf("%w: %s (%s)", errRejected, r.Status, r.Message)
	}
	return nil
}

// Scan sends one barcode and waits for the ack.
func (c *client) Scan(barcode, kind string) error {
	r, err := c.call(map[string]any{
		"action":     string(protocol.ActionScan),
		"deviceId":   c.DeviceID,
		"deviceName": c.DeviceName,
		"timestamp":  time.Now().UnixMilli(),
		"payload":    map[string]string{"barcode": barcode, "type": kind},
	})
	if err != nil {
		return err
	}
	if r.Action != protocol.ActionScanAck {
		return fmt.Errorf("%w: %s", errRejected, r.Message)
	}
	return nil
}
