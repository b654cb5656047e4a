// cmd/scanlink-send/main.go
// scanlink-send plays the phone: pairs from QR data, then sends barcodes.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/zalando/go-keyring"

	"github.com/OsbornePro/ScanLink/internal/qr"
)

const keyringService = "scanlink-send"

func main() {
	var (
		qrArg      = pflag.String("qr", "", "pairing QR JSON ({\"ip\",\"port\",\"token\"}) or a path to a file holding it")
		deviceID   = pflag.String("device-id", "", "device ID (default: a stored or new random ID)")
		deviceName = pflag.String("name", "scanlink-send", "device name shown on the desktop")
		kind       = pflag.String("type", "CODE_128", "barcode symbology reported with each scan")
		forgetTok  = pflag.Bool("forget", false, "drop the stored auth token and pair again")
		timeout    = pflag.Duration("timeout", 5*time.Second, "per-request timeout")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: scanlink-send --qr pairing.json [flags] BARCODE...\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *qrArg == "" {
		pflag.Usage()
		os.Exit(2)
	}
	info, err := loadConnectionInfo(*qrArg)
	if err != nil {
		die("Invalid QR payload:", err)
	}

	id := *deviceID
	if id == "" {
		id = storedDeviceID()
	}

	c, err := dialClient(info, id, *deviceName, *timeout)
	if err != nil {
		die("Failed to connect:", err)
	}
	defer c.Close()

	if *forgetTok {
		_ = keyring.Delete(keyringService, id)
	}
	if err := authenticate(c, info.Token); err != nil {
		die("Authentication failed:", err)
	}

	for _, b := range pflag.Args() {
		if err := c.Scan(b, *kind); err != nil {
			die("Scan failed:", err)
		}
		fmt.Printf("sent %q\n", b)
	}
}

// authenticate reconnects with a stored token, pairing when there is none
// or the server no longer accepts it.
func authenticate(c *client, masterToken string) error {
	if tok, err := keyring.Get(keyringService, c.DeviceID); err == nil && tok != "" {
		err := c.Reconnect(tok)
		if err == nil {
			fmt.Println("reconnected as", c.DeviceID)
			return nil
		}
		if !errors.Is(err, errRejected) {
			return err
		}
		fmt.Println("stored token refused; pairing again")
	}

	tok, err := c.Pair(masterToken, "cli")
	if err != nil {
		return err
	}
	if err := keyring.Set(keyringService, c.DeviceID, tok); err != nil {
		fmt.Fprintln(os.Stderr, "warning: could not store auth token:", err)
	}
	fmt.Println("paired as", c.DeviceID)
	return nil
}

func storedDeviceID() string {
	const user = "device-id"
	if id, err := keyring.Get(keyringService, user); err == nil && id != "" {
		return id
	}
	id := uuid.NewString()
	_ = keyring.Set(keyringService, user, id)
	return id
}

func loadConnectionInfo(arg string) (qr.ConnectionInfo, error) {
	var info qr.ConnectionInfo
	raw := []byte(arg)
	if !strings.HasPrefix(strings.TrimSpace(arg), "{") {
		b, err := os.ReadFile(arg)
		if err != nil {
			return info, err
		}
		raw = b
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return info, err
	}
	if info.IP == "" || info.Port == 0 || info.Token == "" {
		return info, errors.New("ip, port and token are required")
	}
	return info, nil
}

func die(msg string, err error) {
	fmt.Println("❌", msg)
	if err != nil {
		fmt.Println(err)
	}
	os.Exit(1)
}
