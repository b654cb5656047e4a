// internal/qr/qr.go
package qr

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// ConnectionInfo is what the pairing QR code encodes.
type ConnectionInfo struct {
	IP    string `json:"ip"`
	Port  int    `json:"port"`
	Token string `json:"token"`
}

// Data is returned to the application layer by start_server and get_current_qr_data.
type Data struct {
	QRBase64       string         `json:"qr_base64"`
	ConnectionInfo ConnectionInfo `json:"connection_info"`
}

const pngSize = 512

// Payload returns the JSON text that goes into the QR code.
func (c ConnectionInfo) Payload() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Render encodes info as a PNG QR code and wraps it as a data URL.
func Render(info ConnectionInfo) (Data, error) {
	payload, err := info.Payload()
	if err != nil {
		return Data{}, fmt.Errorf("marshal connection info: %w", err)
	}
	// Medium recovery keeps the code scannable off a laptop screen.
	png, err := qrcode.Encode(payload, qrcode.Medium, pngSize)
	if err != nil {
		return Data{}, fmt.Errorf("encode qr: %w", err)
	}
	return Data{
		QRBase64:       "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		ConnectionInfo: info,
	}, nil
}

// WriteAndOpen writes the pairing QR to outDir/scanlink-pair.png and, if
// open is set, asks the desktop to show it.
func WriteAndOpen(outDir string, info ConnectionInfo, open bool) (string, error) {
	payload, err := info.Payload()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return "", err
	}
	pngPath := filepath.Join(outDir, "scanlink-pair.png")
	if err := qrcode.WriteFile(payload, qrcode.Medium, pngSize, pngPath); err != nil {
		return "", err
	}
	if err := os.Chmod(pngPath, 0o600); err != nil {
		return pngPath, err
	}
	if !open {
		return pngPath, nil
	}
	return pngPath, openDefault(pngPath)
}

func openDefault(path string) error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("cmd", "/c", "start", "", path).Start()
	case "darwin":
		return exec.Command("open", path).Start()
	default:
		return exec.Command("xdg-open", path).Start()
	}
}

// ChooseAdvertiseHost picks the host to embed in the QR code. A configured
// host wins; a blank, loopback or wildcard bind falls back to the first
// non-loopback IPv4.
func ChooseAdvertiseHost(configured, listenHost string) string {
	if h := strings.TrimSpace(configured); h != "" {
		return h
	}
	h := strings.TrimSpace(listenHost)
	if h == "" || h == "0.0.0.0" || h == "::" || isLoopbackHost(h) {
		return firstNonLoopbackIPv4OrLocalhost()
	}
	return h
}

func isLoopbackHost(h string) bool {
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// firstNonLoopbackIPv4OrLocalhost returns the first non-loopback IPv4 address
// of an up interface, otherwise "127.0.0.1".
func firstNonLoopbackIPv4OrLocalhost() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
