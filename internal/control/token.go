// internal/control/token.go
package control

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strings"
)

// InitTokenFile creates a random control token at path unless one exists.
// On Unix the file must be 0600 or stricter.
func InitTokenFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		if runtime.GOOS != "windows" {
			return ensureFileMode0600(path)
		}
		return nil
	}

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("rand: %w", err)
	}

	perm := os.FileMode(0600)
	if runtime.GOOS == "windows" {
		perm = 0644 // Windows ACLs differ; keep it readable to the user.
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(b)+"\n"), perm); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}

	// umask can loosen what WriteFile asked for.
	if runtime.GOOS != "windows" {
		return ensureFileMode0600(path)
	}
	return nil
}

// ReadToken returns the trimmed token stored at path.
func ReadToken(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", errors.New("empty token")
	}
	return tok, nil
}

func ensureFileMode0600(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := fi.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("control token file has insecure permissions (must be 0600 or stricter): %s (got %04o)", path, mode)
	}
	return nil
}

// IsLoopbackListenAddr reports whether addr only binds loopback interfaces.
func IsLoopbackListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return false
	}
	for _, x := range ips {
		if !x.IsLoopback() {
			return false
		}
	}
	return true
}
