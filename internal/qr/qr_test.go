package qr

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_DataURLIsPNG(t *testing.T) {
	info := ConnectionInfo{IP: "192.168.1.20", Port: 8765, Token: "tok"}
	d, err := Render(info)
	require.NoError(t, err)
	assert.Equal(t, info, d.ConnectionInfo)

	const prefix = "data:image/png;base64,"
	require.True(t, strings.HasPrefix(d.QRBase64, prefix))
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(d.QRBase64, prefix))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG\r\n\x1a\n")))
}

func TestPayload_WireShape(t *testing.T) {
	p, err := ConnectionInfo{IP: "10.0.0.2", Port: 1, Token: "t"}.Payload()
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(p), &got))
	assert.Equal(t, map[string]any{"ip": "10.0.0.2", "port": float64(1), "token": "t"}, got)
}

func TestChooseAdvertiseHost(t *testing.T) {
	assert.Equal(t, "scanner.lan", ChooseAdvertiseHost("scanner.lan", "0.0.0.0"))
	assert.Equal(t, "192.168.1.5", ChooseAdvertiseHost("", "192.168.1.5"))

	for _, h := range []string{"", "0.0.0.0", "::", "127.0.0.1", "::1", "localhost"} {
		got := ChooseAdvertiseHost("", h)
		assert.NotEmpty(t, got, h)
		assert.NotEqual(t, "0.0.0.0", got, h)
	}
}

func TestWriteAndOpen_WritesWithoutOpening(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "qr")
	p, err := WriteAndOpen(dir, ConnectionInfo{IP: "1.2.3.4", Port: 2, Token: "x"}, false)
	require.NoError(t, err)
	fi, err := os.Stat(p)
	require.NoError(t, err)
	assert.Greater(t, fi.Size(), int64(0))
}
