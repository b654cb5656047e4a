package session

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OsbornePro/ScanLink/internal/protocol"
	"github.com/OsbornePro/ScanLink/internal/registry"
	"github.com/OsbornePro/ScanLink/internal/token"
)

type fixture struct {
	env    *Env
	master string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	auth, err := token.NewAuthority()
	require.NoError(t, err)
	master, err := token.NewMasterToken()
	require.NoError(t, err)
	return &fixture{
		env: &Env{
			MasterToken: func() string { return master },
			Tokens:      auth,
			Registry:    registry.New(nil),
			Limits:      protocol.DefaultLimits,
		},
		master: master,
	}
}

func (f *fixture) session(id string) *Session {
	return New(id, "127.0.0.1:1", f.env)
}

func pairFrame(dev, master string) []byte {
	return []byte(fmt.Sprintf(`{"action":"pair","deviceId":%q,"deviceName":"Pixel","masterToken":%q}`, dev, master))
}

func reconnectFrame(dev, tok string) []byte {
	return []byte(fmt.Sprintf(`{"action":"reconnect","deviceId":%q,"authToken":%q}`, dev, tok))
}

func scanFrame(dev, barcode, tok string) []byte {
	if tok == "" {
		return []byte(fmt.Sprintf(`{"action":"scan","deviceId":%q,"timestamp":1700000000000,"payload":{"barcode":%q,"type":"QR_CODE"}}`, dev, barcode))
	}
	return []byte(fmt.Sprintf(`{"action":"scan","deviceId":%q,"timestamp":1700000000000,"payload":{"barcode":%q},"authToken":%q}`, dev, barcode, tok))
}

func (f *fixture) pair(t *testing.T, dev string) string {
	t.Helper()
	out := f.session("pairer-" + dev).HandleFrame(pairFrame(dev, f.master))
	require.Equal(t, protocol.ActionPairAck, out.Reply.Action)
	return out.Reply.AuthToken
}

func TestPair_Success(t *testing.T) {
	f := newFixture(t)
	s := f.session("s1")

	out := s.HandleFrame(pairFrame("D1", f.master))
	require.NoError(t, out.Err)
	assert.Equal(t, protocol.ActionPairAck, out.Reply.Action)
	assert.Equal(t, protocol.StatusPaired, out.Reply.Status)
	assert.Equal(t, "D1", out.Reply.DeviceID)
	assert.NotEmpty(t, out.Reply.AuthToken)
	assert.NotZero(t, out.Reply.Timestamp)
	assert.Equal(t, "D1", out.Bound)
	assert.True(t, out.Paired)
	assert.Equal(t, Authenticated, s.State())

	d, ok := f.env.Registry.Find("D1")
	require.True(t, ok)
	assert.Equal(t, f.env.Tokens.Hash(out.Reply.AuthToken), d.AuthTokenHash)
	assert.NotContains(t, d.AuthTokenHash, out.Reply.AuthToken)
}

func TestPair_WrongMasterToken(t *testing.T) {
	f := newFixture(t)
	s := f.session("s1")

	out := s.HandleFrame(pairFrame("D1", "nope"))
	assert.Equal(t, protocol.ActionError, out.Reply.Action)
	assert.Equal(t, "Invalid token", out.Reply.Message)
	assert.ErrorIs(t, out.Err, ErrInvalidMasterToken)
	assert.Equal(t, Unauthenticated, s.State())
	assert.Equal(t, 0, f.env.Registry.Len())

	// Retry on the same connection is allowed.
	out = s.HandleFrame(pairFrame("D1", f.master))
	assert.Equal(t, protocol.ActionPairAck, out.Reply.Action)
}

func TestPair_OutOfState(t *testing.T) {
	f := newFixture(t)
	s := f.session("s1")
	s.HandleFrame(pairFrame("D1", f.master))

	out := s.HandleFrame(pairFrame("D1", f.master))
	assert.Equal(t, protocol.ActionError, out.Reply.Action)
	assert.ErrorIs(t, out.Err, ErrOutOfState)
	assert.Equal(t, Authenticated, s.State())

	out = s.HandleFrame(reconnectFrame("D1", "x"))
	assert.Equal(t, protocol.ActionError, out.Reply.Action)
	assert.Equal(t, Authenticated, s.State())
}

func TestReconnect_Success(t *testing.T) {
	f := newFixture(t)
	tok := f.pair(t, "D1")

	s := f.session("s2")
	out := s.HandleFrame(reconnectFrame("D1", tok))
	require.NoError(t, out.Err)
	assert.Equal(t, protocol.ActionReconnectAck, out.Reply.Action)
	assert.Equal(t, protocol.StatusConnected, out.Reply.Status)
	assert.Equal(t, "D1", out.Reply.DeviceID)
	assert.Equal(t, "D1", out.Bound)
	assert.False(t, out.Paired)
	assert.Equal(t, Authenticated, s.State())
}

func TestReconnect_MasterTokenIsInvalidToken(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "D1")

	s := f.session("s2")
	out := s.HandleFrame(reconnectFrame("D1", f.master))
	assert.Equal(t, protocol.StatusInvalidToken, out.Reply.Status)
	assert.Equal(t, Unauthenticated, s.State())
}

func TestReconnect_TamperedToken(t *testing.T) {
	f := newFixture(t)
	tok := f.pair(t, "D1")

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x80
	bad := base64.RawURLEncoding.EncodeToString(raw)

	out := f.session("s2").HandleFrame(reconnectFrame("D1", bad))
	assert.Equal(t, protocol.ActionReconnectAck, out.Reply.Action)
	assert.Equal(t, protocol.StatusInvalidToken, out.Reply.Status)
	assert.ErrorIs(t, out.Err, ErrInvalidAuthToken)
}

func TestReconnect_TokenForOtherDevice(t *testing.T) {
	f := newFixture(t)
	tok := f.pair(t, "D1")
	f.pair(t, "D2")

	out := f.session("s2").HandleFrame(reconnectFrame("D2", tok))
	assert.Equal(t, protocol.StatusInvalidToken, out.Reply.Status)
}

func TestReconnect_RevokedIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	tok := f.pair(t, "D1")
	require.NoError(t, f.env.Registry.Revoke("D1"))

	s := f.session("s2")
	out := s.HandleFrame(reconnectFrame("D1", tok))
	assert.Equal(t, protocol.StatusUnauthorized, out.Reply.Status)
	assert.ErrorIs(t, out.Err, ErrUnauthorized)
	assert.Equal(t, Unauthenticated, s.State())
}

func TestReconnect_UnknownDeviceIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	tok, err := f.env.Tokens.Issue("ghost")
	require.NoError(t, err)

	out := f.session("s2").HandleFrame(reconnectFrame("ghost", tok))
	assert.Equal(t, protocol.StatusUnauthorized, out.Reply.Status)
}

func TestReconnect_RepairRetiresOldToken(t *testing.T) {
	f := newFixture(t)
	old := f.pair(t, "D1")
	fresh := f.pair(t, "D1")

	out := f.session("s2").HandleFrame(reconnectFrame("D1", old))
	assert.Equal(t, protocol.StatusUnauthorized, out.Reply.Status)

	out = f.session("s3").HandleFrame(reconnectFrame("D1", fresh))
	assert.Equal(t, protocol.StatusConnected, out.Reply.Status)
}

func TestReconnect_AfterAuthorityDestroyed(t *testing.T) {
	f := newFixture(t)
	tok := f.pair(t, "D1")
	f.env.Tokens.Destroy()

	out := f.session("s2").HandleFrame(reconnectFrame("D1", tok))
	assert.Equal(t, protocol.StatusInvalidToken, out.Reply.Status)
}

// revokeOnBind revokes the device in the window between the registry lookup
// and the bind, the way a concurrent RevokeDevice can.
func (f *fixture) revokeOnBind(t *testing.T) {
	f.env.beforeBind = func(id string) {
		require.NoError(t, f.env.Registry.Revoke(id))
	}
}

func TestReconnect_RevokedBeforeBind(t *testing.T) {
	f := newFixture(t)
	tok := f.pair(t, "D1")
	f.revokeOnBind(t)

	s := f.session("s2")
	out := s.HandleFrame(reconnectFrame("D1", tok))
	assert.Equal(t, protocol.ActionReconnectAck, out.Reply.Action)
	assert.Equal(t, protocol.StatusUnauthorized, out.Reply.Status)
	assert.ErrorIs(t, out.Err, ErrUnauthorized)
	assert.Empty(t, out.Bound)
	assert.Equal(t, Unauthenticated, s.State())
	id, _ := s.Device()
	assert.Empty(t, id)
}

func TestScan_ImplicitReconnectRevokedBeforeBind(t *testing.T) {
	f := newFixture(t)
	tok := f.pair(t, "D1")
	f.revokeOnBind(t)

	s := f.session("s2")
	out := s.HandleFrame(scanFrame("D1", "123", tok))
	assert.Equal(t, protocol.ActionError, out.Reply.Action)
	assert.ErrorIs(t, out.Err, ErrUnauthorized)
	assert.Nil(t, out.Scan)
	assert.Empty(t, out.Bound)
	assert.Equal(t, Unauthenticated, s.State())
}

func TestPair_RevokedBeforeBind(t *testing.T) {
	f := newFixture(t)
	f.revokeOnBind(t)

	s := f.session("s1")
	out := s.HandleFrame(pairFrame("D1", f.master))
	assert.Equal(t, protocol.ActionError, out.Reply.Action)
	assert.Empty(t, out.Reply.AuthToken)
	assert.False(t, out.Paired)
	assert.Equal(t, Unauthenticated, s.State())
}

func TestScan_Authenticated(t *testing.T) {
	f := newFixture(t)
	s := f.session("s1")
	s.HandleFrame(pairFrame("D1", f.master))

	out := s.HandleFrame(scanFrame("D1", "4006381333931", ""))
	require.NoError(t, out.Err)
	assert.Equal(t, protocol.ScanAck("4006381333931"), out.Reply)
	require.NotNil(t, out.Scan)
	assert.Equal(t, "4006381333931", out.Scan.Barcode)
	assert.Equal(t, "QR_CODE", out.Scan.Type)
	assert.Equal(t, "D1", out.Scan.DeviceID)
	assert.Equal(t, "Pixel", out.Scan.DeviceName, "falls back to the registered name")
	assert.Equal(t, int64(1700000000000), out.Scan.ClientTimestamp)
	assert.NotEmpty(t, out.Scan.Timestamp)
	assert.Empty(t, out.Bound)
}

func TestScan_Unauthenticated(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "D1")
	s := f.session("s2")

	out := s.HandleFrame(scanFrame("D1", "123", ""))
	assert.Equal(t, protocol.ActionError, out.Reply.Action)
	assert.Nil(t, out.Scan)
	assert.Equal(t, Unauthenticated, s.State())
}

func TestScan_ImplicitReconnect(t *testing.T) {
	f := newFixture(t)
	tok := f.pair(t, "D1")
	s := f.session("s2")

	out := s.HandleFrame(scanFrame("D1", "123", tok))
	require.NoError(t, out.Err)
	assert.Equal(t, protocol.ActionScanAck, out.Reply.Action)
	assert.Equal(t, "D1", out.Bound)
	assert.Equal(t, Authenticated, s.State())
}

func TestScan_ImplicitReconnectWithMasterToken(t *testing.T) {
	f := newFixture(t)
	f.pair(t, "D1")
	s := f.session("s2")

	out := s.HandleFrame(scanFrame("D1", "123", f.master))
	assert.Equal(t, protocol.ActionError, out.Reply.Action)
	assert.Nil(t, out.Scan)
	assert.Equal(t, Unauthenticated, s.State())
}

func TestScan_DeviceMismatchAndRevoked(t *testing.T) {
	f := newFixture(t)
	s := f.session("s1")
	s.HandleFrame(pairFrame("D1", f.master))

	out := s.HandleFrame(scanFrame("D2", "123", ""))
	assert.Equal(t, "Device mismatch", out.Reply.Message)

	require.NoError(t, f.env.Registry.Revoke("D1"))
	out = s.HandleFrame(scanFrame("D1", "123", ""))
	assert.Equal(t, protocol.ActionError, out.Reply.Action)
	assert.Nil(t, out.Scan)
}

func TestScan_MissingPayload(t *testing.T) {
	f := newFixture(t)
	s := f.session("s1")
	s.HandleFrame(pairFrame("D1", f.master))

	out := s.HandleFrame([]byte(`{"action":"scan","deviceId":"D1","timestamp":1}`))
	assert.Equal(t, protocol.Error("Missing payload"), out.Reply)
	assert.Equal(t, Authenticated, s.State())
}

func TestHandshake(t *testing.T) {
	f := newFixture(t)
	s := f.session("abc")
	out := s.HandleFrame([]byte(`{"action":"handshake"}`))
	assert.Equal(t, protocol.ActionHandshakeAck, out.Reply.Action)
	assert.Equal(t, "abc", out.Reply.ClientID)
	assert.Equal(t, Unauthenticated, s.State())
}

func TestErrorBudget_ClosesSession(t *testing.T) {
	f := newFixture(t)
	f.env.MaxConsecutiveErrors = 3
	s := f.session("s1")

	assert.False(t, s.HandleFrame([]byte("garbage")).Close)
	assert.False(t, s.HandleFrame([]byte("garbage")).Close)
	out := s.HandleFrame([]byte("garbage"))
	assert.True(t, out.Close)
	assert.Equal(t, Closed, s.State())

	out = s.HandleFrame(pairFrame("D1", f.master))
	assert.True(t, out.Close)
	assert.ErrorIs(t, out.Err, ErrClosed)
}

func TestErrorBudget_ResetsOnSuccess(t *testing.T) {
	f := newFixture(t)
	f.env.MaxConsecutiveErrors = 2
	s := f.session("s1")

	assert.False(t, s.HandleFrame([]byte("garbage")).Close)
	s.HandleFrame([]byte(`{"action":"handshake"}`))
	assert.False(t, s.HandleFrame([]byte("garbage")).Close)
	assert.NotEqual(t, Closed, s.State())
}

func TestErrorBudget_Disabled(t *testing.T) {
	f := newFixture(t)
	f.env.MaxConsecutiveErrors = -1
	s := f.session("s1")
	for i := 0; i < 50; i++ {
		require.False(t, s.HandleFrame([]byte("garbage")).Close)
	}
}
