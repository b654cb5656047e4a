package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMasterToken_EntropyAndUniqueness(t *testing.T) {
	a, err := NewMasterToken()
	require.NoError(t, err)
	b, err := NewMasterToken()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, MasterTokenBytes)
	assert.NotEqual(t, a, b)
}

func TestMatchMaster(t *testing.T) {
	assert.True(t, MatchMaster("abc", "abc"))
	assert.False(t, MatchMaster("abc", "abd"))
	assert.False(t, MatchMaster("abc", "ab"))
	assert.False(t, MatchMaster("", ""))
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	a, err := NewAuthority()
	require.NoError(t, err)

	t1, err := a.Issue("D1")
	require.NoError(t, err)
	t2, err := a.Issue("D1")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2, "tokens for the same device must differ")

	for _, tok := range []string{t1, t2} {
		c, err := a.Verify(tok)
		require.NoError(t, err)
		assert.Equal(t, "D1", c.DeviceID)
		assert.NotZero(t, c.IssuedAt)
		assert.Len(t, c.Nonce, claimNonce)
	}
}

func TestVerify_TamperedByte(t *testing.T) {
	a, err := NewAuthority()
	require.NoError(t, err)
	tok, err := a.Issue("D1")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0x01
	bad := base64.RawURLEncoding.EncodeToString(raw)

	_, err = a.Verify(bad)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestVerify_Malformed(t *testing.T) {
	a, err := NewAuthority()
	require.NoError(t, err)
	master, err := NewMasterToken()
	require.NoError(t, err)

	cases := map[string]string{
		"empty":        "",
		"not base64":   "%%%not-base64%%%",
		"master token": master,
		"short":        base64.RawURLEncoding.EncodeToString([]byte("short")),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(tok)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestVerify_OtherRunKeyRejected(t *testing.T) {
	a, err := NewAuthority()
	require.NoError(t, err)
	b, err := NewAuthority()
	require.NoError(t, err)

	tok, err := a.Issue("D1")
	require.NoError(t, err)
	_, err = b.Verify(tok)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestDestroy_InvalidatesEverything(t *testing.T) {
	a, err := NewAuthority()
	require.NoError(t, err)
	tok, err := a.Issue("D1")
	require.NoError(t, err)
	h := a.Hash(tok)
	require.NotEmpty(t, h)

	a.Destroy()

	_, err = a.Verify(tok)
	assert.True(t, errors.Is(err, ErrDestroyed))
	_, err = a.Issue("D1")
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Empty(t, a.Hash(tok))
	assert.False(t, a.MatchHash(tok, h))
}

func TestHash_KeyedAndStable(t *testing.T) {
	a, err := NewAuthority()
	require.NoError(t, err)
	b, err := NewAuthority()
	require.NoError(t, err)
	tok, err := a.Issue("D1")
	require.NoError(t, err)
	tok2, err := a.Issue("D1")
	require.NoError(t, err)

	assert.Equal(t, a.Hash(tok), a.Hash(tok))
	assert.NotEqual(t, a.Hash(tok), a.Hash(tok2))
	assert.NotEqual(t, a.Hash(tok), b.Hash(tok), "hash must depend on the run key")
	assert.Len(t, a.Hash(tok), 64)
	assert.False(t, strings.Contains(a.Hash(tok), tok))
	assert.True(t, a.MatchHash(tok, a.Hash(tok)))
	assert.False(t, a.MatchHash(tok, ""))
	assert.Empty(t, a.Hash("%%%"))
}

// Every other spelling of the final character must be refused, including
// ones that differ only in the unused low bits of the last base64 symbol.
func TestVerify_LastCharacterSwapped(t *testing.T) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

	a, err := NewAuthority()
	require.NoError(t, err)
	for _, dev := range []string{"D", "D1", "D12"} {
		tok, err := a.Issue(dev)
		require.NoError(t, err)
		want := a.Hash(tok)
		require.NotEmpty(t, want)

		last := tok[len(tok)-1]
		for i := 0; i < len(alphabet); i++ {
			if alphabet[i] == last {
				continue
			}
			bad := tok[:len(tok)-1] + string(alphabet[i])

			_, err := a.Verify(bad)
			require.Error(t, err, "device %s, last char %q", dev, alphabet[i])
			assert.True(t, errors.Is(err, ErrTampered) || errors.Is(err, ErrMalformed), "unexpected error %v", err)
			assert.False(t, a.MatchHash(bad, want), "device %s, last char %q", dev, alphabet[i])
		}
	}
}

func TestVerify_RejectsPaddedAndNonCanonical(t *testing.T) {
	a, err := NewAuthority()
	require.NoError(t, err)
	tok, err := a.Issue("D1")
	require.NoError(t, err)

	for _, bad := range []string{tok + "=", tok + "\n", " " + tok} {
		_, err := a.Verify(bad)
		assert.ErrorIs(t, err, ErrMalformed)
		assert.Empty(t, a.Hash(bad))
	}
}

func TestIssue_EmptyDevice(t *testing.T) {
	a, err := NewAuthority()
	require.NoError(t, err)
	_, err = a.Issue("")
	assert.Error(t, err)
}
