// internal/token/token.go
package token

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MasterTokenBytes is the entropy of a pairing (master) token.
	MasterTokenBytes = 32

	runSecretLen = 32
	claimNonce   = 16

	aeadInfo = "ScanLink auth-token AEAD v1"
	hashInfo = "ScanLink auth-token hash v1"
	tokenAAD = "scanlink auth-token v1"
)

var strictEncoding = base64.RawURLEncoding.Strict()

var (
	// ErrMalformed means the token could not be decoded or decrypted into claims.
	ErrMalformed = errors.New("auth token malformed")
	// ErrTampered means the AEAD tag did not authenticate (forged, altered, or from another run).
	ErrTampered = errors.New("auth token failed authentication")
	// ErrDestroyed is returned once the run key has been wiped.
	ErrDestroyed = errors.New("token authority destroyed")
)

// Claims is what an auth token decrypts to.
type Claims struct {
	DeviceID string `cbor:"d"`
	IssuedAt int64  `cbor:"iat"`
	Nonce    []byte `cbor:"n"`
}

// NewMasterToken returns a fresh base64url pairing secret for one server run.
func NewMasterToken() (string, error) {
	b := make([]byte, MasterTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand master token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MatchMaster compares a presented master token against the run's token in constant time.
func MatchMaster(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// Authority issues and verifies auth tokens under a key that lives only as
// long as one server run.
type Authority struct {
	mu      sync.RWMutex
	aead    cipher.AEAD
	aeadKey []byte
	hashKey []byte

	now func() time.Time
}

// NewAuthority generates a fresh run secret and derives the AEAD and hash keys from it.
func NewAuthority() (*Authority, error) {
	secret := make([]byte, runSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("rand run secret: %w", err)
	}
	defer zeroBytes(secret)
	return newAuthorityFromSecret(secret)
}

func newAuthorityFromSecret(secret []byte) (*Authority, error) {
	aeadKey, err := deriveKey(secret, aeadInfo)
	if err != nil {
		return nil, err
	}
	hashKey, err := deriveKey(secret, hashInfo)
	if err != nil {
		zeroBytes(aeadKey)
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		zeroBytes(aeadKey)
		zeroBytes(hashKey)
		return nil, fmt.Errorf("NewX: %w", err)
	}
	return &Authority{
		aead:    aead,
		aeadKey: aeadKey,
		hashKey: hashKey,
		now:     time.Now,
	}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		zeroBytes(key)
		return nil, fmt.Errorf("hkdf derive %q: %w", info, err)
	}
	return key, nil
}

// Issue seals {deviceID, issuedAt, nonce} into an opaque base64url token.
// Every call uses fresh nonces, so two tokens for one device never match.
func (a *Authority) Issue(deviceID string) (string, error) {
	if deviceID == "" {
		return "", errors.New("issue: empty deviceID")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.aead == nil {
		return "", ErrDestroyed
	}

	c := Claims{DeviceID: deviceID, IssuedAt: a.now().Unix(), Nonce: make([]byte, claimNonce)}
	if _, err := rand.Read(c.Nonce); err != nil {
		return "", fmt.Errorf("rand claim nonce: %w", err)
	}
	pt, err := marshalClaims(c)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	defer zeroBytes(pt)

	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(pt)+a.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return "", fmt.Errorf("rand aead nonce: %w", err)
	}
	out = a.aead.Seal(out, out[:chacha20poly1305.NonceSizeX], pt, []byte(tokenAAD))
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Verify authenticates and decrypts a token. It says nothing about revocation.
func (a *Authority) Verify(tok string) (Claims, error) {
	raw, err := decode(tok)
	if err != nil {
		return Claims{}, err
	}
	if len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead+1 {
		return Claims{}, fmt.Errorf("%w: too short (%d bytes)", ErrMalformed, len(raw))
	}

	a.mu.RLock()
	aead := a.aead
	if aead == nil {
		a.mu.RUnlock()
		return Claims{}, ErrDestroyed
	}
	nonce := raw[:chacha20poly1305.NonceSizeX]
	pt, err := aead.Open(nil, nonce, raw[chacha20poly1305.NonceSizeX:], []byte(tokenAAD))
	a.mu.RUnlock()
	if err != nil {
		return Claims{}, ErrTampered
	}
	defer zeroBytes(pt)

	c, err := unmarshalClaims(pt)
	if err != nil || c.DeviceID == "" || len(c.Nonce) != claimNonce {
		return Claims{}, fmt.Errorf("%w: bad claims", ErrMalformed)
	}
	return c, nil
}

// decode rejects non-canonical base64url, so each token has exactly one
// spelling and the hash of a token tracks its bytes.
func decode(tok string) ([]byte, error) {
	if strings.ContainsAny(tok, "\r\n") {
		return nil, fmt.Errorf("%w: bad encoding", ErrMalformed)
	}
	raw, err := strictEncoding.DecodeString(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrMalformed)
	}
	return raw, nil
}

// Hash returns the keyed BLAKE3 digest the registry stores in place of the
// token. It digests the decoded bytes and returns "" for anything that does
// not decode.
func (a *Authority) Hash(tok string) string {
	raw, err := decode(tok)
	if err != nil {
		return ""
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.hashKey == nil {
		return ""
	}
	h, err := blake3.NewKeyed(a.hashKey)
	if err != nil {
		return ""
	}
	_, _ = h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// MatchHash reports whether tok hashes to want.
func (a *Authority) MatchHash(tok, want string) bool {
	got := a.Hash(tok)
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Destroy wipes the run keys. Tokens issued by this Authority can never verify again.
func (a *Authority) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	zeroBytes(a.aeadKey)
	zeroBytes(a.hashKey)
	a.aeadKey = nil
	a.hashKey = nil
	a.aead = nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
