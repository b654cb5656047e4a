// internal/registry/store.go
package registry

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrStoreUnavailable means the devices file exists but cannot be read, decrypted or parsed.
var ErrStoreUnavailable = errors.New("device store unavailable")

const (
	keyringService = "scanlink"
	keyringAccount = "devices-key"

	sealedAlg = "xchacha20poly1305"
	sealedAAD = "ScanLink devices v1"
)

type devicesFile struct {
	Devices []Device `json:"devices"`
}

type sealedDevicesFileV1 struct {
	V        int    `json:"v"`
	Alg      string `json:"alg"`
	NonceB64 string `json:"nonce_b64"`
	CtB64    string `json:"ct_b64"`
}

// SealedFileStore keeps devices in a JSON file sealed with a key held in the
// OS keyring. Without a keyring it writes plaintext with 0600 perms, unless
// RequireSealed is set.
type SealedFileStore struct {
	Path          string
	RequireSealed bool
}

// NewSealedFileStore returns a store rooted at path.
func NewSealedFileStore(path string, requireSealed bool) *SealedFileStore {
	return &SealedFileStore{Path: path, RequireSealed: requireSealed}
}

func (s *SealedFileStore) Load() ([]Device, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading %q: %v", ErrStoreUnavailable, s.Path, err)
	}

	var wrap sealedDevicesFileV1
	if err := json.Unmarshal(data, &wrap); err == nil && wrap.V == 1 && wrap.Alg == sealedAlg && wrap.NonceB64 != "" && wrap.CtB64 != "" {
		return s.loadSealed(&wrap)
	}

	if s.RequireSealed {
		return nil, fmt.Errorf("%w: %q is not sealed and require_sealed_store is set", ErrStoreUnavailable, s.Path)
	}

	var df devicesFile
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("%w: parsing %q: %v", ErrStoreUnavailable, s.Path, err)
	}

	// Best-effort migrate plaintext -> sealed.
	if key, err := getOrCreateDevicesKey(); err == nil {
		if err := s.writeSealed(key, data); err == nil {
			logrus.Infof("[registry] migrated plaintext devices file to sealed format (%s)", s.Path)
		}
	}
	return df.Devices, nil
}

func (s *SealedFileStore) loadSealed(wrap *sealedDevicesFileV1) ([]Device, error) {
	key, err := getOrCreateDevicesKey()
	if err != nil {
		return nil, fmt.Errorf("%w: keyring unavailable for sealed devices file: %v", ErrStoreUnavailable, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("NewX: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(wrap.NonceB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode nonce_b64: %v", ErrStoreUnavailable, err)
	}
	ct, err := base64.StdEncoding.DecodeString(wrap.CtB64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ct_b64: %v", ErrStoreUnavailable, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrStoreUnavailable, len(nonce))
	}
	pt, err := aead.Open(nil, nonce, ct, []byte(sealedAAD))
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt sealed devices file: %v", ErrStoreUnavailable, err)
	}

	var df devicesFile
	if err := json.Unmarshal(pt, &df); err != nil {
		return nil, fmt.Errorf("%w: parse devices json inside sealed wrapper: %v", ErrStoreUnavailable, err)
	}
	return df.Devices, nil
}

func (s *SealedFileStore) Save(devs []Device) error {
	pt, err := json.MarshalIndent(&devicesFile{Devices: devs}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal devices json: %w", err)
	}

	key, err := getOrCreateDevicesKey()
	if err != nil {
		if s.RequireSealed {
			return fmt.Errorf("%w: keyring unavailable: %v", ErrStoreUnavailable, err)
		}
		logrus.Warnf("[registry] keyring unavailable (%v); falling back to plaintext devices file with 0600 perms", err)
		return atomicWrite0600(s.Path, pt)
	}
	return s.writeSealed(key, pt)
}

func (s *SealedFileStore) writeSealed(key, pt []byte) error {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("NewX: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("rand nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, pt, []byte(sealedAAD))

	out, err := json.MarshalIndent(&sealedDevicesFileV1{
		V:        1,
		Alg:      sealedAlg,
		NonceB64: base64.StdEncoding.EncodeToString(nonce),
		CtB64:    base64.StdEncoding.EncodeToString(ct),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sealed wrapper: %w", err)
	}
	return atomicWrite0600(s.Path, out)
}

// getOrCreateDevicesKey returns the 32-byte sealing key from the OS keyring,
// creating it on first use.
func getOrCreateDevicesKey() ([]byte, error) {
	v, err := keyring.Get(keyringService, keyringAccount)
	if err == nil && v != "" {
		b, derr := base64.StdEncoding.DecodeString(v)
		if derr != nil {
			return nil, fmt.Errorf("keyring key invalid base64: %w", derr)
		}
		if len(b) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("keyring key wrong length: got %d want %d", len(b), chacha20poly1305.KeySize)
		}
		return b, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil, err
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("rand devices key: %w", err)
	}
	if err := keyring.Set(keyringService, keyringAccount, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, err
	}
	logrus.Infof("[registry] created keyring item %s/%s on %s", keyringService, keyringAccount, runtime.GOOS)
	return key, nil
}

func atomicWrite0600(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
