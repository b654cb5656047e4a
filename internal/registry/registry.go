// internal/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDeviceNotFound is returned by mutations on an unknown deviceId.
var ErrDeviceNotFound = errors.New("device not found")

// Device is one paired mobile client. Devices are never deleted, only revoked.
type Device struct {
	ID    string `json:"deviceId"`
	Name  string `json:"deviceName"`
	Model string `json:"deviceModel,omitempty"`

	// AuthTokenHash is the keyed hash of the most recently issued auth token.
	// Re-pairing replaces it, which implicitly retires the previous token.
	AuthTokenHash string `json:"authTokenHash,omitempty"`

	PairedAt time.Time `json:"pairedAt"`
	LastSeen time.Time `json:"lastSeen"`
	Revoked  bool      `json:"revoked"`
}

// Store persists the registry between runs. It is optional.
type Store interface {
	Load() ([]Device, error)
	Save(devs []Device) error
}

// Registry is the concurrency-safe set of paired devices, kept in insertion order.
type Registry struct {
	mu    sync.RWMutex
	devs  map[string]*Device
	order []string

	store  Store
	saveMu sync.Mutex

	nowF func() time.Time
}

// New returns an empty registry. store may be nil for an in-memory registry.
func New(store Store) *Registry {
	return &Registry{
		devs:  make(map[string]*Device),
		store: store,
		nowF:  func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the registry contents with what the store holds. Stored
// credential hashes are dropped: they were keyed to a previous run.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	devs, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.devs = make(map[string]*Device, len(devs))
	r.order = r.order[:0]
	for i := range devs {
		d := devs[i]
		if d.ID == "" {
			continue
		}
		if _, dup := r.devs[d.ID]; dup {
			continue
		}
		d.AuthTokenHash = ""
		r.devs[d.ID] = &d
		r.order = append(r.order, d.ID)
	}
	logrus.Infof("[registry] loaded %d device(s)", len(r.order))
	return nil
}

// RegisterOrUpdate upserts a device after a successful pairing. Re-pairing
// clears a revocation and replaces the credential hash.
func (r *Registry) RegisterOrUpdate(id, name, model, tokenHash string) Device {
	now := r.nowF()

	r.mu.Lock()
	d, ok := r.devs[id]
	if !ok {
		d = &Device{ID: id, PairedAt: now}
		r.devs[id] = d
		r.order = append(r.order, id)
	}
	d.Name = name
	if model != "" || !ok {
		d.Model = model
	}
	d.AuthTokenHash = tokenHash
	d.PairedAt = now
	d.LastSeen = now
	d.Revoked = false
	out := *d
	r.mu.Unlock()

	r.persist()
	return out
}

// Find returns a copy of the device, if known.
func (r *Registry) Find(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devs[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Revoke marks a device revoked. Its existing tokens stop working immediately.
func (r *Registry) Revoke(id string) error {
	r.mu.Lock()
	d, ok := r.devs[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	d.Revoked = true
	d.AuthTokenHash = ""
	r.mu.Unlock()

	r.persist()
	return nil
}

// RevokeAll revokes every device and returns how many were newly revoked.
func (r *Registry) RevokeAll() int {
	r.mu.Lock()
	n := 0
	for _, d := range r.devs {
		if !d.Revoked {
			n++
		}
		d.Revoked = true
		d.AuthTokenHash = ""
	}
	r.mu.Unlock()

	if n > 0 {
		r.persist()
	}
	return n
}

// Touch records activity for a device. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	d, ok := r.devs[id]
	if ok {
		d.LastSeen = r.nowF()
	}
	r.mu.Unlock()
}

// List returns copies of all devices in insertion order.
func (r *Registry) List() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.devs[id])
	}
	return out
}

// Len reports the number of known devices, revoked ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Flush writes the current contents to the store.
func (r *Registry) Flush() error {
	if r.store == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	return r.store.Save(r.List())
}

// persist snapshots under saveMu so an older snapshot never lands after a newer one.
func (r *Registry) persist() {
	if err := r.Flush(); err != nil {
		logrus.WithError(err).Warn("[registry] could not persist devices")
	}
}
