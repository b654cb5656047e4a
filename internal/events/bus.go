// internal/events/bus.go
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event names published to the application layer.
const (
	BarcodeReceived = "barcode-received"
	ServerStarted   = "server-started"
	ServerStopped   = "server-stopped"
	DevicePaired    = "device-paired"
	DeviceRevoked   = "device-revoked"
)

// Event is one outward notification. Payload is JSON-marshalable.
type Event struct {
	Name    string    `json:"event"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Barcode is the payload of a barcode-received event.
type Barcode struct {
	Barcode string `json:"barcode"`
	Type    string `json:"type,omitempty"`
	// Timestamp is when the server accepted the scan (RFC 3339).
	Timestamp       string `json:"timestamp"`
	ClientTimestamp int64  `json:"clientTimestamp,omitempty"`
	DeviceID        string `json:"deviceId"`
	DeviceName      string `json:"deviceName,omitempty"`
}

// DeviceRef is the payload of device-paired and device-revoked.
type DeviceRef struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) Publish(name string, payload any) {
	ev := Event{Name: name, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{"event": name, "subscriber": id}).Warn("[events] subscriber full; event dropped")
		}
	}
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
