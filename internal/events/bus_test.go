package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus()
	a, cancelA := b.Subscribe(4)
	defer cancelA()
	c, cancelC := b.Subscribe(4)
	defer cancelC()

	b.Publish(BarcodeReceived, Barcode{Barcode: "123", DeviceID: "D1"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			assert.Equal(t, BarcodeReceived, ev.Name)
			p, ok := ev.Payload.(Barcode)
			require.True(t, ok)
			assert.Equal(t, "123", p.Barcode)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(ServerStarted, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestBus_CancelAndClose(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	ch2, _ := b.Subscribe(1)
	b.Close()
	_, open = <-ch2
	assert.False(t, open)

	ch3, cancel3 := b.Subscribe(1)
	defer cancel3()
	_, open = <-ch3
	assert.False(t, open, "subscribing to a closed bus yields a closed channel")
	b.Publish(ServerStopped, nil)
}
