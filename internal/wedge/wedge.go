// internal/wedge/wedge.go
package wedge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/OsbornePro/ScanLink/internal/events"
)

// ErrRejected wraps every reason a barcode is not typed.
var ErrRejected = errors.New("barcode rejected for typing")

// Typist sends text to whatever window has keyboard focus.
type Typist interface {
	Type(text string) error
	PressEnter() error
}

type Options struct {
	// MaxLen caps what gets typed, in bytes. Zero means no cap.
	MaxLen     int
	PressEnter bool
}

// Wedge types accepted barcodes like a USB keyboard-wedge scanner would.
type Wedge struct {
	t    Typist
	opts Options

	// One barcode at a time; interleaved keystrokes would corrupt both.
	mu sync.Mutex
}

func New(t Typist, opts Options) *Wedge {
	return &Wedge{t: t, opts: opts}
}

// Inject validates and types one barcode, followed by Enter when configured.
func (w *Wedge) Inject(barcode string) error {
	if err := w.validate(barcode); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.t.Type(barcode); err != nil {
		return fmt.Errorf("type barcode: %w", err)
	}
	if w.opts.PressEnter {
		if err := w.t.PressEnter(); err != nil {
			return fmt.Errorf("press enter: %w", err)
		}
	}
	return nil
}

func (w *Wedge) validate(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrRejected)
	}
	if w.opts.MaxLen > 0 && len(s) > w.opts.MaxLen {
		return fmt.Errorf("%w: too long: %d > %d", ErrRejected, len(s), w.opts.MaxLen)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid utf-8", ErrRejected)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control character %U", ErrRejected, r)
		}
	}
	return nil
}

// Run types every barcode-received event from ch until ctx ends or ch closes.
func (w *Wedge) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Name != events.BarcodeReceived {
				continue
			}
			b, ok := ev.Payload.(events.Barcode)
			if !ok {
				continue
			}
			log := logrus.WithFields(logrus.Fields{"device_id": b.DeviceID, "barcode_len": len(b.Barcode)})
			if err := w.Inject(b.Barcode); err != nil {
				log.WithError(err).Warn("[wedge] barcode not typed")
				continue
			}
			log.Info("[wedge] barcode typed")
		}
	}
}
