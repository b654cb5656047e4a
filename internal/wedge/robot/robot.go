// internal/wedge/robot/robot.go
package robot

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-vgo/robotgo"
	"github.com/sirupsen/logrus"
)

// Typist drives the desktop keyboard through robotgo.
type Typist struct {
	// RuneDelay paces the per-rune fallback.
	RuneDelay time.Duration

	writeAll func(text string) error
	keyTap   func(key string, args ...interface{}) error
	typeStr  func(s string)
	sleep    func(time.Duration)
}

func New() *Typist {
	return &Typist{
		RuneDelay: 30 * time.Millisecond,
		writeAll:  robotgo.WriteAll,
		keyTap:    robotgo.KeyTap,
		typeStr:   func(s string) { robotgo.TypeStr(s) },
		sleep:     time.Sleep,
	}
}

// Type pastes text through the clipboard, falling back to slow per-rune
// typing when the clipboard is unavailable.
func (t *Typist) Type(text string) error {
	if err := t.writeAll(text); err == nil {
		t.sleep(50 * time.Millisecond)
		if err := t.keyTap("v", pasteModifier()); err != nil {
			return fmt.Errorf("paste: %w", err)
		}
		return nil
	}

	logrus.Warn("[wedge] clipboard write failed, using slow fallback")
	for _, r := range text {
		t.typeStr(string(r))
		t.sleep(t.RuneDelay)
	}
	return nil
}

func (t *Typist) PressEnter() error {
	t.sleep(20 * time.Millisecond)
	if err := t.keyTap("enter"); err != nil {
		return fmt.Errorf("enter: %w", err)
	}
	return nil
}

func pasteModifier() string {
	if runtime.GOOS == "darwin" {
		return "cmd"
	}
	return "ctrl"
}
