// Package toggle turns key presses into engine toggle and quit requests.
package toggle

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/constants"
	"golang.org/x/term"
)

// Action is a request decoded from the keyboard.
type Action int

const (
	Toggle Action = iota + 1
	Quit
)

func (a Action) String() string {
	switch a {
	case Toggle:
		return "toggle"
	case Quit:
		return "quit"
	default:
		return "unknown"
	}
}

// ErrNotTerminal is returned by MakeRaw when the file is not a terminal.
var ErrNotTerminal = errors.New("not a terminal")

const ctrlC = 0x03

// Keyboard decodes key presses. Space and "t" toggle, as does the
// configured toggle key; "q" and Ctrl-C quit.
type Keyboard struct {
	keys     map[byte]Action
	debounce time.Duration
	now      func() time.Time
	last     time.Time
}

// NewKeyboard creates a decoder with toggleKey as an extra toggle key.
func NewKeyboard(toggleKey string) *Keyboard {
	k := &Keyboard{
		keys: map[byte]Action{
			' ':   Toggle,
			't':   Toggle,
			'T':   Toggle,
			'q':   Quit,
			'Q':   Quit,
			ctrlC: Quit,
		},
		debounce: constants.ToggleDebounce,
		now:      time.Now,
	}
	if len(toggleKey) == 1 {
		k.keys[toggleKey[0]] = Toggle
	}
	return k
}

// Decode maps one byte to an action. Toggles closer together than the
// debounce interval are ignored.
func (k *Keyboard) Decode(b byte) (Action, bool) {
	a, ok := k.keys[b]
	if !ok {
		return 0, false
	}
	if a == Toggle {
		now := k.now()
		if !k.last.IsZero() && now.Sub(k.last) < k.debounce {
			return 0, false
		}
		k.last = now
	}
	return a, true
}

// Run reads in until EOF, an error or ctx is done and delivers decoded
// actions to out. A Quit ends the loop after being delivered.
func (k *Keyboard) Run(ctx context.Context, in io.Reader, out chan<- Action) error {
	buf := make([]byte, 16)
	for {
		n, err := in.Read(buf)
		for _, b := range buf[:n] {
			a, ok := k.Decode(b)
			if !ok {
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return ctx.Err()
			}
			if a == Quit {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// MakeRaw puts the terminal f in raw mode so single key presses are read
// without Enter. The returned function restores the previous mode.
func MakeRaw(f *os.File) (restore func() error, err error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() error { return nil }, ErrNotTerminal
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() error { return nil }, err
	}
	return func() error { return term.Restore(fd, state) }, nil
}

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
