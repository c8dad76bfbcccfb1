package toggle

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyboard_Decode(t *testing.T) {
	k := NewKeyboard("x")
	clock := time.Unix(0, 0)
	k.now = func() time.Time { return clock }

	a, ok := k.Decode('t')
	require.True(t, ok)
	assert.Equal(t, Toggle, a)

	// within the debounce interval
	clock = clock.Add(10 * time.Millisecond)
	_, ok = k.Decode(' ')
	assert.False(t, ok)

	clock = clock.Add(time.Second)
	a, ok = k.Decode('x')
	require.True(t, ok)
	assert.Equal(t, Toggle, a)

	a, ok = k.Decode('q')
	require.True(t, ok)
	assert.Equal(t, Quit, a)

	a, ok = k.Decode(0x03)
	require.True(t, ok)
	assert.Equal(t, Quit, a)

	_, ok = k.Decode('\n')
	assert.False(t, ok)
	_, ok = k.Decode('z')
	assert.False(t, ok)
}

func TestKeyboard_RunLineInput(t *testing.T) {
	k := NewKeyboard("")
	k.debounce = 0

	out := make(chan Action, 10)
	err := k.Run(context.Background(), strings.NewReader("t\nt\nhello\nq\nt\n"), out)
	require.NoError(t, err)
	close(out)

	var got []Action
	for a := range out {
		got = append(got, a)
	}
	// "hello" holds no toggle key; input after quit is ignored
	assert.Equal(t, []Action{Toggle, Toggle, Quit}, got)
}

func TestKeyboard_RunEOF(t *testing.T) {
	out := make(chan Action, 1)
	assert.NoError(t, NewKeyboard("").Run(context.Background(), strings.NewReader(""), out))
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("read /dev/tty: input/output error")
}

func TestKeyboard_RunReadError(t *testing.T) {
	out := make(chan Action, 1)
	assert.Error(t, NewKeyboard("").Run(context.Background(), errReader{}, out))
}

func TestKeyboard_RunCancelledWhileDelivering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Action) // nobody reads
	err := NewKeyboard("").Run(ctx, strings.NewReader("t"), out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMakeRaw_NotTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, IsTerminal(f))
	restore, err := MakeRaw(f)
	assert.ErrorIs(t, err, ErrNotTerminal)
	assert.NoError(t, restore())
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "toggle", Toggle.String())
	assert.Equal(t, "quit", Quit.String())
	assert.Equal(t, "unknown", Action(0).String())
}
