package run

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/endorses/lagswitch/internal/pkg/cmdutil"
	"github.com/endorses/lagswitch/internal/pkg/intercept"
	"github.com/endorses/lagswitch/internal/pkg/toggle"
	"github.com/fsnotify/fsnotify"
	"github.com/google/gopacket/layers"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu        sync.Mutex
	active    bool
	latency   time.Duration
	toggles   int
	toggleErr error
	setErr    error
}

func (f *fakeEngine) Toggle() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles++
	if f.toggleErr != nil {
		return f.toggleErr
	}
	f.active = !f.active
	return nil
}

func (f *fakeEngine) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeEngine) Latency() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latency
}

func (f *fakeEngine) SetLatency(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.latency = d
	return nil
}

func TestPromptMissing(t *testing.T) {
	s := settings{}
	var out bytes.Buffer
	err := promptMissing(&s, strings.NewReader("abc\n0\n27015\n250\n"), &out, true)
	require.NoError(t, err)

	assert.Equal(t, 27015, s.Spec.LocalPort)
	assert.Equal(t, 250, s.LatencyMs)
	assert.Equal(t, 250*time.Millisecond, s.latency())
	assert.Contains(t, out.String(), "Please enter an integer.")
	assert.Contains(t, out.String(), "Please enter a number that's greater than 0.")
}

func TestPromptMissing_RemoteAddrIsEnough(t *testing.T) {
	s := settings{Spec: intercept.FilterSpec{RemoteAddr: "203.0.113.7"}, LatencyMs: 100}
	var out bytes.Buffer
	require.NoError(t, promptMissing(&s, strings.NewReader(""), &out, true))
	assert.Empty(t, out.String())
}

func TestPromptMissing_NonInteractive(t *testing.T) {
	var out bytes.Buffer

	s := settings{LatencyMs: 100}
	err := promptMissing(&s, strings.NewReader("27015\n"), &out, false)
	assert.ErrorContains(t, err, "--port")

	s = settings{Spec: intercept.FilterSpec{LocalPort: 1}}
	err = promptMissing(&s, strings.NewReader("100\n"), &out, false)
	assert.ErrorContains(t, err, "--latency")
	assert.Empty(t, out.String())
}

func TestPromptMissing_InputEnds(t *testing.T) {
	s := settings{}
	var out bytes.Buffer
	err := promptMissing(&s, strings.NewReader("27015\n"), &out, true)
	assert.ErrorIs(t, err, cmdutil.ErrNoInput)
	assert.Equal(t, 27015, s.Spec.LocalPort)
}

func TestNewSource(t *testing.T) {
	src, link, err := newSource(backendConfig{Name: BackendNFQueue, QueueNum: 3, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "nfqueue", src.Name())
	assert.Equal(t, layers.LinkTypeRaw, link)

	src, link, err = newSource(backendConfig{Name: BackendPcap, Interface: "eth0", PcapBufferSize: "4M"})
	require.NoError(t, err)
	assert.Equal(t, "pcap", src.Name())
	assert.Equal(t, layers.LinkTypeEthernet, link)
}

func TestNewSource_Errors(t *testing.T) {
	_, _, err := newSource(backendConfig{Name: "windivert"})
	assert.ErrorContains(t, err, "unknown backend")

	_, _, err = newSource(backendConfig{Name: BackendNFQueue, QueueNum: 70000})
	assert.ErrorContains(t, err, "out of range")

	_, _, err = newSource(backendConfig{Name: BackendPcap, Interface: "eth0", PcapBufferSize: "lots"})
	assert.ErrorContains(t, err, "invalid pcap buffer size")
}

func TestControlLoop(t *testing.T) {
	eng := &fakeEngine{latency: 200 * time.Millisecond}
	actions := make(chan toggle.Action, 4)
	var status bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	actions <- toggle.Toggle
	actions <- toggle.Toggle
	actions <- toggle.Quit

	done := make(chan struct{})
	go func() {
		controlLoop(ctx, eng, actions, cancel, &status)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("control loop did not stop on quit")
	}

	assert.Error(t, ctx.Err(), "quit should cancel the run")
	assert.Equal(t, 2, eng.toggles)
	assert.False(t, eng.IsActive())
	assert.Equal(t, "Lag switch ON (200ms)\r\nLag switch OFF\r\n", status.String())
}

func TestControlLoop_ToggleError(t *testing.T) {
	eng := &fakeEngine{toggleErr: errors.New("access denied")}
	actions := make(chan toggle.Action, 2)
	var status bytes.Buffer

	ctx, cancel := context.WithCancel(context.Background())
	actions <- toggle.Toggle
	actions <- toggle.Quit
	controlLoop(ctx, eng, actions, cancel, &status)

	assert.Contains(t, status.String(), "Toggle failed: access denied")
}

func TestControlLoop_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	controlLoop(ctx, &fakeEngine{}, make(chan toggle.Action), func() {}, &bytes.Buffer{})
}

func TestLatencyReloader(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	eng := &fakeEngine{latency: 100 * time.Millisecond}
	r := newLatencyReloader(eng, 100)
	ev := fsnotify.Event{Name: "config.yaml", Op: fsnotify.Write}

	viper.Set("latency_ms", 100)
	r.OnConfigChange(ev)
	assert.Equal(t, 100*time.Millisecond, eng.Latency())

	viper.Set("latency_ms", 350)
	r.OnConfigChange(ev)
	assert.Equal(t, 350*time.Millisecond, eng.Latency())

	viper.Set("latency_ms", -5)
	r.OnConfigChange(ev)
	assert.Equal(t, 350*time.Millisecond, eng.Latency())

	eng.setErr = errors.New("invalid latency")
	viper.Set("latency_ms", 400)
	r.OnConfigChange(ev)
	assert.Equal(t, 350*time.Millisecond, eng.Latency())

	eng.setErr = nil
	r.OnConfigChange(ev)
	assert.Equal(t, 400*time.Millisecond, eng.Latency())
}

func TestCRLFWriter(t *testing.T) {
	var buf bytes.Buffer
	n, err := crlfWriter{w: &buf}.Write([]byte("a\nb\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "a\r\nb\r\n", buf.String())
}
