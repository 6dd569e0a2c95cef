package mythtv_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythtv"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/testutil/mythfake"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBackend(t *testing.T) *mythfake.Backend {
	t.Helper()
	b, err := mythfake.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func backendOptions(b *mythfake.Backend) mythtv.Options {
	host, port := b.Addr()
	return mythtv.Options{
		Host:       host,
		Port:       port,
		Timeout:    2 * time.Second,
		ClientName: "tester",
		Logger:     quietLogger(),
	}
}

func connect(t *testing.T, b *mythfake.Backend, tweak ...func(*mythtv.Options)) *mythtv.Connection {
	t.Helper()
	opts := backendOptions(b)
	for _, fn := range tweak {
		fn(&opts)
	}
	c, err := mythtv.Connect(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recordingObserver struct {
	mu         sync.Mutex
	recordings int
	schedules  int
	stopped    []uint32
}

func (o *recordingObserver) RecordingsChanged() {
	o.mu.Lock()
	o.recordings++
	o.mu.Unlock()
}

func (o *recordingObserver) SchedulesChanged() {
	o.mu.Lock()
	o.schedules++
	o.mu.Unlock()
}

func (o *recordingObserver) LiveStreamStopped(id uint32) {
	o.mu.Lock()
	o.stopped = append(o.stopped, id)
	o.mu.Unlock()
}

func (o *recordingObserver) counts() (recordings, schedules int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recordings, o.schedules
}

func (o *recordingObserver) stoppedIDs() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]uint32(nil), o.stopped...)
}

type note struct {
	sev ports.Severity
	msg string
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *recordingNotifier) Notify(sev ports.Severity, msg string) {
	n.mu.Lock()
	n.notes = append(n.notes, note{sev, msg})
	n.mu.Unlock()
}

func (n *recordingNotifier) count(sev ports.Severity) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.notes {
		if x.sev == sev {
			c++
		}
	}
	return c
}

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)
