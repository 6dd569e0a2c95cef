package mythtv_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythproto"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythtv"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/testutil/mythfake"
)

type eventFixture struct {
	b     *mythfake.Backend
	c     *mythtv.Connection
	h     *mythtv.EventHandler
	obs   *recordingObserver
	notes *recordingNotifier
}

func newEventFixture(t *testing.T, clock clockwork.Clock, tweak ...func(*mythtv.EventOptions)) *eventFixture {
	t.Helper()
	f := &eventFixture{
		b:     startBackend(t),
		obs:   &recordingObserver{},
		notes: &recordingNotifier{},
	}
	f.c = connect(t, f.b, func(o *mythtv.Options) {
		if clock != nil {
			o.Clock = clock
		}
	})
	opts := mythtv.EventOptions{
		RetryInterval: 20 * time.Millisecond,
		Observer:      f.obs,
		Notifier:      f.notes,
		Logger:        quietLogger(),
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	h, err := f.c.CreateEventHandler(context.Background(), opts)
	require.NoError(t, err)
	f.h = h
	return f
}

func (f *eventFixture) recordings() int {
	n, _ := f.obs.counts()
	return n
}

func (f *eventFixture) schedules() int {
	_, n := f.obs.counts()
	return n
}

func added(chanID uint32, start time.Time) mythproto.RecordingListChangeEvent {
	return mythproto.RecordingListChangeEvent{Kind: domain.ChangeAdd, ChanID: chanID, RecStart: start}
}

func TestEventHandler_CoalescesRecordingChanges(t *testing.T) {
	fc := clockwork.NewFakeClock()
	f := newEventFixture(t, fc)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	start := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	for i := uint32(0); i < 3; i++ {
		require.Equal(t, 1, f.b.PushEvent(added(1000+i, start)))
	}
	require.Eventually(t, func() bool { return f.h.Changes().Len() == 3 }, waitFor, tick)

	// three pending changes wait for the longest interval
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(mythtv.DefaultPollMid)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.recordings())

	fc.Advance(mythtv.DefaultPollMax - mythtv.DefaultPollMid)
	require.Eventually(t, func() bool { return f.recordings() == 1 }, waitFor, tick)

	for i := uint32(0); i < 3; i++ {
		c, ok := f.h.Changes().Pop()
		require.True(t, ok)
		assert.Equal(t, domain.ChangeAdd, c.Kind)
		assert.Equal(t, 1000+i, c.ChanID)
	}
	_, ok := f.h.Changes().Pop()
	assert.False(t, ok)

	// nothing pending: further ticks stay quiet
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(mythtv.DefaultPollMax)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.recordings())
}

func TestEventHandler_SingleChangeUsesMiddleInterval(t *testing.T) {
	fc := clockwork.NewFakeClock()
	f := newEventFixture(t, fc)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.Equal(t, 1, f.b.PushEvent(added(1001, time.Now())))
	require.Eventually(t, func() bool { return f.h.Changes().Len() == 1 }, waitFor, tick)

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(mythtv.DefaultPollMin)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, f.recordings())

	fc.Advance(mythtv.DefaultPollMid - mythtv.DefaultPollMin)
	require.Eventually(t, func() bool { return f.recordings() == 1 }, waitFor, tick)
}

func TestEventHandler_InvalidateNotifiesImmediately(t *testing.T) {
	f := newEventFixture(t, nil, func(o *mythtv.EventOptions) {
		o.PollMin, o.PollMid, o.PollMax = time.Hour, time.Hour, time.Hour
	})

	f.b.PushEvent(added(1001, time.Now()))
	f.b.PushEvent(mythproto.RecordingListChangeEvent{Kind: domain.ChangeInvalidate})
	require.Eventually(t, func() bool { return f.recordings() == 1 }, waitFor, tick)

	require.Equal(t, 2, f.h.Changes().Len())
	first, _ := f.h.Changes().Pop()
	second, _ := f.h.Changes().Pop()
	assert.Equal(t, domain.ChangeAdd, first.Kind)
	assert.Equal(t, domain.ChangeInvalidate, second.Kind)
}

func TestEventHandler_UsesProvidedChangeQueue(t *testing.T) {
	q := mythtv.NewChangeQueue()
	f := newEventFixture(t, nil, func(o *mythtv.EventOptions) { o.Changes = q })
	assert.Same(t, q, f.h.Changes())

	f.b.PushEvent(added(1001, time.Now()))
	require.Eventually(t, func() bool { return q.Len() == 1 }, waitFor, tick)
}

func TestEventHandler_ScheduleAndSignal(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := newEventFixture(t, fc)

	assert.Equal(t, domain.SignalStatus{}, f.h.Signal())

	f.b.PushEvent(mythproto.SignalEvent{CardID: 3, Status: domain.SignalStatus{
		Lock: true, Signal: 80, SNR: 30, BER: 12, UNC: 1, AdapterStatus: "locked",
	}})
	f.b.PushEvent(mythproto.UnknownEvent{Message: "SOMETHING_NEW 1 2"})
	f.b.PushEvent(mythproto.ScheduleChangeEvent{})
	require.Eventually(t, func() bool { return f.schedules() == 1 }, waitFor, tick)

	s := f.h.Signal()
	assert.Equal(t, uint32(3), s.AdapterID)
	assert.True(t, s.Lock)
	assert.Equal(t, 80, s.Signal)
	assert.Equal(t, 30, s.SNR)
	assert.Equal(t, int64(12), s.BER)
	assert.Equal(t, "locked", s.AdapterStatus)
	assert.Equal(t, fc.Now(), s.Updated)
	assert.Zero(t, f.recordings())
}

func TestEventHandler_ReconnectsAfterConnectionLoss(t *testing.T) {
	f := newEventFixture(t, nil)
	require.True(t, f.h.IsConnected())

	f.b.DropMonitors()

	require.Eventually(t, func() bool {
		return f.notes.count(ports.SeverityInfo) == 1 && f.h.IsConnected() && f.b.Monitors() == 1
	}, waitFor, tick)
	assert.Equal(t, 1, f.notes.count(ports.SeverityError))
	require.Eventually(t, func() bool { return f.recordings() == 1 }, waitFor, tick)

	c, ok := f.h.Changes().Pop()
	require.True(t, ok)
	assert.Equal(t, domain.ChangeInvalidate, c.Kind)

	// the new connection delivers events again
	f.b.PushEvent(mythproto.ScheduleChangeEvent{})
	require.Eventually(t, func() bool { return f.schedules() == 1 }, waitFor, tick)
}

func TestEventHandler_CloseEventReconnects(t *testing.T) {
	f := newEventFixture(t, nil)
	before := f.b.Accepted()

	f.b.PushEvent(mythproto.CloseEvent{})
	require.Eventually(t, func() bool { return f.notes.count(ports.SeverityInfo) == 1 }, waitFor, tick)
	assert.Equal(t, before+1, f.b.Accepted())
	require.Eventually(t, func() bool { return f.b.Monitors() == 1 }, waitFor, tick)
}

func TestEventHandler_RetriesUntilBackendReturns(t *testing.T) {
	f := newEventFixture(t, nil)
	before := f.b.Accepted()

	f.b.SetRefuse(true)
	f.b.DropMonitors()
	require.Eventually(t, func() bool { return f.b.Accepted() >= before+3 }, waitFor, tick)
	assert.False(t, f.h.IsConnected())
	assert.Zero(t, f.notes.count(ports.SeverityInfo))

	f.b.SetRefuse(false)
	require.Eventually(t, func() bool { return f.h.IsConnected() }, waitFor, tick)
	assert.Equal(t, 1, f.notes.count(ports.SeverityError))
	assert.Equal(t, 1, f.notes.count(ports.SeverityInfo))
	require.Eventually(t, func() bool { return f.recordings() == 1 }, waitFor, tick)
}

func TestEventHandler_StartsWhileBackendDown(t *testing.T) {
	b := startBackend(t)
	c := connect(t, b)
	b.SetRefuse(true)

	notes := &recordingNotifier{}
	h, err := c.CreateEventHandler(context.Background(), mythtv.EventOptions{
		RetryInterval: 20 * time.Millisecond,
		Notifier:      notes,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	assert.True(t, h.Running())
	assert.False(t, h.IsConnected())

	b.SetRefuse(false)
	require.Eventually(t, h.IsConnected, waitFor, tick)
	assert.Equal(t, 1, notes.count(ports.SeverityInfo))
}

func TestEventHandler_SuspendResume(t *testing.T) {
	f := newEventFixture(t, nil)
	require.True(t, f.h.Running())

	f.h.Suspend()
	f.h.Suspend()
	assert.False(t, f.h.Running())
	assert.False(t, f.h.IsConnected())
	require.Eventually(t, func() bool { return f.b.Monitors() == 0 }, waitFor, tick)

	// events sent while suspended are never seen
	f.b.PushEvent(mythproto.ScheduleChangeEvent{})
	assert.Zero(t, f.schedules())

	require.NoError(t, f.h.Resume(context.Background()))
	require.NoError(t, f.h.Resume(context.Background()))
	assert.True(t, f.h.Running())
	require.Eventually(t, func() bool { return f.h.IsConnected() && f.b.Monitors() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.recordings() == 1 }, waitFor, tick)

	c, ok := f.h.Changes().Pop()
	require.True(t, ok)
	assert.Equal(t, domain.ChangeInvalidate, c.Kind)
}

func TestEventHandler_ReplacedHandlerStops(t *testing.T) {
	f := newEventFixture(t, nil)
	old := f.h

	h, err := f.c.CreateEventHandler(context.Background(), mythtv.EventOptions{Logger: quietLogger()})
	require.NoError(t, err)
	assert.Same(t, h, f.c.EventHandler())
	assert.False(t, old.Running())
	require.Eventually(t, func() bool { return f.b.Monitors() == 1 }, waitFor, tick)
}

func TestEventHandler_ControlReconnectResyncsEvents(t *testing.T) {
	f := newEventFixture(t, nil)
	mythfake.NewStore(f.b)
	before := f.b.Accepted()

	f.b.DropPlayback()
	_, err := f.c.DriveSpace(context.Background())
	require.NoError(t, err)

	// one control socket and one monitor socket
	assert.Equal(t, before+2, f.b.Accepted())
	require.Eventually(t, func() bool { return f.b.Monitors() == 1 && f.h.IsConnected() }, waitFor, tick)
	f.b.PushEvent(mythproto.ScheduleChangeEvent{})
	require.Eventually(t, func() bool { return f.schedules() == 1 }, waitFor, tick)
}

func TestEventHandler_AskRecordingStopsLiveTV(t *testing.T) {
	notes := &recordingNotifier{}
	f := newLiveFixture(t, func(o *mythtv.EventOptions) { o.Notifier = notes })
	ctx := context.Background()
	rec := f.c.Recorder(1)
	require.NoError(t, rec.SpawnLiveTV(ctx, domain.Channel{ChanNum: "5"}))

	f.b.PushEvent(mythproto.AskRecordingEvent{
		CardID:       1,
		TimeUntil:    30,
		HasRecording: true,
		Program:      recording(1005, time.Now().UTC().Truncate(time.Second), "News"),
	})
	require.Eventually(t, func() bool { return len(f.obs.stoppedIDs()) == 1 }, waitFor, tick)

	assert.Equal(t, []uint32{1}, f.obs.stoppedIDs())
	assert.Equal(t, 1, f.lr.Stopped())
	assert.Zero(t, f.lr.Cancelled())
	assert.False(t, rec.IsLive())
	assert.Equal(t, 1, notes.count(ports.SeverityWarning))
}

func TestEventHandler_AskRecordingCancelsRecording(t *testing.T) {
	f := newLiveFixture(t, func(o *mythtv.EventOptions) { o.ConflictPolicy = mythtv.ConflictCancelRecording })
	ctx := context.Background()
	rec := f.c.Recorder(1)
	require.NoError(t, rec.SpawnLiveTV(ctx, domain.Channel{ChanNum: "5"}))

	f.b.PushEvent(mythproto.AskRecordingEvent{CardID: 1, TimeUntil: 30, HasRecording: true})
	require.Eventually(t, func() bool { return f.lr.Cancelled() == 1 }, waitFor, tick)

	assert.True(t, rec.IsLive())
	assert.Zero(t, f.lr.Stopped())
	assert.Empty(t, f.obs.stoppedIDs())
	require.NoError(t, rec.Stop(ctx))
}

func TestEventHandler_AskRecordingIgnoresIdleRecorder(t *testing.T) {
	f := newLiveFixture(t)

	f.b.PushEvent(mythproto.AskRecordingEvent{CardID: 1, TimeUntil: 30, HasRecording: true})
	f.barrier(t)

	assert.Empty(t, f.obs.stoppedIDs())
	assert.Zero(t, f.lr.Stopped())
	assert.Zero(t, f.lr.Cancelled())
}

func TestParseConflictPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    mythtv.ConflictPolicy
		wantErr bool
	}{
		{"", mythtv.ConflictStopLiveTV, false},
		{"stop_livetv", mythtv.ConflictStopLiveTV, false},
		{" Cancel_Recording ", mythtv.ConflictCancelRecording, false},
		{"ignore", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := mythtv.ParseConflictPolicy(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) mythtv.ConflictPolicy {
	t.Helper()
	p, err := mythtv.ParseConflictPolicy(s)
	require.NoError(t, err)
	return p
}
