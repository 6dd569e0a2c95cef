package mythtv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/jonboulle/clockwork"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythproto"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/metrics"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/syncutil"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// Event loop timing defaults.
const (
	DefaultPollMin       = 100 * time.Millisecond
	DefaultPollMid       = 500 * time.Millisecond
	DefaultPollMax       = 2 * time.Second
	DefaultRetryInterval = time.Second
)

// ConflictPolicy decides what happens when a scheduled recording needs the
// recorder that is showing live TV.
type ConflictPolicy int

const (
	ConflictStopLiveTV ConflictPolicy = iota
	ConflictCancelRecording
)

func (p ConflictPolicy) String() string {
	if p == ConflictCancelRecording {
		return "cancel_recording"
	}
	return "stop_livetv"
}

// ParseConflictPolicy parses the configuration spelling of a policy.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stop_livetv":
		return ConflictStopLiveTV, nil
	case "cancel_recording":
		return ConflictCancelRecording, nil
	default:
		return 0, fmt.Errorf("conflict policy %q: %w", s, domain.ErrInvalidArgument)
	}
}

// EventOptions configures an EventHandler. Zero durations take the defaults.
type EventOptions struct {
	PollMin       time.Duration
	PollMid       time.Duration
	PollMax       time.Duration
	RetryInterval time.Duration

	ConflictPolicy ConflictPolicy

	Observer  ports.EventObserver
	Notifier  ports.Notifier
	WakeOnLAN *WakeOnLAN

	// Changes receives recording-list changes; nil creates a new queue.
	Changes *ChangeQueue

	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Collector
}

func (o EventOptions) withDefaults() EventOptions {
	if o.PollMin <= 0 {
		o.PollMin = DefaultPollMin
	}
	if o.PollMid <= 0 {
		o.PollMid = DefaultPollMid
	}
	if o.PollMax <= 0 {
		o.PollMax = DefaultPollMax
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Changes == nil {
		o.Changes = NewChangeQueue()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

type nopObserver struct{}

func (nopObserver) RecordingsChanged()       {}
func (nopObserver) SchedulesChanged()        {}
func (nopObserver) LiveStreamStopped(uint32) {}

type lengthUpdater interface {
	UpdateLength(n int64)
}

// sizeListener is the file UPDATE_FILE_SIZE events are applied to.
type sizeListener struct {
	uid        string
	recordedID uint32
	target     lengthUpdater
	owner      *Recorder
}

type chainSegment struct {
	chain *LiveChain
	uid   string
}

func (s chainSegment) UpdateLength(n int64) { s.chain.UpdateLength(s.uid, n) }

type eventMsg struct {
	gen uint64
	ev  mythproto.Event
	err error
}

// EventHandler owns the monitor connection and the goroutine that reacts
// to backend events. Handlers run one at a time in arrival order.
type EventHandler struct {
	c       *Connection
	opts    EventOptions
	log     *slog.Logger
	clock   clockwork.Clock
	metrics *metrics.Collector
	queue   *ChangeQueue
	signal  atomic.Pointer[domain.SignalStatus]

	mu        syncutil.Mutex
	conn      *mythproto.Conn
	gen       uint64
	msgs      chan eventMsg
	quit      <-chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	recorders map[uint32]*Recorder
	listener  sizeListener

	readers sync.WaitGroup

	// pending counts recording-list changes not yet announced; -1 forces an
	// announcement on the next iteration. Only the loop goroutine uses it.
	pending int
}

func newEventHandler(c *Connection, opts EventOptions) *EventHandler {
	opts = opts.withDefaults()
	return &EventHandler{
		c:         c,
		opts:      opts,
		log:       opts.Logger.With(slog.String("component", "events"), slog.String("backend", c.opts.Addr())),
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		queue:     opts.Changes,
		recorders: make(map[uint32]*Recorder),
	}
}

// Changes is the queue of recording-list changes fed by the loop.
func (h *EventHandler) Changes() *ChangeQueue { return h.queue }

// Signal returns the latest signal report.
func (h *EventHandler) Signal() domain.SignalStatus {
	if s := h.signal.Load(); s != nil {
		return *s
	}
	return domain.SignalStatus{}
}

// Running reports whether the loop goroutine is active.
func (h *EventHandler) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancel != nil
}

// IsConnected reports whether the monitor socket is usable.
func (h *EventHandler) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil && !h.conn.Hung()
}

// Start connects the monitor socket and starts the loop. When the backend
// cannot be reached the loop starts anyway and keeps retrying.
func (h *EventHandler) Start(ctx context.Context) error {
	return h.start(ctx, true)
}

// Resume restarts a suspended loop. It always reconnects from scratch, which
// also invalidates the recording list.
func (h *EventHandler) Resume(ctx context.Context) error {
	return h.start(ctx, false)
}

func (h *EventHandler) start(ctx context.Context, dial bool) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	h.msgs = make(chan eventMsg)
	h.quit = runCtx.Done()
	done, msgs := h.done, h.msgs
	h.mu.Unlock()

	if dial {
		conn, err := h.c.dialMonitor(ctx)
		if err != nil {
			h.log.Warn("event connection unavailable", slog.Any("error", err))
		} else {
			h.install(conn)
		}
	}
	h.pending = 0
	go h.run(runCtx, done, msgs)
	return nil
}

// Suspend stops the loop and closes the monitor socket.
func (h *EventHandler) Suspend() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	h.closeConn()
	<-done
	// the loop may have installed a connection while shutting down
	h.closeConn()
	h.readers.Wait()
	h.metrics.SetConnected("events", false)
	h.log.Debug("event loop suspended")
}

// Stop ends the loop and forgets registered recorders and listeners.
func (h *EventHandler) Stop() {
	h.Suspend()
	h.mu.Lock()
	h.recorders = make(map[uint32]*Recorder)
	h.listener = sizeListener{}
	h.mu.Unlock()
}

// Resync replaces the monitor socket without involving the loop.
func (h *EventHandler) Resync(ctx context.Context) error {
	if !h.Running() {
		return nil
	}
	conn, err := h.c.dialMonitor(ctx)
	h.metrics.Reconnect("events", err)
	if err != nil {
		return err
	}
	h.install(conn)
	return nil
}

// RegisterRecorder routes live-TV events for r to it.
func (h *EventHandler) RegisterRecorder(r *Recorder) {
	h.mu.Lock()
	h.recorders[r.ID()] = r
	h.mu.Unlock()
}

// UnregisterRecorder stops routing events to r and drops its listener.
func (h *EventHandler) UnregisterRecorder(r *Recorder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recorders[r.ID()] == r {
		delete(h.recorders, r.ID())
	}
	if h.listener.owner == r {
		h.listener = sizeListener{}
	}
}

// SetFileListener makes f receive the size updates for its recording.
func (h *EventHandler) SetFileListener(f *File) {
	h.mu.Lock()
	h.listener = sizeListener{uid: f.UID(), recordedID: f.RecordedID(), target: f}
	h.mu.Unlock()
}

// ClearFileListener drops the current size listener.
func (h *EventHandler) ClearFileListener() {
	h.mu.Lock()
	h.listener = sizeListener{}
	h.mu.Unlock()
}

// ListenerUID is the UID of the file receiving size updates, or "".
func (h *EventHandler) ListenerUID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listener.uid
}

// install makes conn the monitor socket and starts its reader.
func (h *EventHandler) install(conn *mythproto.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		_ = conn.Close()
		return
	}
	if h.conn != nil {
		_ = h.conn.Close()
	}
	h.conn = conn
	h.gen++
	h.readers.Add(1)
	go h.read(conn, h.gen, h.msgs, h.quit)
	h.metrics.SetConnected("events", true)
}

func (h *EventHandler) closeConn() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return
	}
	_ = h.conn.Close()
	h.conn = nil
	h.gen++
}

func (h *EventHandler) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn != nil && gen == h.gen
}

func (h *EventHandler) hung() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn == nil || h.conn.Hung()
}

func (h *EventHandler) read(conn *mythproto.Conn, gen uint64, msgs chan<- eventMsg, quit <-chan struct{}) {
	defer h.readers.Done()
	for {
		var m eventMsg
		r, err := conn.WaitMessage()
		if err != nil {
			m = eventMsg{gen: gen, err: err}
		} else {
			ev, derr := mythproto.DecodeEvent(r)
			if derr != nil {
				h.log.Warn("undecodable event", slog.Any("error", derr))
				continue
			}
			m = eventMsg{gen: gen, ev: ev}
		}
		select {
		case msgs <- m:
		case <-quit:
			return
		}
		if err != nil {
			return
		}
	}
}

func (h *EventHandler) pollTimeout() time.Duration {
	switch {
	case h.pending <= 0:
		return h.opts.PollMin
	case h.pending == 1:
		return h.opts.PollMid
	default:
		return h.opts.PollMax
	}
}

func (h *EventHandler) run(ctx context.Context, done chan<- struct{}, msgs <-chan eventMsg) {
	defer close(done)

	if h.hung() && !h.retryConnect(ctx) {
		return
	}
	for {
		if h.pending < 0 {
			h.notifyRecordings()
		}
		timer := h.clock.NewTimer(h.pollTimeout())
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case m := <-msgs:
			timer.Stop()
			if !h.current(m.gen) {
				continue
			}
			if m.err != nil {
				h.log.Warn("event connection lost", slog.Any("error", m.err))
				if !h.retryConnect(ctx) {
					return
				}
				continue
			}
			h.dispatch(ctx, m.ev)

		case <-timer.Chan():
			if h.pending > 0 {
				h.notifyRecordings()
			}
			if h.hung() && !h.retryConnect(ctx) {
				return
			}
		}
	}
}

func (h *EventHandler) notifyRecordings() {
	h.pending = 0
	h.opts.Observer.RecordingsChanged()
	h.metrics.Notification("recordings")
}

func (h *EventHandler) notify(sev ports.Severity, msg string) {
	if h.opts.Notifier != nil {
		h.opts.Notifier.Notify(sev, msg)
	}
}

// retryConnect replaces the monitor socket, retrying once per interval
// until it succeeds or ctx ends. Success queues a full invalidate.
func (h *EventHandler) retryConnect(ctx context.Context) bool {
	h.closeConn()
	h.metrics.SetConnected("events", false)
	if ctx.Err() != nil {
		return false
	}
	h.notify(ports.SeverityError, fmt.Sprintf("MythTV backend %s unavailable", h.c.opts.Addr()))

	policy := retrypolicy.NewBuilder[*mythproto.Conn]().
		WithDelay(h.opts.RetryInterval).
		WithMaxRetries(-1).
		OnRetry(func(e failsafe.ExecutionEvent[*mythproto.Conn]) {
			h.log.Debug("event reconnect failed",
				slog.Int("attempt", e.Attempts()),
				slog.Any("error", e.LastError()))
		}).
		Build()

	conn, err := failsafe.With(policy).WithContext(ctx).Get(func() (*mythproto.Conn, error) {
		if h.opts.WakeOnLAN != nil {
			if err := h.opts.WakeOnLAN.Send(ctx); err != nil {
				h.log.Debug("wake-on-lan", slog.Any("error", err))
			}
		}
		conn, err := h.c.dialMonitor(ctx)
		h.metrics.Reconnect("events", err)
		return conn, err
	})
	if err != nil {
		return false
	}
	h.install(conn)
	h.log.Info("event connection restored")
	h.notify(ports.SeverityInfo, fmt.Sprintf("MythTV backend %s available", h.c.opts.Addr()))

	h.queue.Push(domain.RecordingChange{Kind: domain.ChangeInvalidate})
	h.pending = -1
	return true
}

func (h *EventHandler) recorder(id uint32) *Recorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recorders[id]
}

func (h *EventHandler) liveRecorders() []*Recorder {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Recorder, 0, len(h.recorders))
	for _, r := range h.recorders {
		out = append(out, r)
	}
	return out
}

func (h *EventHandler) dispatch(ctx context.Context, ev mythproto.Event) {
	name := mythproto.EventName(ev)
	h.metrics.Event(name)
	h.log.Debug("event", slog.String("event", name))

	switch e := ev.(type) {
	case mythproto.CloseEvent:
		h.log.Info("backend closed the event connection")
		h.retryConnect(ctx)

	case mythproto.RecordingListChangeEvent:
		h.queue.Push(domain.RecordingChange{
			Kind:     e.Kind,
			ChanID:   e.ChanID,
			RecStart: e.RecStart,
			Program:  e.Program,
		})
		if e.Kind == domain.ChangeInvalidate {
			h.pending = -1
		} else if h.pending >= 0 {
			h.pending++
		}

	case mythproto.ScheduleChangeEvent:
		h.opts.Observer.SchedulesChanged()
		h.metrics.Notification("schedules")

	case mythproto.LiveTVChainUpdateEvent:
		for _, rec := range h.liveRecorders() {
			if rec.HandleChainUpdate(ctx, e.ChainID) {
				h.refreshListener(rec)
			}
		}

	case mythproto.DoneRecordingEvent:
		if rec := h.recorder(e.CardID); rec != nil {
			rec.HandleDoneRecording(ctx)
			h.refreshListener(rec)
		}

	case mythproto.LiveTVWatchEvent:
		if rec := h.recorder(e.CardID); rec != nil {
			rec.HandleLiveTVWatch(e.Watching)
		}

	case mythproto.AskRecordingEvent:
		h.askRecording(ctx, e)

	case mythproto.SignalEvent:
		s := e.Status
		if s.AdapterID == 0 {
			s.AdapterID = e.CardID
		}
		s.Updated = h.clock.Now()
		h.signal.Store(&s)

	case mythproto.UpdateFileSizeEvent:
		h.updateFileSize(e)

	case mythproto.UnknownEvent:
		h.log.Debug("ignoring unknown event", slog.String("message", e.Message))
	}
}

// refreshListener points the size listener at the newest segment of rec's
// chain when a segment boundary has passed.
func (h *EventHandler) refreshListener(rec *Recorder) {
	chain := rec.Chain()
	if chain == nil {
		return
	}
	p, ok := chain.Last()
	if !ok {
		return
	}
	uid := p.UID()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener.uid == uid {
		return
	}
	h.listener = sizeListener{
		uid:        uid,
		recordedID: p.RecordedID,
		target:     chainSegment{chain: chain, uid: uid},
		owner:      rec,
	}
	h.metrics.ListenerSwitch()
	h.log.Debug("size listener switched", slog.String("uid", uid), slog.String("chain", chain.ID()))
}

func (h *EventHandler) updateFileSize(e mythproto.UpdateFileSizeEvent) {
	h.mu.Lock()
	l := h.listener
	h.mu.Unlock()
	if l.target == nil {
		return
	}
	var match bool
	if e.RecordedID != 0 {
		match = e.RecordedID == l.recordedID
	} else {
		match = e.UID() == l.uid
	}
	if match {
		l.target.UpdateLength(e.Size)
	}
}

func (h *EventHandler) askRecording(ctx context.Context, e mythproto.AskRecordingEvent) {
	rec := h.recorder(e.CardID)
	if rec == nil || !rec.IsLive() {
		return
	}
	title := "a scheduled recording"
	if e.Program != nil && e.Program.Title != "" {
		title = fmt.Sprintf("%q", e.Program.Title)
	}
	h.notify(ports.SeverityWarning,
		fmt.Sprintf("Recorder %d is needed for %s in %d seconds", e.CardID, title, e.TimeUntil))
	h.log.Warn("recording conflict with live tv",
		slog.Uint64("recorder", uint64(e.CardID)),
		slog.String("policy", h.opts.ConflictPolicy.String()))

	switch h.opts.ConflictPolicy {
	case ConflictCancelRecording:
		if err := rec.CancelNextRecording(ctx, true); err != nil {
			h.log.Error("cancel next recording", slog.Any("error", err))
		}
	default:
		if err := rec.Stop(ctx); err != nil {
			h.log.Error("stop live tv", slog.Any("error", err))
		}
		h.opts.Observer.LiveStreamStopped(rec.ID())
		h.metrics.Notification("livetv_stopped")
	}
}
