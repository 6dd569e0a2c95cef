package mythtv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythproto"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/syncutil"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// Free-input lists carry a live-TV order column from this version on.
const freeInputOrderSince = 71

var _ ports.Tuner = (*Recorder)(nil)

// Recorder is the handle of one backend recorder. Control requests share
// the Connection's socket; the live stream reads over its own sockets.
type Recorder struct {
	c     *Connection
	id    uint32
	log   *slog.Logger
	clock clockwork.Clock

	mu       syncutil.Mutex
	chain    *LiveChain
	updated  chan struct{}
	blocked  bool
	deferred bool // a chain update arrived while blocked
	watching bool
}

func newRecorder(c *Connection, id uint32) *Recorder {
	return &Recorder{
		c:     c,
		id:    id,
		log:   c.opts.Logger.With(slog.String("component", "recorder"), slog.Uint64("recorder", uint64(id))),
		clock: c.opts.Clock,
	}
}

// ID is the backend's recorder number.
func (r *Recorder) ID() uint32 { return r.id }

func (r *Recorder) query(ctx context.Context, op string, parse func(*mythproto.Reader) error, args ...string) error {
	tokens := append([]string{"QUERY_RECORDER " + strconv.FormatUint(uint64(r.id), 10), op}, args...)
	return r.c.request(ctx, "QUERY_RECORDER "+op, parse, tokens...)
}

func expectOK(rd *mythproto.Reader) error { return rd.Expect("OK") }

// IsRecording reports whether the recorder is busy recording.
func (r *Recorder) IsRecording(ctx context.Context) (bool, error) {
	var busy bool
	err := r.query(ctx, "IS_RECORDING", func(rd *mythproto.Reader) error {
		v, err := rd.Bool()
		busy = v
		return err
	})
	return busy, err
}

// CancelNextRecording tells the recorder to skip (or, with cancel false,
// to keep) the recording it is about to start.
func (r *Recorder) CancelNextRecording(ctx context.Context, cancel bool) error {
	arg := "0"
	if cancel {
		arg = "1"
	}
	return r.query(ctx, "CANCEL_NEXT_RECORDING", expectOK, arg)
}

// CurrentProgram returns what the recorder is recording now.
func (r *Recorder) CurrentProgram(ctx context.Context) (*domain.Program, error) {
	var p *domain.Program
	err := r.query(ctx, "GET_CURRENT_RECORDING", func(rd *mythproto.Reader) error {
		var err error
		p, err = mythproto.DecodeProgram(rd)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.ChanID == 0 && p.Pathname == "" {
		return nil, fmt.Errorf("recorder %d current recording: %w", r.id, domain.ErrNotFound)
	}
	return p, nil
}

// FreeInputs lists the recorder's inputs that are not in use.
func (r *Recorder) FreeInputs(ctx context.Context) ([]domain.FreeInput, error) {
	var inputs []domain.FreeInput
	err := r.query(ctx, "GET_FREE_INPUTS", func(rd *mythproto.Reader) error {
		first, err := rd.Token()
		if err != nil {
			return err
		}
		if first == "EMPTY_LIST" || (first == "" && !rd.More()) {
			return nil
		}
		withOrder := rd.Version() >= freeInputOrderSince
		name := first
		for {
			in := domain.FreeInput{Name: name}
			if in.SourceID, err = rd.Uint32(); err != nil {
				return err
			}
			if in.InputID, err = rd.Uint32(); err != nil {
				return err
			}
			if in.CardID, err = rd.Uint32(); err != nil {
				return err
			}
			if in.MplexID, err = rd.Uint32(); err != nil {
				return err
			}
			if withOrder {
				if in.LiveTVOrder, err = rd.Uint32(); err != nil {
					return err
				}
			}
			inputs = append(inputs, in)
			if !rd.More() {
				return nil
			}
			if name, err = rd.Token(); err != nil {
				return err
			}
		}
	})
	return inputs, err
}

// IsTunable reports whether one of the recorder's free inputs can receive
// ch. No matching input is not an error.
func (r *Recorder) IsTunable(ctx context.Context, ch domain.Channel) (bool, error) {
	inputs, err := r.FreeInputs(ctx)
	if err != nil {
		return false, err
	}
	for _, in := range inputs {
		if in.Matches(ch) {
			return true, nil
		}
	}
	r.log.Debug("no free input for channel",
		slog.String("channel", ch.ChanNum),
		slog.Uint64("source", uint64(ch.SourceID)))
	return false, nil
}

// IsLive reports whether a live-TV session is active.
func (r *Recorder) IsLive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain != nil
}

// Chain returns the active live chain, or nil.
func (r *Recorder) Chain() *LiveChain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chain
}

// Watching reports the backend's last live-TV watch state for the recorder.
func (r *Recorder) Watching() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watching
}

func (r *Recorder) newChainID() string {
	return fmt.Sprintf("live-%s-%s", r.c.opts.ClientName, r.clock.Now().UTC().Format("2006-01-02T15:04:05.000"))
}

func (r *Recorder) openSegment(ctx context.Context, p *domain.Program) (segmentFile, error) {
	sg := p.StorageGroup
	if sg == "" {
		sg = r.c.opts.StorageGroup
	}
	f, err := r.c.ConnectPath(ctx, fileName(p.Pathname), sg)
	if err != nil {
		return nil, err
	}
	f.uid = p.UID()
	f.recordedID = p.RecordedID
	return f, nil
}

// SpawnLiveTV starts live TV on ch and waits until the backend has
// announced the first chain segment.
func (r *Recorder) SpawnLiveTV(ctx context.Context, ch domain.Channel) error {
	r.mu.Lock()
	if r.chain != nil {
		r.mu.Unlock()
		return fmt.Errorf("recorder %d already live: %w", r.id, domain.ErrInvalidArgument)
	}
	chain := newLiveChain(r.newChainID(), r.clock, r.openSegment)
	r.chain = chain
	r.updated = make(chan struct{})
	r.blocked = false
	latch := r.updated
	r.mu.Unlock()

	if h := r.c.EventHandler(); h != nil {
		h.RegisterRecorder(r)
	}

	err := r.query(ctx, "SPAWN_LIVETV", expectOK, chain.ID(), "0", ch.ChanNum)
	if err != nil {
		r.release(chain)
		if errors.Is(err, domain.ErrUnexpectedResponse) {
			return fmt.Errorf("spawn live tv on %s: %w", ch.ChanNum, errors.Join(domain.ErrRecorderUnavailable, err))
		}
		return fmt.Errorf("spawn live tv on %s: %w", ch.ChanNum, err)
	}

	if err := r.waitChain(ctx, latch); err != nil {
		r.log.Error("live tv chain never became ready", slog.String("chain", chain.ID()), slog.Any("error", err))
		if serr := r.Stop(ctx); serr != nil {
			r.log.Warn("stop after failed spawn", slog.Any("error", serr))
		}
		return err
	}
	r.log.Info("live tv started", slog.String("chain", chain.ID()), slog.String("channel", ch.ChanNum))
	return nil
}

// SetChannel switches the live session to ch. On failure the caller is
// expected to close and reopen the stream.
func (r *Recorder) SetChannel(ctx context.Context, ch domain.Channel) error {
	r.mu.Lock()
	if r.chain == nil {
		r.mu.Unlock()
		return fmt.Errorf("set channel on recorder %d: %w", r.id, domain.ErrNoLiveSession)
	}
	r.updated = make(chan struct{})
	r.blocked = true
	r.deferred = false
	latch := r.updated
	chain := r.chain
	r.mu.Unlock()

	err := r.query(ctx, "PAUSE", expectOK)
	if err == nil {
		if err = r.query(ctx, "SET_CHANNEL", expectOK, ch.ChanNum); err != nil {
			err = fmt.Errorf("set channel %s: %w", ch.ChanNum, err)
		}
	} else {
		err = fmt.Errorf("pause before channel change: %w", err)
	}

	r.mu.Lock()
	r.blocked = false
	deferred := r.deferred
	r.deferred = false
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if deferred && r.refreshChain(ctx, chain) {
		if h := r.c.EventHandler(); h != nil {
			h.refreshListener(r)
		}
	}
	return r.waitChain(ctx, latch)
}

// waitChain blocks without holding the recorder lock until the latch is
// released by a chain update, the chain timeout passes or ctx ends.
func (r *Recorder) waitChain(ctx context.Context, latch <-chan struct{}) error {
	timer := r.clock.NewTimer(r.c.opts.ChainTimeout)
	defer timer.Stop()
	select {
	case <-latch:
		return nil
	case <-timer.Chan():
		return fmt.Errorf("recorder %d after %s: %w", r.id, r.c.opts.ChainTimeout, domain.ErrChainSetupFailed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleChainUpdate appends the recorder's current program to the live
// chain when chainID names it. It reports whether the chain grew or the
// waiting spawn was released.
func (r *Recorder) HandleChainUpdate(ctx context.Context, chainID string) bool {
	r.mu.Lock()
	chain := r.chain
	if chain == nil || chain.ID() != chainID {
		r.mu.Unlock()
		return false
	}
	if r.blocked {
		r.deferred = true
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	return r.refreshChain(ctx, chain)
}

// HandleDoneRecording refreshes the chain after a segment was finished.
func (r *Recorder) HandleDoneRecording(ctx context.Context) bool {
	r.mu.Lock()
	chain := r.chain
	if chain == nil {
		r.mu.Unlock()
		return false
	}
	if r.blocked {
		r.deferred = true
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	return r.refreshChain(ctx, chain)
}

// HandleLiveTVWatch records the backend's watch state.
func (r *Recorder) HandleLiveTVWatch(watching bool) {
	r.mu.Lock()
	r.watching = watching
	r.mu.Unlock()
}

func (r *Recorder) refreshChain(ctx context.Context, chain *LiveChain) bool {
	p, err := r.CurrentProgram(ctx)
	if err != nil {
		r.log.Warn("chain update: current program", slog.Any("error", err))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.chain != chain {
		return false
	}
	added, err := chain.Append(p)
	if err != nil {
		r.log.Warn("chain update rejected", slog.String("chain", chain.ID()), slog.Any("error", err))
		return false
	}
	if added {
		r.log.Debug("chain segment added",
			slog.String("chain", chain.ID()),
			slog.String("uid", p.UID()),
			slog.Int("segments", chain.Len()))
	}
	released := false
	if r.updated != nil {
		select {
		case <-r.updated:
		default:
			close(r.updated)
			released = true
		}
	}
	return added || released
}

// Stop ends the live session. Without an active session it does nothing.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	chain := r.chain
	r.mu.Unlock()
	if chain == nil {
		return nil
	}
	err := r.query(ctx, "STOP_LIVETV", expectOK)
	r.release(chain)
	if err != nil {
		return fmt.Errorf("stop live tv: %w", err)
	}
	r.log.Info("live tv stopped", slog.String("chain", chain.ID()))
	return nil
}

// release drops chain if it is still the active one.
func (r *Recorder) release(chain *LiveChain) {
	r.mu.Lock()
	if r.chain == chain {
		r.chain = nil
		r.updated = nil
		r.blocked = false
		r.deferred = false
	}
	r.mu.Unlock()
	if h := r.c.EventHandler(); h != nil {
		h.UnregisterRecorder(r)
	}
	if err := chain.Close(); err != nil {
		r.log.Debug("closing live chain", slog.Any("error", err))
	}
}

// ReadLiveTV reads from the live stream. It returns 0 and no error when no
// new data has been recorded yet.
func (r *Recorder) ReadLiveTV(p []byte) (int, error) {
	chain := r.Chain()
	if chain == nil {
		return 0, fmt.Errorf("read live tv: %w", domain.ErrNoLiveSession)
	}
	n, err := chain.Read(p)
	r.c.metrics.LiveBytes(n)
	return n, err
}

// SeekLiveTV moves the live stream's read offset.
func (r *Recorder) SeekLiveTV(offset int64, whence int) (int64, error) {
	chain := r.Chain()
	if chain == nil {
		return 0, fmt.Errorf("seek live tv: %w", domain.ErrNoLiveSession)
	}
	return chain.Seek(offset, whence)
}

// LiveTVDuration is the play time of the live chain so far.
func (r *Recorder) LiveTVDuration() time.Duration {
	if chain := r.Chain(); chain != nil {
		return chain.Duration()
	}
	return 0
}

// LiveTVLength is the known byte size of the live chain.
func (r *Recorder) LiveTVLength() int64 {
	if chain := r.Chain(); chain != nil {
		return chain.Length()
	}
	return 0
}

// LiveTVPosition is the live stream's read offset.
func (r *Recorder) LiveTVPosition() int64 {
	if chain := r.Chain(); chain != nil {
		return chain.Position()
	}
	return 0
}
