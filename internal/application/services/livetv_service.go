package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// LiveStatus describes the live session for status reporting
type LiveStatus struct {
	Active          bool            `json:"active"`
	RecorderID      uint32          `json:"recorder_id,omitempty"`
	Channel         *domain.Channel `json:"channel,omitempty"`
	LengthBytes     int64           `json:"length_bytes"`
	DurationSeconds float64         `json:"duration_seconds"`
	Since           *time.Time      `json:"since,omitempty"`
}

// LiveTVService owns the single live stream of the process. Open, switch and
// close are serialized; reads only take the state lock long enough to find
// the active tuner.
type LiveTVService struct {
	client   ports.MythClient
	fallback bool
	log      *slog.Logger

	opMu sync.Mutex

	stateMu sync.RWMutex
	tuner   ports.Tuner
	channel domain.Channel
	since   time.Time
}

// NewLiveTVService creates the live TV service. With fallback set, a failed
// in-place channel change closes the stream and opens it again on the new
// channel.
func NewLiveTVService(client ports.MythClient, fallback bool, logger *slog.Logger) *LiveTVService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveTVService{
		client:   client,
		fallback: fallback,
		log:      logger,
	}
}

func (s *LiveTVService) current() (ports.Tuner, domain.Channel) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.tuner, s.channel
}

func (s *LiveTVService) set(t ports.Tuner, ch domain.Channel) {
	s.stateMu.Lock()
	s.tuner = t
	s.channel = ch
	if t != nil {
		s.since = time.Now()
	} else {
		s.since = time.Time{}
	}
	s.stateMu.Unlock()
}

// Open starts live TV on ch, closing any previous session first.
func (s *LiveTVService) Open(ctx context.Context, ch domain.Channel) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.closeLocked(ctx); err != nil {
		s.log.Warn("closing previous live stream", slog.Any("error", err))
	}
	return s.openLocked(ctx, ch)
}

// openLocked tries every free recorder that can tune ch until one spawns.
func (s *LiveTVService) openLocked(ctx context.Context, ch domain.Channel) error {
	tuners, err := s.client.Tuners(ctx)
	if err != nil {
		return fmt.Errorf("open live tv on %s: %w", ch.ChanNum, err)
	}

	var lastErr error
	for _, t := range tuners {
		ok, err := t.IsTunable(ctx, ch)
		if err != nil {
			s.log.Warn("tunable check failed", slog.Uint64("recorder", uint64(t.ID())), slog.Any("error", err))
			lastErr = err
			continue
		}
		if !ok {
			continue
		}
		if err := t.SpawnLiveTV(ctx, ch); err != nil {
			s.log.Warn("spawn live tv failed",
				slog.Uint64("recorder", uint64(t.ID())),
				slog.String("channel", ch.ChanNum),
				slog.Any("error", err))
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		s.set(t, ch)
		s.log.Info("live stream opened", slog.Uint64("recorder", uint64(t.ID())), slog.String("channel", ch.ChanNum))
		return nil
	}

	if lastErr == nil {
		return fmt.Errorf("no free recorder can tune %s: %w", ch.ChanNum, domain.ErrRecorderUnavailable)
	}
	return fmt.Errorf("open live tv on %s: %w", ch.ChanNum, lastErr)
}

// SwitchChannel changes the channel of the open stream.
func (s *LiveTVService) SwitchChannel(ctx context.Context, ch domain.Channel) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	t, _ := s.current()
	if t == nil {
		return fmt.Errorf("switch to %s: %w", ch.ChanNum, domain.ErrNoLiveSession)
	}

	err := t.SetChannel(ctx, ch)
	if err == nil {
		s.set(t, ch)
		s.log.Info("live channel switched", slog.Uint64("recorder", uint64(t.ID())), slog.String("channel", ch.ChanNum))
		return nil
	}
	if !s.fallback || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("switch to %s: %w", ch.ChanNum, err)
	}

	s.log.Warn("in-place channel change failed, reopening stream",
		slog.String("channel", ch.ChanNum),
		slog.Any("error", err))
	if err := s.closeLocked(ctx); err != nil {
		s.log.Warn("closing stream before reopen", slog.Any("error", err))
	}
	return s.openLocked(ctx, ch)
}

// Close stops the live stream. Without a session it does nothing.
func (s *LiveTVService) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.closeLocked(ctx)
}

func (s *LiveTVService) closeLocked(ctx context.Context) error {
	t, ch := s.current()
	if t == nil {
		return nil
	}
	s.set(nil, domain.Channel{})
	if err := t.Stop(ctx); err != nil {
		return fmt.Errorf("close live stream on %s: %w", ch.ChanNum, err)
	}
	s.log.Info("live stream closed", slog.Uint64("recorder", uint64(t.ID())))
	return nil
}

// LiveStreamStopped drops the session when the backend ended live TV on its
// recorder. It is called from the event loop and never blocks on Open.
func (s *LiveTVService) LiveStreamStopped(recorderID uint32) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.tuner == nil || s.tuner.ID() != recorderID {
		return
	}
	s.log.Warn("live stream ended by backend",
		slog.Uint64("recorder", uint64(recorderID)),
		slog.String("channel", s.channel.ChanNum))
	s.tuner = nil
	s.channel = domain.Channel{}
	s.since = time.Time{}
}

// Read reads from the live stream. Zero bytes with no error means the
// backend has not written more data yet.
func (s *LiveTVService) Read(p []byte) (int, error) {
	t, _ := s.current()
	if t == nil {
		return 0, fmt.Errorf("read live stream: %w", domain.ErrNoLiveSession)
	}
	return t.ReadLiveTV(p)
}

// Seek repositions the live stream.
func (s *LiveTVService) Seek(offset int64, whence int) (int64, error) {
	t, _ := s.current()
	if t == nil {
		return 0, fmt.Errorf("seek live stream: %w", domain.ErrNoLiveSession)
	}
	return t.SeekLiveTV(offset, whence)
}

// Status reports the live session.
func (s *LiveTVService) Status() LiveStatus {
	s.stateMu.RLock()
	t, ch, since := s.tuner, s.channel, s.since
	s.stateMu.RUnlock()
	if t == nil {
		return LiveStatus{}
	}
	return LiveStatus{
		Active:          true,
		RecorderID:      t.ID(),
		Channel:         &ch,
		LengthBytes:     t.LiveTVLength(),
		DurationSeconds: t.LiveTVDuration().Seconds(),
		Since:           &since,
	}
}
