package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// ScheduleService forwards reschedule requests to the backend and tracks
// schedule-change notifications for callers that cache timers or guide data.
type ScheduleService struct {
	client   ports.MythClient
	channels ports.ChannelSource

	generation atomic.Int64

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// NewScheduleService creates a schedule service. channels may be nil when no
// channel source is configured.
func NewScheduleService(client ports.MythClient, channels ports.ChannelSource) *ScheduleService {
	return &ScheduleService{
		client:   client,
		channels: channels,
		subs:     make(map[chan struct{}]struct{}),
	}
}

// SchedulesChanged is called by the event loop on every schedule change.
func (s *ScheduleService) SchedulesChanged() {
	s.generation.Add(1)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Generation increases with every schedule change seen.
func (s *ScheduleService) Generation() int64 {
	return s.generation.Load()
}

// Subscribe returns a channel signalled after schedule changes. Signals
// coalesce while the receiver is busy. The returned func unsubscribes.
func (s *ScheduleService) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
	}
}

// Reschedule asks the backend to re-evaluate one recording rule. Zero
// re-evaluates all rules.
func (s *ScheduleService) Reschedule(ctx context.Context, recordID uint32) error {
	if err := s.client.RescheduleRecordings(ctx, recordID); err != nil {
		return fmt.Errorf("reschedule %d: %w", recordID, err)
	}
	return nil
}

// Channels returns the channel list of the configured source.
func (s *ScheduleService) Channels(ctx context.Context) ([]domain.Channel, error) {
	if s.channels == nil {
		return nil, fmt.Errorf("channels: %w", domain.ErrNotFound)
	}
	return s.channels.Channels(ctx)
}

// Guide returns the programs between start and end.
func (s *ScheduleService) Guide(ctx context.Context, start, end time.Time) ([]domain.Program, error) {
	if s.channels == nil {
		return nil, fmt.Errorf("guide: %w", domain.ErrNotFound)
	}
	return s.channels.Guide(ctx, start, end)
}

// Recordable reports whether ch is tunable on any free recorder.
func (s *ScheduleService) Recordable(ctx context.Context, ch domain.Channel) (bool, error) {
	tuners, err := s.client.Tuners(ctx)
	if err != nil {
		return false, err
	}
	for _, t := range tuners {
		ok, err := t.IsTunable(ctx, ch)
		if err != nil {
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
