package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// RecordingService keeps a cached recording list current by draining the
// event loop's change queue instead of refetching the whole list.
type RecordingService struct {
	client  ports.MythClient
	changes ports.RecordingChanges
	log     *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string]*domain.Program
	loaded  bool

	// refreshes counts observer notifications.
	refreshes atomic.Int64
}

// NewRecordingService creates a new recording service. changes may be nil,
// in which case every call refetches the list.
func NewRecordingService(client ports.MythClient, changes ports.RecordingChanges, logger *slog.Logger) *RecordingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordingService{
		client:  client,
		changes: changes,
		log:     logger,
	}
}

// RecordingsChanged is called by the event loop once per settled batch.
func (s *RecordingService) RecordingsChanged() {
	s.refreshes.Add(1)
}

// Refreshes reports how many change batches were announced.
func (s *RecordingService) Refreshes() int64 {
	return s.refreshes.Load()
}

// GetAllRecordings returns all recordings, newest first.
func (s *RecordingService) GetAllRecordings(ctx context.Context) ([]*domain.Program, error) {
	if s.changes == nil {
		recs, err := s.client.Recordings(ctx)
		if err != nil {
			return nil, err
		}
		return s.SortRecordings(recs, "date"), nil
	}

	if err := s.Sync(ctx); err != nil {
		return nil, err
	}

	s.cacheMu.RLock()
	recs := make([]*domain.Program, 0, len(s.cache))
	for _, p := range s.cache {
		recs = append(recs, p)
	}
	s.cacheMu.RUnlock()
	return s.SortRecordings(recs, "date"), nil
}

// Sync applies queued changes to the cache, loading the full list when the
// cache is empty or a change invalidated it.
func (s *RecordingService) Sync(ctx context.Context) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	reload := !s.loaded
	var pending []domain.RecordingChange
	if s.changes != nil {
		for {
			c, ok := s.changes.Pop()
			if !ok {
				break
			}
			if c.Kind == domain.ChangeInvalidate {
				reload = true
				pending = pending[:0]
				continue
			}
			pending = append(pending, c)
		}
	}

	if reload {
		if err := s.reloadLocked(ctx); err != nil {
			return err
		}
	}
	for _, c := range pending {
		if err := s.applyLocked(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *RecordingService) reloadLocked(ctx context.Context) error {
	recs, err := s.client.Recordings(ctx)
	if err != nil {
		s.loaded = false
		return fmt.Errorf("load recordings: %w", err)
	}
	s.cache = make(map[string]*domain.Program, len(recs))
	for _, p := range recs {
		s.cache[p.UID()] = p
	}
	s.loaded = true
	s.log.Debug("recording cache loaded", slog.Int("recordings", len(recs)))
	return nil
}

// applyLocked folds one change into the loaded cache. A change that needs a
// backend lookup and fails with a connection error drops the cache so the
// next call reloads.
func (s *RecordingService) applyLocked(ctx context.Context, c domain.RecordingChange) error {
	switch c.Kind {
	case domain.ChangeAdd:
		p, err := s.client.Recording(ctx, c.ChanID, c.RecStart)
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Debug("added recording already gone", slog.String("uid", c.UID()))
			return nil
		}
		if err != nil {
			s.loaded = false
			return fmt.Errorf("fetch added recording %s: %w", c.UID(), err)
		}
		s.cache[p.UID()] = p
	case domain.ChangeUpdate:
		if c.Program != nil {
			s.cache[c.Program.UID()] = c.Program
		}
	case domain.ChangeDelete:
		delete(s.cache, c.UID())
	}
	return nil
}

// GetRecording looks up one recording by UID.
func (s *RecordingService) GetRecording(ctx context.Context, uid string) (*domain.Program, error) {
	recs, err := s.GetAllRecordings(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range recs {
		if p.UID() == uid {
			return p, nil
		}
	}
	return nil, fmt.Errorf("recording %s: %w", uid, domain.ErrNotFound)
}

// DeleteRecording deletes a recording and drops it from the cache
func (s *RecordingService) DeleteRecording(ctx context.Context, uid string, force bool) error {
	if uid == "" {
		return domain.ErrInvalidArgument
	}
	p, err := s.GetRecording(ctx, uid)
	if err != nil {
		return err
	}
	if err := s.client.DeleteRecording(ctx, p, force); err != nil {
		return err
	}

	s.cacheMu.Lock()
	delete(s.cache, uid)
	s.cacheMu.Unlock()
	return nil
}

// Bookmark returns the bookmark frame of a recording.
func (s *RecordingService) Bookmark(ctx context.Context, uid string) (int64, error) {
	p, err := s.GetRecording(ctx, uid)
	if err != nil {
		return 0, err
	}
	return s.client.Bookmark(ctx, p)
}

// SetBookmark stores the bookmark frame of a recording.
func (s *RecordingService) SetBookmark(ctx context.Context, uid string, frame int64) error {
	if frame < 0 {
		return domain.ErrInvalidArgument
	}
	p, err := s.GetRecording(ctx, uid)
	if err != nil {
		return err
	}
	return s.client.SetBookmark(ctx, p, frame)
}

// DriveSpace reports the backend's storage totals.
func (s *RecordingService) DriveSpace(ctx context.Context) (domain.DriveSpace, error) {
	return s.client.DriveSpace(ctx)
}

// SortRecordings sorts recordings by various criteria
func (s *RecordingService) SortRecordings(recordings []*domain.Program, sortBy string) []*domain.Program {
	sorted := make([]*domain.Program, len(recordings))
	copy(sorted, recordings)

	switch sortBy {
	case "title":
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Title != sorted[j].Title {
				return sorted[i].Title < sorted[j].Title
			}
			return sorted[i].RecStart.Before(sorted[j].RecStart)
		})
	case "date_oldest":
		// Oldest -> newest
		sort.SliceStable(sorted, func(i, j int) bool {
			if !sorted[i].RecStart.Equal(sorted[j].RecStart) {
				return sorted[i].RecStart.Before(sorted[j].RecStart)
			}
			return sorted[i].ChanID < sorted[j].ChanID
		})
	case "length":
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].Length != sorted[j].Length {
				return sorted[i].Length > sorted[j].Length
			}
			return sorted[i].UID() < sorted[j].UID()
		})
	default:
		// Default to date (newest -> oldest)
		sort.SliceStable(sorted, func(i, j int) bool {
			if !sorted[i].RecStart.Equal(sorted[j].RecStart) {
				return sorted[i].RecStart.After(sorted[j].RecStart)
			}
			return sorted[i].ChanID < sorted[j].ChanID
		})
	}

	return sorted
}

// InvalidateCache drops the cached list so the next call reloads it
func (s *RecordingService) InvalidateCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache = nil
	s.loaded = false
}
