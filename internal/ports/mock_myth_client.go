package ports

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// MockMythClient is a flexible test double for MythClient with function field customization.
// This is the canonical mock implementation used across service tests.
//
// Usage with function fields:
//
//	mock := &ports.MockMythClient{
//	    RecordingsFunc: func(ctx context.Context) ([]*domain.Program, error) {
//	        return nil, domain.ErrConnection
//	    },
//	}
//
// Usage with builder pattern:
//
//	mock := ports.NewMockMythClient().
//	    WithRecordings(recs).
//	    WithTuners(ports.NewMockTuner(1))
type MockMythClient struct {
	IsConnectedFunc          func() bool
	RecordingsFunc           func(ctx context.Context) ([]*domain.Program, error)
	RecordingFunc            func(ctx context.Context, chanID uint32, recStart time.Time) (*domain.Program, error)
	DeleteRecordingFunc      func(ctx context.Context, p *domain.Program, force bool) error
	BookmarkFunc             func(ctx context.Context, p *domain.Program) (int64, error)
	SetBookmarkFunc          func(ctx context.Context, p *domain.Program, frame int64) error
	DriveSpaceFunc           func(ctx context.Context) (domain.DriveSpace, error)
	SettingFunc              func(ctx context.Context, host, key string) (string, error)
	RescheduleRecordingsFunc func(ctx context.Context, recordID uint32) error
	StorageGroupFilesFunc    func(ctx context.Context, host, sg string) ([]domain.StorageGroupFile, error)
	TunersFunc               func(ctx context.Context) ([]Tuner, error)

	mu          sync.RWMutex
	version     int
	recordings  []*domain.Program
	bookmarks   map[string]int64
	tuners      []Tuner
	reschedules []uint32
	calls       map[string]int
}

var _ MythClient = (*MockMythClient)(nil)

// NewMockMythClient creates a mock speaking protocol 91 with no data.
func NewMockMythClient() *MockMythClient {
	return &MockMythClient{
		version:   91,
		bookmarks: make(map[string]int64),
		calls:     make(map[string]int),
	}
}

// WithRecordings sets the recordings returned by Recordings and Recording.
func (m *MockMythClient) WithRecordings(recs ...*domain.Program) *MockMythClient {
	m.recordings = recs
	return m
}

// WithTuners sets the tuners returned by Tuners.
func (m *MockMythClient) WithTuners(tuners ...Tuner) *MockMythClient {
	m.tuners = tuners
	return m
}

// WithVersion sets the reported protocol version.
func (m *MockMythClient) WithVersion(v int) *MockMythClient {
	m.version = v
	return m
}

// AddRecording appends a recording as if the backend had just created it.
func (m *MockMythClient) AddRecording(p *domain.Program) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordings = append(m.recordings, p)
}

// Calls reports how often an operation ran.
func (m *MockMythClient) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// Reschedules returns the rule ids passed to RescheduleRecordings.
func (m *MockMythClient) Reschedules() []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint32(nil), m.reschedules...)
}

func (m *MockMythClient) count(op string) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
	m.mu.Unlock()
}

// Implementation of MythClient interface

func (m *MockMythClient) IsConnected() bool {
	if m.IsConnectedFunc != nil {
		return m.IsConnectedFunc()
	}
	return true
}

func (m *MockMythClient) Version() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

func (m *MockMythClient) Recordings(ctx context.Context) ([]*domain.Program, error) {
	m.count("Recordings")
	if m.RecordingsFunc != nil {
		return m.RecordingsFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*domain.Program(nil), m.recordings...), nil
}

func (m *MockMythClient) Recording(ctx context.Context, chanID uint32, recStart time.Time) (*domain.Program, error) {
	m.count("Recording")
	if m.RecordingFunc != nil {
		return m.RecordingFunc(ctx, chanID, recStart)
	}
	uid := domain.RecordingUID(chanID, recStart)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.recordings {
		if p.UID() == uid {
			return p, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockMythClient) DeleteRecording(ctx context.Context, p *domain.Program, force bool) error {
	m.count("DeleteRecording")
	if m.DeleteRecordingFunc != nil {
		return m.DeleteRecordingFunc(ctx, p, force)
	}
	if p == nil {
		return domain.ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.recordings {
		if r.UID() == p.UID() {
			m.recordings = append(m.recordings[:i], m.recordings[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockMythClient) Bookmark(ctx context.Context, p *domain.Program) (int64, error) {
	if m.BookmarkFunc != nil {
		return m.BookmarkFunc(ctx, p)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bookmarks[p.UID()], nil
}

func (m *MockMythClient) SetBookmark(ctx context.Context, p *domain.Program, frame int64) error {
	if m.SetBookmarkFunc != nil {
		return m.SetBookmarkFunc(ctx, p, frame)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bookmarks == nil {
		m.bookmarks = make(map[string]int64)
	}
	m.bookmarks[p.UID()] = frame
	return nil
}

func (m *MockMythClient) DriveSpace(ctx context.Context) (domain.DriveSpace, error) {
	if m.DriveSpaceFunc != nil {
		return m.DriveSpaceFunc(ctx)
	}
	return domain.DriveSpace{}, nil
}

func (m *MockMythClient) Setting(ctx context.Context, host, key string) (string, error) {
	if m.SettingFunc != nil {
		return m.SettingFunc(ctx, host, key)
	}
	return "", domain.ErrNotFound
}

func (m *MockMythClient) RescheduleRecordings(ctx context.Context, recordID uint32) error {
	m.count("RescheduleRecordings")
	if m.RescheduleRecordingsFunc != nil {
		return m.RescheduleRecordingsFunc(ctx, recordID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reschedules = append(m.reschedules, recordID)
	return nil
}

func (m *MockMythClient) StorageGroupFiles(ctx context.Context, host, sg string) ([]domain.StorageGroupFile, error) {
	if m.StorageGroupFilesFunc != nil {
		return m.StorageGroupFilesFunc(ctx, host, sg)
	}
	return nil, nil
}

func (m *MockMythClient) Tuners(ctx context.Context) ([]Tuner, error) {
	m.count("Tuners")
	if m.TunersFunc != nil {
		return m.TunersFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Tuner(nil), m.tuners...), nil
}

// MockTuner is a Tuner double. Without function fields it tunes every
// channel listed in Sources and streams Stream as the live-TV content.
type MockTuner struct {
	IDValue uint32
	// Sources lists the source ids this tuner can receive. Empty accepts all.
	Sources []uint32
	Stream  []byte

	IsTunableFunc   func(ctx context.Context, ch domain.Channel) (bool, error)
	SpawnLiveTVFunc func(ctx context.Context, ch domain.Channel) error
	SetChannelFunc  func(ctx context.Context, ch domain.Channel) error
	StopFunc        func(ctx context.Context) error

	mu        sync.Mutex
	live      bool
	channel   domain.Channel
	reader    *bytes.Reader
	recording bool
	spawns    int
	switches  int
	stops     int
}

var _ Tuner = (*MockTuner)(nil)

// NewMockTuner creates a tuner with the given recorder id.
func NewMockTuner(id uint32, sources ...uint32) *MockTuner {
	return &MockTuner{IDValue: id, Sources: sources}
}

// WithStream sets the live-TV content.
func (t *MockTuner) WithStream(b []byte) *MockTuner {
	t.Stream = b
	return t
}

// SetRecording marks the tuner busy with a scheduled recording.
func (t *MockTuner) SetRecording(busy bool) {
	t.mu.Lock()
	t.recording = busy
	t.mu.Unlock()
}

// Live reports whether a live session is active and on which channel.
func (t *MockTuner) Live() (bool, domain.Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live, t.channel
}

// Counts reports spawns, channel switches and stops seen so far.
func (t *MockTuner) Counts() (spawns, switches, stops int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spawns, t.switches, t.stops
}

func (t *MockTuner) ID() uint32 { return t.IDValue }

func (t *MockTuner) IsTunable(ctx context.Context, ch domain.Channel) (bool, error) {
	if t.IsTunableFunc != nil {
		return t.IsTunableFunc(ctx, ch)
	}
	if len(t.Sources) == 0 {
		return true, nil
	}
	for _, s := range t.Sources {
		if s == ch.SourceID {
			return true, nil
		}
	}
	return false, nil
}

func (t *MockTuner) IsRecording(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recording, nil
}

func (t *MockTuner) CurrentProgram(ctx context.Context) (*domain.Program, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live {
		return nil, domain.ErrNoLiveSession
	}
	return &domain.Program{ChanID: t.channel.ChanID, ChanNum: t.channel.ChanNum, Title: t.channel.Name}, nil
}

func (t *MockTuner) SpawnLiveTV(ctx context.Context, ch domain.Channel) error {
	if t.SpawnLiveTVFunc != nil {
		if err := t.SpawnLiveTVFunc(ctx, ch); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spawns++
	t.live = true
	t.channel = ch
	t.reader = bytes.NewReader(t.Stream)
	return nil
}

func (t *MockTuner) SetChannel(ctx context.Context, ch domain.Channel) error {
	if t.SetChannelFunc != nil {
		if err := t.SetChannelFunc(ctx, ch); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live {
		return domain.ErrNoLiveSession
	}
	t.switches++
	t.channel = ch
	return nil
}

func (t *MockTuner) Stop(ctx context.Context) error {
	if t.StopFunc != nil {
		if err := t.StopFunc(ctx); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.live {
		t.stops++
	}
	t.live = false
	t.reader = nil
	return nil
}

func (t *MockTuner) ReadLiveTV(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reader == nil {
		return 0, domain.ErrNoLiveSession
	}
	n, err := t.reader.Read(p)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (t *MockTuner) SeekLiveTV(offset int64, whence int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reader == nil {
		return 0, domain.ErrNoLiveSession
	}
	return t.reader.Seek(offset, whence)
}

func (t *MockTuner) LiveTVDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live {
		return 0
	}
	return time.Duration(len(t.Stream)) * time.Millisecond
}

func (t *MockTuner) LiveTVLength() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live {
		return 0
	}
	return int64(len(t.Stream))
}
