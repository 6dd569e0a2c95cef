package mythfake

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythproto"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

// TSPacket is the filler written into simulated live segments.
var TSPacket = append([]byte{0x47}, bytes.Repeat([]byte{0xff}, 187)...)

// LiveRecorder simulates one recorder able to carry live TV.
type LiveRecorder struct {
	ID     uint32
	Inputs []domain.FreeInput

	// Channels maps channel numbers to channel ids.
	Channels map[string]uint32

	// SegmentBytes is the size of a new segment's initial content.
	SegmentBytes int

	// ChainUpdateDelay postpones the chain update after spawn and channel
	// changes. A negative delay suppresses it.
	ChainUpdateDelay time.Duration

	// OnSetChannel runs with the new segment after a channel change and
	// before SET_CHANNEL is answered.
	OnSetChannel func(p *domain.Program)

	mu        sync.Mutex
	b         *Backend
	chainID   string
	current   *domain.Program
	nextRecID uint32
	recording bool
	cancelled int
	paused    int
	stopped   int
}

// Install registers the recorder with b. Several recorders may share the
// QUERY_RECORDER handler through a Recorders set.
func (lr *LiveRecorder) Install(b *Backend) {
	NewRecorders(b, lr)
}

// Current returns the program of the newest live segment.
func (lr *LiveRecorder) Current() *domain.Program {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.current
}

// ChainID is the chain announced by the last spawn.
func (lr *LiveRecorder) ChainID() string {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.chainID
}

// SetChainUpdateDelay changes ChainUpdateDelay of a running recorder.
func (lr *LiveRecorder) SetChainUpdateDelay(d time.Duration) {
	lr.mu.Lock()
	lr.ChainUpdateDelay = d
	lr.mu.Unlock()
}

// SetOnSetChannel changes OnSetChannel of a running recorder.
func (lr *LiveRecorder) SetOnSetChannel(fn func(p *domain.Program)) {
	lr.mu.Lock()
	lr.OnSetChannel = fn
	lr.mu.Unlock()
}

// SetRecording sets what IS_RECORDING reports.
func (lr *LiveRecorder) SetRecording(v bool) {
	lr.mu.Lock()
	lr.recording = v
	lr.mu.Unlock()
}

// Cancelled counts CANCEL_NEXT_RECORDING requests.
func (lr *LiveRecorder) Cancelled() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.cancelled
}

// Stopped counts STOP_LIVETV requests.
func (lr *LiveRecorder) Stopped() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.stopped
}

// Paused counts PAUSE requests.
func (lr *LiveRecorder) Paused() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.paused
}

// NextSegment starts a new segment on the same channel, as the backend
// does when a program ends, and announces it.
func (lr *LiveRecorder) NextSegment() *domain.Program {
	lr.mu.Lock()
	if lr.current == nil {
		lr.mu.Unlock()
		return nil
	}
	p := lr.newSegmentLocked(lr.current.ChanNum)
	chainID := lr.chainID
	lr.mu.Unlock()

	lr.b.PushEvent(mythproto.DoneRecordingEvent{CardID: lr.ID, Seconds: 1})
	lr.b.PushEvent(mythproto.LiveTVChainUpdateEvent{ChainID: chainID})
	return p
}

// Grow appends n bytes to the newest live segment and announces the new
// size to event listeners. It returns the new size, or 0 without a session.
func (lr *LiveRecorder) Grow(n int) int64 {
	lr.mu.Lock()
	p := lr.current
	lr.mu.Unlock()
	if p == nil || n <= 0 {
		return 0
	}
	lr.b.AppendFile(p.Pathname, bytes.Repeat(TSPacket, n/len(TSPacket)+1)[:n])
	size := lr.b.FileSize(p.Pathname)
	lr.b.PushEvent(mythproto.UpdateFileSizeEvent{
		RecordedID: p.RecordedID,
		ChanID:     p.ChanID,
		RecStart:   p.RecStart,
		Size:       size,
	})
	return size
}

func (lr *LiveRecorder) newSegmentLocked(chanNum string) *domain.Program {
	start := time.Now().UTC().Truncate(time.Second)
	if lr.current != nil && !start.After(lr.current.RecStart) {
		start = lr.current.RecStart.Add(time.Second)
	}
	chanID := lr.Channels[chanNum]
	if chanID == 0 {
		n, _ := strconv.Atoi(chanNum)
		chanID = uint32(1000 + n)
	}
	lr.nextRecID++
	size := lr.SegmentBytes
	if size == 0 {
		size = len(TSPacket) * 16
	}
	content := bytes.Repeat(TSPacket, size/len(TSPacket)+1)[:size]
	p := &domain.Program{
		Title:        "Live " + chanNum,
		ChanID:       chanID,
		ChanNum:      chanNum,
		CallSign:     "CH" + chanNum,
		Pathname:     fmt.Sprintf("/%d_%s.ts", chanID, start.Format("20060102150405")),
		Length:       int64(size),
		Start:        start,
		End:          start.Add(time.Hour),
		RecStart:     start,
		RecEnd:       start.Add(time.Hour),
		Hostname:     "mythfake",
		CardID:       lr.ID,
		InputID:      lr.ID,
		RecGroup:     "LiveTV",
		StorageGroup: "LiveTV",
		RecordedID:   lr.ID*1000 + lr.nextRecID,
		RecStatus:    -2,
	}
	lr.b.SetFile(p.Pathname, content)
	lr.current = p
	return p
}

func (lr *LiveRecorder) announceLater(s *Session) {
	lr.mu.Lock()
	delay := lr.ChainUpdateDelay
	chainID := lr.chainID
	lr.mu.Unlock()
	if delay < 0 {
		return
	}
	s.Defer(func() {
		go func() {
			time.Sleep(delay)
			lr.b.PushEvent(mythproto.LiveTVChainUpdateEvent{ChainID: chainID})
		}()
	})
}

func (lr *LiveRecorder) handle(s *Session, op string, args []string) []string {
	switch op {
	case "IS_RECORDING":
		lr.mu.Lock()
		defer lr.mu.Unlock()
		if lr.recording {
			return []string{"1"}
		}
		return []string{"0"}

	case "CANCEL_NEXT_RECORDING":
		lr.mu.Lock()
		lr.cancelled++
		lr.mu.Unlock()
		return []string{"OK"}

	case "GET_CURRENT_RECORDING":
		lr.mu.Lock()
		p := lr.current
		lr.mu.Unlock()
		if p == nil {
			p = &domain.Program{}
		}
		return mythproto.EncodeProgram(s.Version(), p)

	case "GET_FREE_INPUTS":
		if len(lr.Inputs) == 0 {
			return []string{"EMPTY_LIST"}
		}
		var out []string
		for _, in := range lr.Inputs {
			out = append(out, in.Name,
				strconv.FormatUint(uint64(in.SourceID), 10),
				strconv.FormatUint(uint64(in.InputID), 10),
				strconv.FormatUint(uint64(in.CardID), 10),
				strconv.FormatUint(uint64(in.MplexID), 10))
			if s.Version() >= 71 {
				out = append(out, strconv.FormatUint(uint64(in.LiveTVOrder), 10))
			}
		}
		return out

	case "SPAWN_LIVETV":
		if len(args) < 3 {
			return []string{"ERROR"}
		}
		lr.mu.Lock()
		if _, ok := lr.Channels[args[2]]; !ok && len(lr.Channels) > 0 {
			lr.mu.Unlock()
			return []string{"ERROR"}
		}
		lr.chainID = args[0]
		lr.current = nil
		lr.newSegmentLocked(args[2])
		lr.mu.Unlock()
		lr.announceLater(s)
		return []string{"OK"}

	case "PAUSE":
		lr.mu.Lock()
		lr.paused++
		lr.mu.Unlock()
		return []string{"OK"}

	case "SET_CHANNEL":
		if len(args) < 1 {
			return []string{"ERROR"}
		}
		lr.mu.Lock()
		if lr.current == nil {
			lr.mu.Unlock()
			return []string{"ERROR"}
		}
		p := lr.newSegmentLocked(args[0])
		hook := lr.OnSetChannel
		lr.mu.Unlock()
		if hook != nil {
			hook(p)
		}
		lr.announceLater(s)
		return []string{"OK"}

	case "STOP_LIVETV":
		lr.mu.Lock()
		lr.stopped++
		lr.current = nil
		lr.chainID = ""
		lr.mu.Unlock()
		return []string{"OK"}
	}
	return []string{"ERROR"}
}

// Recorders routes QUERY_RECORDER and the free-recorder requests to a set of
// simulated recorders.
type Recorders struct {
	mu   sync.Mutex
	byID map[uint32]*LiveRecorder
	ids  []uint32
}

// NewRecorders installs recs on b.
func NewRecorders(b *Backend, recs ...*LiveRecorder) *Recorders {
	rs := &Recorders{byID: make(map[uint32]*LiveRecorder)}
	for _, lr := range recs {
		lr.b = b
		rs.byID[lr.ID] = lr
		rs.ids = append(rs.ids, lr.ID)
	}
	b.Handle("QUERY_RECORDER", rs.queryRecorder)
	b.Handle("GET_FREE_RECORDER_LIST", rs.freeList)
	b.Handle("GET_FREE_RECORDER", rs.freeOne)
	b.Handle("GET_RECORDER_FROM_NUM", rs.fromNum)
	return rs
}

func (rs *Recorders) get(id uint32) *LiveRecorder {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.byID[id]
}

func (rs *Recorders) queryRecorder(s *Session, tokens []string) []string {
	fields := strings.Fields(tokens[0])
	if len(fields) < 2 || len(tokens) < 2 {
		return []string{"ERROR"}
	}
	id, err := mythproto.ParseUint32(fields[1])
	if err != nil {
		return []string{"ERROR"}
	}
	lr := rs.get(id)
	if lr == nil {
		return []string{"ERROR"}
	}
	return lr.handle(s, tokens[1], tokens[2:])
}

func (rs *Recorders) freeList(*Session, []string) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.ids) == 0 {
		return []string{"0"}
	}
	out := make([]string, 0, len(rs.ids))
	for _, id := range rs.ids {
		out = append(out, strconv.FormatUint(uint64(id), 10))
	}
	return out
}

func (rs *Recorders) freeOne(*Session, []string) []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.ids) == 0 {
		return []string{"-1", "nohost", "-1"}
	}
	return []string{strconv.FormatUint(uint64(rs.ids[0]), 10), "mythfake", "6543"}
}

func (rs *Recorders) fromNum(_ *Session, tokens []string) []string {
	if len(tokens) < 2 {
		return []string{"nohost", "-1"}
	}
	id, err := mythproto.ParseUint32(tokens[1])
	if err != nil || rs.get(id) == nil {
		return []string{"nohost", "-1"}
	}
	return []string{"mythfake", "6543"}
}

// Store simulates the recording list, bookmarks and settings.
type Store struct {
	mu        sync.Mutex
	progs     []*domain.Program
	bookmarks map[string]int64
	settings  map[string]string
	deleted   []string
	Total     int64
	Used      int64
}

// NewStore installs a recording store with progs on b.
func NewStore(b *Backend, progs ...*domain.Program) *Store {
	st := &Store{
		progs:     progs,
		bookmarks: make(map[string]int64),
		settings:  make(map[string]string),
		Total:     1 << 30,
		Used:      1 << 28,
	}
	b.Handle("QUERY_RECORDINGS", st.recordings)
	b.Handle("QUERY_RECORDING", st.recording)
	b.Handle("DELETE_RECORDING", st.delete)
	b.Handle("FORCE_DELETE_RECORDING", st.delete)
	b.Handle("QUERY_BOOKMARK", st.bookmark)
	b.Handle("SET_BOOKMARK", st.setBookmark)
	b.Handle("QUERY_SETTING", st.setting)
	b.Handle("QUERY_FREE_SPACE_SUMMARY", st.space)
	b.Handle("RESCHEDULE_RECORDINGS", func(*Session, []string) []string { return []string{"1"} })
	return st
}

// Add appends a recording.
func (st *Store) Add(p *domain.Program) {
	st.mu.Lock()
	st.progs = append(st.progs, p)
	st.mu.Unlock()
}

// SetSetting stores a setting value for host and key.
func (st *Store) SetSetting(host, key, value string) {
	st.mu.Lock()
	st.settings[host+" "+key] = value
	st.mu.Unlock()
}

// Deleted lists the UIDs of deleted recordings.
func (st *Store) Deleted() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.deleted...)
}

func (st *Store) find(chanID uint32, recStart time.Time) (int, *domain.Program) {
	uid := domain.RecordingUID(chanID, recStart)
	for i, p := range st.progs {
		if p.UID() == uid {
			return i, p
		}
	}
	return -1, nil
}

func (st *Store) recordings(s *Session, _ []string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := []string{strconv.Itoa(len(st.progs))}
	for _, p := range st.progs {
		out = append(out, mythproto.EncodeProgram(s.Version(), p)...)
	}
	return out
}

func parseSlot(fields []string) (uint32, time.Time, bool) {
	if len(fields) < 2 {
		return 0, time.Time{}, false
	}
	chanID, err := mythproto.ParseUint32(fields[0])
	if err != nil {
		return 0, time.Time{}, false
	}
	ts, err := mythproto.ParseAnyTimestamp(fields[1])
	if err != nil {
		return 0, time.Time{}, false
	}
	return chanID, ts, true
}

func (st *Store) recording(s *Session, tokens []string) []string {
	fields := strings.Fields(tokens[0])
	if len(fields) < 4 {
		return []string{"ERROR"}
	}
	chanID, ts, ok := parseSlot(fields[2:])
	if !ok {
		return []string{"ERROR"}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	_, p := st.find(chanID, ts)
	if p == nil {
		return []string{"ERROR"}
	}
	return append([]string{"OK"}, mythproto.EncodeProgram(s.Version(), p)...)
}

func (st *Store) delete(s *Session, tokens []string) []string {
	var uid string
	fields := strings.Fields(tokens[0])
	if len(fields) >= 3 {
		chanID, ts, ok := parseSlot(fields[1:])
		if !ok {
			return []string{"-1"}
		}
		uid = domain.RecordingUID(chanID, ts)
	} else {
		p, err := mythproto.DecodeProgram(mythproto.NewReaderTokens(s.Version(), tokens[1:]...))
		if err != nil {
			return []string{"-1"}
		}
		uid = p.UID()
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, p := range st.progs {
		if p.UID() == uid {
			st.progs = append(st.progs[:i], st.progs[i+1:]...)
			st.deleted = append(st.deleted, uid)
			return []string{"0"}
		}
	}
	return []string{"-1"}
}

func (st *Store) bookmark(s *Session, tokens []string) []string {
	fields := strings.Fields(tokens[0])
	chanID, ts, ok := parseSlot(fields[1:])
	if !ok {
		return []string{"-1"}
	}
	st.mu.Lock()
	frame := st.bookmarks[domain.RecordingUID(chanID, ts)]
	st.mu.Unlock()
	return mythproto.EncodeInt64(s.Version(), mythproto.Int64SingleTokenSinceFileTransfer, frame)
}

func (st *Store) setBookmark(s *Session, tokens []string) []string {
	fields := strings.Fields(tokens[0])
	chanID, ts, ok := parseSlot(fields[1:])
	if !ok || len(fields) < 4 {
		return []string{"FAILED"}
	}
	r := mythproto.NewReaderTokens(s.Version(), fields[3:]...)
	frame, err := r.Int64Since(mythproto.Int64SingleTokenSinceFileTransfer)
	if err != nil {
		return []string{"FAILED"}
	}
	st.mu.Lock()
	st.bookmarks[domain.RecordingUID(chanID, ts)] = frame
	st.mu.Unlock()
	return []string{"OK"}
}

func (st *Store) setting(_ *Session, tokens []string) []string {
	fields := strings.Fields(tokens[0])
	if len(fields) < 3 {
		return []string{"-1"}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if v, ok := st.settings[fields[1]+" "+fields[2]]; ok {
		return []string{v}
	}
	return []string{"-1"}
}

func (st *Store) space(s *Session, _ []string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := mythproto.EncodeInt64(s.Version(), mythproto.Int64SingleTokenSince, st.Total)
	return append(out, mythproto.EncodeInt64(s.Version(), mythproto.Int64SingleTokenSince, st.Used)...)
}
