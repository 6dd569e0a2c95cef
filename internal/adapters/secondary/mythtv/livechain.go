package mythtv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/syncutil"
)

// segmentFile is the byte source of one chain segment.
type segmentFile interface {
	io.ReadSeekCloser
	Length() int64
	UpdateLength(n int64)
	Position() int64
}

type segmentOpener func(ctx context.Context, p *domain.Program) (segmentFile, error)

type segment struct {
	prog   *domain.Program
	length int64
	file   segmentFile
	// frozen is the segment's play time once a later segment superseded it.
	frozen time.Duration
}

// LiveChain presents the growing list of live-TV segments as one stream.
// Segments are only ever appended.
type LiveChain struct {
	id    string
	clock clockwork.Clock
	open  segmentOpener

	mu       syncutil.Mutex
	segments []*segment
	closed   bool

	// readMu serializes Read and Seek; cur and pos belong to the reader.
	readMu syncutil.Mutex
	cur    int
	pos    int64
}

func newLiveChain(id string, clock clockwork.Clock, open segmentOpener) *LiveChain {
	return &LiveChain{id: id, clock: clock, open: open}
}

// ID is the chain id announced to the backend.
func (lc *LiveChain) ID() string { return lc.id }

// Append adds p as the newest segment. A program equal to the current last
// segment is not added again; a program starting before it is rejected.
func (lc *LiveChain) Append(p *domain.Program) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("chain %s: %w", lc.id, domain.ErrInvalidArgument)
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if n := len(lc.segments); n > 0 {
		last := lc.segments[n-1]
		if last.prog.UID() == p.UID() {
			return false, nil
		}
		if p.RecStart.Before(last.prog.RecStart) {
			return false, fmt.Errorf("chain %s: segment %s starts before %s: %w",
				lc.id, p.UID(), last.prog.UID(), domain.ErrInvalidArgument)
		}
		last.frozen = lc.inProgress(last.prog)
		if last.file != nil {
			if l := last.file.Length(); l > last.length {
				last.length = l
			}
		}
	}
	lc.segments = append(lc.segments, &segment{prog: p, length: p.Length})
	return true, nil
}

// inProgress is the play time of a segment recorded so far, clamped to
// its scheduled span.
func (lc *LiveChain) inProgress(p *domain.Program) time.Duration {
	d := lc.clock.Now().Sub(p.RecStart)
	if d < 0 {
		return 0
	}
	if span := p.Duration(); span > 0 && d > span {
		return span
	}
	return d
}

// Len is the number of segments.
func (lc *LiveChain) Len() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.segments)
}

// LastIndex is the index of the newest segment, or -1.
func (lc *LiveChain) LastIndex() int {
	return lc.Len() - 1
}

// Segment returns the program of segment i.
func (lc *LiveChain) Segment(i int) (*domain.Program, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if i < 0 || i >= len(lc.segments) {
		return nil, false
	}
	return lc.segments[i].prog, true
}

// Last returns the program of the newest segment.
func (lc *LiveChain) Last() (*domain.Program, bool) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.segments) == 0 {
		return nil, false
	}
	return lc.segments[len(lc.segments)-1].prog, true
}

// Duration is the play time of all completed segments plus the time
// recorded so far in the newest one.
func (lc *LiveChain) Duration() time.Duration {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	var total time.Duration
	for i, s := range lc.segments {
		if i == len(lc.segments)-1 {
			total += lc.inProgress(s.prog)
			break
		}
		total += s.frozen
	}
	return total
}

// Length is the known byte size of the whole chain.
func (lc *LiveChain) Length() int64 {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	var total int64
	for _, s := range lc.segments {
		total += s.length
	}
	return total
}

// UpdateLength records the backend's current size of the segment with uid.
func (lc *LiveChain) UpdateLength(uid string, size int64) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for _, s := range lc.segments {
		if s.prog.UID() != uid {
			continue
		}
		s.length = size
		if s.file != nil {
			s.file.UpdateLength(size)
		}
		return true
	}
	return false
}

// Position is the logical read offset.
func (lc *LiveChain) Position() int64 {
	lc.readMu.Lock()
	defer lc.readMu.Unlock()
	return lc.pos
}

// segmentAt returns the file of segment i, opening it if needed. Callers
// use the returned file and never s.file, which Close clears.
func (lc *LiveChain) segmentAt(i int) (segmentFile, bool, error) {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return nil, false, fmt.Errorf("chain %s closed: %w", lc.id, domain.ErrNoLiveSession)
	}
	if i >= len(lc.segments) {
		lc.mu.Unlock()
		return nil, false, nil
	}
	s := lc.segments[i]
	last := i == len(lc.segments)-1
	f := s.file
	lc.mu.Unlock()

	if f != nil {
		return f, last, nil
	}
	f, err := lc.open(context.Background(), s.prog)
	if err != nil {
		return nil, last, fmt.Errorf("open segment %s: %w", s.prog.UID(), err)
	}

	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		_ = f.Close()
		return nil, last, fmt.Errorf("chain %s closed: %w", lc.id, domain.ErrNoLiveSession)
	}
	s.file = f
	if l := f.Length(); l > s.length {
		s.length = l
	}
	lc.mu.Unlock()
	return f, last, nil
}

// settle fixes the length of segment i to end once reading has moved past
// it, so later offsets line up with the bytes actually read.
func (lc *LiveChain) settle(i int, end int64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if i < len(lc.segments) && end > 0 {
		lc.segments[i].length = end
	}
}

// Read fills p from the current segment and moves on to the next segment
// when it is exhausted. At the live edge it returns 0 and no error.
func (lc *LiveChain) Read(p []byte) (int, error) {
	lc.readMu.Lock()
	defer lc.readMu.Unlock()

	for {
		f, last, err := lc.segmentAt(lc.cur)
		if err != nil {
			return 0, err
		}
		if f == nil {
			return 0, nil
		}
		n, err := f.Read(p)
		if n > 0 {
			lc.pos += int64(n)
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if last {
			return 0, nil
		}
		lc.settle(lc.cur, f.Position())
		lc.cur++
		next, _, err := lc.segmentAt(lc.cur)
		if err != nil {
			return 0, err
		}
		if next != nil {
			if _, err := next.Seek(0, io.SeekStart); err != nil {
				return 0, err
			}
		}
	}
}

// Seek moves the logical read offset. Offsets past the known end land in
// the newest segment, whose file may still be growing.
func (lc *LiveChain) Seek(offset int64, whence int) (int64, error) {
	lc.readMu.Lock()
	defer lc.readMu.Unlock()

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = lc.pos + offset
	case io.SeekEnd:
		target = lc.Length() + offset
	default:
		return lc.pos, fmt.Errorf("whence %d: %w", whence, domain.ErrInvalidArgument)
	}
	if target < 0 {
		return lc.pos, fmt.Errorf("offset %d: %w", target, domain.ErrInvalidArgument)
	}

	idx, within := lc.locate(target)
	if idx < 0 {
		return lc.pos, fmt.Errorf("chain %s: %w", lc.id, domain.ErrNoLiveSession)
	}
	f, _, err := lc.segmentAt(idx)
	if err != nil {
		return lc.pos, err
	}
	got, err := f.Seek(within, io.SeekStart)
	if err != nil {
		return lc.pos, err
	}
	lc.cur = idx
	lc.pos = target - within + got
	return lc.pos, nil
}

// locate maps a logical offset to a segment index and an offset inside it.
func (lc *LiveChain) locate(target int64) (int, int64) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.segments) == 0 {
		return -1, 0
	}
	var start int64
	for i, s := range lc.segments {
		if i == len(lc.segments)-1 || target < start+s.length {
			return i, target - start
		}
		start += s.length
	}
	return len(lc.segments) - 1, target - start
}

// Close closes every opened segment file. Reads and seeks on a closed
// chain fail with ErrNoLiveSession.
func (lc *LiveChain) Close() error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.closed = true
	var errs []error
	for _, s := range lc.segments {
		if s.file == nil {
			continue
		}
		errs = append(errs, s.file.Close())
		s.file = nil
	}
	return errors.Join(errs...)
}
