package mythtv

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

type memFile struct {
	*bytes.Reader
	length atomic.Int64
	closed atomic.Int32
}

func newMemFile(data []byte) *memFile {
	f := &memFile{Reader: bytes.NewReader(data)}
	f.length.Store(int64(len(data)))
	return f
}

func (f *memFile) Length() int64        { return f.length.Load() }
func (f *memFile) UpdateLength(n int64) { f.length.Store(n) }
func (f *memFile) Position() int64      { return f.Size() - int64(f.Len()) }
func (f *memFile) Close() error {
	f.closed.Add(1)
	return nil
}

type memStore struct {
	files  map[string]*memFile
	opened []string
}

func (s *memStore) open(_ context.Context, p *domain.Program) (segmentFile, error) {
	f, ok := s.files[p.UID()]
	if !ok {
		return nil, domain.ErrNotFound
	}
	s.opened = append(s.opened, p.UID())
	return f, nil
}

var chainEpoch = time.Date(2026, 1, 10, 18, 0, 0, 0, time.UTC)

func liveSegment(chanID uint32, offset time.Duration, size int64) *domain.Program {
	start := chainEpoch.Add(offset)
	return &domain.Program{
		ChanID:   chanID,
		RecStart: start,
		RecEnd:   start.Add(time.Hour),
		Length:   size,
	}
}

func TestLiveChain_AppendRules(t *testing.T) {
	lc := newLiveChain("c1", clockwork.NewFakeClockAt(chainEpoch), nil)

	_, err := lc.Append(nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	first := liveSegment(1001, 0, 10)
	ok, err := lc.Append(first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lc.Append(liveSegment(1001, 0, 99))
	require.NoError(t, err)
	assert.False(t, ok, "same recording is not added twice")

	_, err = lc.Append(liveSegment(1002, -time.Minute, 10))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	ok, err = lc.Append(liveSegment(1002, time.Minute, 10))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, 2, lc.Len())
	assert.Equal(t, 1, lc.LastIndex())
	p, ok := lc.Segment(0)
	require.True(t, ok)
	assert.Same(t, first, p)
	_, ok = lc.Segment(2)
	assert.False(t, ok)
}

func TestLiveChain_AppendOnlyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := clockwork.NewFakeClockAt(chainEpoch)
		lc := newLiveChain("prop", clock, nil)

		var kept []string
		var lastStart time.Duration
		var lastDuration time.Duration
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			offset := time.Duration(rapid.IntRange(-30, 120).Draw(t, "offset")) * time.Minute
			start := lastStart + offset
			p := liveSegment(uint32(rapid.IntRange(1000, 1003).Draw(t, "chan")), start, 100)
			clock.Advance(time.Duration(rapid.IntRange(0, 90).Draw(t, "tick")) * time.Minute)

			before := lc.Len()
			ok, err := lc.Append(p)
			switch {
			case before > 0 && p.UID() == kept[len(kept)-1]:
				if err != nil || ok {
					t.Fatalf("duplicate of last segment: ok=%v err=%v", ok, err)
				}
			case before > 0 && start < lastStart:
				if !errors.Is(err, domain.ErrInvalidArgument) {
					t.Fatalf("earlier segment accepted: %v", err)
				}
			default:
				if err != nil || !ok {
					t.Fatalf("append %s: ok=%v err=%v", p.UID(), ok, err)
				}
				kept = append(kept, p.UID())
				lastStart = start
			}

			if lc.Len() != len(kept) {
				t.Fatalf("length %d, want %d", lc.Len(), len(kept))
			}
			for j, uid := range kept {
				got, _ := lc.Segment(j)
				if got.UID() != uid {
					t.Fatalf("segment %d changed from %s to %s", j, uid, got.UID())
				}
			}
			d := lc.Duration()
			if d < lastDuration {
				t.Fatalf("duration went back from %v to %v", lastDuration, d)
			}
			lastDuration = d
		}
	})
}

func TestLiveChain_Duration(t *testing.T) {
	clock := clockwork.NewFakeClockAt(chainEpoch)
	lc := newLiveChain("d", clock, nil)
	assert.Zero(t, lc.Duration())

	_, err := lc.Append(liveSegment(1001, 0, 10))
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, lc.Duration())

	_, err = lc.Append(liveSegment(1001, 10*time.Minute, 10))
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 15*time.Minute, lc.Duration())

	// the newest segment never counts beyond its scheduled end
	clock.Advance(3 * time.Hour)
	assert.Equal(t, 70*time.Minute, lc.Duration())
}

func TestLiveChain_ReadAcrossSegments(t *testing.T) {
	a := liveSegment(1001, 0, 4)
	b := liveSegment(1001, time.Minute, 3)
	store := &memStore{files: map[string]*memFile{
		a.UID(): newMemFile([]byte("abcd")),
		b.UID(): newMemFile([]byte("efg")),
	}}
	lc := newLiveChain("r", clockwork.NewFakeClockAt(chainEpoch), store.open)

	n, err := lc.Read(make([]byte, 4))
	require.NoError(t, err)
	assert.Zero(t, n, "no segment yet")

	_, err = lc.Append(a)
	require.NoError(t, err)
	_, err = lc.Append(b)
	require.NoError(t, err)
	assert.Equal(t, int64(7), lc.Length())

	var out []byte
	buf := make([]byte, 3)
	for i := 0; i < 10; i++ {
		n, err := lc.Read(buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	assert.Equal(t, "abcdefg", string(out))
	assert.Equal(t, int64(7), lc.Position())
	assert.Equal(t, []string{a.UID(), b.UID()}, store.opened, "files open lazily and once")

	require.NoError(t, lc.Close())
	assert.Equal(t, int32(1), store.files[a.UID()].closed.Load())
	assert.Equal(t, int32(1), store.files[b.UID()].closed.Load())
}

func TestLiveChain_Seek(t *testing.T) {
	a := liveSegment(1001, 0, 4)
	b := liveSegment(1001, time.Minute, 3)
	store := &memStore{files: map[string]*memFile{
		a.UID(): newMemFile([]byte("abcd")),
		b.UID(): newMemFile([]byte("efg")),
	}}
	lc := newLiveChain("s", clockwork.NewFakeClockAt(chainEpoch), store.open)

	_, err := lc.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, domain.ErrNoLiveSession)

	_, err = lc.Append(a)
	require.NoError(t, err)
	_, err = lc.Append(b)
	require.NoError(t, err)

	tests := []struct {
		name    string
		offset  int64
		whence  int
		want    int64
		next    byte
		wantErr error
	}{
		{"start into second segment", 5, io.SeekStart, 5, 'f', nil},
		{"relative back into first", -4, io.SeekCurrent, 1, 'b', nil},
		{"from end", -1, io.SeekEnd, 6, 'g', nil},
		{"segment boundary", 4, io.SeekStart, 4, 'e', nil},
		{"before start", -10, io.SeekCurrent, 4, 0, domain.ErrInvalidArgument},
		{"bad whence", 0, 7, 4, 0, domain.ErrInvalidArgument},
	}
	for _, tt := range tests {
		pos, err := lc.Seek(tt.offset, tt.whence)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, tt.name)
			assert.Equal(t, tt.want, pos, tt.name)
			continue
		}
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, pos, tt.name)

		one := make([]byte, 1)
		n, err := lc.Read(one)
		require.NoError(t, err, tt.name)
		require.Equal(t, 1, n, tt.name)
		assert.Equal(t, tt.next, one[0], tt.name)
		// step back so the next case starts from the sought position
		_, err = lc.Seek(-1, io.SeekCurrent)
		require.NoError(t, err, tt.name)
	}
}

func TestLiveChain_UpdateLength(t *testing.T) {
	a := liveSegment(1001, 0, 4)
	b := liveSegment(1001, time.Minute, 3)
	fb := newMemFile([]byte("efg"))
	store := &memStore{files: map[string]*memFile{
		a.UID(): newMemFile([]byte("abcd")),
		b.UID(): fb,
	}}
	lc := newLiveChain("u", clockwork.NewFakeClockAt(chainEpoch), store.open)
	_, _ = lc.Append(a)
	_, _ = lc.Append(b)

	assert.False(t, lc.UpdateLength("nope", 100))
	assert.True(t, lc.UpdateLength(b.UID(), 30))
	assert.Equal(t, int64(34), lc.Length())

	// an opened file follows the update too
	_, err := lc.Seek(4, io.SeekStart)
	require.NoError(t, err)
	assert.True(t, lc.UpdateLength(b.UID(), 40))
	assert.Equal(t, int64(40), fb.Length())
	assert.Equal(t, int64(44), lc.Length())
}

func TestLiveChain_ReadAfterClose(t *testing.T) {
	a := liveSegment(1001, 0, 4)
	store := &memStore{files: map[string]*memFile{a.UID(): newMemFile([]byte("abcd"))}}
	lc := newLiveChain("closed", clockwork.NewFakeClockAt(chainEpoch), store.open)
	_, err := lc.Append(a)
	require.NoError(t, err)

	n, err := lc.Read(make([]byte, 2))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, lc.Close())
	require.NoError(t, lc.Close())

	_, err = lc.Read(make([]byte, 2))
	assert.ErrorIs(t, err, domain.ErrNoLiveSession)
	_, err = lc.Seek(0, io.SeekStart)
	assert.ErrorIs(t, err, domain.ErrNoLiveSession)

	assert.Equal(t, []string{a.UID()}, store.opened, "a closed chain opens nothing")
	assert.Equal(t, int32(1), store.files[a.UID()].closed.Load())
}

func TestLiveChain_CloseDuringOpen(t *testing.T) {
	a := liveSegment(1001, 0, 4)
	f := newMemFile([]byte("abcd"))
	entered := make(chan struct{})
	release := make(chan struct{})
	open := func(context.Context, *domain.Program) (segmentFile, error) {
		close(entered)
		<-release
		return f, nil
	}
	lc := newLiveChain("racing", clockwork.NewFakeClockAt(chainEpoch), open)
	_, err := lc.Append(a)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := lc.Read(make([]byte, 4))
		errc <- err
	}()
	<-entered
	require.NoError(t, lc.Close())
	close(release)

	assert.ErrorIs(t, <-errc, domain.ErrNoLiveSession)
	assert.Equal(t, int32(1), f.closed.Load(), "a file opened after close is closed again")
}

func TestLiveChain_ConcurrentReadAndClose(t *testing.T) {
	for i := 0; i < 200; i++ {
		a := liveSegment(1001, 0, 4)
		b := liveSegment(1001, time.Minute, 3)
		store := &memStore{files: map[string]*memFile{
			a.UID(): newMemFile([]byte("abcd")),
			b.UID(): newMemFile([]byte("efg")),
		}}
		lc := newLiveChain("rc", clockwork.NewFakeClockAt(chainEpoch), store.open)
		_, _ = lc.Append(a)
		_, _ = lc.Append(b)

		var wg sync.WaitGroup
		var readErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 2)
			for {
				if _, err := lc.Seek(0, io.SeekStart); err != nil {
					readErr = err
					return
				}
				for {
					n, err := lc.Read(buf)
					if err != nil {
						readErr = err
						return
					}
					if n == 0 {
						break
					}
				}
			}
		}()

		require.NoError(t, lc.Close())
		wg.Wait()
		require.ErrorIs(t, readErr, domain.ErrNoLiveSession)
		for uid, f := range store.files {
			assert.LessOrEqual(t, f.closed.Load(), int32(1), uid)
		}
	}
}

func TestLiveChain_SettlesLengthOfFinishedSegment(t *testing.T) {
	a := liveSegment(1001, 0, 2)
	b := liveSegment(1001, time.Minute, 3)
	fa := newMemFile([]byte("abcd"))
	fa.UpdateLength(2) // the last size report came before the final flush
	store := &memStore{files: map[string]*memFile{
		a.UID(): fa,
		b.UID(): newMemFile([]byte("efg")),
	}}
	lc := newLiveChain("settle", clockwork.NewFakeClockAt(chainEpoch), store.open)
	_, _ = lc.Append(a)
	_, _ = lc.Append(b)
	assert.Equal(t, int64(5), lc.Length())

	var out []byte
	buf := make([]byte, 3)
	for i := 0; i < 10; i++ {
		n, err := lc.Read(buf)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	assert.Equal(t, "abcdefg", string(out))
	assert.Equal(t, int64(7), lc.Length())

	pos, err := lc.Seek(5, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(5), pos)
	one := make([]byte, 1)
	n, err := lc.Read(one)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte('f'), one[0])
}
