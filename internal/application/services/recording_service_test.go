package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// fifo is a minimal RecordingChanges for tests.
type fifo struct {
	mu    sync.Mutex
	items []domain.RecordingChange
}

func (q *fifo) push(cs ...domain.RecordingChange) {
	q.mu.Lock()
	q.items = append(q.items, cs...)
	q.mu.Unlock()
}

func (q *fifo) Pop() (domain.RecordingChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.RecordingChange{}, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}

func (q *fifo) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

var base = time.Date(2026, 2, 1, 20, 0, 0, 0, time.UTC)

func rec(chanID uint32, hours int, title string) *domain.Program {
	start := base.Add(time.Duration(hours) * time.Hour)
	return &domain.Program{ChanID: chanID, RecStart: start, RecEnd: start.Add(time.Hour), Title: title}
}

func titles(recs []*domain.Program) []string {
	out := make([]string, len(recs))
	for i, p := range recs {
		out[i] = p.Title
	}
	return out
}

func TestRecordingService_NoQueueAlwaysFetches(t *testing.T) {
	client := ports.NewMockMythClient().WithRecordings(rec(1, 0, "A"))
	svc := NewRecordingService(client, nil, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.GetAllRecordings(ctx); err != nil {
			t.Fatalf("GetAllRecordings(%d): %v", i, err)
		}
	}
	if got := client.Calls("Recordings"); got != 2 {
		t.Fatalf("expected 2 backend calls, got %d", got)
	}
}

func TestRecordingService_AppliesQueuedChanges(t *testing.T) {
	a, b, c := rec(1, 0, "A"), rec(2, 1, "B"), rec(3, 2, "C")
	client := ports.NewMockMythClient().WithRecordings(a, b)
	q := &fifo{}
	svc := NewRecordingService(client, q, nil)
	ctx := context.Background()

	recs, err := svc.GetAllRecordings(ctx)
	if err != nil {
		t.Fatalf("GetAllRecordings: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 recordings, got %d", len(recs))
	}

	client.AddRecording(c)
	updated := *b
	updated.Title = "B (edited)"
	q.push(
		domain.RecordingChange{Kind: domain.ChangeAdd, ChanID: c.ChanID, RecStart: c.RecStart},
		domain.RecordingChange{Kind: domain.ChangeUpdate, Program: &updated},
		domain.RecordingChange{Kind: domain.ChangeDelete, ChanID: a.ChanID, RecStart: a.RecStart},
		domain.RecordingChange{Kind: domain.ChangeAdd, ChanID: 99, RecStart: base},
	)

	recs, err = svc.GetAllRecordings(ctx)
	if err != nil {
		t.Fatalf("GetAllRecordings: %v", err)
	}
	got := titles(recs)
	want := []string{"C", "B (edited)"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("titles = %v, want %v", got, want)
	}
	if n := client.Calls("Recordings"); n != 1 {
		t.Errorf("changes should not trigger a full reload, got %d list calls", n)
	}
	if q.Len() != 0 {
		t.Errorf("queue should be drained, %d left", q.Len())
	}
}

func TestRecordingService_InvalidateReloads(t *testing.T) {
	client := ports.NewMockMythClient().WithRecordings(rec(1, 0, "A"))
	q := &fifo{}
	svc := NewRecordingService(client, q, nil)
	ctx := context.Background()

	if _, err := svc.GetAllRecordings(ctx); err != nil {
		t.Fatal(err)
	}
	client.AddRecording(rec(2, 1, "B"))
	q.push(
		domain.RecordingChange{Kind: domain.ChangeDelete, ChanID: 1, RecStart: base},
		domain.RecordingChange{Kind: domain.ChangeInvalidate},
	)

	recs, err := svc.GetAllRecordings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("invalidate should reload the full list and drop earlier changes, got %v", titles(recs))
	}
	if n := client.Calls("Recordings"); n != 2 {
		t.Errorf("expected 2 list calls, got %d", n)
	}
}

func TestRecordingService_FailedLookupForcesReload(t *testing.T) {
	var fail atomic.Bool
	client := ports.NewMockMythClient().WithRecordings(rec(1, 0, "A"))
	client.RecordingFunc = func(ctx context.Context, chanID uint32, recStart time.Time) (*domain.Program, error) {
		if fail.Load() {
			return nil, domain.ErrConnection
		}
		return rec(chanID, 0, "X"), nil
	}
	q := &fifo{}
	svc := NewRecordingService(client, q, nil)
	ctx := context.Background()

	if _, err := svc.GetAllRecordings(ctx); err != nil {
		t.Fatal(err)
	}
	fail.Store(true)
	q.push(domain.RecordingChange{Kind: domain.ChangeAdd, ChanID: 5, RecStart: base})
	if _, err := svc.GetAllRecordings(ctx); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}

	fail.Store(false)
	if _, err := svc.GetAllRecordings(ctx); err != nil {
		t.Fatalf("GetAllRecordings after recovery: %v", err)
	}
	if n := client.Calls("Recordings"); n != 2 {
		t.Errorf("expected a reload after the failed lookup, got %d list calls", n)
	}
}

func TestRecordingService_DeleteAndBookmark(t *testing.T) {
	a := rec(1, 0, "A")
	client := ports.NewMockMythClient().WithRecordings(a)
	svc := NewRecordingService(client, &fifo{}, nil)
	ctx := context.Background()

	if err := svc.SetBookmark(ctx, a.UID(), 1234); err != nil {
		t.Fatalf("SetBookmark: %v", err)
	}
	frame, err := svc.Bookmark(ctx, a.UID())
	if err != nil || frame != 1234 {
		t.Fatalf("Bookmark = %d, %v", frame, err)
	}
	if err := svc.SetBookmark(ctx, a.UID(), -1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}

	if err := svc.DeleteRecording(ctx, "", false); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if err := svc.DeleteRecording(ctx, a.UID(), false); err != nil {
		t.Fatalf("DeleteRecording: %v", err)
	}
	if _, err := svc.GetRecording(ctx, a.UID()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestRecordingService_SortRecordings(t *testing.T) {
	svc := NewRecordingService(ports.NewMockMythClient(), nil, nil)
	b := rec(2, 1, "B")
	b.Length = 10
	a := rec(1, 2, "A")
	a.Length = 5
	c := rec(3, 0, "C")
	c.Length = 20
	recs := []*domain.Program{b, a, c}

	tests := []struct {
		sortBy string
		want   string
	}{
		{"", "ABC"},
		{"date", "ABC"},
		{"date_oldest", "CBA"},
		{"title", "ABC"},
		{"length", "CBA"},
	}
	for _, tt := range tests {
		var got string
		for _, p := range svc.SortRecordings(recs, tt.sortBy) {
			got += p.Title
		}
		if got != tt.want {
			t.Errorf("SortRecordings(%q) = %s, want %s", tt.sortBy, got, tt.want)
		}
	}
	if recs[0] != b {
		t.Error("SortRecordings must not reorder its input")
	}
}
