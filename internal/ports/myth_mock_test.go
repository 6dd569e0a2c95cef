package ports

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

func TestMockMythClient_Recordings(t *testing.T) {
	start := time.Date(2026, 2, 1, 20, 0, 0, 0, time.UTC)
	rec := &domain.Program{ChanID: 1001, RecStart: start, Title: "News"}
	mock := NewMockMythClient().WithRecordings(rec)
	ctx := context.Background()

	got, err := mock.Recording(ctx, 1001, start)
	if err != nil {
		t.Fatalf("Recording: %v", err)
	}
	if got.Title != "News" {
		t.Errorf("Title = %q, want News", got.Title)
	}
	if _, err := mock.Recording(ctx, 1002, start); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := mock.DeleteRecording(ctx, rec, false); err != nil {
		t.Fatalf("DeleteRecording: %v", err)
	}
	list, _ := mock.Recordings(ctx)
	if len(list) != 0 {
		t.Errorf("expected empty list after delete, got %d", len(list))
	}
	if mock.Calls("Recordings") != 1 || mock.Calls("Recording") != 2 {
		t.Errorf("unexpected call counts: %d %d", mock.Calls("Recordings"), mock.Calls("Recording"))
	}
}

func TestMockMythClient_FunctionFieldsOverride(t *testing.T) {
	mock := &MockMythClient{
		RecordingsFunc: func(ctx context.Context) ([]*domain.Program, error) {
			return nil, domain.ErrConnection
		},
	}
	if _, err := mock.Recordings(context.Background()); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if err := mock.RescheduleRecordings(context.Background(), 7); err != nil {
		t.Fatalf("RescheduleRecordings: %v", err)
	}
	if got := mock.Reschedules(); len(got) != 1 || got[0] != 7 {
		t.Errorf("Reschedules = %v", got)
	}
}

func TestMockTuner_LiveSession(t *testing.T) {
	tuner := NewMockTuner(3, 1).WithStream([]byte("0123456789"))
	ctx := context.Background()
	ch := domain.Channel{ChanID: 1001, ChanNum: "1", SourceID: 1}

	ok, _ := tuner.IsTunable(ctx, domain.Channel{SourceID: 2})
	if ok {
		t.Error("source 2 should not be tunable")
	}
	if _, err := tuner.ReadLiveTV(make([]byte, 4)); !errors.Is(err, domain.ErrNoLiveSession) {
		t.Errorf("read without session: %v", err)
	}

	if err := tuner.SpawnLiveTV(ctx, ch); err != nil {
		t.Fatalf("SpawnLiveTV: %v", err)
	}
	buf := make([]byte, 4)
	n, err := tuner.ReadLiveTV(buf)
	if err != nil || string(buf[:n]) != "0123" {
		t.Fatalf("ReadLiveTV = %q, %v", buf[:n], err)
	}
	pos, err := tuner.SeekLiveTV(-2, io.SeekEnd)
	if err != nil || pos != 8 {
		t.Fatalf("SeekLiveTV = %d, %v", pos, err)
	}
	if tuner.LiveTVLength() != 10 {
		t.Errorf("LiveTVLength = %d", tuner.LiveTVLength())
	}

	if err := tuner.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := tuner.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	spawns, switches, stops := tuner.Counts()
	if spawns != 1 || switches != 0 || stops != 1 {
		t.Errorf("Counts = %d %d %d", spawns, switches, stops)
	}
}
