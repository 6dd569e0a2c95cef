package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/application/services"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

func TestDumpLiveTV(t *testing.T) {
	stream := bytes.Repeat([]byte{0x47, 1, 2, 3}, 1024)
	tuner := ports.NewMockTuner(1, 1).WithStream(stream)
	client := ports.NewMockMythClient().WithTuners(tuner)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := services.NewLiveTVService(client, false, logger)

	out := filepath.Join(t.TempDir(), "live.ts")
	live := liveOptions{channel: "5", out: out, duration: 300 * time.Millisecond}
	ch := domain.Channel{ChanID: 1005, ChanNum: "5", SourceID: 1}

	if err := dumpLiveTV(context.Background(), svc, ch, live, 1000, logger); err != nil {
		t.Fatalf("dumpLiveTV: %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, stream) {
		t.Errorf("dumped %d bytes, want %d", len(got), len(stream))
	}
	if spawns, _, stops := tuner.Counts(); spawns != 1 || stops != 1 {
		t.Errorf("spawns=%d stops=%d, want 1 and 1", spawns, stops)
	}
	if svc.Status().Active {
		t.Error("live session still active after dump")
	}
}

func TestDumpLiveTV_NoTuner(t *testing.T) {
	tuner := ports.NewMockTuner(1, 2)
	client := ports.NewMockMythClient().WithTuners(tuner)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := services.NewLiveTVService(client, false, logger)

	live := liveOptions{channel: "5", out: filepath.Join(t.TempDir(), "live.ts"), duration: time.Second}
	err := dumpLiveTV(context.Background(), svc, domain.Channel{ChanNum: "5", SourceID: 1}, live, 0, logger)
	if !errors.Is(err, domain.ErrRecorderUnavailable) {
		t.Fatalf("expected ErrRecorderUnavailable, got %v", err)
	}
}

func TestDumpLiveTV_Cancelled(t *testing.T) {
	tuner := ports.NewMockTuner(1).WithStream(make([]byte, 10))
	client := ports.NewMockMythClient().WithTuners(tuner)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := services.NewLiveTVService(client, false, logger)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	live := liveOptions{channel: "1", out: filepath.Join(t.TempDir(), "live.ts"), duration: time.Hour}
	start := time.Now()
	if err := dumpLiveTV(ctx, svc, domain.Channel{ChanNum: "1", SourceID: 1}, live, 0, logger); err != nil {
		t.Fatalf("dumpLiveTV: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("dump did not stop on cancellation")
	}
	if _, _, stops := tuner.Counts(); stops != 1 {
		t.Errorf("stops=%d, want 1", stops)
	}
}
