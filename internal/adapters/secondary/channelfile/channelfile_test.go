package channelfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
)

const sample = `
channels:
  - chan_id: 1001
    chan_num: "1"
    callsign: ONE
    name: Channel One
    source_id: 1
    visible: true
  - chan_id: 1002
    chan_num: "2"
    callsign: TWO
    name: Channel Two
    source_id: 2
    mplex_id: 5
    visible: true
groups:
  - name: News
    channels: [1002]
profiles:
  - id: 1
    name: Default
  - id: 2
    name: High Quality
guide:
  - chan_id: 1002
    title: Late News
    start: 2026-03-01T22:00:00Z
    end: 2026-03-01T22:30:00Z
  - chan_id: 1001
    title: Evening Show
    start: 2026-03-01T20:00:00Z
    end: 2026-03-01T21:00:00Z
`

func TestParse(t *testing.T) {
	src, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ctx := context.Background()

	channels, _ := src.Channels(ctx)
	if len(channels) != 2 || channels[1].MplexID != 5 {
		t.Fatalf("unexpected channels: %+v", channels)
	}
	groups, _ := src.ChannelGroups(ctx)
	if len(groups) != 1 || groups[0].Name != "News" || groups[0].Channels[0] != 1002 {
		t.Fatalf("unexpected groups: %+v", groups)
	}
	profiles, _ := src.RecordingProfiles(ctx)
	if len(profiles) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(profiles))
	}

	ch, err := src.Channel("2")
	if err != nil || ch.ChanID != 1002 {
		t.Fatalf("Channel(2) = %+v, %v", ch, err)
	}
	if _, err := src.Channel("99"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGuide_Window(t *testing.T) {
	src, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		start, end time.Time
		want       []string
	}{
		{"whole evening", day.Add(19 * time.Hour), day.Add(23 * time.Hour), []string{"Evening Show", "Late News"}},
		{"overlap start", day.Add(20*time.Hour + 30*time.Minute), day.Add(21 * time.Hour), []string{"Evening Show"}},
		{"end is exclusive", day.Add(19 * time.Hour), day.Add(20 * time.Hour), nil},
		{"gap", day.Add(21 * time.Hour), day.Add(22 * time.Hour), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			progs, err := src.Guide(context.Background(), tt.start, tt.end)
			if err != nil {
				t.Fatalf("Guide: %v", err)
			}
			var got []string
			for _, p := range progs {
				got = append(got, p.Title)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Guide = %v, want %v", got, tt.want)
			}
		})
	}

	progs, _ := src.Guide(context.Background(), day, day.Add(24*time.Hour))
	if progs[1].CallSign != "TWO" || progs[1].ChanNum != "2" {
		t.Errorf("guide entries should carry channel details: %+v", progs[1])
	}
	if _, err := src.Guide(context.Background(), day.Add(time.Hour), day); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for reversed window, got %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing id", "channels:\n  - name: x\n"},
		{"duplicate id", "channels:\n  - chan_id: 1\n  - chan_id: 1\n"},
		{"unknown group member", "channels:\n  - chan_id: 1\ngroups:\n  - name: g\n    channels: [2]\n"},
		{"unknown field", "channels:\n  - chan_id: 1\n    colour: red\n"},
		{"guide reversed", "channels:\n  - chan_id: 1\nguide:\n  - chan_id: 1\n    start: 2026-03-01T22:00:00Z\n    end: 2026-03-01T21:00:00Z\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	src, err := Parse(strings.NewReader(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	channels, _ := src.Channels(context.Background())
	if len(channels) != 0 {
		t.Errorf("expected no channels, got %d", len(channels))
	}
}

func TestLoadAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if _, err := Load(path); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing file, got %v", err)
	}

	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	src, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("channels: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := src.Reload(); err == nil {
		t.Fatal("expected reload error for broken file")
	}
	channels, _ := src.Channels(context.Background())
	if len(channels) != 2 {
		t.Errorf("previous snapshot should survive a failed reload, got %d channels", len(channels))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.Channels(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
