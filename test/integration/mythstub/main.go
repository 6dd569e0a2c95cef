// Command mythstub runs a simulated MythTV backend for the container
// integration tests. It serves two recorders on source 1, a small recording
// list, and grows the live segments of open sessions.
package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/testutil/mythfake"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	addr := getenv("MYTHSTUB_ADDR", ":6543")
	b, err := mythfake.Start(addr)
	if err != nil {
		logger.Error("listen", slog.String("addr", addr), slog.Any("error", err))
		os.Exit(1)
	}
	defer b.Close()

	if v := os.Getenv("MYTHSTUB_VERSION"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Error("invalid MYTHSTUB_VERSION", slog.String("value", v))
			os.Exit(1)
		}
		b.SetVersion(n)
	}

	channels := map[string]uint32{"1": 1001, "2": 1002, "3": 1003}
	live := &mythfake.LiveRecorder{
		ID:               1,
		Inputs:           []domain.FreeInput{{Name: "DVBInput", SourceID: 1, InputID: 1, CardID: 1}},
		Channels:         channels,
		ChainUpdateDelay: 200 * time.Millisecond,
	}
	spare := &mythfake.LiveRecorder{
		ID:               2,
		Inputs:           []domain.FreeInput{{Name: "DVBInput", SourceID: 1, InputID: 2, CardID: 2}},
		Channels:         channels,
		ChainUpdateDelay: 200 * time.Millisecond,
	}
	mythfake.NewRecorders(b, live, spare)
	mythfake.NewStore(b, sampleRecordings(b)...)

	host, port := b.Addr()
	logger.Info("mythstub listening", slog.String("host", host), slog.Int("port", port), slog.Int("version", b.Version()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("mythstub stopping")
			return
		case <-ticker.C:
			for _, lr := range []*mythfake.LiveRecorder{live, spare} {
				if size := lr.Grow(64 * 1024); size > 0 {
					logger.Debug("live segment grew", slog.Uint64("recorder", uint64(lr.ID)), slog.Int64("size", size))
				}
			}
		}
	}
}

func sampleRecordings(b *mythfake.Backend) []*domain.Program {
	base := time.Date(2026, 2, 1, 20, 0, 0, 0, time.UTC)
	titles := []string{"Evening News", "Nature Documentary", "Late Movie"}

	out := make([]*domain.Program, 0, len(titles))
	for i, title := range titles {
		start := base.Add(time.Duration(i) * 90 * time.Minute)
		chanID := uint32(1001 + i)
		p := &domain.Program{
			Title:        title,
			ChanID:       chanID,
			ChanNum:      strconv.Itoa(i + 1),
			CallSign:     "CH" + strconv.Itoa(i+1),
			Start:        start,
			End:          start.Add(time.Hour),
			RecStart:     start,
			RecEnd:       start.Add(time.Hour),
			Hostname:     "mythstub",
			RecGroup:     "Default",
			StorageGroup: "Default",
			RecStatus:    -3,
			RecordedID:   uint32(100 + i),
			Pathname:     "/" + strconv.FormatUint(uint64(chanID), 10) + "_" + start.Format("20060102150405") + ".ts",
		}
		content := bytes.Repeat(mythfake.TSPacket, 64)
		p.Length = int64(len(content))
		b.SetFile(p.Pathname, content)
		out = append(out, p)
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
