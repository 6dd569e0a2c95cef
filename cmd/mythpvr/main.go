package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpAdapter "github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/primary/http"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/channelfile"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/adapters/secondary/mythtv"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/application/services"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/config"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/logging"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/infrastructure/metrics"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version and exit")
	liveChannel := flag.String("livetv", "", "channel number to record live TV from")
	outPath := flag.String("out", "livetv.ts", "file the live stream is written to")
	liveFor := flag.Duration("duration", time.Minute, "how long to dump live TV")
	liveSource := flag.Uint("source", 1, "video source of -livetv when no channel file is configured")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mythpvr v%s (%s %s)\n", version, commit, date)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting mythpvr", slog.String("version", version), slog.String("commit", commit), slog.String("date", date))
	logger.Info("configuration loaded",
		slog.String("myth_host", cfg.Myth.Host),
		slog.Int("myth_port", cfg.Myth.Port),
		slog.Bool("server_enabled", cfg.Server.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, liveOptions{
		channel:  *liveChannel,
		out:      *outPath,
		duration: *liveFor,
		source:   uint32(*liveSource),
	}); err != nil {
		logger.Error("mythpvr failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

type liveOptions struct {
	channel  string
	out      string
	duration time.Duration
	source   uint32
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, live liveOptions) error {
	m := metrics.New("mythpvr", version)

	var channels *channelfile.Source
	if cfg.Channels.File != "" {
		var err error
		if channels, err = channelfile.Load(cfg.Channels.File); err != nil {
			return fmt.Errorf("load channels: %w", err)
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Myth.Timeout)
	conn, err := mythtv.Connect(connectCtx, mythtv.Options{
		Host:            cfg.Myth.Host,
		Port:            cfg.Myth.Port,
		ProtocolVersion: cfg.Myth.ProtocolVersion,
		Timeout:         cfg.Myth.Timeout,
		ClientName:      cfg.Myth.ClientName,
		ReconnectLimit:  cfg.Myth.ReconnectLimit,
		ChainTimeout:    cfg.LiveTV.ChainTimeout,
		StorageGroup:    cfg.Myth.StorageGroup,
		Logger:          logger,
		Metrics:         m,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("connect to backend: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close backend connection", slog.Any("error", err))
		}
	}()
	logger.Info("connected to backend", slog.Int("protocol_version", conn.Version()))

	policy, err := mythtv.ParseConflictPolicy(cfg.LiveTV.ConflictPolicy)
	if err != nil {
		return err
	}
	var wol *mythtv.WakeOnLAN
	if cfg.Myth.WOLMAC != "" {
		if wol, err = mythtv.NewWakeOnLAN(cfg.Myth.WOLMAC, cfg.Myth.WOLBroadcast); err != nil {
			return err
		}
	}

	// Initialize services
	var source ports.ChannelSource
	if channels != nil {
		source = channels
	}
	changes := mythtv.NewChangeQueue()
	recordingService := services.NewRecordingService(conn, changes, logger)
	liveTVService := services.NewLiveTVService(conn, cfg.LiveTV.ChannelSwitchFallback, logger)
	scheduleService := services.NewScheduleService(conn, source)

	events, err := conn.CreateEventHandler(ctx, mythtv.EventOptions{
		PollMin:        cfg.Events.PollMin,
		PollMid:        cfg.Events.PollMid,
		PollMax:        cfg.Events.PollMax,
		RetryInterval:  cfg.Events.RetryInterval,
		ConflictPolicy: policy,
		Observer: &services.EventRouter{
			Recordings: recordingService,
			Schedules:  scheduleService,
			LiveTV:     liveTVService,
		},
		Notifier:  services.LogNotifier{Logger: logger},
		WakeOnLAN: wol,
		Changes:   changes,
	})
	if err != nil {
		return fmt.Errorf("start event handler: %w", err)
	}
	defer events.Stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		handler := httpAdapter.NewHandler(logger, version, conn, events, recordingService, liveTVService, scheduleService)
		mux := httpAdapter.SetupRoutes(handler, m, logger)
		server := httpAdapter.NewServer(&cfg.Server, logger, handler, mux)

		g.Go(func() error {
			logger.Info("server started", slog.String("addr", "http://"+server.Addr()))
			return server.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if live.channel != "" {
		ch := domain.Channel{ChanNum: live.channel, SourceID: live.source}
		if channels != nil {
			if ch, err = channels.Channel(live.channel); err != nil {
				return fmt.Errorf("live tv channel: %w", err)
			}
		}
		g.Go(func() error {
			return dumpLiveTV(gctx, liveTVService, ch, live, cfg.LiveTV.ReadBlockSize, logger)
		})
	}

	// A plain live dump ends the process when it is done.
	if cfg.Server.Enabled || live.channel == "" {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dumpLiveTV writes live TV on ch to live.out until the duration elapses or
// ctx is cancelled.
func dumpLiveTV(ctx context.Context, svc *services.LiveTVService, ch domain.Channel, live liveOptions, blockSize int, logger *slog.Logger) error {
	f, err := os.Create(live.out)
	if err != nil {
		return fmt.Errorf("create %s: %w", live.out, err)
	}
	defer f.Close()

	if err := svc.Open(ctx, ch); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("failed to stop live tv", slog.Any("error", err))
		}
	}()

	if blockSize <= 0 {
		blockSize = 64 * 1024
	}
	deadline := time.NewTimer(live.duration)
	defer deadline.Stop()

	buf := make([]byte, blockSize)
	var written int64
	for {
		select {
		case <-ctx.Done():
			logger.Info("live dump interrupted", slog.Int64("bytes", written))
			return nil
		case <-deadline.C:
			logger.Info("live dump finished", slog.String("file", live.out), slog.Int64("bytes", written))
			return nil
		default:
		}

		n, err := svc.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read live stream: %w", err)
		}
		if n == 0 {
			// the backend has not written more yet
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return fmt.Errorf("write %s: %w", live.out, err)
		}
		written += int64(n)
	}
}
