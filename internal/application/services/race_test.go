package services

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/domain"
	"github.com/opdenkamp/xbmc-pvr-addons-sub004/internal/ports"
)

// TestRecordingService_ConcurrentSync tests concurrent readers while the
// change queue is fed
func TestRecordingService_ConcurrentSync(t *testing.T) {
	client := ports.NewMockMythClient().WithRecordings(rec(1, 0, "A"))
	q := &fifo{}
	svc := NewRecordingService(client, q, nil)
	ctx := context.Background()

	const goroutines = 10
	const iterations = 50

	var wg sync.WaitGroup
	wg.Add(goroutines * 2)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				if _, err := svc.GetAllRecordings(ctx); err != nil {
					t.Errorf("GetAllRecordings failed: %v", err)
				}
			}
		}()
	}

	for i := 0; i < goroutines; i++ {
		go func(id uint32) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				p := rec(100+id, j, "X")
				q.push(domain.RecordingChange{Kind: domain.ChangeUpdate, Program: p})
				svc.RecordingsChanged()
				if j%10 == 0 {
					svc.InvalidateCache()
				}
			}
		}(uint32(i))
	}

	wg.Wait()
}

// TestLiveTVService_ConcurrentReadsAndSwitches tests reads racing channel
// switches and backend stops
func TestLiveTVService_ConcurrentReadsAndSwitches(t *testing.T) {
	tuner := ports.NewMockTuner(1).WithStream(make([]byte, 1<<16))
	svc := NewLiveTVService(ports.NewMockMythClient().WithTuners(tuner), true, nil)
	ctx := context.Background()
	if err := svc.Open(ctx, chanOne); err != nil {
		t.Fatal(err)
	}

	const iterations = 100
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		buf := make([]byte, 512)
		for j := 0; j < iterations; j++ {
			_, _ = svc.Read(buf)
			_, _ = svc.Seek(0, io.SeekStart)
			_ = svc.Status()
		}
	}()

	go func() {
		defer wg.Done()
		for j := 0; j < iterations; j++ {
			ch := chanOne
			if j%2 == 0 {
				ch = chanTwo
			}
			if err := svc.SwitchChannel(ctx, ch); err != nil {
				_ = svc.Open(ctx, ch)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for j := 0; j < iterations; j++ {
			svc.LiveStreamStopped(1)
		}
	}()

	wg.Wait()
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
