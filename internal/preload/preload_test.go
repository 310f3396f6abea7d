package preload

import (
	"context"
	"log"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slbailey/retrovue/internal/block"
)

func testLogger() *log.Logger { return log.New(os.Stdout, "", 0) }

func TestRequestPreloadRunsStart(t *testing.T) {
	mgr := New(Config{PollInterval: 10 * time.Millisecond, ReapGrace: 50 * time.Millisecond}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	var ran int32
	done := make(chan struct{})
	mgr.RequestPreload(PreloadRequest{
		BlockID: block.BlockID(1),
		Start: func(ctx context.Context) error {
			atomic.StoreInt32(&ran, 1)
			close(done)
			return nil
		},
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for preload Start to run")
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("expected Start to have run")
	}
}

func TestRequestReapJoinsWithinGrace(t *testing.T) {
	mgr := New(Config{PollInterval: 10 * time.Millisecond, ReapGrace: 200 * time.Millisecond}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	joined := make(chan struct{})
	mgr.RequestReap(ReapRequest{
		BlockID:  block.BlockID(2),
		Detached: time.Now(),
		Join: func(ctx context.Context) error {
			close(joined)
			return nil
		},
	})

	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reap Join to run")
	}
}
