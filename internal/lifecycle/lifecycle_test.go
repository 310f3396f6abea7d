package lifecycle

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/slbailey/retrovue/internal/block"
)

func testLogger() *log.Logger { return log.New(os.Stdout, "", 0) }

func TestRequestTeardownExecutesImmediatelyWhenStable(t *testing.T) {
	sup := New(time.Second, testLogger())
	sup.SetState(block.StateLive)

	executed := make(chan struct{})
	sup.RequestTeardown(context.Background(), func() { close(executed) })

	select {
	case <-executed:
	default:
		t.Fatal("expected onExecute to run synchronously for a stable state")
	}
	<-sup.Done()
}

func TestRequestTeardownForcesFailedTerminalAfterGrace(t *testing.T) {
	sup := New(30*time.Millisecond, testLogger())
	sup.SetState(block.StatePlanned)

	executed := make(chan struct{})
	sup.RequestTeardown(context.Background(), func() { close(executed) })

	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("expected teardown to force through after grace timeout")
	}
	if sup.State() != block.StateFailedTerminal {
		t.Fatalf("State() = %v, want StateFailedTerminal", sup.State())
	}
}

func TestRequestTeardownIsIdempotent(t *testing.T) {
	sup := New(time.Second, testLogger())
	sup.SetState(block.StateLive)

	var calls int
	sup.RequestTeardown(context.Background(), func() { calls++ })
	sup.RequestTeardown(context.Background(), func() { calls++ })
	if calls != 1 {
		t.Fatalf("onExecute called %d times, want 1", calls)
	}
}
