package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunExecutesFn(t *testing.T) {
	p := New(2)
	var ran atomic.Bool
	err := p.Run(context.Background(), func() error {
		ran.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran.Load() {
		t.Fatal("fn did not run")
	}
}

func TestRunPropagatesError(t *testing.T) {
	p := New(1)
	wantErr := errors.New("boom")
	if err := p.Run(context.Background(), func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("Run() error = %v, want %v", err, wantErr)
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	p := New(1)
	var inFlight atomic.Int32
	var maxSeen atomic.Int32

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			errs <- p.Run(context.Background(), func() error {
				n := inFlight.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	for i := 0; i < 3; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if maxSeen.Load() > 1 {
		t.Fatalf("max concurrent = %d, want <= 1", maxSeen.Load())
	}
}

func TestDefaultReturnsSamePool(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default() returned different pools across calls")
	}
}
