package ksync

import (
	"sync"
	"testing"
)

func TestSpinlockAcquire(t *testing.T) {
	var (
		sl      Spinlock
		wg      sync.WaitGroup
		counter int
	)

	numWorkers := 10
	wg.Add(numWorkers)
	for worker := 0; worker < numWorkers; worker++ {
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				sl.Acquire()
				counter++
				sl.Release()
			}
		}()
	}
	wg.Wait()

	if exp := numWorkers * 100; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}
}

func TestSpinlockTryToAcquire(t *testing.T) {
	var sl Spinlock

	if !sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed on a free lock")
	}
	if sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to fail on a held lock")
	}

	sl.Release()
	if !sl.TryToAcquire() {
		t.Fatal("expected TryToAcquire to succeed after a release")
	}
}
