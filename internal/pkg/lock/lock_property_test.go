// Property-based tests for per-session interaction serialization.
package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestConcurrentInteractionSafetyProperty checks that concurrent operations
// under the same session key observe each other: the final counter matches
// sequential execution of all operations.
func TestConcurrentInteractionSafetyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numOps := rapid.IntRange(2, 20).Draw(t, "numOps")

		deltas := make([]int, numOps)
		expected := 0
		for i := 0; i < numOps; i++ {
			deltas[i] = rapid.IntRange(-500, 500).Draw(t, "delta")
			expected += deltas[i]
		}

		key := fmt.Sprintf("session-%d", rapid.Int64Range(1, 1000000).Draw(t, "key"))

		sl := NewSessionLock()
		counter := 0

		var wg sync.WaitGroup
		wg.Add(numOps)
		for _, d := range deltas {
			go func(delta int) {
				defer wg.Done()
				sl.Lock(key)
				defer sl.Unlock(key)
				counter += delta
			}(d)
		}
		wg.Wait()

		if counter != expected {
			t.Fatalf("counter mismatch with locking: expected %d, got %d", expected, counter)
		}
	})
}

// TestWithLockSerializationProperty checks that WithLock serializes
// read-modify-write cycles on the same key.
func TestWithLockSerializationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numOps := rapid.IntRange(5, 30).Draw(t, "numOps")
		perOp := rapid.IntRange(1, 100).Draw(t, "perOp")

		expected := numOps * perOp
		key := fmt.Sprintf("session-%d", rapid.Int64Range(1, 1000000).Draw(t, "key"))

		sl := NewSessionLock()
		counter := 0

		var wg sync.WaitGroup
		wg.Add(numOps)
		for i := 0; i < numOps; i++ {
			go func() {
				defer wg.Done()
				_ = sl.WithLock(key, func() error {
					counter += perOp
					return nil
				})
			}()
		}
		wg.Wait()

		if counter != expected {
			t.Fatalf("counter mismatch with WithLock: expected %d, got %d", expected, counter)
		}
	})
}

// TestIndependentSessionLocksProperty checks that locks for different session
// keys do not interfere with each other's serialization.
func TestIndependentSessionLocksProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numKeys := rapid.IntRange(2, 10).Draw(t, "numKeys")
		opsPerKey := rapid.IntRange(5, 20).Draw(t, "opsPerKey")

		sl := NewSessionLock()

		counters := make([]int, numKeys)

		var wg sync.WaitGroup
		wg.Add(numKeys * opsPerKey)
		for k := 0; k < numKeys; k++ {
			key := fmt.Sprintf("session-%d", k)
			for j := 0; j < opsPerKey; j++ {
				go func(k int, key string) {
					defer wg.Done()
					sl.Lock(key)
					defer sl.Unlock(key)
					counters[k] += 10
				}(k, key)
			}
		}
		wg.Wait()

		for k := 0; k < numKeys; k++ {
			if counters[k] != opsPerKey*10 {
				t.Fatalf("key %d counter mismatch: expected %d, got %d",
					k, opsPerKey*10, counters[k])
			}
		}
	})
}

// TestTryLockExclusivityProperty checks that TryLock refuses while the key is
// held and that the lock is free once all holders release.
func TestTryLockExclusivityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := fmt.Sprintf("session-%d", rapid.Int64Range(1, 1000000).Draw(t, "key"))
		numAttempts := rapid.IntRange(5, 20).Draw(t, "numAttempts")

		sl := NewSessionLock()

		var successCount atomic.Int32
		var wg sync.WaitGroup
		wg.Add(numAttempts)

		startCh := make(chan struct{})
		for i := 0; i < numAttempts; i++ {
			go func() {
				defer wg.Done()
				<-startCh
				if sl.TryLock(key) {
					successCount.Add(1)
					sl.Unlock(key)
				}
			}()
		}
		close(startCh)
		wg.Wait()

		if successCount.Load() < 1 {
			t.Fatalf("at least one TryLock should succeed, got %d", successCount.Load())
		}

		if !sl.TryLock(key) {
			t.Fatal("lock should be available after all operations complete")
		}
		sl.Unlock(key)
	})
}

// TestLockUnlockSymmetryProperty checks that repeated lock/unlock cycles
// leave the key acquirable.
func TestLockUnlockSymmetryProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := fmt.Sprintf("session-%d", rapid.Int64Range(1, 1000000).Draw(t, "key"))
		numCycles := rapid.IntRange(1, 50).Draw(t, "numCycles")

		sl := NewSessionLock()
		for i := 0; i < numCycles; i++ {
			sl.Lock(key)
			sl.Unlock(key)
		}

		if !sl.TryLock(key) {
			t.Fatal("lock should be available after symmetric lock/unlock cycles")
		}
		sl.Unlock(key)
	})
}

// TestWithLockContextCancellation checks that a cancelled context aborts the
// wait with ErrAcquire and never runs the critical section, and that the key
// becomes acquirable again after the holder releases.
func TestWithLockContextCancellation(t *testing.T) {
	sl := NewSessionLock()
	key := "session-ctx"

	sl.Lock(key)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := sl.WithLockContext(ctx, key, func() error {
		ran = true
		return nil
	})
	if err != ErrAcquire {
		t.Fatalf("expected ErrAcquire, got %v", err)
	}
	if ran {
		t.Fatal("critical section must not run after cancellation")
	}

	sl.Unlock(key)

	// The handed-off release must leave the lock acquirable.
	deadline := time.After(time.Second)
	for {
		if sl.TryLock(key) {
			sl.Unlock(key)
			return
		}
		select {
		case <-deadline:
			t.Fatal("lock never became available after handed-off release")
		case <-time.After(time.Millisecond):
		}
	}
}
