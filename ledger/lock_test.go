package ledger

import (
	"sync"
	"testing"
)

func TestKeyedMutex_DistinctKeysIndependent(t *testing.T) {
	var km KeyedMutex
	km.Lock("a")
	defer km.Unlock("a")

	if !km.TryLock("b") {
		t.Fatal("lock on key a must not block key b")
	}
	km.Unlock("b")
}

func TestKeyedMutex_TryLockHeldKey(t *testing.T) {
	var km KeyedMutex
	km.Lock("a")
	if km.TryLock("a") {
		t.Fatal("TryLock must fail while the key is held")
	}
	km.Unlock("a")
	if !km.TryLock("a") {
		t.Fatal("TryLock must succeed after release")
	}
	km.Unlock("a")
}

func TestKeyedMutex_MutualExclusionUnderContention(t *testing.T) {
	var km KeyedMutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			km.Lock("counter")
			counter++
			km.Unlock("counter")
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("expected 50, got %d", counter)
	}
}
