package encounter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_exclusivePerKey(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "same")
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if n := k.size(); n != 0 {
		t.Errorf("lock table size = %d, want 0", n)
	}
}

func TestKeyedMutex_independentKeys(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock(a) error = %v", err)
	}
	defer unlockA()

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := k.Lock(cctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) while a held error = %v", err)
	}
	unlockB()
}

func TestKeyedMutex_cancelledWaitCleansUp(t *testing.T) {
	k := newKeyedMutex()
	ctx := context.Background()

	unlock, _ := k.Lock(ctx, "a")
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := k.Lock(cctx, "a"); err == nil {
		t.Fatal("Lock() with cancelled context succeeded while held")
	}
	unlock()

	if n := k.size(); n != 0 {
		t.Errorf("lock table size = %d, want 0", n)
	}
}
