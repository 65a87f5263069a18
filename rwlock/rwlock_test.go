package rwlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWriterExclusiveAgainstReaders(t *testing.T) {
	l := New()
	var shared int64
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket := l.RLock()
			defer l.RUnlock(ticket)
			if v := atomic.LoadInt64(&shared); v%2 != 0 {
				t.Errorf("reader observed torn write: %d", v)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket := l.Lock()
			atomic.AddInt64(&shared, 1)
			atomic.AddInt64(&shared, 1)
			l.Unlock(ticket)
		}()
	}
	wg.Wait()
	if shared != 40 {
		t.Fatalf("expected 40 total increments, got %d", shared)
	}
}

func TestWriterFIFO(t *testing.T) {
	l := New()
	const n = 100
	order := make([]uint64, 0, n)
	var mu sync.Mutex
	var wg sync.WaitGroup

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ticket := l.Lock()
			mu.Lock()
			order = append(order, ticket)
			mu.Unlock()
			l.Unlock(ticket)
		}()
	}
	close(start)
	wg.Wait()

	if len(order) != n {
		t.Fatalf("expected %d writers to run, got %d", n, len(order))
	}
	for pos, ticket := range order {
		if ticket != uint64(pos) {
			t.Fatalf("writer with ticket %d ran at position %d, want ticket order", ticket, pos)
		}
	}
}

func TestReadersDoNotSerialize(t *testing.T) {
	l := New()
	var active int32
	var maxActive int32
	var wg sync.WaitGroup
	release := make(chan struct{})
	entered := make(chan struct{}, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticket := l.RLock()
			n := atomic.AddInt32(&active, 1)
			for {
				old := atomic.LoadInt32(&maxActive)
				if n <= old || atomic.CompareAndSwapInt32(&maxActive, old, n) {
					break
				}
			}
			entered <- struct{}{}
			<-release
			atomic.AddInt32(&active, -1)
			l.RUnlock(ticket)
		}()
	}
	// Hold every reader inside until all ten have entered (or a reader
	// stays blocked past the deadline), so overlap is possible at all.
	deadline := time.After(2 * time.Second)
wait:
	for i := 0; i < 10; i++ {
		select {
		case <-entered:
		case <-deadline:
			break wait
		}
	}
	close(release)
	wg.Wait()
	if maxActive < 2 {
		t.Fatalf("expected readers to overlap, max concurrent was %d", maxActive)
	}
}
