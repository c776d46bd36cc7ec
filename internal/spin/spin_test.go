package spin

import (
	"sync"
	"testing"
)

func TestTryLock(t *testing.T) {
	var m Mutex
	if !m.TryLock() {
		t.Fatalf("TryLock() on free mutex failed")
	}
	if m.TryLock() {
		t.Fatalf("TryLock() on held mutex succeeded")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Fatalf("TryLock() after Unlock() failed")
	}
	m.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	var m Mutex
	var wg sync.WaitGroup

	const workers = 8
	const iterations = 10000
	counter := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != workers*iterations {
		t.Fatalf("counter = %d, want %d", counter, workers*iterations)
	}
}
