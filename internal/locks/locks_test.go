package locks

import (
	"sync"
	"testing"
)

func TestSameKeySerializes(t *testing.T) {
	s := NewStriped(8)

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Lock("devops")
			counter++
			s.Unlock("devops")
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
}

func TestTryLock(t *testing.T) {
	s := NewStriped(8)

	if !s.TryLock("devops") {
		t.Fatal("first TryLock should succeed")
	}
	if s.TryLock("devops") {
		t.Fatal("second TryLock should fail while held")
	}
	s.Unlock("devops")
	if !s.TryLock("devops") {
		t.Fatal("TryLock should succeed after release")
	}
	s.Unlock("devops")
}

func TestDistinctStripesDoNotBlock(t *testing.T) {
	s := NewStriped(8)

	// Find two keys on different stripes; with 8 stripes these exist.
	keys := []string{"devops", "qa", "staging", "prod", "edge", "core"}
	first := keys[0]
	var second string
	for _, k := range keys[1:] {
		if s.index(k) != s.index(first) {
			second = k
			break
		}
	}
	if second == "" {
		t.Skip("all sample keys landed on one stripe")
	}

	s.Lock(first)
	defer s.Unlock(first)
	if !s.TryLock(second) {
		t.Fatalf("%q should not block behind %q", second, first)
	}
	s.Unlock(second)
}
