package locks

import (
	"hash/fnv"
	"sync"
)

// Striped hands out mutexes by key from a fixed-size table, so per-tenant
// critical sections serialize without growing a lock per tenant. Distinct
// keys may share a stripe; that only costs contention, never correctness.
type Striped struct {
	stripes []sync.Mutex
}

func NewStriped(n int) *Striped {
	if n < 1 {
		n = 16
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

func (s *Striped) Lock(key string)   { s.stripes[s.index(key)].Lock() }
func (s *Striped) Unlock(key string) { s.stripes[s.index(key)].Unlock() }

// TryLock reports whether the key's stripe was acquired. Evaluation loops
// use it to skip a cycle instead of queueing behind a slow one.
func (s *Striped) TryLock(key string) bool {
	return s.stripes[s.index(key)].TryLock()
}

func (s *Striped) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.stripes)))
}
