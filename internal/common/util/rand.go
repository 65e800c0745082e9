package util

import (
	"math/rand"
	"sync"
)

const payloadAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// LockedSource is a random source that uses a mutex to ensure it is threadsafe
type LockedSource struct {
	lk  sync.Mutex
	src rand.Source
}

func (r *LockedSource) Int63() (n int64) {
	r.lk.Lock()
	n = r.src.Int63()
	r.lk.Unlock()
	return
}

func (r *LockedSource) Seed(seed int64) {
	r.lk.Lock()
	r.src.Seed(seed)
	r.lk.Unlock()
}

// NewThreadsafeRand returns a *rand.Rand that is safe to share across multiple goroutines
func NewThreadsafeRand(seed int64) *rand.Rand {
	return rand.New(&LockedSource{
		lk:  sync.Mutex{},
		src: rand.NewSource(seed),
	})
}

// RandomString returns a string of n characters drawn uniformly from the
// alphanumeric alphabet, e.g., for synthetic record payloads.
func RandomString(r *rand.Rand, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = payloadAlphabet[r.Intn(len(payloadAlphabet))]
	}
	return string(b)
}
