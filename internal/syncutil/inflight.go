package syncutil

import "sync"

// Inflight is a set of busy flags keyed by string. Unlike a mutex it
// never waits: a second TryAcquire for a busy key fails immediately,
// which is what a double-tapped button needs.
type Inflight struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

// NewInflight creates an empty flag set.
func NewInflight() *Inflight {
	return &Inflight{busy: make(map[string]struct{})}
}

// TryAcquire marks key busy. It returns a release function and true, or
// nil and false when key is already busy. Release is idempotent.
func (f *Inflight) TryAcquire(key string) (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.busy[key]; ok {
		return nil, false
	}
	f.busy[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.busy, key)
			f.mu.Unlock()
		})
	}, true
}

// Busy reports whether key is currently held.
func (f *Inflight) Busy(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.busy[key]
	return ok
}

// Keys returns the currently busy keys in no particular order.
func (f *Inflight) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.busy))
	for k := range f.busy {
		out = append(out, k)
	}
	return out
}
