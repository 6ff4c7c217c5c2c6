package weather

import "sync"

// stampedeTracker counts concurrent cache misses per key. A count above one
// means several requests missed the same location at once.
type stampedeTracker struct {
	mu           sync.Mutex
	activeMisses map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{activeMisses: make(map[string]int)}
}

// RecordMiss increments and returns the concurrent miss count for key.
// Callers defer Done(key) once the miss is resolved.
func (st *stampedeTracker) RecordMiss(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.activeMisses[key]++
	return st.activeMisses[key]
}

// Done marks one miss for key as resolved.
func (st *stampedeTracker) Done(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.activeMisses[key] <= 1 {
		delete(st.activeMisses, key)
		return
	}
	st.activeMisses[key]--
}
