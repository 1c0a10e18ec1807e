package logger

import "sync"

// Once tracks conditions that should be logged a single time per
// process run, such as "search backend unavailable". It is owned by
// the component that needs it and reset explicitly, rather than being
// ambient package state.
type Once struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewOnce() *Once {
	return &Once{seen: make(map[string]bool)}
}

// First reports whether name has not been observed before, marking it
// observed. The first caller for a given name gets true, everyone
// after gets false.
func (o *Once) First(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seen[name] {
		return false
	}
	o.seen[name] = true
	return true
}

// Reset forgets every observed name.
func (o *Once) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = make(map[string]bool)
}
