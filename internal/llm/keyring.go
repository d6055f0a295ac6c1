package llm

import "sync"

// Keyring rotates a provider's API keys round-robin. Keys knocked out on
// quota grounds stay out until Reset, which the manager calls when a
// provider's blackout expires.
type Keyring struct {
	mu     sync.Mutex
	keys   []string
	next   int
	failed map[int]bool
}

// NewKeyring builds a ring over the given keys. Empty keys are skipped.
func NewKeyring(keys []string) *Keyring {
	clean := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" {
			clean = append(clean, k)
		}
	}
	return &Keyring{
		keys:   clean,
		failed: make(map[int]bool),
	}
}

// Next returns the next active key and its slot index, advancing the
// rotation cursor. ok is false when no active key remains.
func (r *Keyring) Next() (key string, idx int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return "", 0, false
	}
	for range r.keys {
		i := r.next
		r.next = (r.next + 1) % len(r.keys)
		if !r.failed[i] {
			return r.keys[i], i, true
		}
	}
	return "", 0, false
}

// MarkFailed takes the key at idx out of rotation.
func (r *Keyring) MarkFailed(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= 0 && idx < len(r.keys) {
		r.failed[idx] = true
	}
}

// Reset restores every key to the active set.
func (r *Keyring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = make(map[int]bool)
}

// ActiveCount reports how many keys are currently in rotation.
func (r *Keyring) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.keys {
		if !r.failed[i] {
			n++
		}
	}
	return n
}

// Size reports the total number of keys, failed or not.
func (r *Keyring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
