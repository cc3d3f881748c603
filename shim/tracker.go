package shim

import "sync"

type touch struct {
	table  *Table
	method string
	id     uint64
}

// Tracker remembers the wrappers installed through it so they can be removed
// as a group. Safe for concurrent use by multiple goroutines.
type Tracker struct {
	touched []touch
	mu      sync.Mutex
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Track wraps method like Wrap and records the installed layer on tr.
func Track[F any](tr *Tracker, t *Table, method string, factory func(F) F) error {
	id, err := wrap(t, method, factory)
	if err != nil {
		return err
	}
	tr.mu.Lock()
	tr.touched = append(tr.touched, touch{table: t, method: method, id: id})
	tr.mu.Unlock()
	return nil
}

// Untrack removes the most recent layer tr installed on method.
// Returns false when tr never wrapped it.
func (tr *Tracker) Untrack(t *Table, method string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for i := len(tr.touched) - 1; i >= 0; i-- {
		tc := tr.touched[i]
		if tc.table != t || tc.method != method {
			continue
		}
		tr.touched = append(tr.touched[:i], tr.touched[i+1:]...)
		return tc.table.unwrapLayer(tc.method, tc.id)
	}
	return false
}

// Len returns the number of layers currently tracked.
func (tr *Tracker) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.touched)
}

// UnwrapAll removes every tracked layer, most recent first.
// Layers already removed by other means are skipped.
func (tr *Tracker) UnwrapAll() int {
	tr.mu.Lock()
	touched := tr.touched
	tr.touched = nil
	tr.mu.Unlock()

	removed := 0
	for i := len(touched) - 1; i >= 0; i-- {
		if touched[i].table.unwrapLayer(touched[i].method, touched[i].id) {
			removed++
		}
	}
	return removed
}
