package chat

import (
	"slices"
	"sync"
)

// Reconciler keeps a room's log: history sorted once by CreatedAt, then live
// messages appended in arrival order. Messages are never deduplicated because
// the wire format carries no message id.
type Reconciler struct {
	mu   sync.RWMutex
	msgs []ChatMessage
}

// NewReconciler seeds the log with history. The input slice is not modified.
func NewReconciler(history []ChatMessage) *Reconciler {
	msgs := slices.Clone(history)
	slices.SortStableFunc(msgs, func(a, b ChatMessage) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return &Reconciler{msgs: msgs}
}

// Append adds a live message at the end, even when its timestamp predates the
// last entry, and returns its index.
func (r *Reconciler) Append(m ChatMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return len(r.msgs) - 1
}

// Messages returns a snapshot of the log.
func (r *Reconciler) Messages() []ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.msgs)
}

// Len returns the number of entries.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.msgs)
}

// Merge is the batch form: sorted history followed by live in arrival order.
func Merge(history, live []ChatMessage) []ChatMessage {
	r := NewReconciler(history)
	for _, m := range live {
		r.Append(m)
	}
	return r.msgs
}
