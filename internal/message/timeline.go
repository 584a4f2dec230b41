package message

import "sync"

// Timeline holds one channel's reconciled messages. Every operation applies
// to the latest state under the lock, so callers on different goroutines
// never merge against a stale copy.
type Timeline struct {
	mu   sync.RWMutex
	msgs []Message
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Merge folds msgs into the timeline.
func (t *Timeline) Merge(msgs ...Message) MergeResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	var res MergeResult
	t.msgs, res = Merge(t.msgs, msgs)
	return res
}

// Update patches a message by ID.
func (t *Timeline) Update(id string, p Patch) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ok bool
	t.msgs, ok = ApplyUpdate(t.msgs, id, p)
	return ok
}

// Delete removes a message by ID.
func (t *Timeline) Delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ok bool
	t.msgs, ok = ApplyDelete(t.msgs, id)
	return ok
}

// MarkFailed fails a message that is still sending.
func (t *Timeline) MarkFailed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ok bool
	t.msgs, ok = MarkFailed(t.msgs, id)
	return ok
}

// Get returns the message with id.
func (t *Timeline) Get(id string) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if idx := indexOf(t.msgs, id); idx >= 0 {
		return t.msgs[idx], true
	}
	return Message{}, false
}

// Snapshot returns a copy of the ordered sequence.
func (t *Timeline) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}
