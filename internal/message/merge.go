package message

import (
	"slices"
	"time"
)

// DuplicateWindow bounds how far apart an optimistic message and its
// confirmation may be when they are matched by content and author.
const DuplicateWindow = 5 * time.Second

// MergeResult describes what a Merge changed.
type MergeResult struct {
	Added []string
	// Replaced maps a temporary ID to the confirmed ID that replaced it.
	Replaced map[string]string
	Ignored  int
}

// Changed reports whether the merge altered the sequence.
func (r MergeResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Replaced) > 0
}

// Merge folds incoming into existing and returns a new slice sorted
// ascending by timestamp. existing is not modified.
//
// Duplicates are absorbed, except that a confirmed message matching a
// sending optimistic one replaces it in place. Merging the same batch twice
// yields the same sequence.
func Merge(existing, incoming []Message) ([]Message, MergeResult) {
	out := slices.Clone(existing)
	res := MergeResult{Replaced: map[string]string{}}

	for _, in := range incoming {
		idx := findDuplicate(out, in)
		if idx < 0 {
			out = append(out, in)
			res.Added = append(res.Added, in.ID)
			continue
		}
		cur := out[idx]
		if cur.Status == StatusFailed && !in.Optimistic && cur.ID != in.ID {
			// Failed is terminal. A late confirmation stands on its own and
			// the failed entry stays for the caller to retry or discard.
			out = append(out, in)
			res.Added = append(res.Added, in.ID)
			continue
		}
		if cur.Optimistic && !in.Optimistic {
			out[idx] = in
			res.Replaced[cur.ID] = in.ID
			continue
		}
		res.Ignored++
	}

	slices.SortStableFunc(out, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, res
}

// findDuplicate returns the index of the entry in list that in duplicates, or
// -1. Exact links win over the content heuristic: canonical ID first, then the
// correlation nonce, then content and author within DuplicateWindow.
func findDuplicate(list []Message, in Message) int {
	for i := range list {
		if list[i].ID == in.ID {
			return i
		}
	}
	if in.Nonce != "" {
		for i := range list {
			if list[i].Nonce == in.Nonce || list[i].ID == in.Nonce {
				return i
			}
		}
	}
	for i := range list {
		if heuristicMatch(list[i], in) {
			return i
		}
	}
	return -1
}

// heuristicMatch pairs an optimistic message with a confirmation that lacks a
// usable correlation nonce. Two confirmed messages with distinct IDs are never
// merged, and two messages carrying different nonces are distinct sends.
func heuristicMatch(a, b Message) bool {
	if a.Optimistic == b.Optimistic {
		return false
	}
	if a.Nonce != "" && b.Nonce != "" && a.Nonce != b.Nonce {
		return false
	}
	if a.Content != b.Content || a.Author.ID != b.Author.ID {
		return false
	}
	d := a.Timestamp.Sub(b.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= DuplicateWindow
}

// Patch lists the mutable fields of a message. Nil fields are left alone.
type Patch struct {
	Content   *string
	Reactions *[]Reaction
	Edited    *bool
}

// ApplyUpdate patches the message with id. An unknown id is not an error:
// updates can arrive before the message is in view.
func ApplyUpdate(list []Message, id string, p Patch) ([]Message, bool) {
	idx := indexOf(list, id)
	if idx < 0 {
		return list, false
	}
	out := slices.Clone(list)
	m := out[idx]
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Reactions != nil {
		m.Reactions = slices.Clone(*p.Reactions)
	}
	if p.Edited != nil {
		m.Edited = *p.Edited
	}
	out[idx] = m
	return out, true
}

// ApplyDelete removes the message with id, if present.
func ApplyDelete(list []Message, id string) ([]Message, bool) {
	idx := indexOf(list, id)
	if idx < 0 {
		return list, false
	}
	out := slices.Clone(list)
	return slices.Delete(out, idx, idx+1), true
}

// MarkFailed moves a sending message to failed. Any other state is left as is.
func MarkFailed(list []Message, id string) ([]Message, bool) {
	idx := indexOf(list, id)
	if idx < 0 || list[idx].Status != StatusSending {
		return list, false
	}
	out := slices.Clone(list)
	out[idx].Status = StatusFailed
	return out, true
}

func indexOf(list []Message, id string) int {
	return slices.IndexFunc(list, func(m Message) bool { return m.ID == id })
}
