package chatsync

import "sort"

// Merge returns the union of current and batch, unique by ID and ordered newest
// first by (CreatedAt, ID).
//
// On a duplicate ID the batch copy wins. Merge never mutates its inputs and is
// idempotent: Merge(Merge(c, b), b) equals Merge(c, b).
func Merge(current, batch []Message) []Message {
	byID := make(map[string]int, len(current)+len(batch))
	out := make([]Message, 0, len(current)+len(batch))

	for _, m := range current {
		if i, ok := byID[m.ID]; ok {
			out[i] = m
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range batch {
		if i, ok := byID[m.ID]; ok {
			out[i] = m
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool { return newerThan(out[i], out[j]) })
	return out
}

// newerThan is the cache order: CreatedAt descending, ID descending on ties.
func newerThan(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Newest returns the first (newest) message of a cached sequence.
func Newest(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[0], true
}

// Oldest returns the last (oldest) message of a cached sequence.
func Oldest(msgs []Message) (Message, bool) {
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}
