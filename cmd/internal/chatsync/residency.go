package chatsync

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// residency holds the open conversation entries. Group conversations share a
// least-recently-touched cap; direct conversations stay until closed.
// It is not safe for concurrent use; the registry guards it with its mutex.
type residency struct {
	groups *lru.Cache[string, *entry]
	direct map[string]*entry
}

func newResidency(groupCap int, onEvict func(string, *entry)) (*residency, error) {
	groups, err := lru.NewWithEvict[string, *entry](groupCap, onEvict)
	if err != nil {
		return nil, err
	}
	return &residency{groups: groups, direct: make(map[string]*entry)}, nil
}

// Get returns the entry for id and marks it as touched.
func (r *residency) Get(id string) (*entry, bool) {
	if e, ok := r.direct[id]; ok {
		return e, true
	}
	return r.groups.Get(id)
}

// Peek returns the entry for id without touching it.
func (r *residency) Peek(id string) (*entry, bool) {
	if e, ok := r.direct[id]; ok {
		return e, true
	}
	return r.groups.Peek(id)
}

// Add installs e under id, placing it by e.conv.Kind. Adding a group entry may
// evict the least recently touched group entry.
func (r *residency) Add(id string, e *entry) {
	if e.conv.Kind == KindDirect {
		r.direct[id] = e
		return
	}
	r.groups.Add(id, e)
}

func (r *residency) Remove(id string) {
	if _, ok := r.direct[id]; ok {
		delete(r.direct, id)
		return
	}
	r.groups.Remove(id)
}

// Keys returns direct ids (sorted), then group ids least recently touched first.
func (r *residency) Keys() []string {
	out := make([]string, 0, r.Len())
	for id := range r.direct {
		out = append(out, id)
	}
	sort.Strings(out)
	return append(out, r.groups.Keys()...)
}

func (r *residency) Len() int { return len(r.direct) + r.groups.Len() }

func (r *residency) Purge() {
	r.direct = make(map[string]*entry)
	r.groups.Purge()
}
