package service

import (
	"sort"
	"sync"
)

// entryLocks serialises lifecycle changes to the same entry within one
// process. Locks are reference counted and dropped once unused.
type entryLocks struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func lockKey(tenantID, entryID string) string { return tenantID + "/" + entryID }

// lock acquires every key in sorted order and returns the release func.
// Callers holding one key never wait for a second, so sorting is enough to
// rule out deadlock between multi-key holders.
func (l *entryLocks) lock(keys ...string) func() {
	keys = dedupe(keys)

	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*entryLock)
	}
	held := make([]*entryLock, len(keys))
	for i, k := range keys {
		el := l.locks[k]
		if el == nil {
			el = &entryLock{}
			l.locks[k] = el
		}
		el.refs++
		held[i] = el
	}
	l.mu.Unlock()

	for _, el := range held {
		el.mu.Lock()
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, k := range keys {
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, k)
			}
		}
		l.mu.Unlock()
	}
}

func dedupe(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
