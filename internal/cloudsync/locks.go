package cloudsync

import (
	"sort"
	"sync"

	"kappari.app/client/models"
)

// lockTable hands out one mutex per entity. Entries are dropped once no
// goroutine holds or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*entityLock)}
}

func entityKey(collection, uid string) string {
	return collection + "/" + models.NormalizeUID(uid)
}

func (t *lockTable) lock(key string) func() {
	t.mu.Lock()
	l := t.locks[key]
	if l == nil {
		l = &entityLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

// lockAll takes every key in sorted order so two batches cannot deadlock.
func (t *lockTable) lockAll(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var unlocks []func()
	for i, k := range sorted {
		if i > 0 && sorted[i-1] == k {
			continue
		}
		unlocks = append(unlocks, t.lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
