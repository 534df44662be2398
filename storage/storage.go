package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"kappari.app/client/models"
)

var ErrInvalidEntity = errors.New("storage: entity needs a collection and uid")

// Key addresses one entity.
type Key struct {
	Collection string
	UID        string
}

// Batch is applied all-or-nothing by ApplyBatch.
type Batch struct {
	Puts    []*models.Entity
	Deletes []Key
}

func (b *Batch) Put(e *models.Entity) {
	b.Puts = append(b.Puts, e)
}

func (b *Batch) Delete(collection, uid string) {
	b.Deletes = append(b.Deletes, Key{Collection: collection, UID: uid})
}

func (b *Batch) Empty() bool {
	return len(b.Puts) == 0 && len(b.Deletes) == 0
}

// Storage persists sync records. Get returns nil, nil for a missing
// entity. Implementations store copies, so callers may keep mutating the
// values they pass in or get back.
type Storage interface {
	Get(ctx context.Context, collection, uid string) (*models.Entity, error)
	Put(ctx context.Context, e *models.Entity) error
	Iterate(ctx context.Context, collection string, fn func(*models.Entity) error) error
	Delete(ctx context.Context, collection, uid string) error
	ApplyBatch(ctx context.Context, b Batch) error

	Close() error
}

type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]map[string]*models.Entity
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]map[string]*models.Entity)}
}

func validate(e *models.Entity) error {
	if e == nil || e.Collection == "" || e.UID == "" {
		return ErrInvalidEntity
	}
	return nil
}

func (m *MemoryStorage) Get(ctx context.Context, collection, uid string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, exists := m.data[collection][models.NormalizeUID(uid)]
	if !exists {
		return nil, nil
	}
	return e.Clone(), nil
}

func (m *MemoryStorage) Put(ctx context.Context, e *models.Entity) error {
	if err := validate(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(e)
	return nil
}

func (m *MemoryStorage) put(e *models.Entity) {
	c := e.Clone()
	c.UID = models.NormalizeUID(c.UID)
	if m.data[c.Collection] == nil {
		m.data[c.Collection] = make(map[string]*models.Entity)
	}
	m.data[c.Collection][c.UID] = c
}

func (m *MemoryStorage) Delete(ctx context.Context, collection, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[collection], models.NormalizeUID(uid))
	return nil
}

// Iterate visits a snapshot in uid order; fn may write to the store.
func (m *MemoryStorage) Iterate(ctx context.Context, collection string, fn func(*models.Entity) error) error {
	m.mu.RLock()
	snapshot := make([]*models.Entity, 0, len(m.data[collection]))
	for _, e := range m.data[collection] {
		snapshot = append(snapshot, e.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].UID < snapshot[j].UID })
	for _, e := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStorage) ApplyBatch(ctx context.Context, b Batch) error {
	for _, e := range b.Puts {
		if err := validate(e); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range b.Puts {
		m.put(e)
	}
	for _, k := range b.Deletes {
		delete(m.data[k.Collection], models.NormalizeUID(k.UID))
	}
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

// all returns every entity, used by FileStorage to serialise the store.
func (m *MemoryStorage) all() []*models.Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Entity
	for _, byUID := range m.data {
		for _, e := range byUID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].UID < out[j].UID
	})
	return out
}
