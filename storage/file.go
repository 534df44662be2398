package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"kappari.app/client/internal/logger"
	"kappari.app/client/models"
)

// FileStorage keeps the store in memory and rewrites a JSON file after
// every change.
type FileStorage struct {
	filepath string
	mem      *MemoryStorage
	// writeMu orders mutations with their file write.
	writeMu sync.Mutex
}

func NewFileStorage(path string) (*FileStorage, error) {
	fs := &FileStorage{filepath: path, mem: NewMemoryStorage()}
	err := fs.loadFromFile()
	return fs, err
}

func (f *FileStorage) loadFromFile() error {
	raw, err := os.ReadFile(f.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("store file does not exist, starting empty", logger.Fields{"path": f.filepath})
			return nil
		}
		return err
	}

	var entities []*models.Entity
	if err := json.Unmarshal(raw, &entities); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	for _, e := range entities {
		if err := validate(e); err != nil {
			return fmt.Errorf("%s: %w", f.filepath, err)
		}
		f.mem.put(e)
	}
	return nil
}

// save writes to a temporary file and renames it over the old one.
func (f *FileStorage) save() error {
	raw, err := json.MarshalIndent(f.mem.all(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.filepath), filepath.Base(f.filepath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write store: %w", err)
	}
	return os.Rename(tmp.Name(), f.filepath)
}

func (f *FileStorage) Get(ctx context.Context, collection, uid string) (*models.Entity, error) {
	return f.mem.Get(ctx, collection, uid)
}

func (f *FileStorage) Iterate(ctx context.Context, collection string, fn func(*models.Entity) error) error {
	return f.mem.Iterate(ctx, collection, fn)
}

func (f *FileStorage) Put(ctx context.Context, e *models.Entity) error {
	return f.ApplyBatch(ctx, Batch{Puts: []*models.Entity{e}})
}

func (f *FileStorage) Delete(ctx context.Context, collection, uid string) error {
	return f.ApplyBatch(ctx, Batch{Deletes: []Key{{Collection: collection, UID: uid}}})
}

// ApplyBatch rolls the in-memory state back if the file cannot be written.
func (f *FileStorage) ApplyBatch(ctx context.Context, b Batch) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	before := make(map[Key]*models.Entity)
	remember := func(collection, uid string) {
		k := Key{Collection: collection, UID: models.NormalizeUID(uid)}
		if _, seen := before[k]; seen {
			return
		}
		old, _ := f.mem.Get(ctx, collection, uid)
		before[k] = old
	}
	for _, e := range b.Puts {
		if e != nil {
			remember(e.Collection, e.UID)
		}
	}
	for _, k := range b.Deletes {
		remember(k.Collection, k.UID)
	}

	if err := f.mem.ApplyBatch(ctx, b); err != nil {
		return err
	}
	if err := f.save(); err != nil {
		var undo Batch
		for k, old := range before {
			if old == nil {
				undo.Delete(k.Collection, k.UID)
			} else {
				undo.Put(old)
			}
		}
		_ = f.mem.ApplyBatch(ctx, undo)
		return err
	}
	return nil
}

func (f *FileStorage) Close() error {
	return nil
}
