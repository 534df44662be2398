// Package cloudsync keeps local records and the server in step. Local
// edits get a fresh change token and wait for upload; on pull the server's
// copy replaces any local copy whose token differs.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"kappari.app/client/internal/crypto"
	"kappari.app/client/internal/logger"
	"kappari.app/client/internal/transport"
	"kappari.app/client/models"
	"kappari.app/client/storage"
)

// TokenSource supplies the bearer token. Revoke is called when the server
// answers 401 for that token.
type TokenSource interface {
	CurrentToken() (string, error)
	Revoke(token string)
}

type Options struct {
	// Collections defaults to models.DefaultCollections.
	Collections []models.Collection
	// Workers bounds SyncAll's concurrency.
	Workers int
}

type Stats struct {
	Pushed      int64
	Pulled      int64
	Rejected    int64
	Overwritten int64
}

type Engine struct {
	store       storage.Storage
	http        *transport.Client
	tokens      TokenSource
	collections []models.Collection
	workers     int
	locks       *lockTable
	now         func() time.Time
	log         *logger.Logger

	pushed      atomic.Int64
	pulled      atomic.Int64
	rejected    atomic.Int64
	overwritten atomic.Int64
}

func New(store storage.Storage, http *transport.Client, tokens TokenSource, opts Options) *Engine {
	collections := opts.Collections
	if len(collections) == 0 {
		collections = models.DefaultCollections
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 4
	}
	return &Engine{
		store:       store,
		http:        http,
		tokens:      tokens,
		collections: collections,
		workers:     workers,
		locks:       newLockTable(),
		now:         time.Now,
		log:         logger.Default().With("cloudsync"),
	}
}

// CollectionsByName resolves names against models.DefaultCollections.
func CollectionsByName(names []string) ([]models.Collection, error) {
	out := make([]models.Collection, 0, len(names))
	for _, name := range names {
		c, ok := models.FindCollection(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) collection(name string) (models.Collection, error) {
	for _, c := range e.collections {
		if c.Name == name || c.ListName == name {
			return c, nil
		}
	}
	return models.Collection{}, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
}

func (e *Engine) Stats() Stats {
	return Stats{
		Pushed:      e.pushed.Load(),
		Pulled:      e.pulled.Load(),
		Rejected:    e.rejected.Load(),
		Overwritten: e.overwritten.Load(),
	}
}

// markLocked gives ent a new token and queues it for upload. The caller
// holds ent's lock.
func (e *Engine) markLocked(ctx context.Context, ent *models.Entity) error {
	token, err := crypto.GenerateChangeToken()
	if err != nil {
		return err
	}
	ent.UID = models.NormalizeUID(ent.UID)
	ent.Hash = token
	ent.Status = models.StatusModified
	ent.PendingUpload = true
	ent.UpdatedAt = e.now().UTC()
	return e.store.Put(ctx, ent)
}

// MarkChanged records that ent's domain fields changed and persists it.
// ent is updated in place.
func (e *Engine) MarkChanged(ctx context.Context, ent *models.Entity) error {
	if ent == nil || ent.UID == "" || ent.Collection == "" {
		return storage.ErrInvalidEntity
	}
	c, err := e.collection(ent.Collection)
	if err != nil {
		return err
	}
	ent.Collection = c.Name
	unlock := e.locks.lock(entityKey(c.Name, ent.UID))
	defer unlock()
	return e.markLocked(ctx, ent)
}

// Edit loads an entity, lets fn change its fields and marks it changed, all
// under the entity's lock. A missing entity starts out empty.
func (e *Engine) Edit(ctx context.Context, collection, uid string, fn func(*models.Entity) error) (*models.Entity, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	uid = models.NormalizeUID(uid)
	unlock := e.locks.lock(entityKey(c.Name, uid))
	defer unlock()

	ent, err := e.store.Get(ctx, c.Name, uid)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		ent = &models.Entity{Collection: c.Name, UID: uid}
	}
	if err := fn(ent); err != nil {
		return nil, err
	}
	if err := e.markLocked(ctx, ent); err != nil {
		return nil, err
	}
	return ent.Clone(), nil
}

// Create adds a new entity with a fresh uid.
func (e *Engine) Create(ctx context.Context, collection string, fn func(*models.Entity) error) (*models.Entity, error) {
	return e.Edit(ctx, collection, uuid.NewString(), fn)
}

// Delete marks an entity deleted. The record stays until a push carrying
// the deletion is acknowledged.
func (e *Engine) Delete(ctx context.Context, collection, uid string) error {
	c, err := e.collection(collection)
	if err != nil {
		return err
	}
	uid = models.NormalizeUID(uid)
	unlock := e.locks.lock(entityKey(c.Name, uid))
	defer unlock()

	ent, err := e.store.Get(ctx, c.Name, uid)
	if err != nil {
		return err
	}
	if ent == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, c.Name, uid)
	}
	ent.Deleted = true
	return e.markLocked(ctx, ent)
}

// Pending lists the entities waiting for upload.
func (e *Engine) Pending(ctx context.Context, collection string) ([]*models.Entity, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	var out []*models.Entity
	err = e.store.Iterate(ctx, c.Name, func(ent *models.Entity) error {
		if ent.PendingUpload {
			out = append(out, ent)
		}
		return nil
	})
	return out, err
}

// SyncCollection pushes pending records, then fetches and pulls the
// server's copy. A rejected push does not stop the pull.
func (e *Engine) SyncCollection(ctx context.Context, collection string) (*PullResult, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}

	var result *multierror.Error

	pending, err := e.Pending(ctx, c.Name)
	if err != nil {
		return nil, err
	}
	if err := e.Push(ctx, c.Name, pending); err != nil {
		var rejected *RejectedError
		if !errors.As(err, &rejected) || rejected.StatusCode == http.StatusUnauthorized {
			return nil, err
		}
		result = multierror.Append(result, err)
	}

	remote, err := e.Fetch(ctx, c.Name)
	if err != nil {
		return nil, multierror.Append(result, err).ErrorOrNil()
	}
	pulled, err := e.Pull(ctx, c.Name, remote)
	if err != nil {
		result = multierror.Append(result, err)
	}
	return pulled, result.ErrorOrNil()
}

// SyncAll syncs every configured collection, at most Workers at a time.
// A failing collection does not stop the others; all failures are returned.
func (e *Engine) SyncAll(ctx context.Context) (map[string]*PullResult, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]*PullResult, len(e.collections))
		errs    *multierror.Error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, c := range e.collections {
		c := c
		g.Go(func() error {
			res, err := e.SyncCollection(gctx, c.Name)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results[c.Name] = res
			}
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", c.Name, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = multierror.Append(errs, err)
	}
	failed := 0
	if errs != nil {
		failed = len(errs.Errors)
	}
	e.log.Info("sync finished", logger.Fields{
		"collections": len(e.collections),
		"pushed":      e.pushed.Load(),
		"pulled":      e.pulled.Load(),
		"failed":      failed,
	})
	return results, errs.ErrorOrNil()
}
