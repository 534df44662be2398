package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"kappari.app/client/internal/logger"
	"kappari.app/client/internal/transport"
	"kappari.app/client/internal/wire"
	"kappari.app/client/models"
	"kappari.app/client/storage"
)

// PullResult lists uids by what a pull did with them. Overwritten is the
// subset of Replaced whose local edits lost to the server; callers that
// want those edits must re-apply and push them again.
type PullResult struct {
	Inserted    []string
	Replaced    []string
	Overwritten []string
	Unchanged   []string
}

// Pull applies the server's records. A differing token means the server's
// copy replaces the local one wholesale, local edits included. Unknown
// records are inserted, tombstones too, so the next listing finds a
// matching token. All changes land in one store batch.
func (e *Engine) Pull(ctx context.Context, collection string, remote []*models.Entity) (*PullResult, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	result := &PullResult{}
	if len(remote) == 0 {
		return result, nil
	}

	keys := make([]string, len(remote))
	for i, r := range remote {
		keys[i] = entityKey(c.Name, r.UID)
	}
	unlock := e.locks.lockAll(keys)
	defer unlock()

	var batch storage.Batch
	for _, r := range remote {
		uid := models.NormalizeUID(r.UID)
		local, err := e.store.Get(ctx, c.Name, uid)
		if err != nil {
			return nil, err
		}

		switch {
		case local == nil:
			result.Inserted = append(result.Inserted, uid)
		case local.Hash == r.Hash:
			result.Unchanged = append(result.Unchanged, uid)
			continue
		default:
			result.Replaced = append(result.Replaced, uid)
			if local.Modified() || local.PendingUpload {
				result.Overwritten = append(result.Overwritten, uid)
				e.log.Warn("local edits overwritten by server copy", logger.Fields{
					"collection": c.Name,
					"uid":        uid,
				})
			}
		}

		replacement := r.Clone()
		replacement.Collection = c.Name
		replacement.UID = uid
		replacement.Status = models.StatusUnmodified
		replacement.PendingUpload = false
		replacement.UpdatedAt = e.now().UTC()
		batch.Put(replacement)
	}

	if !batch.Empty() {
		if err := e.store.ApplyBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("apply %s pull: %w", c.Name, err)
		}
	}
	e.pulled.Add(int64(len(result.Inserted) + len(result.Replaced)))
	e.overwritten.Add(int64(len(result.Overwritten)))
	return result, nil
}

// Fetch downloads the server's records for a collection. Singleton
// listings only carry uid and hash, so only records whose hash differs
// from the local copy are fetched, one request each, and returned.
func (e *Engine) Fetch(ctx context.Context, collection string) ([]*models.Entity, error) {
	c, err := e.collection(collection)
	if err != nil {
		return nil, err
	}
	token, err := e.tokens.CurrentToken()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.Name, err)
	}

	var items []json.RawMessage
	if err := e.get(ctx, c, c.ListPath(), token, &items); err != nil {
		return nil, err
	}

	out := make([]*models.Entity, 0, len(items))
	for _, raw := range items {
		ent, err := models.UnmarshalWire(c.Name, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s listing: %v", ErrEncodingFailure, c.Name, err)
		}
		if c.Singleton {
			local, err := e.store.Get(ctx, c.Name, ent.UID)
			if err != nil {
				return nil, err
			}
			if local != nil && local.Hash == ent.Hash {
				continue
			}
			var full json.RawMessage
			if err := e.get(ctx, c, c.ItemPath(ent.UID), token, &full); err != nil {
				return nil, err
			}
			uid := ent.UID
			if ent, err = models.UnmarshalWire(c.Name, full); err != nil {
				return nil, fmt.Errorf("%w: %s/%s: %v", ErrEncodingFailure, c.Name, uid, err)
			}
		}
		out = append(out, ent)
	}
	return out, nil
}

func (e *Engine) get(ctx context.Context, c models.Collection, path, token string, v interface{}) error {
	resp, err := e.http.Do(ctx, transport.Request{Method: http.MethodGet, Path: path, Token: token})
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrTransport):
			return fmt.Errorf("%w: %w", ErrTransportFailure, err)
		case errors.Is(err, transport.ErrDecode):
			return fmt.Errorf("%w: %w", ErrEncodingFailure, err)
		}
		return err
	}
	if !resp.OK() {
		if resp.StatusCode == http.StatusUnauthorized {
			e.tokens.Revoke(token)
		}
		return &RejectedError{Collection: c.Name, StatusCode: resp.StatusCode, Message: rejectionMessage(resp.Body)}
	}
	if err := wire.DecodeResult(resp.Body, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrEncodingFailure, path, err)
	}
	return nil
}
