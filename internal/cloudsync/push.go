package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-multierror"

	"kappari.app/client/internal/logger"
	"kappari.app/client/internal/transport"
	"kappari.app/client/internal/wire"
	"kappari.app/client/models"
	"kappari.app/client/storage"
)

// Push uploads entities. Bulk collections go up in one request and succeed
// or fail together; singleton collections go up one request per entity.
// Acknowledged entities become unmodified and leave the pending set, and
// acknowledged deletions are purged. An entity edited again while its push
// was in flight keeps its newer state.
func (e *Engine) Push(ctx context.Context, collection string, entities []*models.Entity) error {
	c, err := e.collection(collection)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		return nil
	}
	token, err := e.tokens.CurrentToken()
	if err != nil {
		return fmt.Errorf("push %s: %w", c.Name, err)
	}

	if c.Singleton {
		return e.pushEach(ctx, c, token, entities)
	}
	return e.pushBulk(ctx, c, token, entities)
}

func (e *Engine) pushBulk(ctx context.Context, c models.Collection, token string, entities []*models.Entity) error {
	records := make([]json.RawMessage, 0, len(entities))
	for _, ent := range entities {
		raw, err := ent.MarshalWire()
		if err != nil {
			return fmt.Errorf("%w: %s/%s: %v", ErrEncodingFailure, c.Name, ent.UID, err)
		}
		records = append(records, raw)
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}

	if err := e.send(ctx, c, c.PushPath(), token, payload, entities); err != nil {
		return err
	}
	return e.commit(ctx, c, entities)
}

func (e *Engine) pushEach(ctx context.Context, c models.Collection, token string, entities []*models.Entity) error {
	var (
		result   *multierror.Error
		rejected *RejectedError
	)

	for i, ent := range entities {
		payload, err := ent.MarshalWire()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: %s/%s: %v", ErrEncodingFailure, c.Name, ent.UID, err))
			continue
		}

		err = e.send(ctx, c, c.ItemPath(ent.UID), token, payload, []*models.Entity{ent})
		if err == nil {
			if err := e.commit(ctx, c, []*models.Entity{ent}); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}

		var rej *RejectedError
		if !errors.As(err, &rej) {
			// Transport failure or cancellation: the rest stay pending.
			result = multierror.Append(result, err)
			break
		}
		if rejected == nil {
			rejected = &RejectedError{Collection: c.Name, StatusCode: rej.StatusCode, Message: rej.Message}
		}
		rejected.UIDs = append(rejected.UIDs, rej.UIDs...)
		if rej.StatusCode == http.StatusUnauthorized {
			for _, rest := range entities[i+1:] {
				rejected.UIDs = append(rejected.UIDs, models.NormalizeUID(rest.UID))
			}
			rejected.StatusCode = http.StatusUnauthorized
			break
		}
	}

	if rejected != nil {
		result = multierror.Append(result, rejected)
	}
	return result.ErrorOrNil()
}

// send gzips payload into the data part and posts it. A reply other than
// {"result": true} rejects every entity in the request.
func (e *Engine) send(ctx context.Context, c models.Collection, path, token string, payload []byte, entities []*models.Entity) error {
	gz, err := wire.GzipCompress(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}
	body, boundary, err := wire.EncodeMultipart([]wire.Part{wire.DataPart(gz)})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodingFailure, err)
	}

	resp, err := e.http.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        path,
		Body:        body,
		ContentType: wire.ContentType(boundary),
		Token:       token,
	})
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrTransport):
			return fmt.Errorf("%w: %w", ErrTransportFailure, err)
		case errors.Is(err, transport.ErrDecode):
			return fmt.Errorf("%w: %w", ErrEncodingFailure, err)
		}
		return err
	}

	if resp.OK() && wire.ResultTrue(resp.Body) {
		return nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		e.tokens.Revoke(token)
	}
	uids := make([]string, len(entities))
	for i, ent := range entities {
		uids[i] = models.NormalizeUID(ent.UID)
	}
	e.rejected.Add(int64(len(uids)))
	e.log.Warn("push rejected", logger.Fields{
		"collection": c.Name,
		"status":     resp.StatusCode,
		"uids":       uids,
	})
	return &RejectedError{
		Collection: c.Name,
		UIDs:       uids,
		StatusCode: resp.StatusCode,
		Message:    rejectionMessage(resp.Body),
	}
}

func rejectionMessage(body []byte) string {
	env, err := wire.ParseEnvelope(body)
	if err != nil {
		if len(body) > 200 {
			body = body[:200]
		}
		return string(body)
	}
	if env.Error != nil {
		return env.Error.Message
	}
	return "unexpected result " + string(env.Result)
}

// commit records an acknowledged push in one store batch. Entities whose
// stored hash moved on since the push started are left alone.
func (e *Engine) commit(ctx context.Context, c models.Collection, sent []*models.Entity) error {
	keys := make([]string, len(sent))
	for i, ent := range sent {
		keys[i] = entityKey(c.Name, ent.UID)
	}
	unlock := e.locks.lockAll(keys)
	defer unlock()

	var (
		batch     storage.Batch
		committed []*models.Entity
	)
	for _, ent := range sent {
		current, err := e.store.Get(ctx, c.Name, ent.UID)
		if err != nil {
			return err
		}
		if current == nil || current.Hash != ent.Hash {
			e.log.Debug("entity changed during push, keeping it pending", logger.Fields{
				"collection": c.Name,
				"uid":        ent.UID,
			})
			continue
		}
		if current.Deleted {
			batch.Delete(c.Name, current.UID)
		} else {
			current.Status = models.StatusUnmodified
			current.PendingUpload = false
			batch.Put(current)
		}
		committed = append(committed, ent)
	}

	if batch.Empty() {
		return nil
	}
	if err := e.store.ApplyBatch(ctx, batch); err != nil {
		return fmt.Errorf("commit %s push: %w", c.Name, err)
	}
	for _, ent := range committed {
		ent.Status = models.StatusUnmodified
		ent.PendingUpload = false
	}
	e.pushed.Add(int64(len(committed)))
	return nil
}
