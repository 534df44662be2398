package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"kappari.app/client/internal/logger"
	"kappari.app/client/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serialises writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3migrate.WithInstance(s.db, &sqlite3migrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	// m.Close would also close s.db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	v, _, _ := m.Version()
	logger.Debug("store schema ready", logger.Fields{"path": s.path, "version": v})
	return nil
}

const entityColumns = `collection, uid, hash, status, pending_upload, deleted, fields, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row scanner) (*models.Entity, error) {
	var (
		e      models.Entity
		fields string
	)
	err := row.Scan(&e.Collection, &e.UID, &e.Hash, &e.Status, &e.PendingUpload, &e.Deleted, &fields, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return nil, fmt.Errorf("entity %s/%s: bad fields column: %w", e.Collection, e.UID, err)
	}
	return &e, nil
}

func (s *SQLiteStorage) Get(ctx context.Context, collection, uid string) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE collection = ? AND uid = ?`

	e, err := scanEntity(s.db.QueryRowContext(ctx, query, collection, models.NormalizeUID(uid)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func putEntity(ctx context.Context, db execer, e *models.Entity) error {
	if err := validate(e); err != nil {
		return err
	}
	fields := e.Fields
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	query := `INSERT OR REPLACE INTO entities (` + entityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		e.Collection,
		models.NormalizeUID(e.UID),
		e.Hash,
		e.Status,
		e.PendingUpload,
		e.Deleted,
		string(raw),
		updated,
	)
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Put(ctx context.Context, e *models.Entity) error {
	return putEntity(ctx, s.db, e)
}

func (s *SQLiteStorage) Delete(ctx context.Context, collection, uid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE collection = ? AND uid = ?`, collection, models.NormalizeUID(uid))
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}

// Iterate reads the whole collection before calling fn, so fn may write
// through the single connection.
func (s *SQLiteStorage) Iterate(ctx context.Context, collection string, fn func(*models.Entity) error) error {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE collection = ? ORDER BY uid`

	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return fmt.Errorf("failed to query entities: %w", err)
	}

	var entities []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating entities: %w", err)
	}
	if err := rows.Close(); err != nil {
		logger.Warn("failed to close rows", logger.Fields{"error": err})
	}

	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) ApplyBatch(ctx context.Context, b Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, e := range b.Puts {
		if err := putEntity(ctx, tx, e); err != nil {
			return err
		}
	}
	for _, k := range b.Deletes {
		_, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE collection = ? AND uid = ?`, k.Collection, models.NormalizeUID(k.UID))
		if err != nil {
			return fmt.Errorf("failed to delete entity: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
