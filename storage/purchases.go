package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"kappari.app/client/internal/logger"
	"kappari.app/client/models"
)

// PurchaseDB reads the desktop app's own database. It never writes.
type PurchaseDB struct {
	db   *sql.DB
	path string
}

func OpenPurchaseDB(path string) (*PurchaseDB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open app database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open app database %s: %w", path, err)
	}
	return &PurchaseDB{db: db, path: path}, nil
}

func (p *PurchaseDB) ListPurchases(ctx context.Context) ([]models.Purchase, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT product_id, data, signature FROM purchases`)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warn("failed to close rows", logger.Fields{"error": err})
		}
	}()

	var purchases []models.Purchase
	for rows.Next() {
		var (
			purchase       models.Purchase
			productID      sql.NullString
			data, signature sql.NullString
		)
		if err := rows.Scan(&productID, &data, &signature); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		if !data.Valid || !signature.Valid {
			logger.Warn("skipping incomplete purchase row", logger.Fields{"product_id": productID.String})
			continue
		}
		purchase.ProductID = productID.String
		purchase.Data = data.String
		purchase.Signature = signature.String
		purchases = append(purchases, purchase)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchases: %w", err)
	}

	return purchases, nil
}

// SyncEmail returns the account the app last synced with, or "" when the
// app never stored one.
func (p *PurchaseDB) SyncEmail(ctx context.Context) (string, error) {
	var value sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = 'SyncEmail'`).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync email: %w", err)
	}
	return strings.Trim(value.String, `"`), nil
}

func (p *PurchaseDB) Close() error {
	return p.db.Close()
}
