package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aluiziolira/go-scrape-market/models"

	_ "modernc.org/sqlite"
)

const createProductsTableSQL = `
CREATE TABLE IF NOT EXISTS products (
	"market"      TEXT NOT NULL,
	"grp"         TEXT NOT NULL,
	"id"          TEXT NOT NULL,
	"title"       TEXT,
	"description" TEXT,
	"price"       TEXT,
	"image_path"  TEXT,
	"updated_at"  DATETIME,
	PRIMARY KEY ("market", "grp", "id")
);`

const upsertProductSQL = `
INSERT INTO products (market, grp, id, title, description, price, image_path, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (market, grp, id) DO UPDATE SET
	title = excluded.title,
	description = excluded.description,
	price = excluded.price,
	image_path = excluded.image_path,
	updated_at = excluded.updated_at;`

// SQLiteSink upserts records into a SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the database at path and ensures the
// products table exists.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite permits one writer at a time.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(createProductsTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create products table: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Persist inserts rec or replaces the stored row for key.
func (s *SQLiteSink) Persist(ctx context.Context, key models.RecordKey, rec models.Record) error {
	if key.Market == "" || key.Group == "" || key.ID == "" {
		return &PersistenceError{Key: key, Op: "key", Err: fmt.Errorf("incomplete key")}
	}
	_, err := s.db.ExecContext(ctx, upsertProductSQL,
		key.Market, key.Group, key.ID,
		rec.Title, rec.Description, rec.Price, rec.ImagePath,
		time.Now().UTC(),
	)
	if err != nil {
		return &PersistenceError{Key: key, Op: "exec", Err: err}
	}
	return nil
}

// Get loads a stored record.
func (s *SQLiteSink) Get(ctx context.Context, key models.RecordKey) (models.Record, error) {
	var rec models.Record
	row := s.db.QueryRowContext(ctx,
		`SELECT title, description, price, image_path FROM products WHERE market = ? AND grp = ? AND id = ?`,
		key.Market, key.Group, key.ID,
	)
	if err := row.Scan(&rec.Title, &rec.Description, &rec.Price, &rec.ImagePath); err != nil {
		return models.Record{}, fmt.Errorf("load %s/%s/%s: %w", key.Market, key.Group, key.ID, err)
	}
	return rec, nil
}

// Count returns the number of stored rows for a market and group.
func (s *SQLiteSink) Count(ctx context.Context, market, group string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE market = ? AND grp = ?`, market, group,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
