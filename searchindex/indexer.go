// Package searchindex is the embedded SQLite search backend: a books
// table projecting the indexed record fields, an FTS5 companion table
// kept in sync by triggers, and the discovery query behind curated
// random picks. The backend is optional; callers must survive running
// without it.
package searchindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"bookcache/record"
)

type Indexer struct {
	db  *sql.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

func New(path string, log zerolog.Logger) (*Indexer, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_recursive_triggers=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open search database: %w", err)
	}
	idx := &Indexer{
		db:  db,
		log: log.With().Str("component", "searchindex").Logger(),
	}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (idx *Indexer) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		slug TEXT,
		isbn10 TEXT,
		isbn13 TEXT,
		external_id TEXT,
		authors TEXT,                  -- JSON array
		categories TEXT,               -- JSON array
		cover_url TEXT,
		published_date TEXT,
		publish_year INTEGER NOT NULL DEFAULT 0,
		bestseller INTEGER NOT NULL DEFAULT 0,
		search_text TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_books_title ON books(title COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_books_slug ON books(slug COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_books_isbn10 ON books(isbn10);
	CREATE INDEX IF NOT EXISTS idx_books_isbn13 ON books(isbn13);
	CREATE INDEX IF NOT EXISTS idx_books_external_id ON books(external_id);
	CREATE INDEX IF NOT EXISTS idx_books_publish_year ON books(publish_year);

	CREATE VIRTUAL TABLE IF NOT EXISTS books_fts USING fts5(
		id UNINDEXED,
		search_text
	);

	-- The triggers keep books_fts in step with books. INSERT OR
	-- REPLACE resolves conflicts as delete+insert, which is why the
	-- connection enables recursive triggers.
	CREATE TRIGGER IF NOT EXISTS books_fts_insert AFTER INSERT ON books BEGIN
		INSERT INTO books_fts(id, search_text) VALUES (new.id, new.search_text);
	END;
	CREATE TRIGGER IF NOT EXISTS books_fts_delete AFTER DELETE ON books BEGIN
		DELETE FROM books_fts WHERE id = old.id;
	END;
	CREATE TRIGGER IF NOT EXISTS books_fts_update AFTER UPDATE ON books BEGIN
		DELETE FROM books_fts WHERE id = old.id;
		INSERT INTO books_fts(id, search_text) VALUES (new.id, new.search_text);
	END;
	`
	_, err := idx.db.Exec(schema)
	return err
}

// IndexBook projects the record into the books table. Derived columns
// come from the record's own methods so backend and fallback judge
// records identically.
func (idx *Indexer) IndexBook(ctx context.Context, rec *record.Book) error {
	if rec == nil || rec.ID == "" {
		return errors.New("record has no id")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	authorsJSON, err := json.Marshal(rec.Authors)
	if err != nil {
		return fmt.Errorf("failed to marshal authors: %w", err)
	}
	categoriesJSON, err := json.Marshal(rec.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}
	bestseller := 0
	if rec.IsBestseller() {
		bestseller = 1
	}

	_, err = idx.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO books
		(id, title, slug, isbn10, isbn13, external_id, authors, categories,
		 cover_url, published_date, publish_year, bestseller, search_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Title, rec.Slug, rec.ISBN10, rec.ISBN13, rec.ExternalID,
		string(authorsJSON), string(categoriesJSON), rec.CoverImageURL,
		rec.PublishedDate, rec.PublishYear(), bestseller, rec.SearchText())
	if err != nil {
		return fmt.Errorf("failed to index record: %w", err)
	}
	return nil
}

func (idx *Indexer) DeleteBook(ctx context.Context, id string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.ExecContext(ctx, "DELETE FROM books WHERE id = ?", id)
	return err
}

// fieldColumns maps the public lookup field names onto columns. Only
// values from this map ever reach the SQL text.
var fieldColumns = map[string]string{
	"title":      "title",
	"slug":       "slug",
	"isbn10":     "isbn10",
	"isbn13":     "isbn13",
	"externalId": "external_id",
}

// FindByField returns the ids matching an exact field value. Title and
// slug compare case-insensitively.
func (idx *Indexer) FindByField(ctx context.Context, field, value string) ([]string, error) {
	column, ok := fieldColumns[field]
	if !ok {
		return nil, fmt.Errorf("unknown search field %q", field)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var q string
	switch column {
	case "title", "slug":
		q = fmt.Sprintf("SELECT id FROM books WHERE %s = ? COLLATE NOCASE", column)
	default:
		q = fmt.Sprintf("SELECT id FROM books WHERE %s = ?", column)
	}
	return idx.collectIDs(ctx, q, value)
}

// FindByISBN matches either ISBN column.
func (idx *Indexer) FindByISBN(ctx context.Context, value string) ([]string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.collectIDs(ctx,
		"SELECT id FROM books WHERE isbn10 = ? OR isbn13 = ?", value, value)
}

// SearchText runs an escaped full-text query ranked by bm25, best
// match first.
func (idx *Indexer) SearchText(ctx context.Context, rawQuery string, limit int) ([]string, error) {
	escaped := EscapeQuery(rawQuery)
	if escaped == "" {
		return nil, nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	q := `
		SELECT b.id
		FROM books_fts fts
		JOIN books b ON b.id = fts.id
		WHERE books_fts MATCH ?
		ORDER BY bm25(books_fts)
	`
	args := []any{escaped}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return idx.collectIDs(ctx, q, args...)
}

// DiscoverCandidates backs the curated-discovery picks: publish year
// in the given set, not a bestseller, cover URL matching at least one
// quality pattern and none of the placeholder patterns, minus the
// exclusions.
func (idx *Indexer) DiscoverCandidates(ctx context.Context, years []int, quality, placeholder, excludeIDs []string, limit int) ([]string, error) {
	if len(years) == 0 || len(quality) == 0 {
		return nil, nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	q := "SELECT id FROM books WHERE bestseller = 0"
	var args []any

	q += " AND publish_year IN (" + placeholders(len(years)) + ")"
	for _, y := range years {
		args = append(args, y)
	}

	clauses := make([]string, 0, len(quality))
	for _, p := range quality {
		clauses = append(clauses, "cover_url LIKE ?")
		args = append(args, "%"+p+"%")
	}
	q += " AND (" + strings.Join(clauses, " OR ") + ")"

	for _, p := range placeholder {
		q += " AND cover_url NOT LIKE ?"
		args = append(args, "%"+p+"%")
	}

	if len(excludeIDs) > 0 {
		q += " AND id NOT IN (" + placeholders(len(excludeIDs)) + ")"
		for _, id := range excludeIDs {
			args = append(args, id)
		}
	}

	q += " ORDER BY updated_at DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return idx.collectIDs(ctx, q, args...)
}

// Stats reports row counts for the ops tooling.
func (idx *Indexer) Stats(ctx context.Context) (map[string]any, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	row := idx.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(bestseller), 0),
		       COALESCE(MIN(NULLIF(publish_year, 0)), 0),
		       COALESCE(MAX(publish_year), 0)
		FROM books
	`)
	var books, bestsellers, earliest, latest int
	if err := row.Scan(&books, &bestsellers, &earliest, &latest); err != nil {
		return nil, err
	}
	return map[string]any{
		"books":         books,
		"bestsellers":   bestsellers,
		"earliest_year": earliest,
		"latest_year":   latest,
	}, nil
}

func (idx *Indexer) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.db.Close()
}

func (idx *Indexer) collectIDs(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := idx.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
