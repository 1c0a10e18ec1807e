// Package repository is the public face of the engine: it wires the
// datastore, record store, alternate-id indexes, advisory locking,
// the optional search backend and the maintenance tooling into one
// API. Callers treat it as a cache: reads answer value-plus-ok, and a
// degraded store or backend shows up as misses and warnings, not as
// errors.
package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"bookcache/altindex"
	"bookcache/config"
	"bookcache/datastore"
	"bookcache/dslock"
	"bookcache/maintenance"
	"bookcache/record"
	"bookcache/recordstore"
	"bookcache/search"
	"bookcache/searchindex"
)

type Repository struct {
	ds      datastore.Datastore
	store   *recordstore.Store
	indexes *altindex.Manager
	locker  *dslock.Locker
	backend *searchindex.Indexer // nil when search_db_path is empty
	engine  *search.Engine
	maint   *maintenance.Engine
	log     zerolog.Logger
}

func New(cfg *config.Config, log zerolog.Logger) (*Repository, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := datastore.New(cfg.DataDir, nil, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}

	store := recordstore.New(d, cfg.RecordPrefix, cfg.RecordTTL.Std(), log)
	indexes := altindex.New(d, cfg.IndexPrefix, cfg.IndexTTL.Std(), log)
	locker := dslock.New(d, cfg.Lock.TTL.Std(), dslock.RetryPolicy{
		MaxAttempts: cfg.Lock.MaxAttempts,
		BaseDelay:   cfg.Lock.BaseDelay.Std(),
		MaxDelay:    cfg.Lock.MaxDelay.Std(),
		JitterRatio: cfg.Lock.JitterRatio,
	}, log)

	var backend *searchindex.Indexer
	if cfg.SearchDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SearchDBPath), 0o755); err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to create search index directory: %w", err)
		}
		backend, err = searchindex.New(cfg.SearchDBPath, log)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("failed to open search index: %w", err)
		}
	}

	return &Repository{
		ds:      d,
		store:   store,
		indexes: indexes,
		locker:  locker,
		backend: backend,
		engine:  search.New(store, backend, cfg.Discovery, log),
		maint:   maintenance.New(store, log),
		log:     log.With().Str("component", "repository").Logger(),
	}, nil
}

// Save persists the record and refreshes its indexes, returning the
// stored version. A missing or ill-formed id is replaced with a fresh
// time-ordered one, so the returned record is where callers learn the
// assigned id. Persistence is best-effort: on serialization failure
// the input comes back unmodified.
func (r *Repository) Save(ctx context.Context, rec *record.Book) *record.Book {
	if rec == nil {
		return nil
	}
	stored := rec.Clone()

	var prev *record.Book
	if stored.WellFormedID() {
		// Update of an existing id: the previous version drives the
		// index diff.
		if payload, ok := r.store.LoadRawWithFallback(ctx, stored.ID); ok {
			prev, _ = r.store.Deserialize(payload)
		}
	} else {
		stored.ID = record.NewID()
	}
	stored.EnsureSlug()

	token, locked := r.locker.Acquire(ctx, r.store.LockKey(stored.ID))
	if locked {
		defer r.locker.Release(ctx, r.store.LockKey(stored.ID), token)
	}

	payload, ok := r.store.Serialize(stored)
	if !ok {
		return rec
	}
	r.store.SaveRaw(ctx, stored.ID, payload, 0)

	if err := r.indexes.Update(ctx, stored, prev); err != nil {
		r.log.Warn().Err(err).Str("id", stored.ID).Msg("index update incomplete")
	}
	if r.backend != nil {
		if err := r.backend.IndexBook(ctx, stored); err != nil {
			r.log.Warn().Err(err).Str("id", stored.ID).Msg("search index update failed")
		}
	}
	return stored
}

// FindByID loads a record by its primary id.
func (r *Repository) FindByID(ctx context.Context, id string) (*record.Book, bool) {
	payload, ok := r.store.LoadRawWithFallback(ctx, id)
	if !ok {
		return nil, false
	}
	return r.store.Deserialize(payload)
}

// FindByAlternateID resolves an alternate identifier to its record:
// index lookup first, full scan comparing the field when the index
// has no live mapping.
func (r *Repository) FindByAlternateID(ctx context.Context, field altindex.Field, value string) (*record.Book, bool) {
	if value == "" {
		return nil, false
	}
	if id, ok := r.indexes.Lookup(ctx, field, value); ok {
		if rec, found := r.FindByID(ctx, id); found {
			return rec, true
		}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	books, errc := r.store.StreamRecords(scanCtx)
	for rec := range books {
		if rec.AlternateID(string(field)) == value {
			cancel()
			for range books {
			}
			return rec, true
		}
	}
	if err := <-errc; err != nil {
		r.log.Warn().Err(err).Str("field", string(field)).Msg("alternate id scan aborted")
	}
	return nil, false
}

func (r *Repository) Exists(ctx context.Context, id string) bool {
	return r.store.Exists(ctx, id)
}

// FindAll collects every readable record.
func (r *Repository) FindAll(ctx context.Context) ([]*record.Book, error) {
	var out []*record.Book
	books, errc := r.store.StreamRecords(ctx)
	for rec := range books {
		out = append(out, rec)
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return out, nil
}

// Count reports how many records are stored.
func (r *Repository) Count(ctx context.Context) int {
	return len(r.store.ScanIDs(ctx))
}

// Delete removes the record, its index mappings and its search row.
// It reports whether anything was stored under the id.
func (r *Repository) Delete(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	rec, found := r.FindByID(ctx, id)
	existed := found || r.store.Exists(ctx, id)

	if rec != nil {
		if err := r.indexes.DeleteAll(ctx, rec); err != nil {
			r.log.Warn().Err(err).Str("id", id).Msg("index cleanup incomplete")
		}
	}
	r.store.DeleteRaw(ctx, id)
	if r.backend != nil {
		if err := r.backend.DeleteBook(ctx, id); err != nil {
			r.log.Warn().Err(err).Str("id", id).Msg("search index cleanup failed")
		}
	}
	return existed
}

func (r *Repository) FindSimilar(ctx context.Context, id string, limit int) ([]*record.Book, error) {
	return r.engine.FindSimilarByID(ctx, id, limit)
}

func (r *Repository) FindByTitle(ctx context.Context, title string) ([]*record.Book, error) {
	return r.engine.FindByTitle(ctx, title)
}

func (r *Repository) FindBySlug(ctx context.Context, slug string) ([]*record.Book, error) {
	return r.engine.FindBySlug(ctx, slug)
}

func (r *Repository) FindByISBN(ctx context.Context, isbn string) ([]*record.Book, error) {
	return r.engine.FindByISBN(ctx, isbn)
}

func (r *Repository) FindByExternalID(ctx context.Context, externalID string) ([]*record.Book, error) {
	return r.engine.FindByExternalID(ctx, externalID)
}

func (r *Repository) Search(ctx context.Context, query string, limit int) ([]*record.Book, error) {
	return r.engine.Search(ctx, query, limit)
}

func (r *Repository) DiscoverRecent(ctx context.Context, count int, excludeIDs []string) ([]*record.Book, error) {
	return r.engine.FindRandomRecentWithGoodCovers(ctx, count, excludeIDs)
}

func (r *Repository) Diagnose(ctx context.Context) (*maintenance.Diagnosis, error) {
	return r.maint.Diagnose(ctx)
}

func (r *Repository) Repair(ctx context.Context, dryRun bool) (*maintenance.RepairReport, error) {
	return r.maint.Repair(ctx, dryRun)
}

func (r *Repository) VerifyEncodings(ctx context.Context) (*maintenance.VerifyReport, error) {
	return r.maint.VerifyEncodings(ctx)
}

func (r *Repository) ExportJSONL(ctx context.Context, w io.Writer, opts maintenance.ExportOptions) (*maintenance.ExportStats, error) {
	return r.maint.ExportJSONL(ctx, w, opts)
}

// Stats aggregates the operational counters across the layers.
type Stats struct {
	Records int                 `json:"records"`
	Indexes map[string]int      `json:"indexes"`
	Search  map[string]any      `json:"search,omitempty"`
	TTL     *datastore.TTLStats `json:"ttl,omitempty"`
}

func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Records: r.Count(ctx),
		Indexes: map[string]int{},
	}
	fieldCounts, err := r.indexes.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count index entries: %w", err)
	}
	for field, n := range fieldCounts {
		stats.Indexes[string(field)] = n
	}
	if r.backend != nil {
		searchStats, err := r.backend.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read search index stats: %w", err)
		}
		stats.Search = searchStats
	}
	ttl, err := r.ds.GetTTLStats(ctx, r.store.Prefix())
	if err != nil {
		return nil, fmt.Errorf("failed to read ttl stats: %w", err)
	}
	stats.TTL = ttl
	return stats, nil
}

// Datastore exposes the underlying KV layer for the ops tooling: TTL
// inspection, jq queries and event subscriptions.
func (r *Repository) Datastore() datastore.Datastore {
	return r.ds
}

func (r *Repository) Close() error {
	var firstErr error
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			firstErr = fmt.Errorf("failed to close search index: %w", err)
		}
	}
	if err := r.ds.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close datastore: %w", err)
	}
	return firstErr
}
