// Package search answers lookup, ranking and discovery queries:
// backend-indexed where the SQLite index is available, full paced
// store scans where it is not. Both paths apply the same predicates
// so a degraded backend changes latency, never results.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"bookcache/config"
	"bookcache/logger"
	"bookcache/record"
	"bookcache/recordstore"
	"bookcache/searchindex"
)

type Engine struct {
	store   *recordstore.Store
	backend *searchindex.Indexer // nil when the search DB is disabled
	cfg     config.DiscoveryConfig
	limiter *rate.Limiter
	once    *logger.Once
	log     zerolog.Logger
	now     func() time.Time
}

func New(store *recordstore.Store, backend *searchindex.Indexer, cfg config.DiscoveryConfig, log zerolog.Logger) *Engine {
	limit := rate.Inf
	if cfg.ScanRate > 0 {
		limit = rate.Limit(cfg.ScanRate)
	}
	burst := cfg.ScanBurst
	if burst < 1 {
		burst = 1
	}
	return &Engine{
		store:   store,
		backend: backend,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		once:    logger.NewOnce(),
		log:     log.With().Str("component", "search").Logger(),
		now:     time.Now,
	}
}

// logFallback records a backend failure. The first activation per
// process is a warning, the rest stay at debug.
func (e *Engine) logFallback(op string, err error) {
	ev := e.log.Debug()
	if e.once.First("fallback-scan") {
		ev = e.log.Warn()
	}
	ev.Str("op", op).Err(err).Msg("search backend unavailable, using fallback scan")
}

// scanRecords streams the store through the rate limiter, invoking fn
// per record until fn returns false or the stream ends.
func (e *Engine) scanRecords(ctx context.Context, fn func(*record.Book) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	books, errc := e.store.StreamRecords(ctx)
	for rec := range books {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		if !fn(rec) {
			cancel()
			for range books {
			}
			return nil
		}
	}
	return <-errc
}

func (e *Engine) loadAll(ctx context.Context, ids []string) []*record.Book {
	out := make([]*record.Book, 0, len(ids))
	for _, id := range ids {
		payload, ok := e.store.LoadRawWithFallback(ctx, id)
		if !ok {
			continue
		}
		rec, ok := e.store.Deserialize(payload)
		if !ok {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// FindSimilarByID ranks the store against the target record: cosine
// similarity over equal-dimension embeddings when the target carries
// one, shared category or author otherwise. The target itself is
// never part of the result. A missing target yields an empty result.
func (e *Engine) FindSimilarByID(ctx context.Context, id string, limit int) ([]*record.Book, error) {
	if limit <= 0 {
		return nil, nil
	}
	payload, ok := e.store.LoadRawWithFallback(ctx, id)
	if !ok {
		return nil, nil
	}
	target, ok := e.store.Deserialize(payload)
	if !ok {
		return nil, nil
	}
	if len(target.Embedding) > 0 {
		return e.similarByEmbedding(ctx, target, limit)
	}
	return e.similarByAttributes(ctx, target, limit)
}

type scoredBook struct {
	rec   *record.Book
	score float64
}

func (e *Engine) similarByEmbedding(ctx context.Context, target *record.Book, limit int) ([]*record.Book, error) {
	var ranked []scoredBook
	err := e.scanRecords(ctx, func(rec *record.Book) bool {
		if rec.ID == target.ID || len(rec.Embedding) != len(target.Embedding) {
			return true
		}
		ranked = append(ranked, scoredBook{
			rec:   rec,
			score: CosineSimilarity(target.Embedding, rec.Embedding),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]*record.Book, 0, len(ranked))
	for _, s := range ranked {
		out = append(out, s.rec)
	}
	return out, nil
}

func (e *Engine) similarByAttributes(ctx context.Context, target *record.Book, limit int) ([]*record.Book, error) {
	var out []*record.Book
	err := e.scanRecords(ctx, func(rec *record.Book) bool {
		if rec.ID == target.ID || !rec.SharesAttribute(target) {
			return true
		}
		out = append(out, rec)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// findWithFallback tries the backend lookup and resolves its ids
// against the store. A backend error, or ids that resolve to nothing,
// degrades to a paced store scan with the equivalent predicate.
func (e *Engine) findWithFallback(ctx context.Context, op string, lookup func() ([]string, error), match func(*record.Book) bool) ([]*record.Book, error) {
	if e.backend != nil {
		ids, err := lookup()
		if err != nil {
			e.logFallback(op, err)
		} else if recs := e.loadAll(ctx, ids); len(recs) > 0 {
			return recs, nil
		}
	}
	var out []*record.Book
	err := e.scanRecords(ctx, func(rec *record.Book) bool {
		if match(rec) {
			out = append(out, rec)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) FindByTitle(ctx context.Context, title string) ([]*record.Book, error) {
	if title == "" {
		return nil, nil
	}
	return e.findWithFallback(ctx, "find_by_title",
		func() ([]string, error) { return e.backend.FindByField(ctx, "title", title) },
		func(rec *record.Book) bool { return strings.EqualFold(rec.Title, title) })
}

func (e *Engine) FindBySlug(ctx context.Context, slug string) ([]*record.Book, error) {
	if slug == "" {
		return nil, nil
	}
	return e.findWithFallback(ctx, "find_by_slug",
		func() ([]string, error) { return e.backend.FindByField(ctx, "slug", slug) },
		func(rec *record.Book) bool { return strings.EqualFold(rec.Slug, slug) })
}

func (e *Engine) FindByISBN(ctx context.Context, isbn string) ([]*record.Book, error) {
	if isbn == "" {
		return nil, nil
	}
	return e.findWithFallback(ctx, "find_by_isbn",
		func() ([]string, error) { return e.backend.FindByISBN(ctx, isbn) },
		func(rec *record.Book) bool { return rec.ISBN10 == isbn || rec.ISBN13 == isbn })
}

func (e *Engine) FindByExternalID(ctx context.Context, externalID string) ([]*record.Book, error) {
	if externalID == "" {
		return nil, nil
	}
	return e.findWithFallback(ctx, "find_by_external_id",
		func() ([]string, error) { return e.backend.FindByField(ctx, "externalId", externalID) },
		func(rec *record.Book) bool { return rec.ExternalID == externalID })
}

// Search is the free-text entry point: escaped FTS on the backend,
// substring match over the aggregated search text when scanning.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]*record.Book, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	if e.backend != nil {
		ids, err := e.backend.SearchText(ctx, q, limit)
		if err != nil {
			e.logFallback("search", err)
		} else if recs := e.loadAll(ctx, ids); len(recs) > 0 {
			return recs, nil
		}
	}
	needle := strings.ToLower(q)
	var out []*record.Book
	err := e.scanRecords(ctx, func(rec *record.Book) bool {
		if strings.Contains(rec.SearchText(), needle) {
			out = append(out, rec)
		}
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindRandomRecentWithGoodCovers picks count records published this
// or next calendar year with a quality cover, skipping bestsellers,
// placeholder covers and the excluded ids. Candidates are over-fetched,
// shuffled and truncated so repeated calls vary.
func (e *Engine) FindRandomRecentWithGoodCovers(ctx context.Context, count int, excludeIDs []string) ([]*record.Book, error) {
	if count <= 0 {
		return nil, nil
	}
	year := e.now().Year()
	years := []int{year, year + 1}

	overfetch := count * e.cfg.OverfetchFactor
	if e.cfg.MaxCandidates > 0 && overfetch > e.cfg.MaxCandidates {
		overfetch = e.cfg.MaxCandidates
	}
	if overfetch < count {
		overfetch = count
	}

	var candidates []*record.Book
	if e.backend != nil {
		ids, err := e.backend.DiscoverCandidates(ctx, years,
			e.cfg.QualityCoverPatterns, e.cfg.PlaceholderCoverPatterns,
			excludeIDs, overfetch)
		if err != nil {
			e.logFallback("discover", err)
		} else {
			candidates = e.loadAll(ctx, ids)
		}
	}
	if len(candidates) == 0 {
		excluded := make(map[string]struct{}, len(excludeIDs))
		for _, id := range excludeIDs {
			excluded[id] = struct{}{}
		}
		scanCap := e.cfg.ScanCap
		if scanCap <= 0 {
			scanCap = overfetch
		}
		err := e.scanRecords(ctx, func(rec *record.Book) bool {
			if _, skip := excluded[rec.ID]; !skip && e.discoverable(rec, years) {
				candidates = append(candidates, rec)
			}
			return len(candidates) < scanCap
		})
		if err != nil {
			return nil, err
		}
	}

	candidates = lo.Shuffle(candidates)
	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates, nil
}

// discoverable applies the discovery predicate the backend query
// encodes in SQL.
func (e *Engine) discoverable(rec *record.Book, years []int) bool {
	matched := false
	for _, y := range years {
		if rec.PublishYear() == y {
			matched = true
			break
		}
	}
	if !matched || rec.IsBestseller() {
		return false
	}
	return rec.HasQualityCover(e.cfg.QualityCoverPatterns) &&
		!rec.HasPlaceholderCover(e.cfg.PlaceholderCoverPatterns)
}
