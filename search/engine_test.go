package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookcache/config"
	"bookcache/datastore"
	"bookcache/record"
	"bookcache/recordstore"
	"bookcache/searchindex"
)

func testDiscoveryConfig() config.DiscoveryConfig {
	return config.DiscoveryConfig{
		QualityCoverPatterns:     []string{"zoom=1"},
		PlaceholderCoverPatterns: []string{"image_not_available"},
		OverfetchFactor:          3,
		MaxCandidates:            300,
		ScanCap:                  2000,
	}
}

func newTestEngine(t *testing.T, withBackend bool) *Engine {
	t.Helper()
	d, err := datastore.New(t.TempDir(), nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	store := recordstore.New(d, "/books", time.Hour, zerolog.Nop())

	var backend *searchindex.Indexer
	if withBackend {
		backend, err = searchindex.New(filepath.Join(t.TempDir(), "search.db"), zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { backend.Close() })
	}
	return New(store, backend, testDiscoveryConfig(), zerolog.Nop())
}

func saveBook(t *testing.T, eng *Engine, rec *record.Book) {
	t.Helper()
	rec.EnsureSlug()
	payload, ok := eng.store.Serialize(rec)
	require.True(t, ok)
	eng.store.SaveRaw(context.Background(), rec.ID, payload, 0)
	if eng.backend != nil {
		require.NoError(t, eng.backend.IndexBook(context.Background(), rec))
	}
}

func ids(recs []*record.Book) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestFindSimilarByID(t *testing.T) {
	ctx := context.Background()

	t.Run("embedding ranking", func(t *testing.T) {
		eng := newTestEngine(t, false)
		saveBook(t, eng, &record.Book{ID: "target", Title: "Target", Embedding: []float32{1, 0}})
		saveBook(t, eng, &record.Book{ID: "exact", Title: "Exact", Embedding: []float32{2, 0}})
		saveBook(t, eng, &record.Book{ID: "close", Title: "Close", Embedding: []float32{0.9, 0.1}})
		saveBook(t, eng, &record.Book{ID: "orthogonal", Title: "Orthogonal", Embedding: []float32{0, 1}})
		saveBook(t, eng, &record.Book{ID: "other-dims", Title: "Other", Embedding: []float32{1, 0, 0}})
		saveBook(t, eng, &record.Book{ID: "plain", Title: "Plain"})

		recs, err := eng.FindSimilarByID(ctx, "target", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"exact", "close"}, ids(recs))

		recs, err = eng.FindSimilarByID(ctx, "target", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"exact", "close", "orthogonal"}, ids(recs))
		assert.NotContains(t, ids(recs), "target")
	})

	t.Run("attribute overlap without embedding", func(t *testing.T) {
		eng := newTestEngine(t, false)
		saveBook(t, eng, &record.Book{ID: "target", Title: "Target",
			Authors: []string{"Frank Herbert"}, Categories: []string{"scifi"}})
		saveBook(t, eng, &record.Book{ID: "same-category", Title: "A", Categories: []string{"scifi"}})
		saveBook(t, eng, &record.Book{ID: "same-author", Title: "B", Authors: []string{"Frank Herbert"}})
		saveBook(t, eng, &record.Book{ID: "unrelated", Title: "C", Categories: []string{"cooking"}})

		recs, err := eng.FindSimilarByID(ctx, "target", 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"same-category", "same-author"}, ids(recs))
	})

	t.Run("missing target", func(t *testing.T) {
		eng := newTestEngine(t, false)
		recs, err := eng.FindSimilarByID(ctx, "nope", 5)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("non-positive limit", func(t *testing.T) {
		eng := newTestEngine(t, false)
		recs, err := eng.FindSimilarByID(ctx, "target", 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

// Indexed lookups and their fallback scans must agree on results, so
// the same queries run against an engine with the backend and one
// without and the id sets are compared.
func TestLookupFallbackEquivalence(t *testing.T) {
	ctx := context.Background()

	seed := func(eng *Engine) {
		saveBook(t, eng, &record.Book{ID: "b-1", Title: "Dune",
			ISBN10: "0441013597", ISBN13: "9780441013593", ExternalID: "gb-1",
			Authors: []string{"Frank Herbert"}})
		saveBook(t, eng, &record.Book{ID: "b-2", Title: "Dune Messiah",
			ISBN13: "9780441172696", ExternalID: "gb-2",
			Authors: []string{"Frank Herbert"}})
		saveBook(t, eng, &record.Book{ID: "b-3", Title: "dune",
			ISBN13: "9999999999999", ExternalID: "gb-3"})
	}

	run := func(t *testing.T, eng *Engine) map[string][]string {
		out := map[string][]string{}
		collect := func(name string, recs []*record.Book, err error) {
			require.NoError(t, err, name)
			out[name] = ids(recs)
		}
		recs, err := eng.FindByTitle(ctx, "DUNE")
		collect("title", recs, err)
		recs, err = eng.FindBySlug(ctx, "dune-messiah")
		collect("slug", recs, err)
		recs, err = eng.FindByISBN(ctx, "0441013597")
		collect("isbn10", recs, err)
		recs, err = eng.FindByISBN(ctx, "9780441172696")
		collect("isbn13", recs, err)
		recs, err = eng.FindByExternalID(ctx, "gb-3")
		collect("external", recs, err)
		recs, err = eng.FindByTitle(ctx, "Children of Dune")
		collect("absent", recs, err)
		return out
	}

	indexed := newTestEngine(t, true)
	seed(indexed)
	got := run(t, indexed)

	scanned := newTestEngine(t, false)
	seed(scanned)
	want := run(t, scanned)

	assert.ElementsMatch(t, []string{"b-1", "b-3"}, want["title"])
	assert.Equal(t, []string{"b-2"}, want["slug"])
	assert.Equal(t, []string{"b-1"}, want["isbn10"])
	assert.Equal(t, []string{"b-2"}, want["isbn13"])
	assert.Equal(t, []string{"b-3"}, want["external"])
	assert.Empty(t, want["absent"])

	for op, expected := range want {
		assert.ElementsMatch(t, expected, got[op], op)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name        string
		withBackend bool
	}{
		{"indexed", true},
		{"fallback scan", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			eng := newTestEngine(t, tc.withBackend)
			saveBook(t, eng, &record.Book{ID: "b-1", Title: "Dune", Authors: []string{"Frank Herbert"}})
			saveBook(t, eng, &record.Book{ID: "b-2", Title: "Dune Messiah", Authors: []string{"Frank Herbert"}})
			saveBook(t, eng, &record.Book{ID: "b-3", Title: "Hyperion", Authors: []string{"Dan Simmons"}})

			recs, err := eng.Search(ctx, "herbert", 10)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"b-1", "b-2"}, ids(recs))

			recs, err = eng.Search(ctx, "dune messiah", 10)
			require.NoError(t, err)
			assert.Equal(t, []string{"b-2"}, ids(recs))

			recs, err = eng.Search(ctx, "herbert", 1)
			require.NoError(t, err)
			assert.Len(t, recs, 1)

			recs, err = eng.Search(ctx, "   ", 10)
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

// Backend rows whose records are gone from the store must not produce
// an empty answer when a scan would find matches.
func TestSearchFallsBackPastStaleBackendRows(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, true)

	ghost := &record.Book{ID: "ghost", Title: "Unique Phrase"}
	ghost.EnsureSlug()
	require.NoError(t, eng.backend.IndexBook(ctx, ghost))

	live := &record.Book{ID: "real", Title: "Unique Phrase"}
	live.EnsureSlug()
	payload, ok := eng.store.Serialize(live)
	require.True(t, ok)
	eng.store.SaveRaw(ctx, live.ID, payload, 0)

	recs, err := eng.Search(ctx, "unique phrase", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, ids(recs))

	recs, err = eng.FindByTitle(ctx, "Unique Phrase")
	require.NoError(t, err)
	assert.Equal(t, []string{"real"}, ids(recs))
}

func TestFindRandomRecentWithGoodCovers(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name        string
		withBackend bool
	}{
		{"indexed", true},
		{"fallback scan", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			eng := newTestEngine(t, tc.withBackend)
			eng.now = func() time.Time {
				return time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
			}

			saveBook(t, eng, &record.Book{ID: "good-current", Title: "A", ISBN13: "1",
				CoverImageURL: "https://cdn.example/zoom=1/a.jpg", PublishedDate: "2026-02-01"})
			saveBook(t, eng, &record.Book{ID: "good-next", Title: "B", ISBN13: "2",
				CoverImageURL: "https://cdn.example/zoom=1/b.jpg", PublishedDate: "2027-01-15"})
			saveBook(t, eng, &record.Book{ID: "too-old", Title: "C", ISBN13: "3",
				CoverImageURL: "https://cdn.example/zoom=1/c.jpg", PublishedDate: "2024-06-01"})
			saveBook(t, eng, &record.Book{ID: "placeholder", Title: "D", ISBN13: "4",
				CoverImageURL: "https://cdn.example/zoom=1/image_not_available.png", PublishedDate: "2026-03-01"})
			saveBook(t, eng, &record.Book{ID: "no-quality", Title: "E", ISBN13: "5",
				CoverImageURL: "https://cdn.example/thumb/e.jpg", PublishedDate: "2026-04-01"})
			saveBook(t, eng, &record.Book{ID: "bestseller", Title: "F", ISBN13: "6",
				CoverImageURL: "https://cdn.example/zoom=1/f.jpg", PublishedDate: "2026-05-01",
				Qualifiers: map[string]string{"nytBestsellerRank": "3"}})
			saveBook(t, eng, &record.Book{ID: "shunned", Title: "G", ISBN13: "7",
				CoverImageURL: "https://cdn.example/zoom=1/g.jpg", PublishedDate: "2026-06-01"})

			picks, err := eng.FindRandomRecentWithGoodCovers(ctx, 5, []string{"shunned"})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"good-current", "good-next"}, ids(picks))

			picks, err = eng.FindRandomRecentWithGoodCovers(ctx, 1, nil)
			require.NoError(t, err)
			require.Len(t, picks, 1)
			assert.Contains(t, []string{"good-current", "good-next", "shunned"}, picks[0].ID)

			picks, err = eng.FindRandomRecentWithGoodCovers(ctx, 0, nil)
			require.NoError(t, err)
			assert.Empty(t, picks)
		})
	}
}
