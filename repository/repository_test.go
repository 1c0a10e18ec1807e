package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookcache/altindex"
	"bookcache/config"
	"bookcache/record"
)

func newTestRepo(t *testing.T, withSearch bool) *Repository {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SearchDBPath = ""
	if withSearch {
		cfg.SearchDBPath = filepath.Join(cfg.DataDir, "search.db")
	}
	cfg.Lock.MaxAttempts = 5
	cfg.Lock.BaseDelay = config.Duration(2 * time.Millisecond)
	cfg.Lock.MaxDelay = config.Duration(10 * time.Millisecond)
	cfg.Discovery.ScanRate = 0

	repo, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, repo.Close()) })
	return repo
}

func TestSaveAssignsIDAndIndexes(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, true)

	in := &record.Book{Title: "Effective Java", ISBN13: "9780134685991"}
	stored := repo.Save(ctx, in)
	require.NotNil(t, stored)
	assert.True(t, stored.WellFormedID())
	assert.Equal(t, "effective-java", stored.Slug)
	assert.Empty(t, in.ID, "the caller's record must not be mutated")

	byAlt, ok := repo.FindByAlternateID(ctx, altindex.FieldISBN13, "9780134685991")
	require.True(t, ok)
	assert.Equal(t, stored.ID, byAlt.ID)

	byID, ok := repo.FindByID(ctx, stored.ID)
	require.True(t, ok)
	assert.Equal(t, "Effective Java", byID.Title)
}

func TestSaveReplacesIllFormedID(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, false)

	stored := repo.Save(ctx, &record.Book{ID: "not-a-uuid", Title: "X", ISBN13: "9780000000001"})
	require.NotNil(t, stored)
	assert.NotEqual(t, "not-a-uuid", stored.ID)
	assert.True(t, stored.WellFormedID())

	_, ok := repo.FindByID(ctx, "not-a-uuid")
	assert.False(t, ok)
}

func TestSaveUpdatesExistingRecord(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, false)

	first := repo.Save(ctx, &record.Book{Title: "Draft Title", ISBN13: "9780000000002"})
	update := first.Clone()
	update.Title = "Final Title"
	again := repo.Save(ctx, update)

	assert.Equal(t, first.ID, again.ID)
	rec, ok := repo.FindByID(ctx, first.ID)
	require.True(t, ok)
	assert.Equal(t, "Final Title", rec.Title)
	assert.Equal(t, 1, repo.Count(ctx))
}

func TestSaveRefreshesStaleIndexMappings(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, false)

	first := repo.Save(ctx, &record.Book{Title: "Reissued", ISBN13: "9780000000111"})
	update := first.Clone()
	update.ISBN13 = "9780000000222"
	repo.Save(ctx, update)

	_, ok := repo.FindByAlternateID(ctx, altindex.FieldISBN13, "9780000000111")
	assert.False(t, ok, "stale mapping must not resolve")

	rec, ok := repo.FindByAlternateID(ctx, altindex.FieldISBN13, "9780000000222")
	require.True(t, ok)
	assert.Equal(t, first.ID, rec.ID)
}

func TestFindByAlternateIDFallsBackWithoutIndex(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, false)

	stored := repo.Save(ctx, &record.Book{Title: "Unindexed", ISBN13: "9780000000555"})
	// Drop the mapping as if its TTL had run out.
	require.NoError(t, repo.ds.Delete(ctx, repo.indexes.Key(altindex.FieldISBN13, "9780000000555")))

	rec, ok := repo.FindByAlternateID(ctx, altindex.FieldISBN13, "9780000000555")
	require.True(t, ok)
	assert.Equal(t, stored.ID, rec.ID)

	_, ok = repo.FindByAlternateID(ctx, altindex.FieldISBN13, "9780000009999")
	assert.False(t, ok)
}

func TestConcurrentSameKeySaves(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, false)
	id := record.NewID()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			repo.Save(ctx, &record.Book{ID: id, Title: fmt.Sprintf("Revision %d", n), ISBN13: "9780000000666"})
		}(i)
	}
	wg.Wait()

	rec, ok := repo.FindByID(ctx, id)
	require.True(t, ok)
	assert.Regexp(t, `^Revision [0-7]$`, rec.Title, "final payload must equal exactly one input")
	assert.Equal(t, 1, repo.Count(ctx))
}

func TestDeleteCleansUp(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, true)

	stored := repo.Save(ctx, &record.Book{Title: "Doomed", ISBN13: "9780000000333"})
	require.True(t, repo.Exists(ctx, stored.ID))

	assert.True(t, repo.Delete(ctx, stored.ID))
	assert.False(t, repo.Exists(ctx, stored.ID))

	_, ok := repo.FindByID(ctx, stored.ID)
	assert.False(t, ok)
	_, ok = repo.FindByAlternateID(ctx, altindex.FieldISBN13, "9780000000333")
	assert.False(t, ok)

	recs, err := repo.FindByTitle(ctx, "Doomed")
	require.NoError(t, err)
	assert.Empty(t, recs)

	assert.False(t, repo.Delete(ctx, stored.ID), "nothing left to delete")
}

func TestFindAllAndCount(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, false)

	for i := 0; i < 5; i++ {
		repo.Save(ctx, &record.Book{
			Title:  fmt.Sprintf("Book %d", i),
			ISBN13: fmt.Sprintf("97800000007%02d", i),
		})
	}
	assert.Equal(t, 5, repo.Count(ctx))

	all, err := repo.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSearchPassthroughs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, true)

	dune := repo.Save(ctx, &record.Book{Title: "Dune", ISBN13: "9780441013593",
		Authors: []string{"Frank Herbert"}, Categories: []string{"scifi"}})
	repo.Save(ctx, &record.Book{Title: "Dune Messiah", ISBN13: "9780441172696",
		Authors: []string{"Frank Herbert"}, Categories: []string{"scifi"}})

	recs, err := repo.Search(ctx, "dune", 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = repo.FindSimilar(ctx, dune.ID, 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.NotEqual(t, dune.ID, recs[0].ID)

	recs, err = repo.FindByISBN(ctx, "9780441172696")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Dune Messiah", recs[0].Title)
}

func TestMaintenancePassthroughs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, false)

	repo.Save(ctx, &record.Book{Title: "Sound", ISBN13: "9780000000888"})

	diag, err := repo.Diagnose(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, diag.Total)
	assert.Equal(t, 1, diag.ValidString)

	report, err := repo.Repair(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, report.Repaired)

	verify, err := repo.VerifyEncodings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, verify.Strings)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, true)

	repo.Save(ctx, &record.Book{Title: "Counted", ISBN10: "0441013597",
		ISBN13: "9780441013593", ExternalID: "ext-1"})

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 1, stats.Indexes["isbn10"])
	assert.Equal(t, 1, stats.Indexes["isbn13"])
	assert.Equal(t, 1, stats.Indexes["externalId"])
	require.NotNil(t, stats.Search)
	assert.EqualValues(t, 1, stats.Search["books"])
	require.NotNil(t, stats.TTL)
	assert.Equal(t, 1, stats.TTL.TotalKeys)
}

func TestNilAndEmptyInputs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t, false)

	assert.Nil(t, repo.Save(ctx, nil))
	assert.False(t, repo.Delete(ctx, ""))
	_, ok := repo.FindByID(ctx, "")
	assert.False(t, ok)
	_, ok = repo.FindByAlternateID(ctx, altindex.FieldISBN10, "")
	assert.False(t, ok)
}
