package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	ds "github.com/ipfs/go-datastore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookcache/config"
	"bookcache/maintenance"
	"bookcache/record"
	"bookcache/repository"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *mux.Router) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.SearchDBPath = filepath.Join(cfg.DataDir, "search.db")
	cfg.Lock.MaxAttempts = 5
	cfg.Lock.BaseDelay = config.Duration(2 * time.Millisecond)
	cfg.Lock.MaxDelay = config.Duration(10 * time.Millisecond)
	cfg.Discovery.ScanRate = 0
	cfg.API.LogRequests = false
	if mutate != nil {
		mutate(cfg)
	}

	repo, err := repository.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, repo.Close()) })

	srv := New(repo, cfg.API, zerolog.Nop())
	return srv, srv.Router()
}

func doRequest(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, data any) APIResponse {
	t.Helper()
	var resp APIResponse
	if data != nil {
		resp.Data = data
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestRecordCRUD(t *testing.T) {
	_, router := newTestServer(t, nil)

	rr := doRequest(t, router, http.MethodPost, "/api/v1/records", record.Book{
		Title:  "Effective Java",
		ISBN13: "9780134685991",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created record.Book
	resp := decodeEnvelope(t, rr, &created)
	require.True(t, resp.Success)
	assert.True(t, created.WellFormedID())
	assert.Equal(t, "effective-java", created.Slug)
	assert.NotEmpty(t, resp.RequestID)

	rr = doRequest(t, router, http.MethodGet, "/api/v1/records/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var fetched record.Book
	decodeEnvelope(t, rr, &fetched)
	assert.Equal(t, "Effective Java", fetched.Title)

	rr = doRequest(t, router, http.MethodPut, "/api/v1/records/"+created.ID, record.Book{
		Title:  "Effective Java, Third Edition",
		ISBN13: "9780134685991",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/api/v1/lookup/isbn13/9780134685991", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var byISBN record.Book
	decodeEnvelope(t, rr, &byISBN)
	assert.Equal(t, created.ID, byISBN.ID)
	assert.Equal(t, "Effective Java, Third Edition", byISBN.Title)

	rr = doRequest(t, router, http.MethodDelete, "/api/v1/records/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/api/v1/records/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(t, router, http.MethodDelete, "/api/v1/records/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRecordValidation(t *testing.T) {
	_, router := newTestServer(t, nil)

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/records", strings.NewReader("{not json"))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		resp := decodeEnvelope(t, rr, nil)
		assert.False(t, resp.Success)
		assert.NotEmpty(t, resp.Error)
	})

	t.Run("unknown lookup field", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/lookup/asin/B000FC0SIS", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/nothing-here", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestListRecords(t *testing.T) {
	_, router := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/records", record.Book{
			Title:  fmt.Sprintf("Volume %d", i),
			ISBN13: fmt.Sprintf("978000000000%d", i),
		})
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	var listing struct {
		Records   []*record.Book `json:"records"`
		Total     int            `json:"total"`
		Truncated bool           `json:"truncated"`
	}

	rr := doRequest(t, router, http.MethodGet, "/api/v1/records", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeEnvelope(t, rr, &listing)
	assert.Equal(t, 3, listing.Total)
	assert.False(t, listing.Truncated)

	rr = doRequest(t, router, http.MethodGet, "/api/v1/records?limit=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeEnvelope(t, rr, &listing)
	assert.Equal(t, 2, listing.Total)
	assert.True(t, listing.Truncated)
}

func TestSearchEndpoint(t *testing.T) {
	_, router := newTestServer(t, nil)

	seed := []record.Book{
		{Title: "The Go Programming Language", Authors: []string{"Donovan", "Kernighan"}, ISBN13: "9780134190440"},
		{Title: "The C Programming Language", Authors: []string{"Kernighan", "Ritchie"}, ISBN10: "0131103628"},
		{Title: "Clean Architecture", Authors: []string{"Martin"}, ISBN13: "9780134494166"},
	}
	for _, rec := range seed {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/records", rec)
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	var result struct {
		Records []*record.Book `json:"records"`
		Total   int            `json:"total"`
	}

	t.Run("full text", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/search", SearchRequest{Query: "programming language", Limit: 10})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		decodeEnvelope(t, rr, &result)
		assert.Equal(t, 2, result.Total)
	})

	t.Run("by title", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/search", SearchRequest{Field: "title", Value: "clean architecture"})
		require.Equal(t, http.StatusOK, rr.Code)
		decodeEnvelope(t, rr, &result)
		require.Equal(t, 1, result.Total)
		assert.Equal(t, "Clean Architecture", result.Records[0].Title)
	})

	t.Run("by isbn", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/search", SearchRequest{Field: "isbn", Value: "0131103628"})
		require.Equal(t, http.StatusOK, rr.Code)
		decodeEnvelope(t, rr, &result)
		require.Equal(t, 1, result.Total)
		assert.Equal(t, "The C Programming Language", result.Records[0].Title)
	})

	t.Run("unknown field", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/search", SearchRequest{Field: "publisher", Value: "x"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("empty request", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/search", SearchRequest{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestSimilarAndDiscover(t *testing.T) {
	_, router := newTestServer(t, nil)
	year := time.Now().Year()

	post := func(rec record.Book) record.Book {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/records", rec)
		require.Equal(t, http.StatusCreated, rr.Code)
		var stored record.Book
		decodeEnvelope(t, rr, &stored)
		return stored
	}

	dune := post(record.Book{Title: "Dune", Authors: []string{"Frank Herbert"}, Categories: []string{"Science Fiction"}, ISBN13: "9780441013593"})
	post(record.Book{Title: "Dune Messiah", Authors: []string{"Frank Herbert"}, Categories: []string{"Science Fiction"}, ISBN13: "9780441104024"})
	post(record.Book{Title: "Pride and Prejudice", Authors: []string{"Jane Austen"}, Categories: []string{"Romance"}, ISBN13: "9780141439518"})

	fresh := post(record.Book{
		Title:         "Fresh Pick",
		ISBN13:        "9780000000101",
		PublishedDate: fmt.Sprintf("%d-03-01", year),
		CoverImageURL: "https://books.google.com/books/content?id=abc&zoom=1",
	})
	post(record.Book{
		Title:         "No Cover",
		ISBN13:        "9780000000102",
		PublishedDate: fmt.Sprintf("%d-04-01", year),
	})

	var result struct {
		Records []*record.Book `json:"records"`
		Total   int            `json:"total"`
	}

	t.Run("similar excludes source", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/records/"+dune.ID+"/similar?limit=5", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		decodeEnvelope(t, rr, &result)
		require.NotEmpty(t, result.Records)
		for _, rec := range result.Records {
			assert.NotEqual(t, dune.ID, rec.ID)
		}
		assert.Equal(t, "Dune Messiah", result.Records[0].Title)
	})

	t.Run("discover honors cover quality", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/discover?count=10", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		decodeEnvelope(t, rr, &result)
		require.Equal(t, 1, result.Total)
		assert.Equal(t, fresh.ID, result.Records[0].ID)
	})

	t.Run("discover exclusions", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/discover?count=10&exclude="+fresh.ID, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		decodeEnvelope(t, rr, &result)
		assert.Zero(t, result.Total)
	})
}

func TestMaintenanceEndpoints(t *testing.T) {
	srv, router := newTestServer(t, nil)

	rr := doRequest(t, router, http.MethodPost, "/api/v1/records", record.Book{Title: "Good", ISBN13: "9780000000201"})
	require.Equal(t, http.StatusCreated, rr.Code)

	ctx := context.Background()
	require.NoError(t, srv.repo.Datastore().Put(ctx, ds.NewKey("/books/broken"), []byte("not json at all")))

	t.Run("diagnose", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/diagnose", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var report maintenance.Diagnosis
		decodeEnvelope(t, rr, &report)
		assert.Equal(t, 2, report.Total)
		assert.Equal(t, 1, report.Corrupted)
		assert.Equal(t, 1, report.ValidString)
	})

	t.Run("repair defaults to dry run", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/repair", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var report maintenance.RepairReport
		resp := decodeEnvelope(t, rr, &report)
		assert.True(t, report.DryRun)
		assert.Contains(t, resp.Message, "dry run")

		rr = doRequest(t, router, http.MethodPost, "/api/v1/repair?apply=true", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		decodeEnvelope(t, rr, &report)
		assert.False(t, report.DryRun)
	})

	t.Run("verify", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/verify", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var report maintenance.VerifyReport
		decodeEnvelope(t, rr, &report)
		assert.Equal(t, 2, report.Total)
		assert.Equal(t, 1, report.Unreadable)
	})

	t.Run("stats", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/stats", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		// The broken key still occupies the namespace, so it counts.
		var stats repository.Stats
		decodeEnvelope(t, rr, &stats)
		assert.Equal(t, 2, stats.Records)
		assert.EqualValues(t, 1, stats.Search["books"])
		require.NotNil(t, stats.TTL)
		assert.Equal(t, 2, stats.TTL.TotalKeys)
	})
}

func TestExportEndpoint(t *testing.T) {
	_, router := newTestServer(t, nil)

	for i := 0; i < 3; i++ {
		rr := doRequest(t, router, http.MethodPost, "/api/v1/records", record.Book{
			Title:  fmt.Sprintf("Book %d", i),
			ISBN13: fmt.Sprintf("978000000030%d", i),
		})
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	t.Run("full export", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/export", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))

		lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
		require.Len(t, lines, 3)
		for _, line := range lines {
			var out maintenance.ExportLine
			require.NoError(t, json.Unmarshal([]byte(line), &out))
			assert.NotEmpty(t, out.ID)
			assert.NotEmpty(t, out.Checksum)
		}
	})

	t.Run("filtered export", func(t *testing.T) {
		filter := url.QueryEscape(`select(.title == "Book 1")`)
		rr := doRequest(t, router, http.MethodGet, "/api/v1/export?filter="+filter, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
		require.Len(t, lines, 1)
	})

	t.Run("invalid filter", func(t *testing.T) {
		rr := doRequest(t, router, http.MethodGet, "/api/v1/export?filter="+url.QueryEscape(".|"), nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestHealthzAndMetrics(t *testing.T) {
	srv, router := newTestServer(t, nil)

	rr := doRequest(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeEnvelope(t, rr, nil)
	assert.True(t, resp.Success)

	rr = doRequest(t, router, http.MethodPost, "/api/v1/records", record.Book{Title: "Probe", ISBN13: "9780000000401"})
	require.Equal(t, http.StatusCreated, rr.Code)

	// Event delivery is asynchronous.
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(srv.metrics.StoreOperations.WithLabelValues("put")) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	rr = doRequest(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "bookcache_api_requests_total")
	assert.Contains(t, body, "bookcache_store_operations_total")

	t.Run("metrics disabled", func(t *testing.T) {
		_, plain := newTestServer(t, func(cfg *config.Config) {
			cfg.API.EnableMetrics = false
		})
		rr := doRequest(t, plain, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestRateLimit(t *testing.T) {
	_, router := newTestServer(t, func(cfg *config.Config) {
		cfg.API.RateLimitRPS = 1
		cfg.API.RateLimitBurst = 1
	})

	rr := doRequest(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}
