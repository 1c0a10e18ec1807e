package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/itchyny/gojq"
	ds "github.com/ipfs/go-datastore"

	"bookcache/altindex"
	"bookcache/maintenance"
	"bookcache/record"
)

// SearchRequest drives POST /search. A non-empty Field switches from
// ranked full-text to an exact field lookup on Value.
type SearchRequest struct {
	Query string `json:"query,omitempty"`
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func muxVar(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func intParam(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return fallback
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Round-trips a probe key so a wedged write path reports unhealthy.
	probe := ds.NewKey("/_healthz")
	if err := s.repo.Datastore().Put(ctx, probe, []byte("ok")); err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("datastore write failed: %v", err), http.StatusServiceUnavailable)
		return
	}
	if err := s.repo.Datastore().Delete(ctx, probe); err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("datastore delete failed: %v", err), http.StatusServiceUnavailable)
		return
	}

	s.sendResponse(w, r, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 0)

	records, err := s.repo.FindAll(r.Context())
	if err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("failed to list records: %v", err), http.StatusInternalServerError)
		return
	}

	truncated := false
	if limit > 0 && len(records) > limit {
		records = records[:limit]
		truncated = true
	}

	s.sendResponse(w, r, map[string]any{
		"records":   records,
		"total":     len(records),
		"truncated": truncated,
	})
}

func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var rec record.Book
	if err := s.parseJSONBody(r, &rec); err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("invalid record body: %v", err), http.StatusBadRequest)
		return
	}

	stored := s.repo.Save(r.Context(), &rec)
	s.sendResponseWithMessage(w, r, stored, "record saved", http.StatusCreated)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := muxVar(r, "id")

	rec, ok := s.repo.FindByID(r.Context(), id)
	if !ok {
		s.sendErrorResponse(w, r, "record not found", http.StatusNotFound)
		return
	}
	s.sendResponse(w, r, rec)
}

func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	var rec record.Book
	if err := s.parseJSONBody(r, &rec); err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("invalid record body: %v", err), http.StatusBadRequest)
		return
	}

	// The path id wins over whatever the body carries.
	rec.ID = muxVar(r, "id")
	stored := s.repo.Save(r.Context(), &rec)
	s.sendResponseWithMessage(w, r, stored, "record saved", http.StatusOK)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := muxVar(r, "id")

	if !s.repo.Delete(r.Context(), id) {
		s.sendErrorResponse(w, r, "record not found", http.StatusNotFound)
		return
	}
	s.sendResponseWithMessage(w, r, nil, "record deleted", http.StatusOK)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	id := muxVar(r, "id")
	limit := intParam(r, "limit", 10)

	records, err := s.repo.FindSimilar(r.Context(), id, limit)
	if err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("similarity search failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.sendResponse(w, r, map[string]any{
		"records": records,
		"total":   len(records),
	})
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	field := altindex.Field(muxVar(r, "field"))
	value := muxVar(r, "value")

	switch field {
	case altindex.FieldISBN10, altindex.FieldISBN13, altindex.FieldExternalID:
	default:
		s.sendErrorResponse(w, r, fmt.Sprintf("unknown lookup field %q", field), http.StatusBadRequest)
		return
	}

	rec, ok := s.repo.FindByAlternateID(r.Context(), field, value)
	if !ok {
		s.sendErrorResponse(w, r, "record not found", http.StatusNotFound)
		return
	}
	s.sendResponse(w, r, rec)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := s.parseJSONBody(r, &req); err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("invalid search body: %v", err), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var (
		records []*record.Book
		err     error
	)
	switch {
	case req.Field == "title":
		records, err = s.repo.FindByTitle(ctx, req.Value)
	case req.Field == "slug":
		records, err = s.repo.FindBySlug(ctx, req.Value)
	case req.Field == "isbn":
		records, err = s.repo.FindByISBN(ctx, req.Value)
	case req.Field == "externalId":
		records, err = s.repo.FindByExternalID(ctx, req.Value)
	case req.Field != "":
		s.sendErrorResponse(w, r, fmt.Sprintf("unknown search field %q", req.Field), http.StatusBadRequest)
		return
	case req.Query != "":
		records, err = s.repo.Search(ctx, req.Query, req.Limit)
	default:
		s.sendErrorResponse(w, r, "either query or field is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("search failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.sendResponse(w, r, map[string]any{
		"records": records,
		"total":   len(records),
	})
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	count := intParam(r, "count", 10)

	var exclude []string
	if raw := r.URL.Query().Get("exclude"); raw != "" {
		exclude = strings.Split(raw, ",")
	}

	records, err := s.repo.DiscoverRecent(r.Context(), count, exclude)
	if err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("discovery failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.sendResponse(w, r, map[string]any{
		"records": records,
		"total":   len(records),
	})
}

func (s *Server) handleDiagnose(w http.ResponseWriter, r *http.Request) {
	report, err := s.repo.Diagnose(r.Context())
	if err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("diagnosis failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.sendResponse(w, r, report)
}

// handleRepair runs a dry run unless the caller passes ?apply=true.
// Repair is the only endpoint that rewrites stored values.
func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("apply") != "true"

	report, err := s.repo.Repair(r.Context(), dryRun)
	if err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("repair failed: %v", err), http.StatusInternalServerError)
		return
	}

	message := "repair applied"
	if dryRun {
		message = "dry run, pass apply=true to write"
	}
	s.sendResponseWithMessage(w, r, report, message, http.StatusOK)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.repo.VerifyEncodings(r.Context())
	if err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("verification failed: %v", err), http.StatusInternalServerError)
		return
	}
	s.sendResponse(w, r, report)
}

// handleExport streams JSON Lines directly, outside the response
// envelope. The filter is validated up front; failures after the
// first line can only be logged.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	opts := maintenance.ExportOptions{
		Filter: r.URL.Query().Get("filter"),
		Limit:  intParam(r, "limit", 0),
	}
	if opts.Filter != "" {
		if _, err := gojq.Parse(opts.Filter); err != nil {
			s.sendErrorResponse(w, r, fmt.Sprintf("invalid filter: %v", err), http.StatusBadRequest)
			return
		}
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	stats, err := s.repo.ExportJSONL(r.Context(), w, opts)
	if err != nil {
		s.log.Error().Err(err).Msg("export failed")
		return
	}
	s.log.Info().Int("exported", stats.Exported).Int("skipped", stats.Skipped).Msg("export served")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.Stats(r.Context())
	if err != nil {
		s.sendErrorResponse(w, r, fmt.Sprintf("failed to collect stats: %v", err), http.StatusInternalServerError)
		return
	}
	s.sendResponse(w, r, stats)
}
