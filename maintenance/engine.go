// Package maintenance holds the operator tooling that walks the whole
// record namespace: integrity diagnosis, non-destructive id repair,
// encoding verification and JSONL export. Every walk reads raw bytes
// and judges them itself, so broken values are counted rather than
// logged away by the read path.
package maintenance

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"bookcache/record"
	"bookcache/recordstore"
)

type Engine struct {
	store *recordstore.Store
	log   zerolog.Logger
}

func New(store *recordstore.Store, log zerolog.Logger) *Engine {
	return &Engine{
		store: store,
		log:   log.With().Str("component", "maintenance").Logger(),
	}
}

// Diagnosis buckets every scanned value into exactly one category, so
// the bucket counts always sum to Total.
type Diagnosis struct {
	Total                 int `json:"total"`
	ValidString           int `json:"valid_string"`
	ValidDocument         int `json:"valid_document"`
	DeserializationFailed int `json:"deserialization_failed"`
	MissingCriticalFields int `json:"missing_critical_fields"`
	Corrupted             int `json:"corrupted"`
}

func (d *Diagnosis) Categories() map[string]int {
	return map[string]int{
		"valid_string":            d.ValidString,
		"valid_document":          d.ValidDocument,
		"deserialization_failed":  d.DeserializationFailed,
		"missing_critical_fields": d.MissingCriticalFields,
		"corrupted":               d.Corrupted,
	}
}

// Diagnose classifies every stored value: readable records split by
// encoding, parseable-but-incomplete ones by what they lack, and the
// rest as corrupted. The scan mutates nothing.
func (e *Engine) Diagnose(ctx context.Context) (*Diagnosis, error) {
	diag := &Diagnosis{}
	values, errc := e.store.StreamRaw(ctx)
	for v := range values {
		diag.Total++
		payload, enc, ok := recordstore.NormalizeRaw(v.Raw)
		if !ok {
			diag.Corrupted++
			continue
		}
		var rec record.Book
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			diag.DeserializationFailed++
			continue
		}
		if !rec.HasCriticalFields() {
			diag.MissingCriticalFields++
			continue
		}
		if enc == recordstore.EncodingDocument {
			diag.ValidDocument++
		} else {
			diag.ValidString++
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return diag, nil
}

// RepairReport counts the outcome of a repair pass. In a dry run
// Repaired is the number of records that would have been written.
type RepairReport struct {
	Scanned  int  `json:"scanned"`
	Repaired int  `json:"repaired"`
	Failed   int  `json:"failed"`
	DryRun   bool `json:"dry_run"`
}

// Repair backfills records whose id field is missing or empty from the
// key's last path component. Only the id field is ever written; other
// fields, unreadable values and records with a differing id are left
// untouched. The rewrite keeps the value's remaining TTL when it has
// one.
func (e *Engine) Repair(ctx context.Context, dryRun bool) (*RepairReport, error) {
	report := &RepairReport{DryRun: dryRun}
	values, errc := e.store.StreamRaw(ctx)
	for v := range values {
		report.Scanned++
		payload, _, ok := recordstore.NormalizeRaw(v.Raw)
		if !ok {
			continue
		}
		doc := gjson.Parse(payload)
		if !doc.IsObject() {
			continue
		}
		if doc.Get("id").String() != "" || v.ID == "" {
			continue
		}
		if dryRun {
			report.Repaired++
			continue
		}
		patched, err := sjson.SetBytes([]byte(payload), "id", v.ID)
		if err != nil {
			report.Failed++
			e.log.Error().Err(err).Str("id", v.ID).Msg("id patch failed")
			continue
		}
		ttl := e.store.DefaultTTL()
		if left, hasTTL := e.store.RemainingTTL(ctx, v.ID); hasTTL {
			ttl = left
		}
		e.store.SaveRaw(ctx, v.ID, string(patched), ttl)
		report.Repaired++
		e.log.Info().Str("id", v.ID).Msg("backfilled record id from key")
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return report, nil
}

// VerifyReport summarizes a verification scan by encoding.
type VerifyReport struct {
	Total      int `json:"total"`
	Strings    int `json:"strings"`
	Documents  int `json:"documents"`
	Unreadable int `json:"unreadable"`
}

// VerifyEncodings confirms every stored value still normalizes and
// parses under the current schema, counting per encoding. It is the
// read-only half of a format migration: nothing is rewritten.
func (e *Engine) VerifyEncodings(ctx context.Context) (*VerifyReport, error) {
	report := &VerifyReport{}
	values, errc := e.store.StreamRaw(ctx)
	for v := range values {
		report.Total++
		payload, enc, ok := recordstore.NormalizeRaw(v.Raw)
		if !ok {
			report.Unreadable++
			continue
		}
		var rec record.Book
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			report.Unreadable++
			continue
		}
		if enc == recordstore.EncodingDocument {
			report.Documents++
		} else {
			report.Strings++
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return report, nil
}
