package maintenance

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/itchyny/gojq"
	"lukechampine.com/blake3"

	"bookcache/recordstore"
)

// ExportOptions shape a JSONL export. Filter is a jq expression run
// against each record; records the filter drops (no output, null or
// an error) are skipped, any other output replaces the record.
type ExportOptions struct {
	Filter string
	Limit  int
}

// ExportLine is one line of the export: the record body plus a blake3
// checksum of exactly the bytes in Record, so a reader can verify
// each line independently.
type ExportLine struct {
	ID       string          `json:"id"`
	Checksum string          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

type ExportStats struct {
	Exported int `json:"exported"`
	Skipped  int `json:"skipped"`
}

// ExportJSONL streams every readable record to w as JSON Lines.
// Unreadable values are skipped and counted, never exported. The
// record body keeps fields the schema does not know about, so an
// export is a faithful backup.
func (e *Engine) ExportJSONL(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportStats, error) {
	var filter *gojq.Code
	if opts.Filter != "" {
		q, err := gojq.Parse(opts.Filter)
		if err != nil {
			return nil, fmt.Errorf("parse filter: %w", err)
		}
		filter, err = gojq.Compile(q)
		if err != nil {
			return nil, fmt.Errorf("compile filter: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bw := bufio.NewWriter(w)
	stats := &ExportStats{}
	values, errc := e.store.StreamRaw(ctx)
	for v := range values {
		payload, _, ok := recordstore.NormalizeRaw(v.Raw)
		if !ok {
			stats.Skipped++
			continue
		}
		var doc any
		if err := json.Unmarshal([]byte(payload), &doc); err != nil {
			stats.Skipped++
			continue
		}
		if filter != nil {
			out, keep := applyFilter(filter, doc)
			if !keep {
				stats.Skipped++
				continue
			}
			doc = out
		}
		body, err := json.Marshal(doc)
		if err != nil {
			stats.Skipped++
			continue
		}
		sum := blake3.Sum256(body)
		line, err := json.Marshal(ExportLine{
			ID:       v.ID,
			Checksum: hex.EncodeToString(sum[:]),
			Record:   body,
		})
		if err != nil {
			stats.Skipped++
			continue
		}
		if _, err := bw.Write(line); err != nil {
			return nil, err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return nil, err
		}
		stats.Exported++
		if opts.Limit > 0 && stats.Exported >= opts.Limit {
			cancel()
			for range values {
			}
			if err := bw.Flush(); err != nil {
				return nil, err
			}
			return stats, nil
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return stats, nil
}

func applyFilter(code *gojq.Code, doc any) (any, bool) {
	iter := code.Run(doc)
	out, ok := iter.Next()
	if !ok || out == nil {
		return nil, false
	}
	if _, isErr := out.(error); isErr {
		return nil, false
	}
	return out, true
}
