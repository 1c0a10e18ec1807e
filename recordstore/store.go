// Package recordstore keeps one cached record per primary key under
// the record prefix, hiding the two physical encodings a namespace can
// contain after a format migration: plain JSON text and dag-cbor
// structured documents. Reads degrade to misses instead of failing, so
// a broken value never takes the cache down with it.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	"github.com/rs/zerolog"

	"bookcache/datastore"
	"bookcache/logger"
	"bookcache/record"
)

const (
	// LockSuffix marks advisory lock keys. Their values are never
	// records; scans and value reads must skip them.
	LockSuffix = ":lock"

	scanPageSize = 1000

	// maxSnippet bounds how much of a broken payload reaches the logs.
	maxSnippet = 256
)

type Store struct {
	ds         datastore.Datastore
	prefix     ds.Key
	defaultTTL time.Duration
	log        zerolog.Logger
	flags      *logger.Once
}

func New(d datastore.Datastore, prefix string, defaultTTL time.Duration, log zerolog.Logger) *Store {
	return &Store{
		ds:         d,
		prefix:     ds.NewKey(prefix),
		defaultTTL: defaultTTL,
		log:        log.With().Str("component", "recordstore").Logger(),
		flags:      logger.NewOnce(),
	}
}

// Prefix returns the record key namespace.
func (s *Store) Prefix() ds.Key { return s.prefix }

// DefaultTTL returns the TTL applied when a write does not carry one.
func (s *Store) DefaultTTL() time.Duration { return s.defaultTTL }

// Key returns the datastore key holding the record with the given id.
func (s *Store) Key(id string) ds.Key { return s.prefix.ChildString(id) }

// LockKey returns the advisory lock marker key for the given id.
func (s *Store) LockKey(id string) ds.Key { return s.prefix.ChildString(id + LockSuffix) }

// IsLockKey reports whether key is an advisory lock marker.
func IsLockKey(key ds.Key) bool { return strings.HasSuffix(key.String(), LockSuffix) }

// IDFromKey extracts the record id from its datastore key.
func IDFromKey(key ds.Key) string { return key.BaseNamespace() }

// SaveRaw writes the string encoding of a record. Store failures are
// logged and swallowed: the cache stays best-effort and callers treat
// a failed write like any future miss.
func (s *Store) SaveRaw(ctx context.Context, id string, payload string, ttl time.Duration) {
	if id == "" || payload == "" {
		return
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.ds.PutWithTTL(ctx, s.Key(id), []byte(payload), ttl); err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("record write failed")
	}
}

// SaveDocument writes the native document encoding. Migration tooling
// and tests use it to produce mixed namespaces.
func (s *Store) SaveDocument(ctx context.Context, id string, rec *record.Book, ttl time.Duration) error {
	if id == "" || rec == nil {
		return errors.New("missing id or record")
	}
	n, err := bookToNode(rec)
	if err != nil {
		return err
	}
	raw, err := encodeDocument(n)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.ds.PutWithTTL(ctx, s.Key(id), raw, ttl)
}

func (s *Store) get(ctx context.Context, id string) ([]byte, bool) {
	if id == "" || strings.HasSuffix(id, LockSuffix) {
		return nil, false
	}
	raw, err := s.ds.Get(ctx, s.Key(id))
	switch {
	case err == nil:
		return raw, true
	case errors.Is(err, ds.ErrNotFound):
		return nil, false
	default:
		s.log.Error().Err(err).Str("id", id).Msg("record read failed")
		return nil, false
	}
}

// LoadRaw returns the canonical JSON payload when the stored value is
// string-encoded and JSON-shaped. Document-encoded values and any
// other shape read as a miss here; LoadRawWithFallback handles them.
func (s *Store) LoadRaw(ctx context.Context, id string) (string, bool) {
	raw, ok := s.get(ctx, id)
	if !ok {
		return "", false
	}
	if Classify(raw) != EncodingString {
		return "", false
	}
	if !looksLikeJSONObject(raw) {
		s.log.Debug().Str("id", id).Msg("string value is not a JSON object")
		return "", false
	}
	return string(raw), true
}

// LoadRawWithFallback reads the value under id in either encoding:
// string payloads pass through the same shape checks as LoadRaw, and
// document payloads are decoded and normalized back to JSON text.
func (s *Store) LoadRawWithFallback(ctx context.Context, id string) (string, bool) {
	raw, ok := s.get(ctx, id)
	if !ok {
		return "", false
	}
	switch Classify(raw) {
	case EncodingString:
		if !looksLikeJSONObject(raw) {
			s.log.Debug().Str("id", id).Msg("string value is not a JSON object")
			return "", false
		}
		return string(raw), true
	case EncodingDocument:
		payload, _, ok := NormalizeRaw(raw)
		if !ok {
			s.log.Warn().Str("id", id).Msg("document has no JSON rendering")
			return "", false
		}
		return payload, true
	default:
		if s.flags.First("unknown-encoding") {
			s.log.Warn().Str("id", id).Msg("value with unknown encoding, treating as miss")
		} else {
			s.log.Debug().Str("id", id).Msg("value with unknown encoding, treating as miss")
		}
		return "", false
	}
}

// Deserialize parses canonical JSON into a record and backfills the
// slug from the title. Broken payloads are logged with a bounded
// snippet and read as a miss.
func (s *Store) Deserialize(payload string) (*record.Book, bool) {
	if payload == "" {
		return nil, false
	}
	var rec record.Book
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		snippet := payload
		if len(snippet) > maxSnippet {
			snippet = snippet[:maxSnippet]
		}
		s.log.Error().Err(err).Str("snippet", snippet).Msg("record deserialization failed")
		return nil, false
	}
	rec.EnsureSlug()
	return &rec, true
}

// Serialize encodes the record as canonical JSON.
func (s *Store) Serialize(rec *record.Book) (string, bool) {
	if rec == nil {
		return "", false
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		s.log.Error().Err(err).Str("id", rec.ID).Msg("record serialization failed")
		return "", false
	}
	return string(raw), true
}

// Exists reports whether a value is stored under the id, in either
// encoding.
func (s *Store) Exists(ctx context.Context, id string) bool {
	if id == "" || strings.HasSuffix(id, LockSuffix) {
		return false
	}
	ok, err := s.ds.Has(ctx, s.Key(id))
	if err != nil {
		s.log.Error().Err(err).Str("id", id).Msg("record existence check failed")
		return false
	}
	return ok
}

// DeleteRaw removes the stored value. Deleting an absent id is a no-op.
func (s *Store) DeleteRaw(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := s.ds.Delete(ctx, s.Key(id)); err != nil && !errors.Is(err, ds.ErrNotFound) {
		s.log.Error().Err(err).Str("id", id).Msg("record delete failed")
	}
}

// RemainingTTL reports the time left before the id's value expires.
// False when the value carries no expiration.
func (s *Store) RemainingTTL(ctx context.Context, id string) (time.Duration, bool) {
	exp, err := s.ds.GetExpiration(ctx, s.Key(id))
	if err != nil || exp.Unix() <= 0 {
		return 0, false
	}
	left := time.Until(exp)
	if left <= 0 {
		return 0, false
	}
	return left, true
}

// ScanKeys pages through the keys below prefix, skipping lock markers.
// Failures shorten the result instead of surfacing as errors.
func (s *Store) ScanKeys(ctx context.Context, prefix ds.Key) []string {
	var keys []string
	for offset := 0; ; offset += scanPageSize {
		if err := ctx.Err(); err != nil {
			s.log.Debug().Err(err).Msg("key scan cancelled")
			return keys
		}
		page, seen, err := s.scanPage(ctx, prefix, offset)
		if err != nil {
			s.log.Error().Err(err).Str("prefix", prefix.String()).Msg("key scan failed")
			return keys
		}
		keys = append(keys, page...)
		if seen < scanPageSize {
			return keys
		}
	}
}

func (s *Store) scanPage(ctx context.Context, prefix ds.Key, offset int) ([]string, int, error) {
	res, err := s.ds.Query(ctx, query.Query{
		Prefix:   prefix.String(),
		KeysOnly: true,
		Offset:   offset,
		Limit:    scanPageSize,
	})
	if err != nil {
		return nil, 0, err
	}
	defer res.Close()

	var page []string
	seen := 0
	for entry := range res.Next() {
		if entry.Error != nil {
			return nil, seen, entry.Error
		}
		seen++
		if strings.HasSuffix(entry.Key, LockSuffix) {
			continue
		}
		page = append(page, entry.Key)
	}
	return page, seen, nil
}

// ScanIDs returns the ids of every stored record.
func (s *Store) ScanIDs(ctx context.Context) []string {
	keys := s.ScanKeys(ctx, s.prefix)
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, IDFromKey(ds.NewKey(k)))
	}
	return ids
}

// StreamRecords streams every readable record in a single lazy pass:
// key scan first, then per-id load and deserialize. Unreadable values
// are skipped. The stream is not restartable.
func (s *Store) StreamRecords(ctx context.Context) (<-chan *record.Book, <-chan error) {
	out := make(chan *record.Book)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		for _, id := range s.ScanIDs(ctx) {
			if err := ctx.Err(); err != nil {
				errc <- err
				return
			}
			payload, ok := s.LoadRawWithFallback(ctx, id)
			if !ok {
				continue
			}
			rec, ok := s.Deserialize(payload)
			if !ok {
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
	}()
	return out, errc
}

// RawValue pairs a record id with the exact stored bytes.
type RawValue struct {
	ID  string
	Raw []byte
}

// StreamRaw streams the stored bytes of every record key without
// interpreting them, lock markers excluded. The maintenance walks use
// this to judge encodings themselves.
func (s *Store) StreamRaw(ctx context.Context) (<-chan RawValue, <-chan error) {
	out := make(chan RawValue)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		kvs, kverrc, err := s.ds.Iterator(ctx, s.prefix, false)
		if err != nil {
			errc <- err
			return
		}
		for kv := range kvs {
			if IsLockKey(kv.Key) {
				continue
			}
			select {
			case out <- RawValue{ID: IDFromKey(kv.Key), Raw: kv.Value}:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := <-kverrc; err != nil {
			errc <- err
		}
	}()
	return out, errc
}
