// Package altindex maintains the alternate-id indexes: isbn10, isbn13
// and externalId values map to the record's primary id under the index
// prefix. Index entries carry their own TTL, shorter than the record
// TTL, so a stale index can only ever cost a fallback scan, never a
// wrong answer.
package altindex

import (
	"context"
	"errors"
	"net/url"
	"time"

	ds "github.com/ipfs/go-datastore"
	"github.com/rs/zerolog"

	"bookcache/datastore"
	"bookcache/record"
)

// Field names an indexed alternate identifier. The values double as
// the JSON field names on the record.
type Field string

const (
	FieldISBN10     Field = "isbn10"
	FieldISBN13     Field = "isbn13"
	FieldExternalID Field = "externalId"
)

// Fields lists every indexed field.
func Fields() []Field {
	return []Field{FieldISBN10, FieldISBN13, FieldExternalID}
}

// ParseField validates a user-supplied field name.
func ParseField(s string) (Field, bool) {
	switch Field(s) {
	case FieldISBN10, FieldISBN13, FieldExternalID:
		return Field(s), true
	}
	return "", false
}

type Manager struct {
	ds     datastore.Datastore
	prefix ds.Key
	ttl    time.Duration
	log    zerolog.Logger
}

func New(d datastore.Datastore, prefix string, ttl time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		ds:     d,
		prefix: ds.NewKey(prefix),
		ttl:    ttl,
		log:    log.With().Str("component", "altindex").Logger(),
	}
}

// Prefix returns the index key namespace.
func (m *Manager) Prefix() ds.Key { return m.prefix }

// Key returns the index key for a field/value pair. The value is
// path-escaped so arbitrary external ids cannot inject key separators.
func (m *Manager) Key(field Field, value string) ds.Key {
	return m.prefix.ChildString(string(field)).ChildString(url.PathEscape(value))
}

// Update refreshes the mappings for newRec against its previous
// version. A stale mapping is deleted before the new one is written,
// so a reader never resolves a value the record no longer carries; the
// brief window where old and new coexist is tolerated staleness.
func (m *Manager) Update(ctx context.Context, newRec, prevRec *record.Book) error {
	if newRec == nil || newRec.ID == "" {
		return errors.New("record has no id")
	}
	var firstErr error
	for _, field := range Fields() {
		newVal := newRec.AlternateID(string(field))
		var prevVal string
		if prevRec != nil {
			prevVal = prevRec.AlternateID(string(field))
		}

		if prevVal != "" && prevVal != newVal {
			if err := m.delete(ctx, field, prevVal); err != nil {
				m.log.Warn().Err(err).Str("field", string(field)).Msg("stale index delete failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if newVal == "" {
			continue
		}
		if err := m.ds.PutWithTTL(ctx, m.Key(field, newVal), []byte(newRec.ID), m.ttl); err != nil {
			m.log.Warn().Err(err).Str("field", string(field)).Msg("index write failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DeleteAll removes every mapping the record carries.
func (m *Manager) DeleteAll(ctx context.Context, rec *record.Book) error {
	if rec == nil {
		return nil
	}
	var firstErr error
	for _, field := range Fields() {
		value := rec.AlternateID(string(field))
		if value == "" {
			continue
		}
		if err := m.delete(ctx, field, value); err != nil {
			m.log.Warn().Err(err).Str("field", string(field)).Msg("index delete failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) delete(ctx context.Context, field Field, value string) error {
	err := m.ds.Delete(ctx, m.Key(field, value))
	if errors.Is(err, ds.ErrNotFound) {
		return nil
	}
	return err
}

// Lookup resolves an alternate id to the primary id. Misses and store
// errors both read as not-found.
func (m *Manager) Lookup(ctx context.Context, field Field, value string) (string, bool) {
	if value == "" {
		return "", false
	}
	raw, err := m.ds.Get(ctx, m.Key(field, value))
	if err != nil {
		if !errors.Is(err, ds.ErrNotFound) {
			m.log.Warn().Err(err).Str("field", string(field)).Msg("index lookup failed")
		}
		return "", false
	}
	id := string(raw)
	if id == "" {
		return "", false
	}
	return id, true
}

// Stats counts live entries per field. Expired entries are invisible
// to scans, so the counts reflect what lookups can actually resolve.
func (m *Manager) Stats(ctx context.Context) (map[Field]int, error) {
	stats := make(map[Field]int, len(Fields()))
	for _, field := range Fields() {
		keys, errc, err := m.ds.Keys(ctx, m.prefix.ChildString(string(field)))
		if err != nil {
			return nil, err
		}
		count := 0
		for range keys {
			count++
		}
		if err := <-errc; err != nil {
			return nil, err
		}
		stats[field] = count
	}
	return stats, nil
}
