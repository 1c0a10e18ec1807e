// Package record defines the cached book entity and the derived
// attributes the storage, index and search layers agree on.
package record

import (
	"strconv"
	"strings"

	"github.com/duke-git/lancet/v2/strutil"
	"github.com/google/uuid"
)

// Book is the cached entity. ID is the primary key: a UUIDv7 assigned
// on first save and immutable afterwards. ISBN10, ISBN13 and
// ExternalID are the alternate identifiers carried by the secondary
// indexes.
type Book struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Authors       []string          `json:"authors,omitempty"`
	Categories    []string          `json:"categories,omitempty"`
	ISBN10        string            `json:"isbn10,omitempty"`
	ISBN13        string            `json:"isbn13,omitempty"`
	ExternalID    string            `json:"externalId,omitempty"`
	CoverImageURL string            `json:"coverImageUrl,omitempty"`
	PublishedDate string            `json:"publishedDate,omitempty"`
	Embedding     []float32         `json:"embedding,omitempty"`
	Qualifiers    map[string]string `json:"qualifiers,omitempty"`
	Slug          string            `json:"slug,omitempty"`
}

// NewID returns a fresh time-ordered identifier. UUIDv7 sorts by
// creation time, so key order approximates insertion order.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IsWellFormedID reports whether s is a parseable UUIDv7. Anything
// else, including older UUID versions, counts as ill-formed and gets
// replaced on save.
func IsWellFormedID(s string) bool {
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 7
}

func (b *Book) WellFormedID() bool {
	return IsWellFormedID(b.ID)
}

// HasCriticalFields reports whether the record carries the minimum an
// operable cache entry needs: a well-formed id, a title, and at least
// one alternate identifier.
func (b *Book) HasCriticalFields() bool {
	if !b.WellFormedID() || b.Title == "" {
		return false
	}
	return b.ISBN10 != "" || b.ISBN13 != "" || b.ExternalID != ""
}

// EnsureSlug derives Slug from Title when it is empty.
func (b *Book) EnsureSlug() {
	if b.Slug == "" && b.Title != "" {
		b.Slug = strutil.KebabCase(b.Title)
	}
}

// PublishYear extracts the leading year of PublishedDate, which may be
// "2024", "2024-03" or "2024-03-15". Returns 0 when absent or
// malformed.
func (b *Book) PublishYear() int {
	if len(b.PublishedDate) < 4 {
		return 0
	}
	year, err := strconv.Atoi(b.PublishedDate[:4])
	if err != nil {
		return 0
	}
	return year
}

// IsBestseller scans the qualifiers map for bestseller-indicating
// keys, case-insensitively. Values are ignored: the key's presence is
// the flag.
func (b *Book) IsBestseller() bool {
	for k := range b.Qualifiers {
		if strings.Contains(strings.ToLower(k), "bestseller") {
			return true
		}
	}
	return false
}

// HasQualityCover reports whether the cover URL matches any of the
// configured quality patterns.
func (b *Book) HasQualityCover(patterns []string) bool {
	if b.CoverImageURL == "" {
		return false
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(b.CoverImageURL, p) {
			return true
		}
	}
	return false
}

// HasPlaceholderCover reports whether the cover URL matches any of the
// configured placeholder patterns.
func (b *Book) HasPlaceholderCover(patterns []string) bool {
	if b.CoverImageURL == "" {
		return false
	}
	for _, p := range patterns {
		if p != "" && strings.Contains(b.CoverImageURL, p) {
			return true
		}
	}
	return false
}

// SearchText aggregates the record's searchable text, lowercased:
// title, authors, categories and slug.
func (b *Book) SearchText() string {
	parts := make([]string, 0, 3+len(b.Authors)+len(b.Categories))
	if b.Title != "" {
		parts = append(parts, b.Title)
	}
	parts = append(parts, b.Authors...)
	parts = append(parts, b.Categories...)
	if b.Slug != "" {
		parts = append(parts, b.Slug)
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// SharesAttribute reports whether b and other have at least one
// category or author in common. First match qualifies; there is no
// partial scoring.
func (b *Book) SharesAttribute(other *Book) bool {
	for _, c := range b.Categories {
		for _, oc := range other.Categories {
			if c != "" && c == oc {
				return true
			}
		}
	}
	for _, a := range b.Authors {
		for _, oa := range other.Authors {
			if a != "" && a == oa {
				return true
			}
		}
	}
	return false
}

// AlternateID returns the value of the named alternate identifier
// field, empty when unset.
func (b *Book) AlternateID(field string) string {
	switch field {
	case "isbn10":
		return b.ISBN10
	case "isbn13":
		return b.ISBN13
	case "externalId":
		return b.ExternalID
	}
	return ""
}

// Clone returns a deep copy. Save hands clones back to callers so the
// stored record and the caller's value never alias.
func (b *Book) Clone() *Book {
	if b == nil {
		return nil
	}
	out := *b
	if b.Authors != nil {
		out.Authors = append([]string(nil), b.Authors...)
	}
	if b.Categories != nil {
		out.Categories = append([]string(nil), b.Categories...)
	}
	if b.Embedding != nil {
		out.Embedding = append([]float32(nil), b.Embedding...)
	}
	if b.Qualifiers != nil {
		out.Qualifiers = make(map[string]string, len(b.Qualifiers))
		for k, v := range b.Qualifiers {
			out.Qualifiers[k] = v
		}
	}
	return &out
}
