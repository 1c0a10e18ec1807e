package recordstore

import (
	"bytes"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Encoding tags the physical representation of a stored value. A
// namespace can hold both encodings at once after a format migration,
// so every read classifies before interpreting bytes.
type Encoding int

const (
	EncodingUnknown Encoding = iota
	EncodingString            // UTF-8 JSON text
	EncodingDocument          // dag-cbor structured document
)

func (e Encoding) String() string {
	switch e {
	case EncodingString:
		return "string"
	case EncodingDocument:
		return "document"
	default:
		return "unknown"
	}
}

// Classify inspects raw once and tags its physical encoding. Text that
// is not JSON-shaped still classifies as EncodingString; whether the
// payload is usable is the reader's concern, not the classifier's.
func Classify(raw []byte) Encoding {
	if len(raw) == 0 {
		return EncodingUnknown
	}
	if isTextPayload(raw) {
		return EncodingString
	}
	if _, err := decodeDocument(raw); err == nil {
		return EncodingDocument
	}
	return EncodingUnknown
}

func isTextPayload(raw []byte) bool {
	return bytes.IndexByte(raw, 0) < 0 && utf8.Valid(raw)
}

// minObjectPayload is the length of the shortest non-empty JSON
// object, `{"a":1}`.
const minObjectPayload = 7

// looksLikeJSONObject guards value reads against stray strings such as
// lock tokens or placeholder values: the payload must be long enough,
// object-shaped and structurally valid JSON.
func looksLikeJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) < minObjectPayload || trimmed[0] != '{' {
		return false
	}
	return gjson.ValidBytes(trimmed)
}

// NormalizeRaw renders stored bytes as canonical JSON text whatever
// their physical encoding. It never logs, which makes it the entry
// point for maintenance walks over stores that are expected to hold
// broken values. String payloads pass when they are valid JSON of any
// shape; the stricter object-shape rule belongs to the load path. ok
// is false when the bytes have no JSON rendering at all.
func NormalizeRaw(raw []byte) (payload string, enc Encoding, ok bool) {
	enc = Classify(raw)
	switch enc {
	case EncodingString:
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || !gjson.ValidBytes(trimmed) {
			return "", enc, false
		}
		return string(trimmed), enc, true
	case EncodingDocument:
		n, err := decodeDocument(raw)
		if err != nil {
			return "", enc, false
		}
		normalized, jsonable := normalizeDocument(n)
		if !jsonable {
			return "", enc, false
		}
		return string(normalized), enc, true
	default:
		return "", enc, false
	}
}
