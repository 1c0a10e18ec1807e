package recordstore

import (
	"bytes"
	"encoding/json"

	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/codec/dagjson"
	"github.com/ipld/go-ipld-prime/datamodel"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"bookcache/record"
)

// bookToNode builds the structured document for the native encoding by
// running the record's canonical JSON through the dag-json codec.
func bookToNode(rec *record.Book) (datamodel.Node, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagjson.Decode(nb, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}

func encodeDocument(n datamodel.Node) ([]byte, error) {
	var buf bytes.Buffer
	if err := dagcbor.Encode(n, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeDocument(raw []byte) (datamodel.Node, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}

// normalizeDocument maps a decoded document node back onto canonical
// JSON text. Maps re-encode through dag-json. A string scalar passes
// through only when it is itself an object-shaped JSON payload. A
// single-element list unwraps into its element. Anything else has no
// JSON rendering this cache can use.
func normalizeDocument(n datamodel.Node) ([]byte, bool) {
	switch n.Kind() {
	case datamodel.Kind_Map:
		var buf bytes.Buffer
		if err := dagjson.Encode(n, &buf); err != nil {
			return nil, false
		}
		return buf.Bytes(), true
	case datamodel.Kind_String:
		s, err := n.AsString()
		if err != nil || !looksLikeJSONObject([]byte(s)) {
			return nil, false
		}
		return []byte(s), true
	case datamodel.Kind_List:
		if n.Length() != 1 {
			return nil, false
		}
		el, err := n.LookupByIndex(0)
		if err != nil {
			return nil, false
		}
		return normalizeDocument(el)
	default:
		return nil, false
	}
}
