package capnweb

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MessageTag is the first element of a top-level wire message.
type MessageTag string

const (
	TagPush    MessageTag = "push"
	TagPull    MessageTag = "pull"
	TagResolve MessageTag = "resolve"
	TagReject  MessageTag = "reject"
	TagRelease MessageTag = "release"
	TagAbort   MessageTag = "abort"
)

// Message is one NDJSON line: a JSON array of length >= 1 whose first
// element is the tag (spec 4.1). Fields not relevant to a given tag are
// left zero. IDs are always interpreted from the sender's perspective.
type Message struct {
	Tag      MessageTag
	Expr     any      // push, resolve, reject, abort
	ImportID ImportID // pull, release
	ExportID ExportID // resolve, reject
	Refcount int64    // release
}

// DefaultMaxFrameSize bounds a single NDJSON line before a session aborts
// the connection with bad_request (spec 4.1).
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

func pushMessage(expr any) Message { return Message{Tag: TagPush, Expr: expr} }
func pullMessage(id ImportID) Message {
	return Message{Tag: TagPull, ImportID: id}
}
func releaseMessage(id ImportID, refcount int64) Message {
	return Message{Tag: TagRelease, ImportID: id, Refcount: refcount}
}
func resolveMessage(id ExportID, expr any) Message {
	return Message{Tag: TagResolve, ExportID: id, Expr: expr}
}
func rejectMessage(id ExportID, expr any) Message {
	return Message{Tag: TagReject, ExportID: id, Expr: expr}
}
func abortMessage(expr any) Message { return Message{Tag: TagAbort, Expr: expr} }

// encodeMessage renders a Message as its raw JSON array form.
func encodeMessage(m Message) ([]byte, error) {
	var arr []any
	switch m.Tag {
	case TagPush:
		arr = []any{string(TagPush), m.Expr}
	case TagPull:
		arr = []any{string(TagPull), int64(m.ImportID)}
	case TagResolve:
		arr = []any{string(TagResolve), int64(m.ExportID), m.Expr}
	case TagReject:
		arr = []any{string(TagReject), int64(m.ExportID), m.Expr}
	case TagRelease:
		arr = []any{string(TagRelease), int64(m.ImportID), m.Refcount}
	case TagAbort:
		arr = []any{string(TagAbort), m.Expr}
	default:
		return nil, fmt.Errorf("capnweb: unknown message tag %q", m.Tag)
	}
	return json.Marshal(arr)
}

// decodeMessage parses a raw JSON line into a Message, returning a
// bad_request WireError on anything malformed (spec 4.1, 4.12).
func decodeMessage(line []byte) (Message, error) {
	var raw []json.RawMessage
	dec := json.NewDecoder(bytesReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Message{}, NewWireError(ErrBadRequest, "malformed message: "+err.Error())
	}
	if len(raw) == 0 {
		return Message{}, NewWireError(ErrBadRequest, "empty message")
	}
	var tag string
	if err := json.Unmarshal(raw[0], &tag); err != nil {
		return Message{}, NewWireError(ErrBadRequest, "missing message tag")
	}
	switch MessageTag(tag) {
	case TagPush:
		if len(raw) != 2 {
			return Message{}, NewWireError(ErrBadRequest, "push requires exactly one expression")
		}
		expr, err := decodeJSONValue(raw[1])
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: TagPush, Expr: expr}, nil
	case TagPull:
		if len(raw) != 2 {
			return Message{}, NewWireError(ErrBadRequest, "pull requires exactly one import id")
		}
		id, err := decodeInt(raw[1])
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: TagPull, ImportID: ImportID(id)}, nil
	case TagResolve, TagReject:
		if len(raw) != 3 {
			return Message{}, NewWireError(ErrBadRequest, string(tag)+" requires an export id and an expression")
		}
		id, err := decodeInt(raw[1])
		if err != nil {
			return Message{}, err
		}
		expr, err := decodeJSONValue(raw[2])
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: MessageTag(tag), ExportID: ExportID(id), Expr: expr}, nil
	case TagRelease:
		if len(raw) != 3 {
			return Message{}, NewWireError(ErrBadRequest, "release requires an import id and a refcount")
		}
		id, err := decodeInt(raw[1])
		if err != nil {
			return Message{}, err
		}
		count, err := decodeInt(raw[2])
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: TagRelease, ImportID: ImportID(id), Refcount: count}, nil
	case TagAbort:
		if len(raw) < 2 {
			return Message{}, NewWireError(ErrBadRequest, "abort requires an expression")
		}
		expr, err := decodeJSONValue(raw[1])
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: TagAbort, Expr: expr}, nil
	default:
		return Message{}, NewWireError(ErrBadRequest, "unknown message tag: "+tag)
	}
}

func decodeInt(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, NewWireError(ErrBadRequest, "expected integer id: "+err.Error())
	}
	v, err := n.Int64()
	if err != nil {
		return 0, NewWireError(ErrBadRequest, "expected integer id: "+err.Error())
	}
	return v, nil
}

// decodeJSONValue parses a raw JSON fragment into the generic any tree
// used throughout (json.Number for numbers, preserved for exact integer
// round-tripping, resolved to int64/float64 by callers as needed).
func decodeJSONValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytesReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, NewWireError(ErrBadRequest, "malformed JSON value: "+err.Error())
	}
	return normalizeJSON(v), nil
}

// normalizeJSON walks a decoded JSON tree converting map[string]interface{}
// (already that shape from encoding/json) and json.Number into the plain
// any/int64/float64 shapes the rest of the core works with.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeJSON(e)
		}
		return out
	default:
		return v
	}
}

// bytesReader avoids importing bytes in every call site.
func bytesReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// frameReader reads NDJSON lines (one JSON value per line) off an
// io.Reader, enforcing the maxFrame limit it is built with (spec 4.1, 6.1).
type frameReader struct {
	scanner *bufio.Scanner
}

func newFrameReader(r io.Reader, maxFrame int) *frameReader {
	s := bufio.NewScanner(r)
	// The scanner's limit is the larger of maxFrame and the initial
	// buffer's capacity, so the buffer must not start out larger.
	s.Buffer(make([]byte, 0, min(64*1024, maxFrame)), maxFrame)
	return &frameReader{scanner: s}
}

// next reads the next non-empty line, or io.EOF at end of stream.
func (fr *frameReader) next() ([]byte, error) {
	for fr.scanner.Scan() {
		line := fr.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := fr.scanner.Err(); err != nil {
		return nil, NewWireError(ErrBadRequest, "frame too large or malformed: "+err.Error())
	}
	return nil, io.EOF
}
