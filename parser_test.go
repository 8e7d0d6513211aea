package capnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	a, _ := newPipePair()
	return NewSession(a, nil)
}

// TestLiteralArrayEscapeRoundTrip is spec scenario S3: a plain array
// value is transmitted wrapped in an extra array layer so the parser
// doesn't mistake its first element for a tag, and parsing it back
// yields the original list.
func TestLiteralArrayEscapeRoundTrip(t *testing.T) {
	s := newTestSession()
	original := []any{"just", "an", "array"}

	wire, err := s.serializeExpr(original)
	require.NoError(t, err)
	assert.Equal(t, []any{original}, wire, "plain array must be wrapped once for the wire")

	parsed, err := s.parseExpr(wire)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestLiteralArrayEscapeOnTagCollision(t *testing.T) {
	s := newTestSession()
	// An application array that happens to start with a recognized tag
	// string must also be escaped, or the parser would misread it.
	original := []any{"error", "not", "really", "an", "error"}

	wire, err := s.serializeExpr(original)
	require.NoError(t, err)
	assert.Equal(t, []any{original}, wire)

	parsed, err := s.parseExpr(wire)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}

func TestParseDateExpr(t *testing.T) {
	s := newTestSession()
	parsed, err := s.parseExpr([]any{"date", int64(1700000000000)})
	require.NoError(t, err)
	assert.Equal(t, Date{Millis: 1700000000000}, parsed)
}

func TestParseErrorExpr(t *testing.T) {
	s := newTestSession()
	parsed, err := s.parseExpr([]any{"error", "not_found", "missing"})
	require.NoError(t, err)
	we, ok := parsed.(*WireError)
	require.True(t, ok)
	assert.Equal(t, ErrNotFound, we.Type)
	assert.Equal(t, "missing", we.Message)
}

func TestParseUnknownTagIsBadRequest(t *testing.T) {
	s := newTestSession()
	_, err := s.parseExpr([]any{"bogus", int64(1)})
	require.Error(t, err)
	we, ok := err.(*WireError)
	require.True(t, ok)
	assert.Equal(t, ErrBadRequest, we.Type)
}

func TestParseImportNoSuchExportYieldsErrorStub(t *testing.T) {
	s := newTestSession()
	parsed, err := s.parseExpr([]any{"import", int64(999)})
	require.NoError(t, err)
	stub, ok := parsed.(*Stub)
	require.True(t, ok)
	_, pullErr := stub.hook.Pull(nil) //nolint:staticcheck // nil ctx ok: error hook ignores it
	require.Error(t, pullErr)
	we, ok := pullErr.(*WireError)
	require.True(t, ok)
	assert.Equal(t, ErrNotFound, we.Type)
}

func TestDecodeFieldsInObjectExpressionsAreRecursivelyParsed(t *testing.T) {
	s := newTestSession()
	in := map[string]any{"when": []any{"date", int64(5)}}
	parsed, err := s.parseExpr(in)
	require.NoError(t, err)
	m := parsed.(map[string]any)
	assert.Equal(t, Date{Millis: 5}, m["when"])
}
