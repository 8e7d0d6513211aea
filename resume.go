package capnweb

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// ResumeTokenVersion tags the snapshot shape so a future incompatible
// layout can be rejected outright instead of misparsed (spec 6.4).
const ResumeTokenVersion = 1

// exportSnapshot and importSnapshot record just enough of a table row
// to restore its ID/refcount bookkeeping on a new transport; the hooks
// themselves are not serializable in general (a Target can hold
// arbitrary Go state), so reconnecting the underlying capabilities
// after Restore is the embedder's responsibility.
type exportSnapshot struct {
	ID            ExportID `json:"id"`
	Introductions int64    `json:"introductions"`
}

type importSnapshot struct {
	ID       ImportID `json:"id"`
	Refcount int64    `json:"refcount"`
}

// ResumeToken is the core's wire-independent snapshot of a session's
// table state (spec 6.4). The core defines this shape; storage and TTL
// are delegated to a TokenStore.
type ResumeToken struct {
	Version    int              `json:"version"`
	SessionID  string           `json:"session_id"`
	NextImport int64            `json:"next_import"`
	NextExport int64            `json:"next_export"`
	Exports    []exportSnapshot `json:"exports"`
	Imports    []importSnapshot `json:"imports"`
}

// TokenStore persists opaque resume tokens under a caller-chosen key,
// e.g. backed by Redis, a database row, or a signed cookie. The core
// only needs Save/Load; eviction policy and TTL are the store's concern.
type TokenStore interface {
	Save(ctx context.Context, key string, token []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
}

// Snapshot captures the session's current table bookkeeping as a
// ResumeToken. The token records IDs and counts only, never a hook or
// its value, so every row of either table has to be re-registered under
// the same ID after a resume (see RestoreExport/RestoreImport).
func (s *Session) Snapshot(sessionID string) ResumeToken {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()

	tok := ResumeToken{
		Version:    ResumeTokenVersion,
		SessionID:  sessionID,
		NextImport: s.ids.nextImport,
		NextExport: s.ids.nextExport,
	}
	for id, e := range s.exports.entries {
		tok.Exports = append(tok.Exports, exportSnapshot{ID: id, Introductions: e.introductions})
	}
	for id, e := range s.imports.entries {
		tok.Imports = append(tok.Imports, importSnapshot{ID: id, Refcount: e.refcount})
	}
	return tok
}

// EncodeResumeToken renders a ResumeToken as the opaque bytes a
// TokenStore persists.
func EncodeResumeToken(tok ResumeToken) ([]byte, error) {
	return json.Marshal(tok)
}

// DecodeResumeToken parses bytes produced by EncodeResumeToken.
func DecodeResumeToken(data []byte) (ResumeToken, error) {
	var tok ResumeToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return ResumeToken{}, NewWireError(ErrBadRequest, "malformed resume token: "+err.Error())
	}
	if tok.Version != ResumeTokenVersion {
		return ResumeToken{}, NewWireError(ErrBadRequest, "unsupported resume token version")
	}
	return tok, nil
}

// RestoreAllocator fast-forwards a freshly-constructed Session's ID
// allocator past every ID the token already handed out, so newly
// minted IDs on the resumed session never collide with ones the peer
// still remembers.
func (s *Session) RestoreAllocator(tok ResumeToken) {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	if tok.NextImport > s.ids.nextImport {
		s.ids.nextImport = tok.NextImport
	}
	if tok.NextExport > s.ids.nextExport {
		s.ids.nextExport = tok.NextExport
	}
}

// RestoreExport re-registers a capability the session owned before
// disconnecting, under the same export ID and with the introductions
// count the peer last knew about, so a subsequent release from the
// peer still balances correctly.
func (s *Session) RestoreExport(id ExportID, introductions int64, h Hook) {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	s.exports.entries[id] = &exportEntry{hook: h, introductions: introductions}
	s.exports.byTarget[h] = id
}

// RestoreImport re-registers a remote capability the session was
// holding a reference to before disconnecting, under the same import ID
// and refcount.
func (s *Session) RestoreImport(id ImportID, refcount int64) {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()
	s.imports.entries[id] = &importEntry{hook: newImportHook(s, id), refcount: refcount}
}
