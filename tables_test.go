package capnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExportTableRefcountRace is spec scenario S6: the same hook is
// announced twice before any release arrives, so introductions reaches
// 2; the entry must survive a single refcount-1 release and only be
// freed by the second.
func TestExportTableRefcountRace(t *testing.T) {
	ids := newIDAllocator()
	exports := newExportTable(ids)
	h := newPayloadHook(OwnedPayload(int64(42)))

	id, isNew := exports.exportOrReuse(h)
	require.True(t, isNew)
	id2, isNew2 := exports.exportOrReuse(h)
	require.False(t, isNew2)
	assert.Equal(t, id, id2)

	entry, ok := exports.get(id)
	require.True(t, ok)
	assert.Equal(t, int64(2), entry.introductions)

	freed, _ := exports.release(id, 1)
	assert.False(t, freed, "entry must survive the first partial release")

	freed, hook := exports.release(id, 1)
	assert.True(t, freed, "entry must be freed once introductions reaches zero")
	assert.Equal(t, h, hook)

	_, ok = exports.get(id)
	assert.False(t, ok)
}

func TestExportTableStaleReleaseIsIdempotent(t *testing.T) {
	ids := newIDAllocator()
	exports := newExportTable(ids)
	freed, hook := exports.release(ExportID(-1), 1)
	assert.False(t, freed)
	assert.Nil(t, hook)
}

func TestImportTableDupAndRelease(t *testing.T) {
	imports := newImportTable()
	h := newPayloadHook(OwnedPayload(int64(1)))
	imports.insert(ImportID(1), h)
	imports.dup(ImportID(1))

	removed, _ := imports.release(ImportID(1), 1)
	assert.False(t, removed, "refcount 2 minus 1 must not remove the entry")

	removed, _ = imports.release(ImportID(1), 1)
	assert.True(t, removed)

	_, ok := imports.get(ImportID(1))
	assert.False(t, ok)
}
