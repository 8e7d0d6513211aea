package capnweb

// importEntry is one row of the import table: a hook the local side
// received from the peer (the peer's export), how many times the
// application holds a reference to it, and the running total of
// increments ever applied (dups plus repeat peer announcements), which
// is what a final release message must report (spec 4.3).
type importEntry struct {
	hook               Hook
	refcount           int64
	totalIntroductions int64
}

// exportEntry is one row of the export table: a hook the local side
// owns and has announced to the peer zero or more times.
type exportEntry struct {
	hook          Hook
	introductions int64
}

// importTable maps ImportID to importEntry. One side's imports are the
// other side's exports; both tables exist per Session, one per
// direction. Callers hold the owning Session's tablesMu.
type importTable struct {
	entries map[ImportID]*importEntry
}

func newImportTable() *importTable {
	return &importTable{entries: make(map[ImportID]*importEntry)}
}

func (t *importTable) insert(id ImportID, h Hook) *importEntry {
	e := &importEntry{hook: h, refcount: 1, totalIntroductions: 1}
	t.entries[id] = e
	return e
}

func (t *importTable) get(id ImportID) (*importEntry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

func (t *importTable) dup(id ImportID) {
	if e, ok := t.entries[id]; ok {
		e.refcount++
		e.totalIntroductions++
	}
}

// release decrements refcount by count and removes the entry once it
// reaches zero or below (stale/duplicate releases are idempotent).
// Returns whether the entry existed and was just removed, and if so the
// total introductions to report to the peer in the release message.
func (t *importTable) release(id ImportID, count int64) (removed bool, total int64) {
	e, ok := t.entries[id]
	if !ok {
		return false, 0
	}
	e.refcount -= count
	if e.refcount <= 0 {
		total = e.totalIntroductions
		delete(t.entries, id)
		return true, total
	}
	return false, 0
}

// exportTable maps ExportID to exportEntry, plus the reverse index
// needed to re-use an existing export ID when the same hook is
// serialized twice.
type exportTable struct {
	entries  map[ExportID]*exportEntry
	byTarget map[Hook]ExportID
	ids      *idAllocator
}

func newExportTable(ids *idAllocator) *exportTable {
	return &exportTable{
		entries:  make(map[ExportID]*exportEntry),
		byTarget: make(map[Hook]ExportID),
		ids:      ids,
	}
}

// insert registers id -> hook with introductions=1. Used for the
// pre-registered root (ID 0) and for the entries inbound pushes create.
func (t *exportTable) insert(id ExportID, h Hook) {
	t.entries[id] = &exportEntry{hook: h, introductions: 1}
	t.byTarget[h] = id
}

// exportOrReuse returns the export ID for h, minting a new one and
// setting introductions=1 if h has never been exported, or bumping
// introductions and returning the existing ID otherwise. This is the
// only place new exports are minted (spec 4.7).
func (t *exportTable) exportOrReuse(h Hook) (id ExportID, isNew bool) {
	if existing, ok := t.byTarget[h]; ok {
		t.entries[existing].introductions++
		return existing, false
	}
	id = t.ids.allocateExport()
	t.entries[id] = &exportEntry{hook: h, introductions: 1}
	t.byTarget[h] = id
	return id, true
}

func (t *exportTable) get(id ExportID) (*exportEntry, bool) {
	e, ok := t.entries[id]
	return e, ok
}

// release decrements introductions by count and frees the entry (and
// reverse index) once it reaches zero or below.
func (t *exportTable) release(id ExportID, count int64) (freed bool, hook Hook) {
	e, ok := t.entries[id]
	if !ok {
		return false, nil
	}
	e.introductions -= count
	if e.introductions <= 0 {
		delete(t.entries, id)
		delete(t.byTarget, e.hook)
		return true, e.hook
	}
	return false, nil
}

// pendingPromise is a one-shot completion handle used by pull: it is
// resolved when a resolve/reject message arrives for the corresponding
// import ID.
type pendingPromise struct {
	completion *completion
}

type pendingPromiseTable struct {
	entries map[ImportID]*pendingPromise
}

func newPendingPromiseTable() *pendingPromiseTable {
	return &pendingPromiseTable{entries: make(map[ImportID]*pendingPromise)}
}

func (t *pendingPromiseTable) register(id ImportID) *pendingPromise {
	p := &pendingPromise{completion: newCompletion()}
	t.entries[id] = p
	return p
}

func (t *pendingPromiseTable) get(id ImportID) (*pendingPromise, bool) {
	p, ok := t.entries[id]
	return p, ok
}

func (t *pendingPromiseTable) remove(id ImportID) {
	delete(t.entries, id)
}
