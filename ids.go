package capnweb

import "fmt"

// ImportID and ExportID are signed wire identifiers. By convention IDs
// chosen by the importing side are positive and allocated monotonically
// from 1; IDs chosen by the exporting side are negative and allocated
// monotonically from -1. ID 0 is reserved for each side's root
// capability. Whenever an ID appears in a message, it is given from the
// perspective of the sender of that message.
type ImportID int64

type ExportID int64

func (id ImportID) String() string { return fmt.Sprintf("i%d", int64(id)) }
func (id ExportID) String() string { return fmt.Sprintf("e%d", int64(id)) }

// idAllocator hands out strictly monotone, never-reused IDs for one
// session. It has no lock of its own: callers hold the owning Session's
// tablesMu while allocating.
type idAllocator struct {
	nextImport int64 // next positive ID to hand out, starts at 1
	nextExport int64 // next export magnitude to hand out, starts at 1 (emitted as negative)
}

func newIDAllocator() *idAllocator {
	return &idAllocator{nextImport: 1, nextExport: 1}
}

// allocateImport returns the next importer-chosen ID (positive, from 1).
func (a *idAllocator) allocateImport() ImportID {
	id := ImportID(a.nextImport)
	a.nextImport++
	return id
}

// allocateExport returns the next exporter-chosen ID (negative, from -1).
func (a *idAllocator) allocateExport() ExportID {
	id := ExportID(-a.nextExport)
	a.nextExport++
	return id
}
