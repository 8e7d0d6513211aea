package capnweb

import "testing"

func TestIDAllocatorMonotoneAndDisjoint(t *testing.T) {
	a := newIDAllocator()

	seenImport := make(map[ImportID]bool)
	for i := 1; i <= 5; i++ {
		id := a.allocateImport()
		if int64(id) != int64(i) {
			t.Fatalf("allocateImport() #%d = %d, want %d", i, id, i)
		}
		if seenImport[id] {
			t.Fatalf("import id %d allocated twice", id)
		}
		seenImport[id] = true
	}

	seenExport := make(map[ExportID]bool)
	for i := 1; i <= 5; i++ {
		id := a.allocateExport()
		if int64(id) != int64(-i) {
			t.Fatalf("allocateExport() #%d = %d, want %d", i, id, -i)
		}
		if seenExport[id] {
			t.Fatalf("export id %d allocated twice", id)
		}
		seenExport[id] = true
	}
}

func TestIDStringFormat(t *testing.T) {
	if got := ImportID(3).String(); got != "i3" {
		t.Fatalf("ImportID(3).String() = %q, want %q", got, "i3")
	}
	if got := ExportID(-2).String(); got != "e-2" {
		t.Fatalf("ExportID(-2).String() = %q, want %q", got, "e-2")
	}
}
