package shm

import (
	"testing"
)

func TestReserveFree(t *testing.T) {
	r, err := Reserve("shm-test-basic", 4096, 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer r.Free()

	if r.Size() < 4096 {
		t.Errorf("Size() = %d, want >= 4096", r.Size())
	}
	if len(r.Bytes()) != int(r.Size()) {
		t.Errorf("Bytes() length %d != Size() %d", len(r.Bytes()), r.Size())
	}
	if r.PageSize() == 0 {
		t.Error("PageSize() = 0")
	}

	// The mapping must be writable.
	b := r.Bytes()
	b[0] = 0xAB
	b[len(b)-1] = 0xCD
	if b[0] != 0xAB || b[len(b)-1] != 0xCD {
		t.Error("mapping not writable")
	}
}

func TestDuplicateName(t *testing.T) {
	r, err := Reserve("shm-test-dup", 4096, 0)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if _, err := Reserve("shm-test-dup", 4096, 0); err == nil {
		t.Error("duplicate Reserve should fail")
	}

	if err := r.Free(); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	// The name is usable again after free.
	r2, err := Reserve("shm-test-dup", 4096, 0)
	if err != nil {
		t.Fatalf("Reserve after free failed: %v", err)
	}
	r2.Free()
}

func TestLookup(t *testing.T) {
	r, err := Reserve("shm-test-lookup", 4096, Proc)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer r.Free()

	if got := Lookup("shm-test-lookup"); got != r {
		t.Errorf("Lookup returned %p, want %p", got, r)
	}
	if got := Lookup("shm-test-missing"); got != nil {
		t.Errorf("Lookup of missing name returned %p", got)
	}
}

func TestHugePageFallback(t *testing.T) {
	// Huge pages may or may not be configured; either way the reserve
	// must succeed and report a coherent page size.
	r, err := Reserve("shm-test-huge", 1<<20, Proc|HugePages)
	if err != nil {
		t.Fatalf("Reserve with HugePages failed: %v", err)
	}
	defer r.Free()

	if r.HugePageBacked() {
		if r.PageSize() < 2*1024*1024 {
			t.Errorf("huge-backed region reports page size %d", r.PageSize())
		}
		if r.Size()%r.PageSize() != 0 {
			t.Errorf("huge-backed size %d not page multiple", r.Size())
		}
	} else if r.PageSize() > 64*1024 {
		t.Errorf("normal region reports page size %d", r.PageSize())
	}
}
