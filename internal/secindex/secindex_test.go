package secindex

import (
	"path/filepath"
	"testing"

	"github.com/dreamware/ringdb/internal/record"
)

func openTemp(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "secindex.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestPutThenListReturnsAllMatches(t *testing.T) {
	idx := openTemp(t)

	if err := idx.Put("by_status", "active", "user:1"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Put("by_status", "active", "user:2"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := idx.Put("by_status", "inactive", "user:3"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := idx.List("by_status", "active", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []record.Key{"user:1", "user:2"}
	if !keysEqual(got, want) {
		t.Fatalf("List(active) = %v, want %v", got, want)
	}
}

func TestListRespectsLimit(t *testing.T) {
	idx := openTemp(t)
	idx.Put("by_status", "active", "user:1")
	idx.Put("by_status", "active", "user:2")
	idx.Put("by_status", "active", "user:3")

	got, err := idx.List("by_status", "active", 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List with limit 2 returned %d entries, want 2", len(got))
	}
}

func TestListOnUnknownIndexReturnsEmpty(t *testing.T) {
	idx := openTemp(t)
	got, err := idx.List("nope", "value", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("List(unknown index) = %v, want empty", got)
	}
}

func TestRemoveDropsEntry(t *testing.T) {
	idx := openTemp(t)
	idx.Put("by_status", "active", "user:1")
	idx.Put("by_status", "active", "user:2")

	if err := idx.Remove("by_status", "active", "user:1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	got, err := idx.List("by_status", "active", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []record.Key{"user:2"}
	if !keysEqual(got, want) {
		t.Fatalf("List after Remove = %v, want %v", got, want)
	}
}

func TestDistinctValuesDoNotCollide(t *testing.T) {
	idx := openTemp(t)
	// "act" + separator + "ive" vs "active" must not be confused by a
	// naive string-prefix match without the separator byte.
	idx.Put("by_status", "act", "user:1")
	idx.Put("by_status", "active", "user:2")

	got, err := idx.List("by_status", "act", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []record.Key{"user:1"}
	if !keysEqual(got, want) {
		t.Fatalf("List(act) = %v, want %v (must not match 'active')", got, want)
	}
}

func TestIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secindex.db")

	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx.Put("by_status", "active", "user:1")
	idx.Close()

	idx2, err := Open(path)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	defer idx2.Close()

	got, err := idx2.List("by_status", "active", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []record.Key{"user:1"}
	if !keysEqual(got, want) {
		t.Fatalf("List after reopen = %v, want %v", got, want)
	}
}

func keysEqual(got, want []record.Key) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
