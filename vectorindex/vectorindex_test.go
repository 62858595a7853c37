package vectorindex

import (
	"testing"

	"github.com/engramhq/engram/engram"
)

func TestAddAndSearchRanksByDistance(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, "client-a", "longterm")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	idx.Add("near", []float32{1, 0, 0})
	idx.Add("far", []float32{0, 1, 0})
	idx.Add("exact", []float32{2, 0, 0})

	matches, err := idx.Search([]float32{2, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "exact" {
		t.Errorf("closest match = %q, want exact", matches[0].ID)
	}
	if matches[0].Relevance != 1.0 {
		t.Errorf("exact match relevance = %f, want 1.0", matches[0].Relevance)
	}
}

func TestAddRejectsDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	idx, _ := Open(dir, "client-a", "longterm")
	idx.Add("a", []float32{1, 2, 3})

	if err := idx.Add("b", []float32{1, 2}); engram.KindOf(err) != engram.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	idx, _ := Open(dir, "client-a", "longterm")
	idx.Add("a", []float32{1, 2, 3})
	idx.Add("b", []float32{4, 5, 6})

	if err := idx.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	reloaded, err := Open(dir, "client-a", "longterm")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("Len after reload = %d, want 2", reloaded.Len())
	}
}

type fakeSource struct {
	vectors map[string][]float32
}

func (f fakeSource) VectorsForRebuild() map[string][]float32 { return f.vectors }

func TestRebuildFromSource(t *testing.T) {
	dir := t.TempDir()
	idx, _ := Open(dir, "client-a", "longterm")
	idx.Add("stale", []float32{9, 9, 9})

	src := fakeSource{vectors: map[string][]float32{
		"a": {1, 0, 0},
		"b": {0, 1, 0},
	}}
	if err := idx.RebuildFrom(src); err != nil {
		t.Fatalf("RebuildFrom: %v", err)
	}
	if idx.Len() != 2 {
		t.Fatalf("Len after rebuild = %d, want 2", idx.Len())
	}
	matches, _ := idx.Search([]float32{1, 0, 0}, 1)
	if len(matches) != 1 || matches[0].ID != "a" {
		t.Fatalf("unexpected matches after rebuild: %+v", matches)
	}
}

func TestSearchZeroK(t *testing.T) {
	dir := t.TempDir()
	idx, _ := Open(dir, "client-a", "longterm")
	idx.Add("a", []float32{1, 2, 3})

	matches, err := idx.Search([]float32{1, 2, 3}, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected no matches for k=0, got %d", len(matches))
	}
}
