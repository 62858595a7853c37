package session

import (
	"testing"

	"github.com/engramhq/engram/engram"
)

func TestWriteLoadNewestFirst(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "client-a", 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	l.Write("first", nil)
	l.Write("second", nil)
	l.Write("third", nil)

	entries := l.Load(2)
	if len(entries) != 2 {
		t.Fatalf("Load(2) returned %d entries", len(entries))
	}
	if entries[0].Content != "third" || entries[1].Content != "second" {
		t.Errorf("unexpected order: %+v", entries)
	}
}

func TestRingBufferEvictsOldest(t *testing.T) {
	dir := t.TempDir()
	l, _ := Open(dir, "client-a", 2)

	l.Write("a", nil)
	l.Write("b", nil)
	l.Write("c", nil)

	entries := l.Load(10)
	if len(entries) != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", len(entries))
	}
	if entries[0].Content != "c" || entries[1].Content != "b" {
		t.Errorf("unexpected contents after eviction: %+v", entries)
	}
}

func TestFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	l, _ := Open(dir, "client-a", 10)
	l.Write("persisted entry", engram.Metadata{"tag": engram.StringValue("x")})

	if err := l.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := Open(dir, "client-a", 10)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	entries := reloaded.Load(10)
	if len(entries) != 1 || entries[0].Content != "persisted entry" {
		t.Fatalf("unexpected reloaded entries: %+v", entries)
	}
}
