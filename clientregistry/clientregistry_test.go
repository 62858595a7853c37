package clientregistry

import (
	"context"
	"testing"
	"time"

	"github.com/engramhq/engram/engram"
	"github.com/engramhq/engram/observability"
)

func TestGetIsLazyAndCached(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{DataDir: dir})
	defer r.Stop()

	svc1, err := r.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	svc2, err := r.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if svc1 != svc2 {
		t.Error("expected the same cached service instance across calls")
	}
}

func TestGetRejectsEmptyClientID(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{DataDir: dir})
	defer r.Stop()

	if _, err := r.Get(""); engram.KindOf(err) != engram.KindInvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestListAndKnownRecipients(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{DataDir: dir})
	defer r.Stop()

	if _, err := r.Get("alice"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := r.Get("bob"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	ids := r.KnownRecipients()
	if len(ids) != 2 {
		t.Fatalf("expected 2 known recipients, got %v", ids)
	}
}

func TestReapIdleEvictsPastTTL(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{DataDir: dir, IdleTTL: time.Millisecond})
	defer r.Stop()

	if _, err := r.Get("alice"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if n := r.ReapIdle(); n != 1 {
		t.Fatalf("ReapIdle() = %d, want 1", n)
	}
	if ids := r.List(); len(ids) != 0 {
		t.Fatalf("expected no cached clients after reap, got %v", ids)
	}

	// Getting it again after eviction should succeed (fresh construction).
	if _, err := r.Get("alice"); err != nil {
		t.Fatalf("Get after reap: %v", err)
	}
}

func TestNamespaceRecordCountsOnlyCoversConstructedClients(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{DataDir: dir})
	defer r.Stop()

	if counts := r.NamespaceRecordCounts(); len(counts) != 0 {
		t.Fatalf("expected no counts before any client is constructed, got %v", counts)
	}

	alice, err := r.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := alice.Add(context.Background(), "remember this", engram.NamespaceLongterm, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	counts := r.NamespaceRecordCounts()
	key := observability.NamespaceKey{ClientID: "alice", Namespace: engram.NamespaceLongterm}
	if counts[key] != 1 {
		t.Fatalf("NamespaceRecordCounts()[%+v] = %d, want 1", key, counts[key])
	}
}

func TestReapIdleSparesRecentlyAccessed(t *testing.T) {
	dir := t.TempDir()
	r := New(Options{DataDir: dir, IdleTTL: time.Hour})
	defer r.Stop()

	if _, err := r.Get("alice"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := r.ReapIdle(); n != 0 {
		t.Fatalf("ReapIdle() = %d, want 0 for a freshly accessed client", n)
	}
}
