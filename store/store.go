// Package store implements the per-client namespace store (spec §3, C3):
// namespaced collections of text memories with metadata, durable to a
// single JSON file per client, buffered in memory and flushed on an
// explicit call, a periodic timer, or graceful shutdown.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/engramhq/engram/engram"
)

// DefaultFlushInterval matches the teacher's checkpointing flush cadence
// for periodic background persistence.
const DefaultFlushInterval = 30 * time.Second

type namespaceState struct {
	mu      sync.RWMutex
	records map[string]Record
	order   []string // insertion order, for stable List()
	dirty   bool
	// degraded is set when a flush fails; subsequent writes fail fast with
	// StorageUnavailable until a flush succeeds again.
	degraded bool
}

// Store owns every namespace for a single client, persisted to one JSON
// file at <dataDir>/<clientID>-memories.json (spec §6).
type Store struct {
	path     string
	clientID string

	mu         sync.RWMutex // guards the namespaces map itself, not its contents
	namespaces map[string]*namespaceState

	stopFlush chan struct{}
	flushDone chan struct{}
}

type storeFile struct {
	Namespaces map[string][]recordJSON `json:"namespaces"`
}

// Open loads (or initializes) the store for clientID under dataDir and
// starts its periodic flush loop.
func Open(dataDir, clientID string) (*Store, error) {
	s := &Store{
		path:       filepath.Join(dataDir, clientID+"-memories.json"),
		clientID:   clientID,
		namespaces: make(map[string]*namespaceState),
		stopFlush:  make(chan struct{}),
		flushDone:  make(chan struct{}),
	}

	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var f storeFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, engram.Wrap(engram.KindInternal, "corrupt memory store file", err)
		}
		for ns, recs := range f.Namespaces {
			st := &namespaceState{records: make(map[string]Record, len(recs))}
			for _, rj := range recs {
				r := fromJSON(rj)
				st.records[r.ID] = r
				st.order = append(st.order, r.ID)
			}
			s.namespaces[ns] = st
		}
	case os.IsNotExist(err):
		// fresh store
	default:
		return nil, engram.Wrap(engram.KindStorageUnavailable, "read memory store file", err)
	}

	go s.flushLoop(DefaultFlushInterval)
	return s, nil
}

func (s *Store) namespaceLocked(ns string) *namespaceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.namespaces[ns]
	if !ok {
		st = &namespaceState{records: make(map[string]Record)}
		s.namespaces[ns] = st
	}
	return st
}

// Add inserts a record. If id is empty a fresh one is generated; a
// caller-supplied id that already exists is rejected rather than
// overwritten, since a record's id is immutable once assigned.
func (s *Store) Add(namespace, id, content string, metadata engram.Metadata, vector []float32) (string, error) {
	if content == "" {
		return "", engram.NewError(engram.KindInvalidArgument, "content must not be empty")
	}
	suppliedID := id != ""
	if id == "" {
		id = engram.NewID()
	}

	st := s.namespaceLocked(namespace)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.degraded {
		return "", engram.NewError(engram.KindStorageUnavailable, "namespace store is degraded after a prior flush failure")
	}

	if _, exists := st.records[id]; exists {
		if suppliedID {
			return "", engram.NewError(engram.KindInvalidArgument, fmt.Sprintf("record id %q already exists", id))
		}
	} else {
		st.order = append(st.order, id)
	}
	if metadata == nil {
		metadata = engram.Metadata{}
	}
	st.records[id] = Record{ID: id, Content: content, Metadata: metadata.Clone(), Vector: vector}
	st.dirty = true
	return id, nil
}

// Put inserts or overwrites a record at id unconditionally. Unlike Add, a
// pre-existing id is not an error: Put is for internal metadata records
// (e.g. a compartment's own descriptor) whose id is stable across repeated
// writes, not for caller-facing memory inserts where id reuse must be
// rejected.
func (s *Store) Put(namespace, id, content string, metadata engram.Metadata, vector []float32) error {
	if id == "" {
		return engram.NewError(engram.KindInvalidArgument, "id must not be empty")
	}

	st := s.namespaceLocked(namespace)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.degraded {
		return engram.NewError(engram.KindStorageUnavailable, "namespace store is degraded after a prior flush failure")
	}

	if _, exists := st.records[id]; !exists {
		st.order = append(st.order, id)
	}
	if metadata == nil {
		metadata = engram.Metadata{}
	}
	st.records[id] = Record{ID: id, Content: content, Metadata: metadata.Clone(), Vector: vector}
	st.dirty = true
	return nil
}

// VectorsInNamespace returns every vector-bearing record's (id, vector) pair
// in namespace, for rebuilding a vector index whose own persisted file is
// missing or has drifted out of sync with C3 (spec §4.4).
func (s *Store) VectorsInNamespace(namespace string) map[string][]float32 {
	st := s.namespaceLocked(namespace)
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make(map[string][]float32)
	for id, r := range st.records {
		if r.HasVector() {
			out[id] = r.Vector
		}
	}
	return out
}

// VectorCount reports how many records in namespace carry an embedding, for
// the C4 persisted-index-size consistency check (spec §4.4).
func (s *Store) VectorCount(namespace string) int {
	st := s.namespaceLocked(namespace)
	st.mu.RLock()
	defer st.mu.RUnlock()

	n := 0
	for _, r := range st.records {
		if r.HasVector() {
			n++
		}
	}
	return n
}

// Get returns a single record by id.
func (s *Store) Get(namespace, id string) (Record, error) {
	s.mu.RLock()
	st, ok := s.namespaces[namespace]
	s.mu.RUnlock()
	if !ok {
		return Record{}, engram.NewError(engram.KindNotFound, fmt.Sprintf("no such record %q in namespace %q", id, namespace))
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	r, ok := st.records[id]
	if !ok {
		return Record{}, engram.NewError(engram.KindNotFound, fmt.Sprintf("no such record %q in namespace %q", id, namespace))
	}
	return r, nil
}

// Delete removes a record by id. Deleting a missing id is a no-op success,
// matching the teacher's idempotent-delete convention.
func (s *Store) Delete(namespace, id string) error {
	s.mu.RLock()
	st, ok := s.namespaces[namespace]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.degraded {
		return engram.NewError(engram.KindStorageUnavailable, "namespace store is degraded after a prior flush failure")
	}
	if _, ok := st.records[id]; !ok {
		return nil
	}
	delete(st.records, id)
	for i, oid := range st.order {
		if oid == id {
			st.order = append(st.order[:i], st.order[i+1:]...)
			break
		}
	}
	st.dirty = true
	return nil
}

// List returns every record in a namespace in insertion order.
func (s *Store) List(namespace string) ([]Record, error) {
	s.mu.RLock()
	st, ok := s.namespaces[namespace]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Record, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.records[id])
	}
	return out, nil
}

// Namespaces returns the set of namespaces that currently hold at least one
// record.
func (s *Store) Namespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.namespaces))
	for ns, st := range s.namespaces {
		st.mu.RLock()
		n := len(st.records)
		st.mu.RUnlock()
		if n > 0 {
			out = append(out, ns)
		}
	}
	return out
}

// Clear removes every record in a namespace.
func (s *Store) Clear(namespace string) error {
	st := s.namespaceLocked(namespace)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.degraded {
		return engram.NewError(engram.KindStorageUnavailable, "namespace store is degraded after a prior flush failure")
	}
	st.records = make(map[string]Record)
	st.order = nil
	st.dirty = true
	return nil
}

// LexicalSearch ranks records in namespace against query by token overlap.
// A negative limit is rejected; limit == 0 returns no results; limit larger
// than the record count is clamped.
func (s *Store) LexicalSearch(namespace, query string, limit int) ([]Record, error) {
	scored, err := s.LexicalSearchScored(namespace, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(scored))
	for _, sr := range scored {
		out = append(out, sr.Record)
	}
	return out, nil
}

// Scored pairs a record with its lexical match score.
type Scored struct {
	Record Record
	Score  float64
}

// LexicalSearchScored is LexicalSearch but keeps the match score alongside
// each record, for callers that report relevance to the caller.
func (s *Store) LexicalSearchScored(namespace, query string, limit int) ([]Scored, error) {
	if limit < 0 {
		return nil, engram.NewError(engram.KindInvalidArgument, "limit must not be negative")
	}
	if limit == 0 {
		return nil, nil
	}

	records, err := s.List(namespace)
	if err != nil {
		return nil, err
	}

	// An empty (or all-punctuation) query matches nothing by token overlap,
	// but retrieval still prefers partial success: it returns the most
	// recent records at relevance 0 rather than an empty set.
	if len(tokenize(query)) == 0 {
		return mostRecentAtZeroRelevance(records, limit), nil
	}

	ranked := rankByLexicalScore(query, records)
	if limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]Scored, 0, limit)
	for _, sr := range ranked[:limit] {
		out = append(out, Scored{Record: sr.record, Score: sr.score})
	}
	return out, nil
}

func mostRecentAtZeroRelevance(records []Record, limit int) []Scored {
	sort.SliceStable(records, func(i, j int) bool {
		ti, tj := records[i].Timestamp(), records[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return records[i].ID < records[j].ID
	})
	if limit > len(records) {
		limit = len(records)
	}
	out := make([]Scored, 0, limit)
	for _, r := range records[:limit] {
		out = append(out, Scored{Record: r, Score: 0})
	}
	return out
}

// Flush persists every dirty namespace to disk as a single atomic write.
func (s *Store) Flush() error {
	s.mu.RLock()
	snapshot := make(map[string][]recordJSON, len(s.namespaces))
	anyDirty := false
	for ns, st := range s.namespaces {
		st.mu.RLock()
		if st.dirty {
			anyDirty = true
		}
		recs := make([]recordJSON, 0, len(st.order))
		for _, id := range st.order {
			recs = append(recs, st.records[id].toJSON())
		}
		snapshot[ns] = recs
		st.mu.RUnlock()
	}
	s.mu.RUnlock()

	if !anyDirty {
		return nil
	}

	data, err := json.MarshalIndent(storeFile{Namespaces: snapshot}, "", "  ")
	if err != nil {
		return engram.Wrap(engram.KindInternal, "marshal memory store", err)
	}

	if err := engram.AtomicWriteFile(s.path, data, 0o600); err != nil {
		s.markDegraded()
		return engram.Wrap(engram.KindStorageUnavailable, "flush memory store", err)
	}

	s.mu.RLock()
	for _, st := range s.namespaces {
		st.mu.Lock()
		st.dirty = false
		st.degraded = false
		st.mu.Unlock()
	}
	s.mu.RUnlock()
	return nil
}

func (s *Store) markDegraded() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, st := range s.namespaces {
		st.mu.Lock()
		st.degraded = true
		st.mu.Unlock()
	}
}

func (s *Store) flushLoop(interval time.Duration) {
	defer close(s.flushDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.Flush()
		case <-s.stopFlush:
			return
		}
	}
}

// Close stops the periodic flush loop and performs a final flush, matching
// the graceful-shutdown flush requirement (spec §4.3).
func (s *Store) Close() error {
	close(s.stopFlush)
	<-s.flushDone
	return s.Flush()
}
