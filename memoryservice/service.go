// Package memoryservice implements the per-client memory service (spec §3,
// C6): the public surface binding the namespace store, vector index,
// crypto box, and categorizer into memory CRUD, retrieval, digesting, and
// compartment lifecycle for a single client.
package memoryservice

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/engramhq/engram/cryptobox"
	"github.com/engramhq/engram/embedding"
	"github.com/engramhq/engram/engram"
	"github.com/engramhq/engram/latent"
	"github.com/engramhq/engram/session"
	"github.com/engramhq/engram/store"
	"github.com/engramhq/engram/vectorindex"
)

// Service is one client's memory service, owning its namespace store,
// vector indices, crypto box, compartments, latent-space store, and
// session log. Methods are safe for concurrent use from multiple
// goroutines.
type Service struct {
	clientID string
	dataDir  string

	st          *store.Store
	box         *cryptobox.Box
	embedder    embedding.Provider
	useFallback bool

	nsMu    sync.Mutex
	nsLocks map[string]*sync.RWMutex
	vecIdx  map[string]*vectorindex.Index

	compMu       sync.RWMutex
	compartments map[string]*Compartment

	latentStore *latent.Store
	sessionLog  *session.Log
}

// Options configures a new Service.
type Options struct {
	Embedder    embedding.Provider // nil means no embedding backend
	UseFallback bool               // forces lexical-only even if Embedder is set
	SessionSize int                // 0 uses session.DefaultSize
}

// New opens or creates every durable component for clientID under dataDir.
func New(dataDir, clientID string, opts Options) (*Service, error) {
	st, err := store.Open(dataDir, clientID)
	if err != nil {
		return nil, err
	}
	box, err := cryptobox.Open(filepath.Join(dataDir, "keys"), clientID)
	if err != nil {
		return nil, err
	}
	latentStore, err := latent.Open(filepath.Join(dataDir, "latent", clientID))
	if err != nil {
		return nil, err
	}
	sessionLog, err := session.Open(dataDir, clientID, opts.SessionSize)
	if err != nil {
		return nil, err
	}

	embedder := opts.Embedder
	if embedder == nil {
		embedder = embedding.Unavailable{}
	}

	s := &Service{
		clientID:     clientID,
		dataDir:      dataDir,
		st:           st,
		box:          box,
		embedder:     embedder,
		useFallback:  opts.UseFallback,
		nsLocks:      make(map[string]*sync.RWMutex),
		vecIdx:       make(map[string]*vectorindex.Index),
		compartments: make(map[string]*Compartment),
		latentStore:  latentStore,
		sessionLog:   sessionLog,
	}

	if err := s.loadCompartments(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) embeddingEnabled() bool {
	if s.useFallback {
		return false
	}
	_, unavailable := s.embedder.(embedding.Unavailable)
	return !unavailable
}

func (s *Service) namespaceLock(namespace string) *sync.RWMutex {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	l, ok := s.nsLocks[namespace]
	if !ok {
		l = &sync.RWMutex{}
		s.nsLocks[namespace] = l
	}
	return l
}

// storeVectorSource adapts one namespace of the namespace store to
// vectorindex.VectorSource, so a vector index can be rebuilt from C3's own
// persisted vectors (spec §4.4).
type storeVectorSource struct {
	st        *store.Store
	namespace string
}

func (v storeVectorSource) VectorsForRebuild() map[string][]float32 {
	return v.st.VectorsInNamespace(v.namespace)
}

func (s *Service) vectorIndex(namespace string) (*vectorindex.Index, error) {
	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	idx, ok := s.vecIdx[namespace]
	if ok {
		return idx, nil
	}
	idx, err := vectorindex.Open(s.dataDir, s.clientID, namespace)
	if err != nil {
		return nil, err
	}
	if idx.Len() != s.st.VectorCount(namespace) {
		if err := idx.RebuildFrom(storeVectorSource{st: s.st, namespace: namespace}); err != nil {
			return nil, err
		}
	}
	s.vecIdx[namespace] = idx
	return idx, nil
}

// namespaceUsable reports whether namespace is a known default namespace or
// a non-expired, existing compartment namespace.
func (s *Service) namespaceUsable(namespace string) bool {
	if engram.IsKnownNamespace(namespace) && !engram.IsCompartmentNamespace(namespace) {
		return true
	}
	id, ok := engram.CompartmentID(namespace)
	if !ok {
		return false
	}
	c, ok := s.compartmentSnapshot(id)
	if !ok {
		return false
	}
	return c.isUsable(time.Now())
}

// Add inserts a memory into namespace, computing an embedding first (if
// available) outside of any namespace lock, and only then taking the
// namespace write lock to perform the combined store+index write.
func (s *Service) Add(ctx context.Context, content, namespace string, metadata engram.Metadata) (string, error) {
	return s.addWithID(ctx, namespace, "", content, metadata)
}

func (s *Service) addWithID(ctx context.Context, namespace, id, content string, metadata engram.Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", engram.Wrap(engram.KindDeadlineExceeded, "add", err)
	}
	if !s.namespaceUsable(namespace) {
		return "", engram.NewError(engram.KindUnknownNamespace, fmt.Sprintf("unknown namespace %q", namespace))
	}
	if content == "" {
		return "", engram.NewError(engram.KindInvalidArgument, "content must not be empty")
	}
	if metadata == nil {
		metadata = engram.Metadata{}
	}
	metadata = metadata.Clone()
	if _, ok := metadata["timestamp"]; !ok {
		metadata["timestamp"] = engram.StringValue(time.Now().UTC().Format(time.RFC3339Nano))
	}
	metadata["client_id"] = engram.StringValue(s.clientID)

	var vector []float32
	if s.embeddingEnabled() {
		vecs, err := s.embedder.Embed(ctx, []string{content})
		if err == nil && len(vecs) == 1 {
			vector = vecs[0]
		}
		// embedding failure degrades silently to a lexical-only insert.
	}

	if err := ctx.Err(); err != nil {
		return "", engram.Wrap(engram.KindDeadlineExceeded, "add", err)
	}

	lock := s.namespaceLock(namespace)
	lock.Lock()
	defer lock.Unlock()

	newID, err := s.st.Add(namespace, id, content, metadata, vector)
	if err != nil {
		return "", err
	}
	if len(vector) > 0 {
		idx, err := s.vectorIndex(namespace)
		if err == nil {
			_ = idx.Add(newID, vector)
		}
	}
	return newID, nil
}

// AddConversation joins turns as newline-separated "role: content" and adds
// the result as a single memory.
func (s *Service) AddConversation(ctx context.Context, turns []engram.ConversationTurn, namespace string) (string, error) {
	if len(turns) == 0 {
		return "", engram.NewError(engram.KindInvalidArgument, "turns must not be empty")
	}
	var joined string
	for i, t := range turns {
		if i > 0 {
			joined += "\n"
		}
		joined += t.Role + ": " + t.Content
	}
	return s.Add(ctx, joined, namespace, nil)
}

// SearchItem is one ranked search result.
type SearchItem struct {
	ID        string
	Content   string
	Metadata  engram.Metadata
	Relevance float64
	Mode      engram.SearchMode
}

// SearchResult is the response envelope for Search.
type SearchResult struct {
	Count   int
	Results []SearchItem
	Partial bool
}

// Search ranks memories in namespace against query, preferring vector mode
// when an embedding backend is available and the namespace has at least one
// indexed vector, else falling back to lexical scoring.
func (s *Service) Search(ctx context.Context, query, namespace string, limit int) (SearchResult, error) {
	if limit < 0 {
		return SearchResult{}, engram.NewError(engram.KindInvalidArgument, "limit must not be negative")
	}
	if !s.namespaceUsable(namespace) {
		return SearchResult{}, engram.NewError(engram.KindUnknownNamespace, fmt.Sprintf("unknown namespace %q", namespace))
	}
	if limit == 0 {
		return SearchResult{Count: 0}, nil
	}

	lock := s.namespaceLock(namespace)
	lock.RLock()
	defer lock.RUnlock()

	idx, err := s.vectorIndex(namespace)
	useVector := err == nil && s.embeddingEnabled() && idx.Len() > 0

	if useVector {
		vecs, embedErr := s.embedder.Embed(ctx, []string{query})
		if embedErr == nil && len(vecs) == 1 {
			matches, searchErr := idx.Search(vecs[0], limit)
			if searchErr == nil {
				results := make([]SearchItem, 0, len(matches))
				for _, m := range matches {
					rec, getErr := s.st.Get(namespace, m.ID)
					if getErr != nil {
						continue
					}
					results = append(results, SearchItem{
						ID: rec.ID, Content: rec.Content, Metadata: rec.Metadata,
						Relevance: m.Relevance, Mode: engram.ModeVector,
					})
				}
				return SearchResult{Count: len(results), Results: results}, nil
			}
		}
		// embedding or vector search failed: fall through to lexical.
	}

	scored, err := s.st.LexicalSearchScored(namespace, query, limit)
	if err != nil {
		return SearchResult{}, err
	}
	results := make([]SearchItem, 0, len(scored))
	for _, sr := range scored {
		results = append(results, SearchItem{
			ID: sr.Record.ID, Content: sr.Record.Content, Metadata: sr.Record.Metadata,
			Relevance: sr.Score, Mode: engram.ModeLexical,
		})
	}
	return SearchResult{Count: len(results), Results: results}, nil
}

// GetNamespaces returns every default namespace plus any namespace that
// currently holds at least one record (including dynamic compartments).
func (s *Service) GetNamespaces() []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, ns := range engram.DefaultNamespaces() {
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	for _, ns := range s.st.Namespaces() {
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out
}

// NamespaceRecordCounts returns the current record count of every namespace
// that holds at least one record, for the namespace-records gauge.
func (s *Service) NamespaceRecordCounts() map[string]int64 {
	counts := make(map[string]int64)
	for _, ns := range s.st.Namespaces() {
		records, err := s.st.List(ns)
		if err != nil {
			continue
		}
		if len(records) > 0 {
			counts[ns] = int64(len(records))
		}
	}
	return counts
}

// ClearNamespace removes every record and indexed vector in namespace.
func (s *Service) ClearNamespace(namespace string) (bool, error) {
	lock := s.namespaceLock(namespace)
	lock.Lock()
	defer lock.Unlock()

	if err := s.st.Clear(namespace); err != nil {
		return false, err
	}
	if idx, err := s.vectorIndex(namespace); err == nil {
		idx.Clear()
	}
	return true, nil
}

// GetRelevantContext concatenates the top-limit results per namespace under
// namespace-labeled headers, in the order namespaces were given.
func (s *Service) GetRelevantContext(ctx context.Context, query string, namespaces []string, limit int) (string, error) {
	out := ""
	for _, ns := range namespaces {
		result, err := s.Search(ctx, query, ns, limit)
		if err != nil {
			continue
		}
		items := sortForContext(result.Results)
		items = collapseAdjacentDuplicates(items)

		out += "## " + ns + "\n"
		for _, it := range items {
			out += "- " + it.Content + "\n"
		}
	}
	return out, nil
}

func sortForContext(items []SearchItem) []SearchItem {
	sorted := make([]SearchItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Relevance != sorted[j].Relevance {
			return sorted[i].Relevance > sorted[j].Relevance
		}
		ti := metadataTimestamp(sorted[i].Metadata)
		tj := metadataTimestamp(sorted[j].Metadata)
		return ti.After(tj)
	})
	return sorted
}

func metadataTimestamp(m engram.Metadata) time.Time {
	v, ok := m["timestamp"]
	if !ok {
		return time.Time{}
	}
	s, ok := v.AsString()
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func collapseAdjacentDuplicates(items []SearchItem) []SearchItem {
	out := make([]SearchItem, 0, len(items))
	for i, it := range items {
		if i > 0 && it.Content == out[len(out)-1].Content {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Close flushes every durable component owned by this service.
func (s *Service) Close() error {
	if err := s.sessionLog.Flush(); err != nil {
		return err
	}
	s.nsMu.Lock()
	for _, idx := range s.vecIdx {
		_ = idx.Persist()
	}
	s.nsMu.Unlock()
	return s.st.Close()
}

// WriteSession appends a session log entry (C10).
func (s *Service) WriteSession(content string, metadata engram.Metadata) {
	s.sessionLog.Write(content, metadata)
}

// LoadSession returns the most recent limit session entries, newest first.
func (s *Service) LoadSession(limit int) (contents []string, metadatas []engram.Metadata) {
	entries := s.sessionLog.Load(limit)
	contents = make([]string, len(entries))
	metadatas = make([]engram.Metadata, len(entries))
	for i, e := range entries {
		contents[i] = e.Content
		metadatas[i] = e.Metadata
	}
	return contents, metadatas
}
