// Package latent implements the latent-space store (spec §3, C9): an
// append-only chain of iterative "thoughts" per namespace, with a
// lexical-Jaccard convergence helper so the store never depends on C1.
package latent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/engramhq/engram/engram"
)

// DefaultConvergenceThreshold is the default Jaccard similarity above which
// the last two iterations of a thought are considered converged.
const DefaultConvergenceThreshold = 0.85

// Iteration is one revision of a thought's content.
type Iteration struct {
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
	IsFinal    bool      `json:"is_final"`
}

// Thought is an ordered, append-only chain of iterations. Metadata is
// chain-level (not per-iteration): initialize sets it, and each refine or
// finalize call's metadata_updates are merged into it key by key.
type Thought struct {
	ThoughtID  string                 `json:"thought_id"`
	Namespace  string                 `json:"namespace"`
	Iterations []Iteration            `json:"iterations"`
	Finalized  bool                   `json:"finalized"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// mergeMetadata layers updates onto dst key by key, matching the
// memory-record metadata_updates semantics elsewhere in the service.
func mergeMetadata(dst map[string]interface{}, updates engram.Metadata) map[string]interface{} {
	if len(updates) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(updates))
	}
	for k, v := range updates.ToNative() {
		dst[k] = v
	}
	return dst
}

type thoughtState struct {
	mu      sync.Mutex
	thought Thought
}

// Store owns every thought for one client, across namespaces, persisting
// each thought to its own file at latent/<namespace>/<thought_id>.json.
type Store struct {
	root string

	mu       sync.RWMutex
	thoughts map[string]*thoughtState // keyed by thought_id
}

// Open loads every persisted thought under root/<namespace>/<thought_id>.json.
// Callers scope root per client (e.g. <DATA_DIR>/latent/<client_id>) to keep
// storage partitioned by client per the concurrency model.
func Open(root string) (*Store, error) {
	s := &Store{root: root, thoughts: make(map[string]*thoughtState)}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, engram.Wrap(engram.KindStorageUnavailable, "read latent store directory", err)
	}

	for _, nsDir := range entries {
		if !nsDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, nsDir.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, nsDir.Name(), f.Name()))
			if err != nil {
				continue
			}
			var t Thought
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			s.thoughts[t.ThoughtID] = &thoughtState{thought: t}
		}
	}
	return s, nil
}

func (s *Store) pathFor(t Thought) string {
	return filepath.Join(s.root, t.Namespace, t.ThoughtID+".json")
}

// Initialize starts a new thought chain with a single opening iteration and
// optional starting metadata.
func (s *Store) Initialize(namespace, content string, metadata engram.Metadata) (string, error) {
	if content == "" {
		return "", engram.NewError(engram.KindInvalidArgument, "content must not be empty")
	}
	id := engram.NewID()
	t := Thought{
		ThoughtID: id,
		Namespace: namespace,
		Iterations: []Iteration{
			{Content: content, Timestamp: time.Now().UTC()},
		},
		Metadata: mergeMetadata(nil, metadata),
	}

	s.mu.Lock()
	s.thoughts[id] = &thoughtState{thought: t}
	s.mu.Unlock()
	return id, nil
}

func (s *Store) get(thoughtID string) (*thoughtState, error) {
	s.mu.RLock()
	st, ok := s.thoughts[thoughtID]
	s.mu.RUnlock()
	if !ok {
		return nil, engram.NewError(engram.KindNotFound, "no such thought")
	}
	return st, nil
}

// Refine appends a new iteration and merges metadataUpdates into the
// thought's metadata. It fails once the thought is finalized.
func (s *Store) Refine(thoughtID, content string, metadataUpdates engram.Metadata) error {
	st, err := s.get(thoughtID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.thought.Finalized {
		return engram.NewError(engram.KindInvalidArgument, "thought is already finalized")
	}
	st.thought.Iterations = append(st.thought.Iterations, Iteration{
		Content: content, Timestamp: time.Now().UTC(),
	})
	st.thought.Metadata = mergeMetadata(st.thought.Metadata, metadataUpdates)
	return nil
}

// Finalize closes the thought's iteration chain, merging metadataUpdates
// into the thought's metadata first. If finalContent is non-empty it is
// appended as one last, is_final iteration; otherwise the last existing
// iteration is marked final in place. If persist is true the thought is
// written to disk.
func (s *Store) Finalize(thoughtID, finalContent string, metadataUpdates engram.Metadata, persist bool) (Thought, error) {
	st, err := s.get(thoughtID)
	if err != nil {
		return Thought{}, err
	}
	st.mu.Lock()
	if st.thought.Finalized {
		snapshot := st.thought
		st.mu.Unlock()
		return snapshot, engram.NewError(engram.KindInvalidArgument, "thought is already finalized")
	}

	st.thought.Metadata = mergeMetadata(st.thought.Metadata, metadataUpdates)
	if finalContent != "" {
		st.thought.Iterations = append(st.thought.Iterations, Iteration{
			Content: finalContent, Timestamp: time.Now().UTC(), IsFinal: true,
		})
	} else if n := len(st.thought.Iterations); n > 0 {
		st.thought.Iterations[n-1].IsFinal = true
	}
	st.thought.Finalized = true
	snapshot := st.thought
	st.mu.Unlock()

	if persist {
		if err := s.persist(snapshot); err != nil {
			return snapshot, err
		}
	}
	return snapshot, nil
}

func (s *Store) persist(t Thought) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return engram.Wrap(engram.KindInternal, "marshal thought", err)
	}
	if err := engram.AtomicWriteFile(s.pathFor(t), data, 0o600); err != nil {
		return engram.Wrap(engram.KindStorageUnavailable, "persist thought", err)
	}
	return nil
}

// Trace returns a thought. When includeIterations is false, only the first
// and final iterations are returned.
func (s *Store) Trace(thoughtID string, includeIterations bool) (Thought, error) {
	st, err := s.get(thoughtID)
	if err != nil {
		return Thought{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if includeIterations || len(st.thought.Iterations) <= 2 {
		return st.thought, nil
	}
	trimmed := st.thought
	trimmed.Iterations = []Iteration{
		st.thought.Iterations[0],
		st.thought.Iterations[len(st.thought.Iterations)-1],
	}
	return trimmed, nil
}

// ConvergenceScore returns the Jaccard similarity between the thought's
// last two iterations, or 0 if it has fewer than two.
func (s *Store) ConvergenceScore(thoughtID string) (float64, error) {
	st, err := s.get(thoughtID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.thought.Iterations)
	if n < 2 {
		return 0, nil
	}
	return jaccard(st.thought.Iterations[n-2].Content, st.thought.Iterations[n-1].Content), nil
}

// AverageConvergence returns the mean Jaccard similarity across every
// consecutive pair of iterations in the thought's chain, a steadier signal
// than ConvergenceScore's single last-pair reading for chains that
// oscillate before settling. Chains with fewer than two iterations score 0.
func (s *Store) AverageConvergence(thoughtID string) (float64, error) {
	st, err := s.get(thoughtID)
	if err != nil {
		return 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.thought.Iterations)
	if n < 2 {
		return 0, nil
	}
	scores := make([]float64, n-1)
	for i := 1; i < n; i++ {
		scores[i-1] = jaccard(st.thought.Iterations[i-1].Content, st.thought.Iterations[i].Content)
	}
	return stat.Mean(scores, nil), nil
}

// Delete removes a thought. Deleting a missing id is a no-op success.
func (s *Store) Delete(thoughtID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.thoughts[thoughtID]
	if !ok {
		return nil
	}
	delete(s.thoughts, thoughtID)
	_ = os.Remove(s.pathFor(st.thought))
	return nil
}

// Clear removes every thought in a namespace and returns the count removed.
func (s *Store) Clear(namespace string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, st := range s.thoughts {
		if st.thought.Namespace == namespace {
			_ = os.Remove(s.pathFor(st.thought))
			delete(s.thoughts, id)
			count++
		}
	}
	return count
}

// HasConverged reports whether the similarity between the last two entries
// of contents exceeds threshold. threshold <= 0 uses the default.
func HasConverged(contents []string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultConvergenceThreshold
	}
	if len(contents) < 2 {
		return false
	}
	return jaccard(contents[len(contents)-2], contents[len(contents)-1]) > threshold
}

func jaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}
