package memoryservice

import (
	"github.com/engramhq/engram/engram"
	"github.com/engramhq/engram/latent"
)

// InitializeThought starts a new latent-space thought chain (C9) with
// optional starting metadata.
func (s *Service) InitializeThought(namespace, content string, metadata engram.Metadata) (string, error) {
	return s.latentStore.Initialize(namespace, content, metadata)
}

// RefineThought appends an iteration to an unfinalized thought, merging
// metadataUpdates into the thought's metadata.
func (s *Service) RefineThought(thoughtID, content string, metadataUpdates engram.Metadata) error {
	return s.latentStore.Refine(thoughtID, content, metadataUpdates)
}

// FinalizeThought closes a thought's iteration chain, merging
// metadataUpdates first, and optionally persisting the result to disk.
func (s *Service) FinalizeThought(thoughtID, finalContent string, metadataUpdates engram.Metadata, persist bool) (latent.Thought, error) {
	return s.latentStore.Finalize(thoughtID, finalContent, metadataUpdates, persist)
}

// TraceThought returns a thought, trimmed to first+final iterations unless
// includeIterations is set.
func (s *Service) TraceThought(thoughtID string, includeIterations bool) (latent.Thought, error) {
	return s.latentStore.Trace(thoughtID, includeIterations)
}

// ThoughtConvergenceScore reports the Jaccard similarity between a
// thought's last two iterations.
func (s *Service) ThoughtConvergenceScore(thoughtID string) (float64, error) {
	return s.latentStore.ConvergenceScore(thoughtID)
}

// DeleteThought removes a thought.
func (s *Service) DeleteThought(thoughtID string) error {
	return s.latentStore.Delete(thoughtID)
}

// ClearThoughts removes every thought in namespace and returns the count
// removed.
func (s *Service) ClearThoughts(namespace string) int {
	return s.latentStore.Clear(namespace)
}
