// Package embedding provides the EmbeddingProvider interface (spec §3, C1)
// and concrete providers backed by Amazon Bedrock and OpenAI, matching the
// two LLM adapters the teacher ships in adapter/llm — embeddings are just
// another Bedrock/OpenAI API surface, so the same AWS config chain and
// go-openai client construction apply.
package embedding

import "context"

// Provider turns text into fixed-dimension dense vectors. Every concrete
// provider guarantees a stable Dim() across calls; memory-service callers
// use it to size and validate vector index entries.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}
