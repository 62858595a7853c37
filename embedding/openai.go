package embedding

import (
	"context"

	"github.com/sashabaranov/go-openai"

	"github.com/engramhq/engram/engram"
)

// OpenAIProvider embeds text via OpenAI's embeddings endpoint, the same
// go-openai client construction the teacher uses for its chat adapter.
type OpenAIProvider struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

// NewOpenAIProvider constructs a provider. model defaults to
// text-embedding-3-small (dim 1536) when empty.
func NewOpenAIProvider(apiKey string, model openai.EmbeddingModel, dim int) *OpenAIProvider {
	if model == "" {
		model = openai.SmallEmbedding3
	}
	if dim == 0 {
		dim = 1536
	}
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
		dim:    dim,
	}
}

// Embed batches all texts into a single embeddings request.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: p.model,
	})
	if err != nil {
		return nil, engram.Wrap(engram.KindEmbedUnavailable, "openai create embeddings", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, engram.NewError(engram.KindEmbedUnavailable, "openai returned a mismatched embedding count")
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dim reports the provider's fixed output dimensionality.
func (p *OpenAIProvider) Dim() int { return p.dim }
