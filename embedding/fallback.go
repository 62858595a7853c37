package embedding

import (
	"context"

	"github.com/engramhq/engram/engram"
)

// Unavailable is a Provider that always fails with KindEmbedUnavailable. It
// is wired in when no embedding backend is configured or USE_FALLBACK is
// set, so memory-service search degrades to lexical-only instead of the
// process failing to start.
type Unavailable struct{}

func (Unavailable) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, engram.NewError(engram.KindEmbedUnavailable, "no embedding provider configured")
}

func (Unavailable) Dim() int { return 0 }
