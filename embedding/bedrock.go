package embedding

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/engramhq/engram/engram"
)

// BedrockConfig configures a BedrockProvider. It mirrors the credential
// options the teacher's Bedrock LLM adapter exposes: explicit keys, a named
// profile, or the default chain (env vars, IAM role, SSO).
type BedrockConfig struct {
	ModelID         string // default: amazon.titan-embed-text-v2:0
	Dimensions      int    // default: 1024, must match ModelID's native output
	Region          string // default: us-east-1
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// BedrockProvider embeds text via Amazon Bedrock's InvokeModel API against a
// Titan embeddings model.
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
	dim     int
}

// NewBedrockProvider loads AWS configuration and constructs a client, the
// same way the teacher's NewBedrockLLM does for chat models.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.ModelID == "" {
		cfg.ModelID = "amazon.titan-embed-text-v2:0"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 1024
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, engram.Wrap(engram.KindEmbedUnavailable, "load AWS config", err)
	}

	return &BedrockProvider{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: cfg.ModelID,
		dim:     cfg.Dimensions,
	}, nil
}

type titanEmbedRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed calls InvokeModel once per text; Titan's embeddings endpoint has no
// batch form.
func (p *BedrockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		body, err := json.Marshal(titanEmbedRequest{InputText: text, Dimensions: p.dim})
		if err != nil {
			return nil, engram.Wrap(engram.KindInternal, "marshal titan request", err)
		}

		resp, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(p.modelID),
			ContentType: aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, engram.Wrap(engram.KindEmbedUnavailable, "bedrock invoke model", err)
		}

		var parsed titanEmbedResponse
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return nil, engram.Wrap(engram.KindEmbedUnavailable, "parse titan response", err)
		}
		if len(parsed.Embedding) != p.dim {
			return nil, engram.NewError(engram.KindEmbedUnavailable,
				fmt.Sprintf("titan returned %d dims, expected %d", len(parsed.Embedding), p.dim))
		}
		out[i] = parsed.Embedding
	}
	return out, nil
}

// Dim reports the provider's fixed output dimensionality.
func (p *BedrockProvider) Dim() int { return p.dim }
