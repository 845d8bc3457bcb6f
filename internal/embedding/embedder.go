// Package embedding provides the text embedding capability used by vector
// memory search.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = "text-embedding-004"

// ErrNoEmbedding is returned when the provider answers without a vector.
var ErrNoEmbedding = errors.New("no embedding returned")

// Embedder provides text embedding capability.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GenAIEmbedder wraps the genai client for embedding generation.
type GenAIEmbedder struct {
	client     *genai.Client
	model      string
	dimensions int32
}

// NewGenAIEmbedder creates an embedder for model. A positive dimensions value
// asks the provider to truncate its output to that size.
func NewGenAIEmbedder(client *genai.Client, model string, dimensions int) *GenAIEmbedder {
	if model == "" {
		model = DefaultModel
	}
	return &GenAIEmbedder{client: client, model: model, dimensions: int32(dimensions)}
}

// Embed generates an embedding for the given text.
func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var cfg *genai.EmbedContentConfig
	if e.dimensions > 0 {
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &e.dimensions}
	}

	resp, err := e.client.Models.EmbedContent(ctx, e.model, genai.Text(text), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, ErrNoEmbedding
	}
	return resp.Embeddings[0].Values, nil
}

var _ Embedder = (*GenAIEmbedder)(nil)
