package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"geminicord/internal/tracing"
)

// Embed returns the embedding vector of text using the configured embedding model.
func (c *client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("llm: embed text is empty")
	}
	if len(text) > maxMessageSize {
		return nil, fmt.Errorf("llm: embed text too large (%d bytes, max %d)", len(text), maxMessageSize)
	}

	model := c.cfg.EmbeddingModel
	ctx, span := tracing.Default().StartUpstreamSpan(ctx, "embed", model)

	in := providerEmbedRequest{
		Model:   "models/" + model,
		Content: providerContent{Parts: []providerPart{{Text: text}}},
	}
	var out providerEmbedResponse
	if err := c.call(ctx, span, model, "embedContent", in, &out); err != nil {
		span.EndWithError(err)
		return nil, err
	}

	if len(out.Embedding.Values) == 0 {
		err := errors.New("llm: empty embedding")
		span.EndWithError(err)
		return nil, err
	}
	span.End()
	return out.Embedding.Values, nil
}
