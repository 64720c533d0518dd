package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"geminicord/internal/tracing"
)

func (c *client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	start := time.Now()

	if req == nil {
		return nil, fmt.Errorf("llm: request is nil")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("llm: invalid request: %w", err)
	}

	// Per-message size guard
	for i, m := range req.Messages {
		if len(m.Content) > maxMessageSize {
			return nil, fmt.Errorf(
				"llm: message[%d] content too large (%d bytes, max %d)",
				i, len(m.Content), maxMessageSize,
			)
		}
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	c.logger.Debug("gemini generate starting",
		zap.String("model", model),
		zap.Int("message_count", len(req.Messages)),
	)

	ctx, span := tracing.Default().StartUpstreamSpan(ctx, "generate", model)

	var pResp providerGenerateResponse
	if err := c.call(ctx, span, model, "generateContent", toProviderRequest(req), &pResp); err != nil {
		span.EndWithError(err)
		return nil, err
	}

	out, err := fromProviderResponse(pResp, model)
	if err != nil {
		c.logger.Warn("gemini returned no usable candidate",
			zap.String("model", model),
			zap.Error(err),
		)
		span.EndWithError(err)
		return nil, err
	}

	span.SetUsage(out.Usage.PromptTokens, out.Usage.CandidatesTokens, out.FinishReason)
	span.End()

	c.logger.Info("gemini generate completed",
		zap.String("model", out.Model),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("candidates_tokens", out.Usage.CandidatesTokens),
		zap.String("finish_reason", out.FinishReason),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

func toProviderRequest(req *GenerateRequest) providerGenerateRequest {
	pReq := providerGenerateRequest{
		Contents: make([]providerContent, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		pReq.Contents = append(pReq.Contents, providerContent{
			Role:  m.Role,
			Parts: []providerPart{{Text: m.Content}},
		})
	}
	if req.SystemPrompt != "" {
		pReq.SystemInstruction = &providerContent{
			Parts: []providerPart{{Text: req.SystemPrompt}},
		}
	}
	if req.Temperature > 0 || req.TopP > 0 || req.MaxOutputTokens > 0 || len(req.StopSequences) > 0 {
		pReq.GenerationConfig = &providerGenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxOutputTokens,
			StopSequences:   req.StopSequences,
		}
	}
	return pReq
}

// fromProviderResponse joins the text parts of the first candidate.
func fromProviderResponse(pResp providerGenerateResponse, model string) (*GenerateResponse, error) {
	if len(pResp.Candidates) == 0 {
		if pResp.PromptFeedback != nil && pResp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w: prompt blocked (%s)", ErrNoCandidates, pResp.PromptFeedback.BlockReason)
		}
		return nil, ErrNoCandidates
	}

	cand := pResp.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return nil, fmt.Errorf("%w: empty candidate (finish reason %s)", ErrNoCandidates, cand.FinishReason)
	}

	out := &GenerateResponse{
		Text:         text,
		Model:        model,
		FinishReason: cand.FinishReason,
		Usage:        &Usage{},
	}
	if pResp.ModelVersion != "" {
		out.Model = pResp.ModelVersion
	}
	if pResp.UsageMetadata != nil {
		out.Usage.PromptTokens = pResp.UsageMetadata.PromptTokenCount
		out.Usage.CandidatesTokens = pResp.UsageMetadata.CandidatesTokenCount
		out.Usage.TotalTokens = pResp.UsageMetadata.TotalTokenCount
	}
	return out, nil
}
