package llm

import (
	"context"
	"errors"
	"fmt"
)

// Gemini content roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// ErrNoCandidates is returned when Gemini answers without any usable candidate,
// typically because the prompt was blocked.
var ErrNoCandidates = errors.New("gemini returned no candidates")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerateRequest struct {
	// Model overrides the client's default model.
	Model           string    `json:"model,omitempty"`
	SystemPrompt    string    `json:"system_prompt,omitempty"`
	Messages        []Message `json:"messages"`
	Temperature     float32   `json:"temperature,omitempty"`
	TopP            float32   `json:"top_p,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
	StopSequences   []string  `json:"stop_sequences,omitempty"`
}

func (r *GenerateRequest) Validate() error {
	if len(r.Messages) == 0 {
		return errors.New("at least one message is required")
	}

	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleModel {
			return fmt.Errorf("invalid role %q in messages[%d]", m.Role, i)
		}
		if m.Content == "" {
			return fmt.Errorf("content is required for messages[%d]", i)
		}
	}
	if last := r.Messages[len(r.Messages)-1]; last.Role != RoleUser {
		return errors.New("last message must come from the user")
	}

	if r.Temperature < 0 || r.Temperature > 2 {
		return errors.New("temperature must be between 0 and 2")
	}
	if r.TopP < 0 || r.TopP > 1 {
		return errors.New("top_p must be between 0 and 1")
	}

	return nil
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CandidatesTokens int `json:"candidates_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type GenerateResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// UpstreamError is a non-2xx answer from Gemini.
type UpstreamError struct {
	Status  int
	Message string
	Type    string
}

func (e *UpstreamError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("gemini: upstream %d: %s (%s)", e.Status, e.Message, e.Type)
	}
	return fmt.Sprintf("gemini: upstream %d: %s", e.Status, e.Message)
}

type Client interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}
