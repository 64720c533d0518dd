package llm

// Wire shapes of the Gemini REST API (v1beta).

type providerPart struct {
	Text string `json:"text"`
}

type providerContent struct {
	Role  string         `json:"role,omitempty"`
	Parts []providerPart `json:"parts"`
}

type providerGenerationConfig struct {
	Temperature     float32  `json:"temperature,omitempty"`
	TopP            float32  `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type providerGenerateRequest struct {
	Contents          []providerContent         `json:"contents"`
	SystemInstruction *providerContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *providerGenerationConfig `json:"generationConfig,omitempty"`
}

type providerCandidate struct {
	Content      providerContent `json:"content"`
	FinishReason string          `json:"finishReason,omitempty"`
	Index        int             `json:"index"`
}

type providerUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type providerGenerateResponse struct {
	Candidates     []providerCandidate `json:"candidates"`
	UsageMetadata  *providerUsage      `json:"usageMetadata,omitempty"`
	ModelVersion   string              `json:"modelVersion,omitempty"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
}

type providerEmbedRequest struct {
	Model   string          `json:"model"`
	Content providerContent `json:"content"`
}

type providerEmbedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

type providerErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}
