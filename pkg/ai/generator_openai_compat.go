package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// OpenAICompatGenerator targets any server exposing /chat/completions,
// such as vLLM, LM Studio or OpenAI itself.
type OpenAICompatGenerator struct {
	endpoint   string
	header     http.Header
	model      string
	httpClient *http.Client
}

// NewOpenAICompatGenerator expects baseURL to end in the API version
// segment, e.g. "http://localhost:8000/v1". apiKey may be empty.
func NewOpenAICompatGenerator(baseURL, apiKey, model string) *OpenAICompatGenerator {
	header := http.Header{}
	if key := strings.TrimSpace(apiKey); key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	return &OpenAICompatGenerator{
		endpoint:   strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/chat/completions",
		header:     header,
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: generatorHTTPTimeout},
	}
}

func (g *OpenAICompatGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string, opts GenerateOptions) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("openai-compat generation model required")
	}
	req := oaiChatRequest{
		Model:       g.model,
		Messages:    chatTurns(systemPrompt, userPrompt),
		Temperature: 1,
		TopP:        0.95,
	}
	if opts.JSON {
		req.ResponseFormat = &oaiResponseFormat{Type: "json_object"}
	}

	var resp oaiChatResponse
	if err := postJSON(ctx, g.httpClient, "openai-compat", g.endpoint, g.header, req, &resp, nestedErrorMessage); err != nil {
		return "", err
	}
	for _, c := range resp.Choices {
		if text := strings.TrimSpace(c.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", fmt.Errorf("empty response from openai-compat api")
}

type oaiResponseFormat struct {
	Type string `json:"type"`
}

type oaiChatRequest struct {
	Model          string             `json:"model"`
	Messages       []chatMessage      `json:"messages"`
	Temperature    float64            `json:"temperature"`
	TopP           float64            `json:"top_p"`
	ResponseFormat *oaiResponseFormat `json:"response_format,omitempty"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}
