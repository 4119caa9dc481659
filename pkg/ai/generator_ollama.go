package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaGenerator talks to a local Ollama daemon.
type OllamaGenerator struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaGenerator targets baseURL, or the daemon's default address when
// baseURL is blank.
func NewOllamaGenerator(baseURL, model string) *OllamaGenerator {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaGenerator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: generatorHTTPTimeout},
	}
}

func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string, opts GenerateOptions) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("ollama generation model required")
	}
	req := ollamaChatRequest{
		Model:    g.model,
		Messages: chatTurns(systemPrompt, userPrompt),
		Options:  ollamaOptions{Temperature: 1, TopP: 0.95, TopK: 64},
	}
	if opts.JSON {
		req.Format = "json"
	}

	var resp ollamaChatResponse
	if err := postJSON(ctx, g.httpClient, "ollama", g.baseURL+"/api/chat", nil, req, &resp, ollamaError); err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return text, nil
}

func ollamaError(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &e)
	return e.Error
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	TopK        int     `json:"top_k"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  ollamaOptions `json:"options"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
}
