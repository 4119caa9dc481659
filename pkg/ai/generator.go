package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GenerateOptions tunes a single generation call.
type GenerateOptions struct {
	// JSON asks the provider for a JSON-only reply.
	JSON bool
}

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string, opts GenerateOptions) (string, error)
}

// Transcriber turns an audio clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

const generatorHTTPTimeout = 120 * time.Second

// chatMessage is the role/content pair shared by the Ollama and
// OpenAI-style chat endpoints.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func chatTurns(systemPrompt, userPrompt string) []chatMessage {
	turns := make([]chatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		turns = append(turns, chatMessage{Role: "system", Content: systemPrompt})
	}
	return append(turns, chatMessage{Role: "user", Content: userPrompt})
}

// apiError extracts a provider message from an error body.
type apiError func(body []byte) string

// postJSON sends payload to url and decodes a 2xx reply into out. On
// failure the provider name prefixes the message from errMsg, or the status.
func postJSON(ctx context.Context, client *http.Client, provider, url string, header http.Header, payload, out any, errMsg apiError) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, vs := range header {
		req.Header[k] = vs
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if msg := errMsg(raw); msg != "" {
			return fmt.Errorf("%s api error: %s", provider, msg)
		}
		return fmt.Errorf("%s api error: %s", provider, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s decode: %w", provider, err)
	}
	return nil
}

// nestedErrorMessage reads {"error":{"message":...}}, the shape used by
// both Gemini and OpenAI-style APIs.
func nestedErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &e)
	return e.Error.Message
}
