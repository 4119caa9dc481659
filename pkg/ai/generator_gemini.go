package ai

import (
	"context"
	"fmt"
	"strings"
)

// GeminiGenerator binds a GeminiClient to the suggestion model.
type GeminiGenerator struct {
	client *GeminiClient
	model  string
}

func NewGeminiGenerator(client *GeminiClient, model string) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: strings.TrimSpace(model)}
}

func (g *GeminiGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string, opts GenerateOptions) (string, error) {
	if g.client == nil || g.model == "" {
		return "", fmt.Errorf("gemini generation model required")
	}
	return g.client.GenerateText(ctx, g.model, systemPrompt, userPrompt, opts)
}

// defaultAudioMimeType is what browser MediaRecorder produces when the
// upload carries no usable Content-Type.
const defaultAudioMimeType = "audio/webm"

// GeminiTranscriber binds a GeminiClient to the transcription model.
type GeminiTranscriber struct {
	client *GeminiClient
	model  string
}

func NewGeminiTranscriber(client *GeminiClient, model string) *GeminiTranscriber {
	return &GeminiTranscriber{client: client, model: strings.TrimSpace(model)}
}

func (t *GeminiTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if t.client == nil || t.model == "" {
		return "", ErrTranscriptionUnavailable
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("audio clip is empty")
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = defaultAudioMimeType
	}
	return t.client.TranscribeAudio(ctx, t.model, audio, mimeType)
}
