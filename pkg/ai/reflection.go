package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dailylog/pkg/domain"
)

// ErrMalformedAnalysis is returned when the self-improvement reply is
// non-empty but not the expected JSON object.
var ErrMalformedAnalysis = errors.New("failed to parse AI response for self-improvement")

// ErrTranscriptionUnavailable is returned when no Transcriber is configured.
var ErrTranscriptionUnavailable = errors.New("transcription unavailable")

const transcriptionPrompt = "Transcribe this audio."

const reflectionPrompt = "You are a helpful assistant that provides reflections on messages. " +
	"You will be given a message and you need to provide a reflection on it. " +
	"The reflection should include the following: mood, acknowledgement, and encouragement. " +
	"You should also ask a reflection question. " +
	"Your response should be in JSON format with the following keys: mood, acknowledgement, encouragement, reflection_question."

const improvementPrompt = `You are an assistant that analyzes messages to find potential self-improvement goals.
- If a message contains a clear statement about wanting to improve on something (e.g., "I want to be more patient," "I should wake up earlier"), extract it.
- If no clear goal is stated, respond with an empty JSON object ({}).
- If a goal is found, provide a JSON response with two keys:
  1. "improvement_text": The extracted self-improvement goal, phrased as a concise action item.
  2. "motivational_subtitle": A short, encouraging subtitle (max 10 words).

Example:
User message: "I was so unproductive today, I really need to get better at managing my time."
AI response:
{
  "improvement_text": "Get better at managing my time",
  "motivational_subtitle": "Every step forward is a victory."
}`

// Reflector runs the three model-backed operations of a daily log entry.
type Reflector struct {
	gen         TextGenerator
	transcriber Transcriber
}

// NewReflector builds a Reflector. transcriber may be nil.
func NewReflector(gen TextGenerator, transcriber Transcriber) *Reflector {
	return &Reflector{gen: gen, transcriber: transcriber}
}

// SuggestForMessage asks for a reflection on text. A reply that is a JSON
// object becomes a structured Reflection; anything else is kept verbatim.
func (r *Reflector) SuggestForMessage(ctx context.Context, text string) (domain.Suggestion, error) {
	if r == nil || r.gen == nil {
		return domain.Suggestion{}, fmt.Errorf("text generator not configured")
	}
	reply, err := r.gen.GenerateText(ctx, reflectionPrompt, text, GenerateOptions{})
	if err != nil {
		return domain.Suggestion{}, fmt.Errorf("suggest: %w", err)
	}
	return ParseSuggestion(reply), nil
}

// AnalyzeForSelfImprovement extracts a goal from text. It returns nil when
// the reply is empty, "{}", or lacks either field.
func (r *Reflector) AnalyzeForSelfImprovement(ctx context.Context, text string) (*domain.ImprovementCandidate, error) {
	if r == nil || r.gen == nil {
		return nil, fmt.Errorf("text generator not configured")
	}
	reply, err := r.gen.GenerateText(ctx, improvementPrompt, text, GenerateOptions{JSON: true})
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	return ParseImprovement(reply)
}

// Transcribe converts an audio clip to text.
func (r *Reflector) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if r == nil || r.transcriber == nil {
		return "", ErrTranscriptionUnavailable
	}
	text, err := r.transcriber.Transcribe(ctx, audio, mimeType)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// ParseSuggestion decodes a reflection reply.
func ParseSuggestion(reply string) domain.Suggestion {
	body := stripCodeFence(reply)
	if strings.HasPrefix(body, "{") {
		var ref domain.Reflection
		if err := json.Unmarshal([]byte(body), &ref); err == nil && ref != (domain.Reflection{}) {
			return domain.Suggestion{Reflection: &ref}
		}
	}
	return domain.TextSuggestion(reply)
}

// ParseImprovement decodes a self-improvement reply. Anything other than
// a JSON object with both fields yields no candidate; only invalid JSON is
// an error.
func ParseImprovement(reply string) (*domain.ImprovementCandidate, error) {
	body := stripCodeFence(reply)
	if body == "" || body == "{}" {
		return nil, nil
	}
	var parsed any
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAnalysis, err)
	}
	// Valid JSON that is not an object carries no goal.
	fields, ok := parsed.(map[string]any)
	if !ok {
		return nil, nil
	}
	out := domain.ImprovementCandidate{
		ImprovementText:      stringField(fields, "improvement_text"),
		MotivationalSubtitle: stringField(fields, "motivational_subtitle"),
	}
	if out.ImprovementText == "" || out.MotivationalSubtitle == "" {
		return nil, nil
	}
	return &out, nil
}

func stringField(fields map[string]any, key string) string {
	v, _ := fields[key].(string)
	return strings.TrimSpace(v)
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
