package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dailylog/pkg/ai"
	"dailylog/pkg/domain"
)

// SuggestionFallback replaces a suggestion that could not be produced.
const SuggestionFallback = "Sorry, an error occurred."

const defaultEnrichmentTimeout = 90 * time.Second

// Enricher is the model-backed collaborator of the pipeline.
type Enricher interface {
	SuggestForMessage(ctx context.Context, text string) (domain.Suggestion, error)
	AnalyzeForSelfImprovement(ctx context.Context, text string) (*domain.ImprovementCandidate, error)
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// SuggestionWriter records the outcome of the suggestion branch.
type SuggestionWriter interface {
	UpdateMessageSuggestion(ctx context.Context, id string, suggestion domain.Suggestion, loading bool) (domain.Message, error)
}

// Pipeline runs the two enrichment branches of a sent message.
type Pipeline struct {
	ai      Enricher
	writer  SuggestionWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewPipeline builds a pipeline. A non-positive timeout selects the default.
func NewPipeline(enricher Enricher, writer SuggestionWriter, timeout time.Duration, logger *slog.Logger) *Pipeline {
	if timeout <= 0 {
		timeout = defaultEnrichmentTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{ai: enricher, writer: writer, timeout: timeout, logger: logger}
}

// Run starts the suggestion and self-improvement branches for msg. They run
// concurrently, independent of the caller's lifetime, and the returned
// channel closes once both have finished. onCandidate is called at most once
// with a detected goal.
func (p *Pipeline) Run(msg domain.Message, onCandidate func(domain.ImprovementCandidate)) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.suggest(msg)
	}()
	go func() {
		defer wg.Done()
		p.analyze(msg, onCandidate)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// suggest always leaves the message with a non-empty suggestion and the
// loading flag cleared.
func (p *Pipeline) suggest(msg domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	logger := p.logger.With("message_id", msg.ID)

	suggestion, err := p.ai.SuggestForMessage(ctx, msg.Text)
	if err != nil {
		logger.Error("suggestion_failed", "err", err)
		suggestion = domain.TextSuggestion(SuggestionFallback)
	} else if suggestion.IsZero() {
		logger.Warn("suggestion_empty")
		suggestion = domain.TextSuggestion(SuggestionFallback)
	}
	if _, err := p.writer.UpdateMessageSuggestion(ctx, msg.ID, suggestion, false); err != nil {
		logger.Error("suggestion_update_failed", "err", err)
	}
}

func (p *Pipeline) analyze(msg domain.Message, onCandidate func(domain.ImprovementCandidate)) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	logger := p.logger.With("message_id", msg.ID)

	candidate, err := p.ai.AnalyzeForSelfImprovement(ctx, msg.Text)
	if err != nil {
		if errors.Is(err, ai.ErrMalformedAnalysis) {
			logger.Error("self_improvement_malformed", "err", err)
		} else {
			logger.Warn("self_improvement_failed", "err", err)
		}
		return
	}
	if candidate == nil {
		return
	}
	if onCandidate != nil {
		onCandidate(*candidate)
	}
}
