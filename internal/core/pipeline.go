package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wutangasaf/aml-detection/internal/metrics"
	"github.com/wutangasaf/aml-detection/internal/observability"
	"github.com/wutangasaf/aml-detection/internal/store"
)

type Stage string

const (
	StageEmbedding  Stage = "embedding"
	StageSearching  Stage = "searching"
	StageGenerating Stage = "generating"
)

// Query is one question plus the conversation it belongs to.
type Query struct {
	Question     string
	History      []store.Message // chronological, already windowed
	SourceFilter string
	Limit        int
}

type Result struct {
	Text    string
	Usage   store.TokenUsage
	Model   string
	Sources []store.Source
}

// Hooks receive the run's progress. Exactly one of OnComplete or OnError is
// called, and nothing is called after it. Nil hooks are skipped.
type Hooks struct {
	OnStage    func(Stage)
	OnSources  func([]store.Source)
	OnToken    func(string)
	OnComplete func(Result)
	OnError    func(error)
}

// Pipeline sequences retrieval, prompt assembly and generation for a single
// question. It is safe for concurrent use.
type Pipeline struct {
	retriever *Retriever
	generator Generator
	metrics   *metrics.Metrics
	limit     int
}

func NewPipeline(retriever *Retriever, generator Generator, m *metrics.Metrics, defaultLimit int) *Pipeline {
	if defaultLimit <= 0 {
		defaultLimit = DefaultSearchLimit
	}
	return &Pipeline{retriever: retriever, generator: generator, metrics: m, limit: defaultLimit}
}

// Run executes one pass. It blocks until a terminal hook has fired and never
// panics or retries.
func (p *Pipeline) Run(ctx context.Context, q Query, hooks Hooks) {
	log := observability.LoggerFromContext(ctx)
	terminated := false

	fail := func(err error) {
		if terminated {
			log.Error("pipeline error after terminal state", "error", err)
			return
		}
		terminated = true
		p.metrics.RunFinished(metrics.OutcomeFailed)
		log.Error("pipeline run failed", "error", err, "code", ErrorCode(err))
		if hooks.OnError == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				log.Error("error hook panicked", "panic", r)
			}
		}()
		hooks.OnError(err)
	}

	defer func() {
		if r := recover(); r != nil {
			fail(fmt.Errorf("pipeline panic: %v", r))
		}
	}()

	stage := func(s Stage) {
		if hooks.OnStage != nil {
			hooks.OnStage(s)
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = p.limit
	}

	stage(StageEmbedding)
	stage(StageSearching)
	retrievalStart := time.Now()
	sources, err := p.retriever.Search(ctx, q.Question, SearchOptions{Limit: limit, SourceFilter: q.SourceFilter})
	p.metrics.ObserveStage("retrieval", time.Since(retrievalStart))
	if err != nil {
		if !errors.Is(err, ErrRetrieval) {
			err = fmt.Errorf("%w: %w", ErrRetrieval, err)
		}
		fail(err)
		return
	}
	if sources == nil {
		sources = []store.Source{}
	}
	log.Debug("sources retrieved", "count", len(sources), "source_filter", q.SourceFilter)
	if hooks.OnSources != nil {
		hooks.OnSources(sources)
	}

	stage(StageGenerating)
	systemPrompt := BuildSystemPrompt(sources)
	messages := append(FormatHistory(q.History), ChatMessage{Role: store.RoleUser, Content: q.Question})

	var answer strings.Builder
	generationStart := time.Now()
	usage, err := p.generator.Stream(ctx, systemPrompt, messages, func(delta string) error {
		if delta == "" {
			return nil
		}
		answer.WriteString(delta)
		if hooks.OnToken != nil {
			hooks.OnToken(delta)
		}
		return nil
	})
	p.metrics.ObserveStage("generation", time.Since(generationStart))
	if err != nil {
		if !errors.Is(err, ErrGeneration) {
			err = fmt.Errorf("%w: %w", ErrGeneration, err)
		}
		fail(err)
		return
	}

	terminated = true
	p.metrics.RunFinished(metrics.OutcomeCompleted)
	p.metrics.AddTokens(usage.InputTokens, usage.OutputTokens)
	log.Info("pipeline run completed",
		"sources", len(sources),
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
	)
	if hooks.OnComplete != nil {
		hooks.OnComplete(Result{
			Text:    answer.String(),
			Usage:   usage,
			Model:   p.generator.Model(),
			Sources: sources,
		})
	}
}
