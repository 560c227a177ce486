package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wutangasaf/aml-detection/internal/config"
	"github.com/wutangasaf/aml-detection/internal/core"
	"github.com/wutangasaf/aml-detection/internal/llm"
	"github.com/wutangasaf/aml-detection/internal/metrics"
	"github.com/wutangasaf/aml-detection/internal/store"
	"github.com/wutangasaf/aml-detection/internal/vectorstore"
	"github.com/wutangasaf/aml-detection/internal/vectorstore/qdrant"
)

type provider interface {
	core.Embedder
	core.Generator
}

// app holds the long-lived collaborators built once at startup.
type app struct {
	provider  provider
	retriever *core.Retriever
	chat      *core.ChatService
	metrics   *metrics.Metrics
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{metrics: metrics.New()}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.closers = append(a.closers, dbStore.Close)

	switch cfg.LLMMode {
	case config.LLMModeMock:
		slog.Info("LLM_MODE=mock, using deterministic offline provider")
		a.provider = llm.NewMock()
	default:
		gemini, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.ChatModel, cfg.EmbeddingModel)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.provider = gemini
		a.closers = append(a.closers, gemini.Close)
	}

	var index vectorstore.Index = dbStore
	if cfg.VectorBackend == config.VectorBackendQdrant {
		slog.Info("using qdrant vector index", "host", cfg.QdrantHost, "port", cfg.QdrantPort, "collection", cfg.QdrantCollection)
		qs, err := qdrant.NewStorage(qdrant.Config{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantUseTLS,
			Collection: cfg.QdrantCollection,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, qs.Close)
		index = qs
	}

	a.retriever = core.NewRetriever(a.provider, index)
	pipeline := core.NewPipeline(a.retriever, a.provider, a.metrics, cfg.RetrievalLimit)
	a.chat = core.NewChatService(dbStore, pipeline, core.ChatOptions{
		HistoryWindow:   cfg.HistoryWindow,
		PipelineTimeout: cfg.PipelineTimeout,
		Metrics:         a.metrics,
	})
	return a, nil
}

// Close releases collaborators in reverse construction order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Error("error during shutdown", "error", err)
		}
	}
}
