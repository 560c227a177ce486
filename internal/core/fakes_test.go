package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/wutangasaf/aml-detection/internal/store"
	"github.com/wutangasaf/aml-detection/internal/vectorstore"
)

var errBoom = errors.New("boom")

type fakeEmbedder struct {
	err   error
	calls atomic.Int32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

type fakeIndex struct {
	hits []vectorstore.Hit
	err  error

	mu         sync.Mutex
	calls      int
	lastLimit  int
	lastFilter string
}

func (f *fakeIndex) NearestNeighbors(ctx context.Context, vector []float32, limit int, sourceFilter string) ([]vectorstore.Hit, error) {
	f.mu.Lock()
	f.calls++
	f.lastLimit = limit
	f.lastFilter = sourceFilter
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

// fakeGenerator streams deltas, then fails with err if set. panicWith makes
// it panic after the deltas instead.
type fakeGenerator struct {
	deltas    []string
	usage     store.TokenUsage
	err       error
	panicWith string

	mu           sync.Mutex
	lastSystem   string
	lastMessages []ChatMessage
}

func (f *fakeGenerator) Model() string { return "fake-model" }

func (f *fakeGenerator) Stream(ctx context.Context, systemPrompt string, messages []ChatMessage, onDelta func(string) error) (store.TokenUsage, error) {
	f.mu.Lock()
	f.lastSystem = systemPrompt
	f.lastMessages = append([]ChatMessage(nil), messages...)
	f.mu.Unlock()
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return store.TokenUsage{}, err
		}
	}
	if f.panicWith != "" {
		panic(f.panicWith)
	}
	if f.err != nil {
		return store.TokenUsage{}, f.err
	}
	return f.usage, nil
}

func score(v float64) *float64 { return &v }

func sampleHits() []vectorstore.Hit {
	return []vectorstore.Hit{
		{ID: "1", Text: "Trade-based money laundering disguises proceeds through trade.", Score: score(0.62),
			Metadata: map[string]string{vectorstore.MetaSource: "FATF", vectorstore.MetaFilename: "tbml.pdf"}},
		{ID: "2", Text: "Over- and under-invoicing of goods.", Score: score(0.87),
			Metadata: map[string]string{vectorstore.MetaSource: "EU", vectorstore.MetaFilename: "amld6.pdf"}},
		{ID: "3", Text: "No metadata here."},
	}
}

// failingApplyStore fails the assistant write and nothing else.
type failingApplyStore struct {
	*store.SQLiteStore
}

func (f failingApplyStore) ApplyExchange(ctx context.Context, ex store.Exchange) (*store.Message, *store.Session, error) {
	return nil, nil, errBoom
}
