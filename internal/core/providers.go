package core

import (
	"context"

	"github.com/wutangasaf/aml-detection/internal/store"
)

// ChatMessage is one prior turn handed to the generation provider.
type ChatMessage struct {
	Role    string
	Content string
}

// Embedder converts text to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator streams a completion. onDelta is called once per text fragment,
// in arrival order; the returned usage summarizes the whole stream.
type Generator interface {
	Model() string
	Stream(ctx context.Context, systemPrompt string, messages []ChatMessage, onDelta func(string) error) (store.TokenUsage, error)
}
