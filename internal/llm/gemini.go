package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/wutangasaf/aml-detection/internal/core"
	"github.com/wutangasaf/aml-detection/internal/store"
)

const geminiModelRole = "model"

// Gemini serves both embeddings and streamed chat completions from one
// client. Construct it once at startup and Close it on shutdown.
type Gemini struct {
	client         *genai.Client
	chatModel      string
	embeddingModel string
}

func NewGemini(ctx context.Context, apiKey, chatModel, embeddingModel string) (*Gemini, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, chatModel: chatModel, embeddingModel: embeddingModel}, nil
}

func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("error closing GenAI client: %w", err)
	}
	slog.Info("GenAI client closed")
	return nil
}

func (g *Gemini) Model() string { return g.chatModel }

func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	em := g.client.EmbeddingModel(g.embeddingModel)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("%w: gemini embedding request failed: %w", core.ErrEmbedding, err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: no embedding data received from gemini", core.ErrEmbedding)
	}
	return res.Embedding.Values, nil
}

// Stream sends the last message as the new user turn with everything before
// it as chat history.
func (g *Gemini) Stream(ctx context.Context, systemPrompt string, messages []core.ChatMessage, onDelta func(string) error) (store.TokenUsage, error) {
	var usage store.TokenUsage
	if len(messages) == 0 {
		return usage, fmt.Errorf("%w: prompt is empty", core.ErrGeneration)
	}
	last := messages[len(messages)-1]
	if last.Role != store.RoleUser {
		return usage, fmt.Errorf("%w: last message is from %q, not user", core.ErrGeneration, last.Role)
	}

	model := g.client.GenerativeModel(g.chatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}

	cs := model.StartChat()
	cs.History = toContents(messages[:len(messages)-1])

	iter := cs.SendMessageStream(ctx, genai.Text(last.Content))
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return usage, fmt.Errorf("%w: gemini stream failed: %w", core.ErrGeneration, err)
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			txt, ok := part.(genai.Text)
			if !ok {
				slog.Debug("skipping non-text gemini part", "type", fmt.Sprintf("%T", part))
				continue
			}
			if err := onDelta(string(txt)); err != nil {
				return usage, err
			}
		}
	}
	return usage, nil
}

// toContents maps history to Gemini roles and merges consecutive turns of
// the same role, which the API rejects. A failed exchange leaves such a pair.
func toContents(messages []core.ChatMessage) []*genai.Content {
	var out []*genai.Content
	for _, m := range messages {
		role := store.RoleUser
		if m.Role == store.RoleAssistant {
			role = geminiModelRole
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Parts = append(out[n-1].Parts, genai.Text(m.Content))
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return out
}

var (
	_ core.Embedder  = (*Gemini)(nil)
	_ core.Generator = (*Gemini)(nil)
)
