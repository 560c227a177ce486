package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/wutangasaf/aml-detection/internal/core"
	"github.com/wutangasaf/aml-detection/internal/store"
)

const (
	MockModelName     = "mock-gemini"
	mockDimensions    = 64
	mockChunkSize     = 10
	mockSourcesMarker = "\nSOURCE "
)

// Mock is a deterministic offline provider. Embeddings are hashed bags of
// words, so texts sharing terms land close together; answers are streamed in
// fixed-size chunks.
type Mock struct{}

func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Model() string { return MockModelName }

func (m *Mock) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrEmbedding, err)
	}
	vec := make([]float32, mockDimensions)
	for _, word := range strings.FieldsFunc(strings.ToLower(text), isSeparator) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		vec[h.Sum32()%mockDimensions]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func (m *Mock) Stream(ctx context.Context, systemPrompt string, messages []core.ChatMessage, onDelta func(string) error) (store.TokenUsage, error) {
	if len(messages) == 0 {
		return store.TokenUsage{}, fmt.Errorf("%w: prompt is empty", core.ErrGeneration)
	}
	answer := mockAnswer(systemPrompt, messages[len(messages)-1].Content)

	for _, chunk := range splitIntoChunks(answer, mockChunkSize) {
		select {
		case <-ctx.Done():
			return store.TokenUsage{}, fmt.Errorf("%w: %w", core.ErrGeneration, ctx.Err())
		default:
		}
		if err := onDelta(chunk); err != nil {
			return store.TokenUsage{}, err
		}
	}

	return store.TokenUsage{
		InputTokens:  estimateTokens(systemPrompt, messages),
		OutputTokens: len(answer) / 4,
	}, nil
}

func mockAnswer(systemPrompt, question string) string {
	n := strings.Count(systemPrompt, mockSourcesMarker)
	if n == 0 {
		return fmt.Sprintf("No regulatory documents matched %q, so this mock answer has no citations.", question)
	}
	return fmt.Sprintf("Mock answer to %q grounded in %d source(s), see [SOURCE 1].", question, n)
}

func splitIntoChunks(s string, size int) []string {
	runes := []rune(s)
	chunks := make([]string, 0, len(runes)/size+1)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func estimateTokens(systemPrompt string, messages []core.ChatMessage) int {
	total := len(systemPrompt)
	for _, m := range messages {
		total += len(m.Content)
	}
	return total / 4
}

var (
	_ core.Embedder  = (*Mock)(nil)
	_ core.Generator = (*Mock)(nil)
)
