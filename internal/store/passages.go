package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/wutangasaf/aml-detection/internal/utils"
	"github.com/wutangasaf/aml-detection/internal/vectorstore"
)

var _ vectorstore.Index = (*SQLiteStore)(nil)

// AddPassage stores a pre-embedded passage in the local index.
func (s *SQLiteStore) AddPassage(ctx context.Context, p *Passage) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	embeddingBytes, err := json.Marshal(p.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO passages (id, source, filename, text, embedding_json) VALUES (?, ?, ?, ?, ?)",
		p.ID, p.Source, p.Filename, p.Text, string(embeddingBytes))
	if err != nil {
		return fmt.Errorf("failed to execute passage insert: %w", err)
	}
	return nil
}

type scoredPassage struct {
	passage Passage
	score   float64
}

// NearestNeighbors scans the passages (optionally restricted to one source)
// and returns the limit best by cosine similarity, best first.
func (s *SQLiteStore) NearestNeighbors(ctx context.Context, vector []float32, limit int, sourceFilter string) ([]vectorstore.Hit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, source, filename, text, embedding_json FROM passages WHERE (? = '' OR source = ?)",
		sourceFilter, sourceFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	defer rows.Close()

	var scored []scoredPassage
	for rows.Next() {
		var p Passage
		var embeddingJSON string
		if err := rows.Scan(&p.ID, &p.Source, &p.Filename, &p.Text, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan passage row: %w", err)
		}
		if embeddingJSON == "" {
			slog.Warn("passage has empty embedding, skipping", "passage_id", p.ID)
			continue
		}
		if err := json.Unmarshal([]byte(embeddingJSON), &p.Embedding); err != nil {
			slog.Warn("failed to unmarshal passage embedding, skipping", "passage_id", p.ID, "error", err)
			continue
		}
		similarity, err := utils.CosineSimilarity(vector, p.Embedding)
		if err != nil {
			slog.Warn("failed to score passage, skipping", "passage_id", p.ID, "error", err)
			continue
		}
		scored = append(scored, scoredPassage{passage: p, score: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate passages: %w", err)
	}

	// Sort by similarity in descending order
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	hits := make([]vectorstore.Hit, 0, len(scored))
	for _, sp := range scored {
		score := sp.score
		hits = append(hits, vectorstore.Hit{
			ID:    sp.passage.ID,
			Text:  sp.passage.Text,
			Score: &score,
			Metadata: map[string]string{
				vectorstore.MetaSource:   sp.passage.Source,
				vectorstore.MetaFilename: sp.passage.Filename,
			},
		})
	}
	return hits, nil
}
