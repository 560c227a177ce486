package qdrant

import (
	"context"
	"fmt"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/wutangasaf/aml-detection/internal/vectorstore"
)

const (
	payloadText     = "text"
	payloadMetadata = "metadata"
	defaultLimit    = 8
)

// pointQuerier is the slice of the Qdrant client used for search.
type pointQuerier interface {
	Query(ctx context.Context, request *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
}

// Storage searches a Qdrant collection over gRPC. Points are expected to carry
// a payload of {"text": ..., "metadata": {"source": ..., "filename": ...}}.
type Storage struct {
	points     pointQuerier
	collection string
	close      func() error
}

type Config struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

func NewStorage(cfg Config) (*Storage, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Storage{points: client, collection: cfg.Collection, close: client.Close}, nil
}

func (s *Storage) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func (s *Storage) NearestNeighbors(ctx context.Context, vector []float32, limit int, sourceFilter string) ([]vectorstore.Hit, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if sourceFilter != "" {
		req.Filter = &qdrant.Filter{Must: []*qdrant.Condition{
			qdrant.NewMatch(payloadMetadata+"."+vectorstore.MetaSource, sourceFilter),
		}}
	}

	points, err := s.points.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query %s: %w", s.collection, err)
	}

	hits := make([]vectorstore.Hit, 0, len(points))
	for _, p := range points {
		score := float64(p.GetScore())
		hit := vectorstore.Hit{
			ID:       pointID(p.GetId()),
			Score:    &score,
			Metadata: map[string]string{},
		}
		payload := p.GetPayload()
		hit.Text = payload[payloadText].GetStringValue()
		if meta := payload[payloadMetadata].GetStructValue(); meta != nil {
			for k, v := range meta.GetFields() {
				if str, ok := v.GetKind().(*qdrant.Value_StringValue); ok {
					hit.Metadata[k] = str.StringValue
				}
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

var _ vectorstore.Index = (*Storage)(nil)
