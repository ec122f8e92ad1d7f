package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/bdougie/framesearch/internal/models"
)

// ElasticConfig holds connection details for the transcript index
type ElasticConfig struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	Index     string
}

// ElasticTranscripts runs fuzzy full-text queries against per-keyframe
// transcript documents {video_id, keyframe_index, start, end, text}.
type ElasticTranscripts struct {
	es     *elasticsearch.Client
	index  string
	logger *slog.Logger
}

// NewElasticTranscripts creates the client and checks the cluster answers.
func NewElasticTranscripts(ctx context.Context, cfg ElasticConfig, logger *slog.Logger) (*ElasticTranscripts, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	res, err := es.Info(es.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch info: %s", res.Status())
	}

	logger.Info("connected to elasticsearch", "addresses", cfg.Addresses, "index", cfg.Index)
	return &ElasticTranscripts{es: es, index: cfg.Index, logger: logger}, nil
}

func (s *ElasticTranscripts) Search(ctx context.Context, text string, size int) ([]models.ScoredHit, error) {
	body, err := json.Marshal(BuildTranscriptQuery(text, size))
	if err != nil {
		return nil, fmt.Errorf("encode transcript query: %w", err)
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("transcript search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("transcript search: %s: %s", res.Status(), msg)
	}
	return ParseTranscriptHits(res.Body)
}

// BuildTranscriptQuery matches fuzzily, as a phrase, or as-you-type; any one
// clause is enough.
func BuildTranscriptQuery(text string, size int) map[string]any {
	return map[string]any{
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"should": []any{
					map[string]any{"match": map[string]any{
						"text": map[string]any{"query": text, "fuzziness": "AUTO"},
					}},
					map[string]any{"match_phrase": map[string]any{"text": text}},
					map[string]any{"match": map[string]any{"text.as_you_type": text}},
				},
				"minimum_should_match": 1,
			},
		},
		"_source": []string{"video_id", "keyframe_index", "start", "end", "text"},
	}
}

type esResponse struct {
	Hits struct {
		Hits []struct {
			Score  *float64 `json:"_score"`
			Source struct {
				VideoID       string   `json:"video_id"`
				KeyframeIndex *float64 `json:"keyframe_index"`
				Start         *float64 `json:"start"`
				End           *float64 `json:"end"`
				Text          string   `json:"text"`
			} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// ParseTranscriptHits decodes a search response body, keeping relevance order.
func ParseTranscriptHits(r io.Reader) ([]models.ScoredHit, error) {
	var resp esResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode transcript response: %w", err)
	}

	hits := make([]models.ScoredHit, 0, len(resp.Hits.Hits))
	for _, h := range resp.Hits.Hits {
		hit := models.ScoredHit{
			KeyframeRef:     models.KeyframeRef{VideoID: h.Source.VideoID, KeyframeIndex: -1},
			TranscriptScore: h.Score,
			Start:           h.Source.Start,
			End:             h.Source.End,
			TranscriptText:  h.Source.Text,
		}
		if h.Source.KeyframeIndex != nil {
			hit.KeyframeIndex = int(*h.Source.KeyframeIndex)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}
