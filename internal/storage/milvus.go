package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/bdougie/framesearch/internal/models"
)

const defaultMilvusNProbe = 10

// DefaultMilvusVectorField is the ANN field of the keyframe collection.
const DefaultMilvusVectorField = "keyframe_vector"

// MilvusConfig holds connection details for Milvus
type MilvusConfig struct {
	Address     string
	Username    string
	Password    string
	APIKey      string
	Collection  string
	VectorField string
	Metric      Metric
	NProbe      int
}

// withDefaults fills in the metric, nprobe and vector field when unset.
func (c MilvusConfig) withDefaults() MilvusConfig {
	if c.Metric == "" {
		c.Metric = Cosine
	}
	if c.NProbe <= 0 {
		c.NProbe = defaultMilvusNProbe
	}
	if c.VectorField == "" {
		c.VectorField = DefaultMilvusVectorField
	}
	return c
}

// MilvusVectors searches CLIP keyframe features stored in a Milvus
// collection with video_id (VarChar) and keyframe_index (Int64) fields.
type MilvusVectors struct {
	mc          client.Client
	collection  string
	vectorField string
	metric      Metric
	nprobe      int
	logger      *slog.Logger
}

// NewMilvusVectors connects and loads the collection into memory.
func NewMilvusVectors(ctx context.Context, cfg MilvusConfig, logger *slog.Logger) (*MilvusVectors, error) {
	cfg = cfg.withDefaults()
	mc, err := client.NewClient(ctx, client.Config{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		APIKey:   cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("connect milvus: %w", err)
	}

	has, err := mc.HasCollection(ctx, cfg.Collection)
	if err != nil {
		mc.Close()
		return nil, fmt.Errorf("check collection: %w", err)
	}
	if !has {
		mc.Close()
		return nil, fmt.Errorf("milvus collection %q does not exist", cfg.Collection)
	}
	if err := mc.LoadCollection(ctx, cfg.Collection, false); err != nil {
		mc.Close()
		return nil, fmt.Errorf("load collection: %w", err)
	}

	logger.Info("connected to milvus", "address", cfg.Address, "collection", cfg.Collection,
		"field", cfg.VectorField, "metric", cfg.Metric)
	return &MilvusVectors{
		mc:          mc,
		collection:  cfg.Collection,
		vectorField: cfg.VectorField,
		metric:      cfg.Metric,
		nprobe:      cfg.NProbe,
		logger:      logger,
	}, nil
}

func (m *MilvusVectors) Metric() Metric { return m.metric }

func (m *MilvusVectors) Search(ctx context.Context, vec []float32, topK int) ([]models.ScoredHit, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(m.nprobe)
	if err != nil {
		return nil, fmt.Errorf("search param: %w", err)
	}

	metricType := entity.COSINE
	if m.metric == L2 {
		metricType = entity.L2
	}

	res, err := m.mc.Search(ctx, m.collection, []string{}, "",
		[]string{"video_id", "keyframe_index"},
		[]entity.Vector{entity.FloatVector(vec)},
		m.vectorField, metricType, topK, sp)
	if err != nil {
		return nil, fmt.Errorf("milvus search: %w", err)
	}

	var hits []models.ScoredHit
	for _, r := range res {
		hits = append(hits, decodeMilvusResult(r.ResultCount, r.Fields, r.Scores)...)
	}
	return hits, nil
}

func (m *MilvusVectors) Close() error {
	return m.mc.Close()
}

// decodeMilvusResult reads the output columns of one query vector. A
// missing field leaves the ref invalid so fusion drops it.
func decodeMilvusResult(count int, fields []entity.Column, scores []float32) []models.ScoredHit {
	cols := map[string]entity.Column{}
	for _, c := range fields {
		cols[c.Name()] = c
	}

	hits := make([]models.ScoredHit, 0, count)
	for i := 0; i < count; i++ {
		hit := models.ScoredHit{KeyframeRef: models.KeyframeRef{KeyframeIndex: -1}}
		if c, ok := cols["video_id"].(*entity.ColumnVarChar); ok {
			if data := c.Data(); i < len(data) {
				hit.VideoID = data[i]
			}
		}
		switch c := cols["keyframe_index"].(type) {
		case *entity.ColumnInt64:
			if data := c.Data(); i < len(data) {
				hit.KeyframeIndex = int(data[i])
			}
		case *entity.ColumnInt32:
			if data := c.Data(); i < len(data) {
				hit.KeyframeIndex = int(data[i])
			}
		}
		if i < len(scores) {
			hit.ClipScore = models.Float(float64(scores[i]))
		}
		hits = append(hits, hit)
	}
	return hits
}
