package storage

import (
	"context"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/predicate"
)

// MongoConfig holds connection details for the object-detection collection
type MongoConfig struct {
	URI        string
	Database   string
	Collection string
}

// MongoObjects runs compiled predicates as aggregation pipelines over
// documents shaped {video_id, keyframe_index, objects: [{class, confidence}]}.
type MongoObjects struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *slog.Logger
}

// NewMongoObjects connects to MongoDB and pings it before returning.
func NewMongoObjects(ctx context.Context, cfg MongoConfig, logger *slog.Logger) (*MongoObjects, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	logger.Info("connected to mongo", "database", cfg.Database, "collection", cfg.Collection)
	return &MongoObjects{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger,
	}, nil
}

type mongoKeyframe struct {
	VideoID       string             `bson:"video_id"`
	KeyframeIndex *int               `bson:"keyframe_index"`
	Objects       []models.Detection `bson:"objects"`
}

func (m *MongoObjects) Aggregate(ctx context.Context, p predicate.Predicate, proj Projection) ([]models.ScoredHit, error) {
	pipeline, err := BuildPipeline(p, proj)
	if err != nil {
		return nil, err
	}

	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("mongo aggregate: %w", err)
	}

	var docs []mongoKeyframe
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode aggregate results: %w", err)
	}

	hits := make([]models.ScoredHit, 0, len(docs))
	for _, d := range docs {
		hit := models.ScoredHit{KeyframeRef: models.KeyframeRef{VideoID: d.VideoID, KeyframeIndex: -1}}
		if d.KeyframeIndex != nil {
			hit.KeyframeIndex = *d.KeyframeIndex
		}
		if proj.Objects {
			hit.Objects = d.Objects
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func (m *MongoObjects) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// BuildPipeline translates a compiled predicate into an aggregation
// pipeline: an optional label prefilter, the $expr match, and a projection.
func BuildPipeline(p predicate.Predicate, proj Projection) (mongo.Pipeline, error) {
	expr, err := mongoExpr(p.Expr, false)
	if err != nil {
		return nil, err
	}

	var pipeline mongo.Pipeline
	if p.PrefilterSafe && len(p.Labels) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{
			{Key: "objects.class", Value: bson.D{{Key: "$in", Value: p.Labels}}},
		}}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: expr}}}})

	fields := bson.D{
		{Key: "_id", Value: 0},
		{Key: "video_id", Value: 1},
		{Key: "keyframe_index", Value: 1},
	}
	if proj.Objects {
		fields = append(fields, bson.E{Key: "objects", Value: 1})
	}
	pipeline = append(pipeline, bson.D{{Key: "$project", Value: fields}})
	return pipeline, nil
}

func mongoExpr(e predicate.Expr, inObject bool) (any, error) {
	switch e.Op {
	case predicate.OpConst:
		// Strings starting with "$" would otherwise be read as field paths.
		if s, ok := e.Value.(string); ok {
			return bson.D{{Key: "$literal", Value: s}}, nil
		}
		return e.Value, nil
	case predicate.OpField:
		if !inObject {
			return nil, fmt.Errorf("field %q outside of count", e.Name)
		}
		switch e.Name {
		case predicate.FieldLabel:
			return "$$obj.class", nil
		case predicate.FieldConfidence:
			return "$$obj.confidence", nil
		}
		return nil, fmt.Errorf("unknown field %q", e.Name)
	case predicate.OpEq, predicate.OpGte, predicate.OpLte:
		if len(e.Args) != 2 {
			return nil, fmt.Errorf("%s needs 2 arguments, got %d", e.Op, len(e.Args))
		}
		l, err := mongoExpr(e.Args[0], inObject)
		if err != nil {
			return nil, err
		}
		r, err := mongoExpr(e.Args[1], inObject)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$" + e.Op.String(), Value: bson.A{l, r}}}, nil
	case predicate.OpAnd:
		args := bson.A{}
		for _, a := range e.Args {
			v, err := mongoExpr(a, inObject)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return bson.D{{Key: "$and", Value: args}}, nil
	case predicate.OpCount:
		if inObject || len(e.Args) != 1 {
			return nil, fmt.Errorf("malformed count")
		}
		cond, err := mongoExpr(e.Args[0], true)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$size", Value: bson.D{{Key: "$filter", Value: bson.D{
			{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$objects", bson.A{}}}}},
			{Key: "as", Value: "obj"},
			{Key: "cond", Value: cond},
		}}}}}, nil
	}
	return nil, fmt.Errorf("unsupported operator %s", e.Op)
}
