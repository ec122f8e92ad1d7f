package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/predicate"
)

func mustCompile(t *testing.T, cs ...models.ObjectConstraint) predicate.Predicate {
	t.Helper()
	p, err := predicate.Compile(cs)
	if err != nil {
		t.Fatalf("Compile() failed: %v", err)
	}
	return p
}

func refs(hits []models.ScoredHit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.KeyframeRef.String()
	}
	return out
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in      string
		want    Metric
		wantErr bool
	}{
		{"cosine", Cosine, false},
		{"", Cosine, false},
		{"L2", L2, false},
		{"ip", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMetric(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMetric(%q) = %q, %v", tt.in, got, err)
		}
	}
	if L2.HigherIsBetter() || !Cosine.HigherIsBetter() {
		t.Error("unexpected metric ordering")
	}
}

func TestBuildObjectSQL(t *testing.T) {
	p := mustCompile(t, models.ObjectConstraint{
		Label: "car", MinConfidence: 0.5, MinInstances: models.Int(1), MaxInstances: models.Int(3),
	})

	query, args, err := BuildObjectSQL(p, Projection{})
	if err != nil {
		t.Fatalf("BuildObjectSQL() failed: %v", err)
	}

	wantArgs := []any{"car", 0.5, 1, "car", 0.5, 3, []string{"car"}}
	if diff := cmp.Diff(wantArgs, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	for _, fragment := range []string{
		"SELECT video_id, keyframe_index FROM keyframes WHERE EXISTS",
		"obj->>'class' = ANY($7)",
		"(SELECT count(*) FROM jsonb_array_elements(objects) AS obj WHERE ((obj->>'class') = $1 AND ((obj->>'confidence')::float8) >= $2)) >= $3",
		") <= $6",
	} {
		if !strings.Contains(query, fragment) {
			t.Errorf("query missing %q:\n%s", fragment, query)
		}
	}
}

func TestBuildObjectSQLMaxOnlySkipsPrefilter(t *testing.T) {
	p := mustCompile(t, models.ObjectConstraint{Label: "dog", MaxInstances: models.Int(0)})

	query, args, err := BuildObjectSQL(p, Projection{Objects: true})
	if err != nil {
		t.Fatalf("BuildObjectSQL() failed: %v", err)
	}
	if strings.Contains(query, "EXISTS") {
		t.Errorf("max-only predicate must not prefilter on labels:\n%s", query)
	}
	if !strings.HasPrefix(query, "SELECT video_id, keyframe_index, objects FROM") {
		t.Errorf("projection should include objects:\n%s", query)
	}
	if len(args) != 3 {
		t.Errorf("expected 3 args, got %d", len(args))
	}
}

func TestBuildPipeline(t *testing.T) {
	p := mustCompile(t, models.ObjectConstraint{Label: "car", MinConfidence: 0.6, MinInstances: models.Int(2)})

	pipeline, err := BuildPipeline(p, Projection{})
	if err != nil {
		t.Fatalf("BuildPipeline() failed: %v", err)
	}
	if len(pipeline) != 3 {
		t.Fatalf("expected prefilter, match and project stages, got %d", len(pipeline))
	}

	wantPrefilter := bson.D{{Key: "$match", Value: bson.D{
		{Key: "objects.class", Value: bson.D{{Key: "$in", Value: []string{"car"}}}},
	}}}
	if diff := cmp.Diff(wantPrefilter, pipeline[0]); diff != "" {
		t.Errorf("prefilter mismatch (-want +got):\n%s", diff)
	}

	count := bson.D{{Key: "$size", Value: bson.D{{Key: "$filter", Value: bson.D{
		{Key: "input", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$objects", bson.A{}}}}},
		{Key: "as", Value: "obj"},
		{Key: "cond", Value: bson.D{{Key: "$and", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$$obj.class", bson.D{{Key: "$literal", Value: "car"}}}}},
			bson.D{{Key: "$gte", Value: bson.A{"$$obj.confidence", 0.6}}},
		}}}},
	}}}}}
	wantMatch := bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{
		{Key: "$gte", Value: bson.A{count, 2}},
	}}}}}
	if diff := cmp.Diff(wantMatch, pipeline[1]); diff != "" {
		t.Errorf("match mismatch (-want +got):\n%s", diff)
	}

	wantProject := bson.D{{Key: "$project", Value: bson.D{
		{Key: "_id", Value: 0},
		{Key: "video_id", Value: 1},
		{Key: "keyframe_index", Value: 1},
	}}}
	if diff := cmp.Diff(wantProject, pipeline[2]); diff != "" {
		t.Errorf("project mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildPipelineMaxOnly(t *testing.T) {
	p := mustCompile(t, models.ObjectConstraint{Label: "dog", MaxInstances: models.Int(0)})
	pipeline, err := BuildPipeline(p, Projection{Objects: true})
	if err != nil {
		t.Fatalf("BuildPipeline() failed: %v", err)
	}
	if len(pipeline) != 2 {
		t.Errorf("max-only predicate must not prefilter, got %d stages", len(pipeline))
	}
}

func TestTranslatorsRejectMalformed(t *testing.T) {
	bad := predicate.Predicate{Expr: predicate.Gte(predicate.Field(predicate.FieldLabel), predicate.Const(1))}
	if _, _, err := BuildObjectSQL(bad, Projection{}); err == nil {
		t.Error("expected SQL translator to reject a field outside count")
	}
	if _, err := BuildPipeline(bad, Projection{}); err == nil {
		t.Error("expected pipeline translator to reject a field outside count")
	}
}

func TestBuildTranscriptQuery(t *testing.T) {
	q := BuildTranscriptQuery("fire truck", 200)
	if q["size"] != 200 {
		t.Errorf("size = %v, want 200", q["size"])
	}
	b := q["query"].(map[string]any)["bool"].(map[string]any)
	if b["minimum_should_match"] != 1 {
		t.Errorf("minimum_should_match = %v", b["minimum_should_match"])
	}
	if n := len(b["should"].([]any)); n != 3 {
		t.Errorf("expected 3 should clauses, got %d", n)
	}
	want := []string{"video_id", "keyframe_index", "start", "end", "text"}
	if diff := cmp.Diff(want, q["_source"]); diff != "" {
		t.Errorf("_source mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTranscriptHits(t *testing.T) {
	body := `{"hits":{"hits":[
		{"_score":7.5,"_source":{"video_id":"L01_V001","keyframe_index":12,"start":3.5,"end":6.0,"text":"a fire truck"}},
		{"_score":2.0,"_source":{"video_id":"L01_V002","text":"no index"}}
	]}}`

	hits, err := ParseTranscriptHits(strings.NewReader(body))
	if err != nil {
		t.Fatalf("ParseTranscriptHits() failed: %v", err)
	}
	want := []models.ScoredHit{
		{
			KeyframeRef:     models.KeyframeRef{VideoID: "L01_V001", KeyframeIndex: 12},
			TranscriptScore: models.Float(7.5),
			Start:           models.Float(3.5),
			End:             models.Float(6.0),
			TranscriptText:  "a fire truck",
		},
		{
			KeyframeRef:     models.KeyframeRef{VideoID: "L01_V002", KeyframeIndex: -1},
			TranscriptScore: models.Float(2.0),
			TranscriptText:  "no index",
		},
	}
	if diff := cmp.Diff(want, hits); diff != "" {
		t.Errorf("hits mismatch (-want +got):\n%s", diff)
	}
	if hits[1].Valid() {
		t.Error("hit without keyframe_index must be invalid")
	}
}

func TestMilvusConfigDefaults(t *testing.T) {
	got := MilvusConfig{Collection: "keyframes"}.withDefaults()
	want := MilvusConfig{Collection: "keyframes", VectorField: "keyframe_vector", Metric: Cosine, NProbe: 10}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}

	custom := MilvusConfig{VectorField: "clip", Metric: L2, NProbe: 32}
	if diff := cmp.Diff(custom, custom.withDefaults()); diff != "" {
		t.Errorf("explicit settings should be kept (-want +got):\n%s", diff)
	}
}

func TestDecodeMilvusResult(t *testing.T) {
	fields := []entity.Column{
		entity.NewColumnVarChar("video_id", []string{"V1", "V2", "V3"}),
		entity.NewColumnInt64("keyframe_index", []int64{4, 9}),
	}
	hits := decodeMilvusResult(3, fields, []float32{0.9, 0.8, 0.7})

	if diff := cmp.Diff([]string{"V1/4", "V2/9", "V3/-1"}, refs(hits)); diff != "" {
		t.Errorf("refs mismatch (-want +got):\n%s", diff)
	}
	if *hits[0].ClipScore != float64(float32(0.9)) {
		t.Errorf("unexpected clip score %v", *hits[0].ClipScore)
	}
}

func testRecords() []KeyframeRecord {
	return []KeyframeRecord{
		{
			KeyframeRef: models.KeyframeRef{VideoID: "V1", KeyframeIndex: 1},
			Vector:      []float32{1, 0},
			Objects:     []models.Detection{{Label: "car", Confidence: 0.9}, {Label: "car", Confidence: 0.7}},
			Text:        "the red fire truck arrives",
		},
		{
			KeyframeRef: models.KeyframeRef{VideoID: "V1", KeyframeIndex: 2},
			Vector:      []float32{0.6, 0.8},
			Objects:     []models.Detection{{Label: "car", Confidence: 0.3}},
			Text:        "hello world",
		},
		{
			KeyframeRef: models.KeyframeRef{VideoID: "V2", KeyframeIndex: 5},
			Vector:      []float32{0, 1},
			Objects:     []models.Detection{{Label: "person", Confidence: 0.8}},
		},
	}
}

func TestMemoryVectors(t *testing.T) {
	ctx := context.Background()

	cos := NewMemoryVectors(testRecords(), Cosine)
	hits, err := cos.Search(ctx, []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"V1/1", "V1/2"}, refs(hits)); diff != "" {
		t.Errorf("cosine order mismatch (-want +got):\n%s", diff)
	}

	euclid := NewMemoryVectors(testRecords(), L2)
	hits, err = euclid.Search(ctx, []float32{0, 1}, 0)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"V2/5", "V1/2", "V1/1"}, refs(hits)); diff != "" {
		t.Errorf("L2 order mismatch (-want +got):\n%s", diff)
	}
	if *hits[0].ClipScore != 0 {
		t.Errorf("exact match should have distance 0, got %v", *hits[0].ClipScore)
	}

	if _, err := cos.Search(ctx, []float32{1, 0, 0}, 1); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestMemoryObjects(t *testing.T) {
	backend := NewMemoryObjects(testRecords())

	p := mustCompile(t, models.ObjectConstraint{Label: "car", MinConfidence: 0.5, MinInstances: models.Int(2)})
	hits, err := backend.Aggregate(context.Background(), p, Projection{Objects: true})
	if err != nil {
		t.Fatalf("Aggregate() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"V1/1"}, refs(hits)); diff != "" {
		t.Errorf("refs mismatch (-want +got):\n%s", diff)
	}
	if len(hits[0].Objects) != 2 || hits[0].ClipScore != nil {
		t.Errorf("unexpected hit fields: %+v", hits[0])
	}

	none := mustCompile(t, models.ObjectConstraint{Label: "car", MaxInstances: models.Int(0)})
	hits, err = backend.Aggregate(context.Background(), none, Projection{})
	if err != nil {
		t.Fatalf("Aggregate() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"V2/5"}, refs(hits)); diff != "" {
		t.Errorf("max-only refs mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryTranscripts(t *testing.T) {
	backend := NewMemoryTranscripts(testRecords())
	ctx := context.Background()

	hits, err := backend.Search(ctx, "helo wrld", 10)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if diff := cmp.Diff([]string{"V1/2"}, refs(hits)); diff != "" {
		t.Errorf("fuzzy refs mismatch (-want +got):\n%s", diff)
	}

	hits, err = backend.Search(ctx, "fire truck", 10)
	if err != nil {
		t.Fatalf("Search() failed: %v", err)
	}
	if len(hits) != 1 || *hits[0].TranscriptScore != 4 {
		t.Errorf("expected one phrase hit scoring 4, got %+v", hits)
	}
	if hits[0].TranscriptText != "the red fire truck arrives" {
		t.Errorf("unexpected text %q", hits[0].TranscriptText)
	}

	hits, err = backend.Search(ctx, "   ", 10)
	if err != nil || len(hits) != 0 {
		t.Errorf("blank query should return no hits, got %v, %v", hits, err)
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"same", "same", 0},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
