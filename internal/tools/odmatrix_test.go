package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/goat-community/goat-core/internal/domain"
)

func odMatrixFixtures(userID uuid.UUID) (domain.LayerProject, domain.LayerProject) {
	geometry := featureLayerProject(1, userID, domain.GeometryPolygon, domain.AttributeMapping{
		"integer_attr1": "zone_id",
	})
	matrix := tableLayerProject(2, userID, domain.AttributeMapping{
		"integer_attr1": "origin",
		"integer_attr2": "destination",
		"float_attr1":   "trips",
	})
	return geometry, matrix
}

func TestODMatrixEndToEnd(t *testing.T) {
	userID := uuid.New()
	geometry, matrix := odMatrixFixtures(userID)

	exec := &stubExec{}
	layers := &stubLayers{}
	lps := &stubLayerProjects{byID: map[int]domain.LayerProject{1: geometry, 2: matrix}}
	deps := newTestDeps(exec, lps, layers)

	job := domain.Job{ID: uuid.New(), UserID: userID, Type: domain.JobTypeOriginDestination}
	tool := NewODMatrix(deps, job, ODMatrixParams{
		GeometryLayerProjectID: 1,
		MatrixLayerProjectID:   2,
		UniqueIDColumn:         "zone_id",
		OriginColumn:           "origin",
		DestinationColumn:      "destination",
		WeightColumn:           "trips",
	}, 0)

	if err := runTool(context.Background(), tool); err != nil {
		t.Fatalf("run: %v", err)
	}

	calls := exec.executed()
	if !containsSQL(calls, "ST_MAKELINE(ST_CENTROID(o.geom), ST_CENTROID(d.geom))") {
		t.Fatal("relations must connect the zone centroids")
	}
	if !containsSQL(calls, "SUM(m.float_attr1)::float") {
		t.Fatal("weights must sum per relation")
	}
	if !containsSQL(calls, "INSERT INTO "+domain.UserTableName(domain.GeometryLine, userID)) {
		t.Fatal("relation lines must land in the user's line table")
	}
	if !containsSQL(calls, "INSERT INTO "+domain.UserTableName(domain.GeometryPoint, userID)) {
		t.Fatal("weighted destinations must land in the user's point table")
	}

	if len(layers.created) != 2 {
		t.Fatalf("expected relation and destination layers, got %d", len(layers.created))
	}
	relation, points := layers.created[0], layers.created[1]
	if relation.GeometryType == nil || *relation.GeometryType != domain.GeometryLine {
		t.Fatal("relation layer must be a line layer")
	}
	if points.GeometryType == nil || *points.GeometryType != domain.GeometryPoint {
		t.Fatal("destination layer must be a point layer")
	}
	if _, ok := relation.AttributeMapping.SlotFor("origin"); !ok {
		t.Fatal("relation layer must expose the origin column")
	}
	if _, ok := points.AttributeMapping.SlotFor("trips"); !ok {
		t.Fatal("destination layer must expose the weight column")
	}
}

func TestODMatrixStagesIndexedCopies(t *testing.T) {
	userID := uuid.New()
	geometry, matrix := odMatrixFixtures(userID)

	exec := &stubExec{}
	lps := &stubLayerProjects{byID: map[int]domain.LayerProject{1: geometry, 2: matrix}}
	deps := newTestDeps(exec, lps, &stubLayers{})

	job := domain.Job{ID: uuid.New(), UserID: userID}
	tool := NewODMatrix(deps, job, ODMatrixParams{
		GeometryLayerProjectID: 1,
		MatrixLayerProjectID:   2,
		UniqueIDColumn:         "zone_id",
		OriginColumn:           "origin",
		DestinationColumn:      "destination",
		WeightColumn:           "trips",
	}, 0)

	if err := runTool(context.Background(), tool); err != nil {
		t.Fatalf("run: %v", err)
	}

	calls := exec.executed()
	suffix := job.ResourceSuffix()
	zoneTable := "temporal.zone_geom_" + suffix
	matrixTable := "temporal.od_matrix_" + suffix
	if !containsSQL(calls, "CREATE TABLE "+zoneTable+" AS ") {
		t.Fatal("zone geometries must stage into a scratch copy")
	}
	if !containsSQL(calls, "CREATE INDEX ON "+zoneTable+" (integer_attr1)") {
		t.Fatal("zone copy must index the unique id slot")
	}
	if !containsSQL(calls, "CREATE INDEX ON "+matrixTable+" (integer_attr1)") ||
		!containsSQL(calls, "CREATE INDEX ON "+matrixTable+" (integer_attr2)") {
		t.Fatal("matrix copy must index origin and destination slots")
	}
	// Attribute tables have no geometry, so the plain copy must not derive
	// the h3_3 column.
	for _, call := range calls {
		if strings.Contains(call.sql, matrixTable) && strings.Contains(call.sql, "to_short_h3_3") {
			t.Fatalf("matrix copy must stay plain: %s", call.sql)
		}
	}
}

func TestODMatrixRejectsFamilyMismatch(t *testing.T) {
	userID := uuid.New()
	geom := featureLayerProject(1, userID, domain.GeometryPolygon, domain.AttributeMapping{"integer_attr1": "zone_id"})
	matrix := tableLayerProject(2, userID, domain.AttributeMapping{
		"text_attr1":  "origin",
		"text_attr2":  "destination",
		"float_attr1": "trips",
	})

	lps := &stubLayerProjects{byID: map[int]domain.LayerProject{1: geom, 2: matrix}}
	deps := newTestDeps(&stubExec{}, lps, &stubLayers{})

	job := domain.Job{ID: uuid.New(), UserID: userID}
	tool := NewODMatrix(deps, job, ODMatrixParams{
		GeometryLayerProjectID: 1,
		MatrixLayerProjectID:   2,
		UniqueIDColumn:         "zone_id",
		OriginColumn:           "origin",
		DestinationColumn:      "destination",
		WeightColumn:           "trips",
	}, 0)

	if err := runTool(context.Background(), tool); !errors.Is(err, domain.ErrColumnTypeMismatch) {
		t.Fatalf("expected column type mismatch, got %v", err)
	}
}

func TestODMatrixRejectsNonNumericWeight(t *testing.T) {
	userID := uuid.New()
	geom := featureLayerProject(1, userID, domain.GeometryPolygon, domain.AttributeMapping{"integer_attr1": "zone_id"})
	matrix := tableLayerProject(2, userID, domain.AttributeMapping{
		"integer_attr1": "origin",
		"integer_attr2": "destination",
		"text_attr1":    "trips",
	})

	lps := &stubLayerProjects{byID: map[int]domain.LayerProject{1: geom, 2: matrix}}
	deps := newTestDeps(&stubExec{}, lps, &stubLayers{})

	job := domain.Job{ID: uuid.New(), UserID: userID}
	tool := NewODMatrix(deps, job, ODMatrixParams{
		GeometryLayerProjectID: 1,
		MatrixLayerProjectID:   2,
		UniqueIDColumn:         "zone_id",
		OriginColumn:           "origin",
		DestinationColumn:      "destination",
		WeightColumn:           "trips",
	}, 0)

	if err := runTool(context.Background(), tool); !errors.Is(err, domain.ErrColumnTypeMismatch) {
		t.Fatalf("expected column type mismatch, got %v", err)
	}
}

func TestODMatrixRejectsUnknownColumn(t *testing.T) {
	userID := uuid.New()
	geom := featureLayerProject(1, userID, domain.GeometryPolygon, domain.AttributeMapping{"integer_attr1": "zone_id"})
	matrix := tableLayerProject(2, userID, domain.AttributeMapping{
		"integer_attr1": "origin",
		"integer_attr2": "destination",
		"float_attr1":   "trips",
	})

	lps := &stubLayerProjects{byID: map[int]domain.LayerProject{1: geom, 2: matrix}}
	deps := newTestDeps(&stubExec{}, lps, &stubLayers{})

	job := domain.Job{ID: uuid.New(), UserID: userID}
	tool := NewODMatrix(deps, job, ODMatrixParams{
		GeometryLayerProjectID: 1,
		MatrixLayerProjectID:   2,
		UniqueIDColumn:         "zone_id",
		OriginColumn:           "origin",
		DestinationColumn:      "destination",
		WeightColumn:           "passengers",
	}, 0)

	if err := runTool(context.Background(), tool); !errors.Is(err, domain.ErrColumnNotFound) {
		t.Fatalf("expected column not found, got %v", err)
	}
}

func TestODMatrixRejectsFeatureLayerAsMatrix(t *testing.T) {
	userID := uuid.New()
	geom := featureLayerProject(1, userID, domain.GeometryPolygon, domain.AttributeMapping{"integer_attr1": "zone_id"})
	notATable := featureLayerProject(2, userID, domain.GeometryPoint, domain.AttributeMapping{})

	lps := &stubLayerProjects{byID: map[int]domain.LayerProject{1: geom, 2: notATable}}
	deps := newTestDeps(&stubExec{}, lps, &stubLayers{})

	job := domain.Job{ID: uuid.New(), UserID: userID}
	tool := NewODMatrix(deps, job, ODMatrixParams{
		GeometryLayerProjectID: 1,
		MatrixLayerProjectID:   2,
		UniqueIDColumn:         "zone_id",
		OriginColumn:           "origin",
		DestinationColumn:      "destination",
		WeightColumn:           "trips",
	}, 0)

	if err := runTool(context.Background(), tool); !errors.Is(err, domain.ErrLayerTypeMismatch) {
		t.Fatalf("expected layer type mismatch, got %v", err)
	}
}

func TestODMatrixParamsValidate(t *testing.T) {
	params := ODMatrixParams{
		GeometryLayerProjectID: 1,
		MatrixLayerProjectID:   2,
		UniqueIDColumn:         "zone_id",
		OriginColumn:           "origin",
		DestinationColumn:      "destination",
	}
	if err := params.Validate(); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("missing weight column should fail validation, got %v", err)
	}
	params.WeightColumn = "trips"
	if err := params.Validate(); err != nil {
		t.Fatalf("complete params should validate: %v", err)
	}
}
