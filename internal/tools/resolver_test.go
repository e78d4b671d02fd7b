package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/goat-community/goat-core/internal/domain"
)

func TestResolverChecksLayerAndGeometryTypes(t *testing.T) {
	userID := uuid.New()
	point := pointLayerProject(1, userID, domain.AttributeMapping{})
	table := tableLayerProject(2, userID, domain.AttributeMapping{})
	lps := &stubLayerProjects{byID: map[int]domain.LayerProject{1: point, 2: table}}
	resolver := NewResolver(lps, &stubExec{})
	ctx := context.Background()

	if _, err := resolver.Resolve(ctx, 1,
		[]domain.LayerType{domain.LayerTypeFeature},
		[]domain.FeatureGeometryType{domain.GeometryPoint}); err != nil {
		t.Fatalf("matching layer rejected: %v", err)
	}

	if _, err := resolver.Resolve(ctx, 2,
		[]domain.LayerType{domain.LayerTypeFeature}, nil); !errors.Is(err, domain.ErrLayerTypeMismatch) {
		t.Fatalf("table as feature should fail, got %v", err)
	}

	if _, err := resolver.Resolve(ctx, 1, nil,
		[]domain.FeatureGeometryType{domain.GeometryPolygon}); !errors.Is(err, domain.ErrLayerTypeMismatch) {
		t.Fatalf("point as polygon should fail, got %v", err)
	}

	if _, err := resolver.Resolve(ctx, 2, nil,
		[]domain.FeatureGeometryType{domain.GeometryPoint}); !errors.Is(err, domain.ErrLayerTypeMismatch) {
		t.Fatalf("geometry expectation on a table should fail, got %v", err)
	}

	if _, err := resolver.Resolve(ctx, 99, nil, nil); !errors.Is(err, domain.ErrLayerNotFound) {
		t.Fatalf("unknown binding should fail, got %v", err)
	}
}

func TestResolverFeatureCountHonorsFilter(t *testing.T) {
	userID := uuid.New()
	lp := pointLayerProject(1, userID, domain.AttributeMapping{})
	lp.WhereQuery = "integer_attr1 > 5"
	exec := &stubExec{rowValues: [][]any{{42}}}
	resolver := NewResolver(&stubLayerProjects{byID: map[int]domain.LayerProject{1: lp}}, exec)

	count, err := resolver.FeatureCount(context.Background(), lp)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 42 {
		t.Fatalf("expected 42, got %d", count)
	}
	queries := exec.queried()
	if len(queries) != 1 {
		t.Fatalf("expected one query, got %d", len(queries))
	}
	if want := "AND (integer_attr1 > 5)"; !containsSQL(queries, want) {
		t.Fatalf("count must honor the in-project filter: %s", queries[0].sql)
	}
}

func TestResolverFeatureCountRejectsUnsafeFilter(t *testing.T) {
	userID := uuid.New()
	lp := pointLayerProject(1, userID, domain.AttributeMapping{})
	lp.WhereQuery = "1 = 1; DROP TABLE customer.layer"
	exec := &stubExec{}
	resolver := NewResolver(&stubLayerProjects{byID: map[int]domain.LayerProject{1: lp}}, exec)

	if _, err := resolver.FeatureCount(context.Background(), lp); err == nil {
		t.Fatal("unsafe filter must be rejected")
	}
	if len(exec.queried()) != 0 {
		t.Fatal("rejected filter must not reach the database")
	}
}

func TestResolverCheckFeatureCountBudget(t *testing.T) {
	userID := uuid.New()
	lp := pointLayerProject(1, userID, domain.AttributeMapping{})
	exec := &stubExec{rowValues: [][]any{{100}, {100}}}
	resolver := NewResolver(&stubLayerProjects{byID: map[int]domain.LayerProject{1: lp}}, exec)
	ctx := context.Background()

	if _, err := resolver.CheckFeatureCount(ctx, lp, 50); !errors.Is(err, domain.ErrResourceLimitExceeded) {
		t.Fatalf("expected resource limit error, got %v", err)
	}
	// A zero budget disables the check.
	if _, err := resolver.CheckFeatureCount(ctx, lp, 0); err != nil {
		t.Fatalf("unlimited budget rejected: %v", err)
	}
}
