package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/goat-community/goat-core/internal/db"
	"github.com/goat-community/goat-core/internal/domain"
	"github.com/goat-community/goat-core/internal/repository"
)

// Resolver turns layer-project IDs from tool requests into validated layer
// bindings and enforces the per-tool feature budgets.
type Resolver struct {
	layerProjects repository.LayerProjectRepository
	exec          db.DBTX
}

func NewResolver(layerProjects repository.LayerProjectRepository, exec db.DBTX) *Resolver {
	return &Resolver{layerProjects: layerProjects, exec: exec}
}

// Resolve loads a layer binding and checks it against the expected layer and
// geometry types. Empty expectation slices accept anything.
func (r *Resolver) Resolve(ctx context.Context, id int, expectedTypes []domain.LayerType, expectedGeometries []domain.FeatureGeometryType) (domain.LayerProject, error) {
	lp, err := r.layerProjects.GetByID(ctx, id)
	if err != nil {
		return domain.LayerProject{}, err
	}

	if len(expectedTypes) > 0 && !containsType(expectedTypes, lp.Layer.Type) {
		return domain.LayerProject{}, fmt.Errorf("%w: layer %s is %s, expected one of %v",
			domain.ErrLayerTypeMismatch, lp.Layer.Name, lp.Layer.Type, expectedTypes)
	}
	if len(expectedGeometries) > 0 {
		if lp.Layer.GeometryType == nil {
			return domain.LayerProject{}, fmt.Errorf("%w: layer %s has no geometry, expected one of %v",
				domain.ErrLayerTypeMismatch, lp.Layer.Name, expectedGeometries)
		}
		if !containsGeometry(expectedGeometries, *lp.Layer.GeometryType) {
			return domain.LayerProject{}, fmt.Errorf("%w: layer %s is %s, expected one of %v",
				domain.ErrLayerTypeMismatch, lp.Layer.Name, *lp.Layer.GeometryType, expectedGeometries)
		}
	}
	return lp, nil
}

// FeatureCount counts the layer's rows honoring the in-project filter.
func (r *Resolver) FeatureCount(ctx context.Context, lp domain.LayerProject) (int, error) {
	table, err := lp.TableName()
	if err != nil {
		return 0, err
	}
	if err := ValidateQualified(table); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE layer_id = $1", table)
	if clause := strings.TrimSpace(lp.WhereQuery); clause != "" {
		if err := ValidateFilter(clause); err != nil {
			return 0, err
		}
		query += fmt.Sprintf(" AND (%s)", clause)
	}
	var count int
	if err := r.exec.QueryRow(ctx, query, lp.LayerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count features of layer %s: %w", lp.Layer.Name, err)
	}
	return count, nil
}

// CheckFeatureCount fails with ErrResourceLimitExceeded when the layer holds
// more filtered features than the tool's budget allows.
func (r *Resolver) CheckFeatureCount(ctx context.Context, lp domain.LayerProject, maxFeatures int) (int, error) {
	count, err := r.FeatureCount(ctx, lp)
	if err != nil {
		return 0, err
	}
	if maxFeatures > 0 && count > maxFeatures {
		return count, fmt.Errorf("%w: layer %s has %d features, the tool allows %d",
			domain.ErrResourceLimitExceeded, lp.Layer.Name, count, maxFeatures)
	}
	return count, nil
}

func containsType(haystack []domain.LayerType, needle domain.LayerType) bool {
	for _, t := range haystack {
		if t == needle {
			return true
		}
	}
	return false
}

func containsGeometry(haystack []domain.FeatureGeometryType, needle domain.FeatureGeometryType) bool {
	for _, g := range haystack {
		if g == needle {
			return true
		}
	}
	return false
}
