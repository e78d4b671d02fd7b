package tools

import (
	"context"
	"fmt"
	"log"

	"github.com/goat-community/goat-core/internal/domain"
	"github.com/goat-community/goat-core/internal/jobs"
)

// ODMatrixParams is the request payload of the origin-destination tool. The
// geometry layer provides zone shapes keyed by a unique id column; the
// matrix layer is an attribute table relating origin and destination ids
// with a numeric weight.
type ODMatrixParams struct {
	GeometryLayerProjectID int    `json:"geometry_layer_project_id"`
	MatrixLayerProjectID   int    `json:"origin_destination_matrix_layer_project_id"`
	UniqueIDColumn         string `json:"unique_id_column"`
	OriginColumn           string `json:"origin_column"`
	DestinationColumn      string `json:"destination_column"`
	WeightColumn           string `json:"weight_column"`
	OutputLayerName        string `json:"output_layer_name,omitempty"`
}

func (p ODMatrixParams) Validate() error {
	if p.UniqueIDColumn == "" || p.OriginColumn == "" || p.DestinationColumn == "" || p.WeightColumn == "" {
		return fmt.Errorf("%w: unique id, origin, destination and weight columns are required", domain.ErrValidation)
	}
	return nil
}

// odMatrixTool relates zone geometries through an OD matrix table. It emits
// two result layers: relation lines between zone centroids and weighted
// destination points.
type odMatrixTool struct {
	deps     Deps
	job      domain.Job
	params   ODMatrixParams
	maxCount int

	tt          *TempTables
	geometry    domain.LayerProject
	matrix      domain.LayerProject
	uidSlot     string
	originSlot  string
	destSlot    string
	weightSlot  string
	geomTable   string
	matrixTable string

	createdLayers []domain.Layer
	completed     bool
}

// NewODMatrix builds the origin-destination tool for a job.
func NewODMatrix(deps Deps, job domain.Job, params ODMatrixParams, maxFeatures int) jobs.Tool {
	return &odMatrixTool{deps: deps, job: job, params: params, maxCount: maxFeatures}
}

func (t *odMatrixTool) JobType() domain.JobType { return domain.JobTypeOriginDestination }

func (t *odMatrixTool) Steps() []jobs.Step {
	return []jobs.Step{
		{Name: "resolve", Run: t.resolve},
		{Name: "stage", Run: t.stage},
		{Name: "compute", Run: t.compute},
	}
}

func (t *odMatrixTool) Cleanup(ctx context.Context) error {
	var firstErr error
	if t.tt != nil {
		firstErr = t.tt.Cleanup(ctx)
	}
	if !t.completed {
		for _, layer := range t.createdLayers {
			if err := t.deps.Layers.Delete(ctx, layer.ID); err != nil {
				log.Printf("[tools] failed to remove incomplete result layer %s: %v", layer.ID, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func (t *odMatrixTool) resolve(ctx context.Context) error {
	if err := t.params.Validate(); err != nil {
		return err
	}

	geometry, err := t.deps.Resolver.Resolve(ctx, t.params.GeometryLayerProjectID,
		[]domain.LayerType{domain.LayerTypeFeature},
		[]domain.FeatureGeometryType{domain.GeometryPoint, domain.GeometryPolygon})
	if err != nil {
		return err
	}
	t.geometry = geometry

	matrix, err := t.deps.Resolver.Resolve(ctx, t.params.MatrixLayerProjectID,
		[]domain.LayerType{domain.LayerTypeTable}, nil)
	if err != nil {
		return err
	}
	t.matrix = matrix

	if _, err := t.deps.Resolver.CheckFeatureCount(ctx, geometry, t.maxCount); err != nil {
		return err
	}
	if _, err := t.deps.Resolver.CheckFeatureCount(ctx, matrix, t.maxCount); err != nil {
		return err
	}

	uidSlot, uidFamily, err := resolveSlot(geometry, t.params.UniqueIDColumn)
	if err != nil {
		return err
	}
	originSlot, originFamily, err := resolveSlot(matrix, t.params.OriginColumn)
	if err != nil {
		return err
	}
	destSlot, destFamily, err := resolveSlot(matrix, t.params.DestinationColumn)
	if err != nil {
		return err
	}
	// The matrix relates zones by id equality, so all three id columns must
	// share one storage family or the joins silently miss.
	if originFamily != uidFamily || destFamily != uidFamily {
		return fmt.Errorf("%w: unique id is %s but matrix columns are %s/%s",
			domain.ErrColumnTypeMismatch, uidFamily, originFamily, destFamily)
	}

	weightSlot, weightFamily, err := resolveSlot(matrix, t.params.WeightColumn)
	if err != nil {
		return err
	}
	if !weightFamily.IsNumeric() {
		return fmt.Errorf("%w: weight column %s is %s, needs a numeric column",
			domain.ErrColumnTypeMismatch, t.params.WeightColumn, weightFamily)
	}

	t.uidSlot, t.originSlot, t.destSlot, t.weightSlot = uidSlot, originSlot, destSlot, weightSlot
	return nil
}

func (t *odMatrixTool) stage(ctx context.Context) error {
	t.tt = NewTempTables(t.deps.Exec, t.job)

	geomTable, err := t.tt.CreatePlainCopy(ctx, "zone_geom", t.geometry)
	if err != nil {
		return err
	}
	if err := t.tt.CreateIndex(ctx, geomTable, t.uidSlot); err != nil {
		return err
	}
	t.geomTable = geomTable

	matrixTable, err := t.tt.CreatePlainCopy(ctx, "od_matrix", t.matrix)
	if err != nil {
		return err
	}
	if err := t.tt.CreateIndex(ctx, matrixTable, t.originSlot); err != nil {
		return err
	}
	if err := t.tt.CreateIndex(ctx, matrixTable, t.destSlot); err != nil {
		return err
	}
	t.matrixTable = matrixTable
	return nil
}

func (t *odMatrixTool) compute(ctx context.Context) error {
	uidFamily, err := t.geometry.Layer.AttributeMapping.SlotFamily(t.uidSlot)
	if err != nil {
		return err
	}

	name := t.params.OutputLayerName
	if name == "" {
		name = defaultLayerName(t.JobType())
	}

	// Relation lines between origin and destination centroids.
	relationMapping := domain.AttributeMapping{}
	relOriginSlot := relationMapping.Add(uidFamily, t.params.OriginColumn)
	relDestSlot := relationMapping.Add(uidFamily, t.params.DestinationColumn)
	relWeightSlot := relationMapping.Add(domain.FieldFamilyFloat, t.params.WeightColumn)

	relationLayer, err := t.registerLayer(ctx, name+" Relations", domain.GeometryLine, relationMapping)
	if err != nil {
		return err
	}
	relationSQL := fmt.Sprintf(
		`INSERT INTO %s (layer_id, geom, %s, %s, %s)
		SELECT $1, ST_MAKELINE(ST_CENTROID(o.geom), ST_CENTROID(d.geom)), m.%[5]s, m.%[6]s, SUM(m.%[7]s)::float
		FROM %[8]s m
		JOIN %[9]s o ON o.%[10]s = m.%[5]s
		JOIN %[9]s d ON d.%[10]s = m.%[6]s
		GROUP BY m.%[5]s, m.%[6]s, o.geom, d.geom`,
		domain.UserTableName(domain.GeometryLine, t.job.UserID),
		relOriginSlot, relDestSlot, relWeightSlot,
		t.originSlot, t.destSlot, t.weightSlot,
		t.matrixTable, t.geomTable, t.uidSlot)
	if _, err := t.deps.Exec.Exec(ctx, relationSQL, relationLayer.ID); err != nil {
		return fmt.Errorf("write relation results: %w", err)
	}

	// Weighted destination points. The weight slot probes past the unique id
	// slot when both land in the same family.
	pointMapping := domain.AttributeMapping{}
	pointUIDSlot := pointMapping.Add(uidFamily, t.params.UniqueIDColumn)
	pointWeightSlot := pointMapping.Add(domain.FieldFamilyFloat, t.params.WeightColumn)

	pointLayer, err := t.registerLayer(ctx, name+" Destinations", domain.GeometryPoint, pointMapping)
	if err != nil {
		return err
	}
	pointSQL := fmt.Sprintf(
		`INSERT INTO %s (layer_id, geom, %s, %s)
		SELECT $1, ST_CENTROID(d.geom), m.%[4]s, SUM(m.%[5]s)::float
		FROM %[6]s m
		JOIN %[7]s d ON d.%[8]s = m.%[4]s
		GROUP BY m.%[4]s, d.geom`,
		domain.UserTableName(domain.GeometryPoint, t.job.UserID),
		pointUIDSlot, pointWeightSlot,
		t.destSlot, t.weightSlot,
		t.matrixTable, t.geomTable, t.uidSlot)
	if _, err := t.deps.Exec.Exec(ctx, pointSQL, pointLayer.ID); err != nil {
		return fmt.Errorf("write destination results: %w", err)
	}

	if t.deps.GeoAPI != nil {
		for _, layer := range []domain.Layer{relationLayer, pointLayer} {
			if err := t.deps.GeoAPI.WaitForCollection(ctx, CollectionID(layer.ID)); err != nil {
				return fmt.Errorf("result collection for layer %s never became reachable: %w", layer.ID, err)
			}
		}
	}
	t.completed = true
	return nil
}

func (t *odMatrixTool) registerLayer(ctx context.Context, name string, geometry domain.FeatureGeometryType, mapping domain.AttributeMapping) (domain.Layer, error) {
	if err := t.deps.Layers.EnsureUserTable(ctx, geometry, t.job.UserID); err != nil {
		return domain.Layer{}, err
	}
	layer, err := t.deps.Layers.Create(ctx, domain.NewToolLayer(t.job.UserID, name, t.JobType(), geometry, mapping))
	if err != nil {
		return domain.Layer{}, fmt.Errorf("register result layer: %w", err)
	}
	t.createdLayers = append(t.createdLayers, layer)
	if t.job.ProjectID != nil {
		if _, err := t.deps.LayerProjects.CreateForLayer(ctx, *t.job.ProjectID, layer); err != nil {
			return domain.Layer{}, err
		}
	}
	return layer, nil
}

// resolveSlot maps a user-facing column through a layer's attribute mapping
// and returns the validated slot with its family.
func resolveSlot(lp domain.LayerProject, column string) (string, domain.FieldFamily, error) {
	slot, ok := lp.Layer.AttributeMapping.SlotFor(column)
	if !ok {
		return "", "", fmt.Errorf("%w: %s on layer %s", domain.ErrColumnNotFound, column, lp.Layer.Name)
	}
	family, err := lp.Layer.AttributeMapping.SlotFamily(slot)
	if err != nil {
		return "", "", err
	}
	if err := ValidateIdentifier(slot); err != nil {
		return "", "", err
	}
	return slot, family, nil
}
