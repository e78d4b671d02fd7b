package tools

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/goat-community/goat-core/internal/db"
	"github.com/goat-community/goat-core/internal/domain"
	"github.com/goat-community/goat-core/internal/jobs"
	"github.com/goat-community/goat-core/internal/repository"
)

// AreaType selects how aggregation zones are obtained.
const (
	AreaTypeFeature = "feature"
	AreaTypeH3Grid  = "h3_grid"
)

// CollectionWaiter blocks until a published result collection is reachable.
type CollectionWaiter interface {
	WaitForCollection(ctx context.Context, collectionID string) error
}

// Deps bundles what every tool needs to resolve, stage and compute.
type Deps struct {
	Exec          db.DBTX
	Resolver      *Resolver
	Layers        repository.LayerRepository
	LayerProjects repository.LayerProjectRepository
	GeoAPI        CollectionWaiter
}

// ColumnStatistics names the aggregate a tool computes over a source column.
type ColumnStatistics struct {
	Operation domain.StatisticsOperation `json:"operation"`
	Field     string                     `json:"field,omitempty"`
}

// AggregateParams is the request payload shared by point and polygon
// aggregation.
type AggregateParams struct {
	SourceLayerProjectID       int              `json:"source_layer_project_id"`
	AreaType                   string           `json:"area_type"`
	AggregationLayerProjectID  *int             `json:"aggregation_layer_project_id,omitempty"`
	H3Resolution               *int             `json:"h3_resolution,omitempty"`
	ColumnStatistics           ColumnStatistics `json:"column_statistics"`
	SourceGroupByField         []string         `json:"source_group_by_field,omitempty"`
	WeightedByIntersectingArea bool             `json:"weighted_by_intersecting_area,omitempty"`
	OutputLayerName            string           `json:"output_layer_name,omitempty"`
}

// Validate checks the request shape before a job is created.
func (p AggregateParams) Validate() error {
	switch p.AreaType {
	case AreaTypeFeature:
		if p.AggregationLayerProjectID == nil {
			return fmt.Errorf("%w: feature area needs an aggregation layer", domain.ErrValidation)
		}
	case AreaTypeH3Grid:
		if p.H3Resolution == nil {
			return fmt.Errorf("%w: h3 grid area needs a resolution", domain.ErrValidation)
		}
		if *p.H3Resolution < 3 || *p.H3Resolution > 10 {
			return fmt.Errorf("%w: h3 resolution %d out of range [3,10]", domain.ErrValidation, *p.H3Resolution)
		}
	default:
		return fmt.Errorf("%w: unknown area type %q", domain.ErrValidation, p.AreaType)
	}
	if p.ColumnStatistics.Operation == "" {
		return fmt.Errorf("%w: column statistics operation is required", domain.ErrValidation)
	}
	return nil
}

// aggregateTool aggregates a point or polygon source layer into zones. The
// zones are either the polygons of a second layer or an H3 grid derived
// from the source.
type aggregateTool struct {
	deps     Deps
	job      domain.Job
	params   AggregateParams
	geometry domain.FeatureGeometryType
	maxCount int

	tt          *TempTables
	source      domain.LayerProject
	zones       *domain.LayerProject
	statsColumn string
	groupSlots  []string
	sourceTable string
	zoneTable   string

	result        domain.Layer
	resultCreated bool
	completed     bool
}

// NewAggregatePoint builds the point aggregation tool for a job.
func NewAggregatePoint(deps Deps, job domain.Job, params AggregateParams, maxFeatures int) jobs.Tool {
	return &aggregateTool{deps: deps, job: job, params: params, geometry: domain.GeometryPoint, maxCount: maxFeatures}
}

// NewAggregatePolygon builds the polygon aggregation tool for a job.
func NewAggregatePolygon(deps Deps, job domain.Job, params AggregateParams, maxFeatures int) jobs.Tool {
	return &aggregateTool{deps: deps, job: job, params: params, geometry: domain.GeometryPolygon, maxCount: maxFeatures}
}

func (t *aggregateTool) JobType() domain.JobType {
	if t.geometry == domain.GeometryPolygon {
		return domain.JobTypeAggregatePolygon
	}
	return domain.JobTypeAggregatePoint
}

func (t *aggregateTool) Steps() []jobs.Step {
	return []jobs.Step{
		{Name: "resolve", Run: t.resolve},
		{Name: "stage", Run: t.stage},
		{Name: "compute", Run: t.compute},
	}
}

// Cleanup drops the job's scratch tables and removes a half-registered
// result layer when the job did not finish.
func (t *aggregateTool) Cleanup(ctx context.Context) error {
	var firstErr error
	if t.tt != nil {
		firstErr = t.tt.Cleanup(ctx)
	}
	if t.resultCreated && !t.completed {
		if err := t.deps.Layers.Delete(ctx, t.result.ID); err != nil {
			log.Printf("[tools] failed to remove incomplete result layer %s: %v", t.result.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *aggregateTool) resolve(ctx context.Context) error {
	if err := t.params.Validate(); err != nil {
		return err
	}
	if t.params.WeightedByIntersectingArea {
		if t.geometry != domain.GeometryPolygon {
			return fmt.Errorf("%w: area weighting needs a polygon source", domain.ErrValidation)
		}
		op := t.params.ColumnStatistics.Operation
		if op != domain.OperationCount && op != domain.OperationSum {
			return fmt.Errorf("%w: area weighting supports count and sum, not %s", domain.ErrValidation, op)
		}
	}

	source, err := t.deps.Resolver.Resolve(ctx, t.params.SourceLayerProjectID,
		[]domain.LayerType{domain.LayerTypeFeature},
		[]domain.FeatureGeometryType{t.geometry})
	if err != nil {
		return err
	}
	t.source = source

	if _, err := t.deps.Resolver.CheckFeatureCount(ctx, source, t.maxCount); err != nil {
		return err
	}

	column, err := ResolveStatisticsColumn(source, t.params.ColumnStatistics.Operation, t.params.ColumnStatistics.Field)
	if err != nil {
		return err
	}
	t.statsColumn = column

	t.groupSlots = t.groupSlots[:0]
	for _, field := range t.params.SourceGroupByField {
		slot, ok := source.Layer.AttributeMapping.SlotFor(field)
		if !ok {
			return fmt.Errorf("%w: group field %s on layer %s", domain.ErrColumnNotFound, field, source.Layer.Name)
		}
		if err := ValidateIdentifier(slot); err != nil {
			return err
		}
		t.groupSlots = append(t.groupSlots, slot)
	}

	if t.params.AreaType == AreaTypeFeature {
		zones, err := t.deps.Resolver.Resolve(ctx, *t.params.AggregationLayerProjectID,
			[]domain.LayerType{domain.LayerTypeFeature},
			[]domain.FeatureGeometryType{domain.GeometryPolygon})
		if err != nil {
			return err
		}
		if _, err := t.deps.Resolver.CheckFeatureCount(ctx, zones, t.maxCount); err != nil {
			return err
		}
		t.zones = &zones
	}
	return nil
}

func (t *aggregateTool) stage(ctx context.Context) error {
	t.tt = NewTempTables(t.deps.Exec, t.job)

	sourceTable, err := t.tt.CreateSourceCopy(ctx, "source", t.source)
	if err != nil {
		return err
	}
	t.sourceTable = sourceTable

	if t.zones != nil {
		zoneTable, err := t.tt.CreateSourceCopy(ctx, "zone", *t.zones)
		if err != nil {
			return err
		}
		t.zoneTable = zoneTable
	}
	return nil
}

func (t *aggregateTool) compute(ctx context.Context) error {
	statsExpr, err := t.statsExpression()
	if err != nil {
		return err
	}

	totalTable, err := t.tt.CreateAs(ctx, "total_stats", t.buildTotalStatsSQL(statsExpr))
	if err != nil {
		return err
	}
	if err := t.tt.CreateIndex(ctx, totalTable, "zone_id"); err != nil {
		return err
	}

	groupedTable := ""
	if len(t.groupSlots) > 0 {
		groupedTable, err = t.tt.CreateAs(ctx, "grouped_stats", t.buildGroupedStatsSQL(statsExpr))
		if err != nil {
			return err
		}
		if err := t.tt.CreateIndex(ctx, groupedTable, "zone_id"); err != nil {
			return err
		}
	}

	mapping, totalSlot, groupedSlot, zoneSlots := t.resultMapping()

	name := t.params.OutputLayerName
	if name == "" {
		name = defaultLayerName(t.JobType())
	}
	layer, err := t.registerResultLayer(ctx, name, domain.GeometryPolygon, mapping)
	if err != nil {
		return err
	}

	insertSQL := buildCombineSQL(combineSpec{
		ResultTable:  domain.UserTableName(domain.GeometryPolygon, t.job.UserID),
		ZoneTable:    t.zoneTable,
		TotalTable:   totalTable,
		GroupedTable: groupedTable,
		ZoneSlots:    zoneSlots,
		TotalSlot:    totalSlot,
		GroupedSlot:  groupedSlot,
		GridZones:    t.zones == nil,
	})
	if _, err := t.deps.Exec.Exec(ctx, insertSQL, layer.ID); err != nil {
		return fmt.Errorf("write aggregation results: %w", err)
	}

	if err := t.waitForCollection(ctx, layer); err != nil {
		return err
	}
	t.completed = true
	return nil
}

// statsExpression renders the aggregate over the qualified source column,
// applying area weighting on the polygon variant.
func (t *aggregateTool) statsExpression() (string, error) {
	column := qualifyColumn(t.statsColumn, "s")
	if !t.params.WeightedByIntersectingArea {
		return StatisticsExpression(t.params.ColumnStatistics.Operation, column)
	}

	ratio := fmt.Sprintf(
		"CASE WHEN ST_WITHIN(s.geom, %[1]s) THEN 1 ELSE ST_AREA(ST_INTERSECTION(s.geom, %[1]s)) / NULLIF(ST_AREA(s.geom), 0) END",
		t.zoneGeomExpr())
	switch t.params.ColumnStatistics.Operation {
	case domain.OperationCount:
		return fmt.Sprintf("SUM(%s)", ratio), nil
	case domain.OperationSum:
		return fmt.Sprintf("SUM(%s * %s)", column, ratio), nil
	default:
		return "", fmt.Errorf("%w: area weighting supports count and sum", domain.ErrValidation)
	}
}

// zoneGeomExpr is the zone geometry visible inside the stats queries.
func (t *aggregateTool) zoneGeomExpr() string {
	if t.zones != nil {
		return "z.geom"
	}
	return "ST_SETSRID(h3_cell_to_boundary_geometry(cell), 4326)"
}

// buildTotalStatsSQL renders the per-zone statistic. Zone joins align on the
// h3_3 coarse partition before the exact spatial predicate runs; the grid
// variant derives the zone directly from the source geometry.
func (t *aggregateTool) buildTotalStatsSQL(statsExpr string) string {
	rounded := fmt.Sprintf("ROUND((%s)::numeric, 6)", statsExpr)
	if t.zones != nil {
		return fmt.Sprintf(
			`SELECT z.id::text AS zone_id, %s AS total_stats
			FROM %s s
			JOIN %s z ON z.h3_3 = s.h3_3 AND ST_INTERSECTS(s.geom, z.geom)
			GROUP BY z.id`,
			rounded, t.sourceTable, t.zoneTable)
	}
	return fmt.Sprintf(
		`SELECT %s AS zone_id, %s AS total_stats
		FROM %s
		GROUP BY 1`,
		t.gridCellExpr(), rounded, t.gridFromClause())
}

// buildGroupedStatsSQL folds the per-group statistics of each zone into one
// JSONB object. The group key is the JSON encoding of the group column
// values, which stays unambiguous no matter what the values contain.
func (t *aggregateTool) buildGroupedStatsSQL(statsExpr string) string {
	rounded := fmt.Sprintf("ROUND((%s)::numeric, 6)", statsExpr)
	groupKey := groupKeyExpression(t.groupSlots, "s")
	var inner string
	if t.zones != nil {
		inner = fmt.Sprintf(
			`SELECT z.id::text AS zone_id, %s AS group_key, %s AS total_stats
			FROM %s s
			JOIN %s z ON z.h3_3 = s.h3_3 AND ST_INTERSECTS(s.geom, z.geom)
			GROUP BY z.id, group_key`,
			groupKey, rounded, t.sourceTable, t.zoneTable)
	} else {
		inner = fmt.Sprintf(
			`SELECT %s AS zone_id, %s AS group_key, %s AS total_stats
			FROM %s
			GROUP BY 1, group_key`,
			t.gridCellExpr(), groupKey, rounded, t.gridFromClause())
	}
	return fmt.Sprintf(
		`SELECT zone_id, JSONB_OBJECT_AGG(group_key, total_stats) AS grouped_stats
		FROM (%s) sub
		GROUP BY zone_id`, inner)
}

// gridFromClause enumerates the H3 cells each source feature touches. The
// polygon fill yields no cells for a polygon that covers no cell center, so
// it joins as LEFT JOIN LATERAL and falls back to the centroid cell. Every
// source feature lands in at least one zone.
func (t *aggregateTool) gridFromClause() string {
	res := *t.params.H3Resolution
	if t.geometry == domain.GeometryPolygon {
		return fmt.Sprintf(
			`%s s
			LEFT JOIN LATERAL h3_polygon_to_cells(s.geom::polygon, %d) AS filled(filled_cell) ON TRUE
			CROSS JOIN LATERAL (
				SELECT COALESCE(filled.filled_cell, h3_lat_lng_to_cell(ST_CENTROID(s.geom)::point, %d))
			) AS t(cell)`,
			t.sourceTable, res, res)
	}
	return fmt.Sprintf("%s s, LATERAL (SELECT h3_lat_lng_to_cell(ST_CENTROID(s.geom)::point, %d)) AS t(cell)",
		t.sourceTable, res)
}

func (t *aggregateTool) gridCellExpr() string {
	return "cell::text"
}

// resultMapping assembles the result layer's attribute mapping: the zone
// columns carried over (feature path) or the cell index (grid path), plus
// the statistics columns.
func (t *aggregateTool) resultMapping() (mapping domain.AttributeMapping, totalSlot, groupedSlot string, zoneSlots []string) {
	if t.zones != nil {
		mapping = t.zones.Layer.AttributeMapping.Clone()
		zoneSlots = mapping.SortedSlots()
	} else {
		mapping = domain.AttributeMapping{}
		zoneSlots = []string{mapping.Add(domain.FieldFamilyText, "h3_index")}
	}

	base := string(t.params.ColumnStatistics.Operation)
	if t.params.ColumnStatistics.Field != "" {
		base = domain.NormalizeColumnName(base + "_" + t.params.ColumnStatistics.Field)
	}
	totalSlot = mapping.Add(domain.FieldFamilyFloat, base)
	if len(t.groupSlots) > 0 {
		groupedSlot = mapping.Add(domain.FieldFamilyJSONB, base+"_grouped")
	}
	return mapping, totalSlot, groupedSlot, zoneSlots
}

func (t *aggregateTool) registerResultLayer(ctx context.Context, name string, geometry domain.FeatureGeometryType, mapping domain.AttributeMapping) (domain.Layer, error) {
	if err := t.deps.Layers.EnsureUserTable(ctx, geometry, t.job.UserID); err != nil {
		return domain.Layer{}, err
	}
	layer, err := t.deps.Layers.Create(ctx, domain.NewToolLayer(t.job.UserID, name, t.JobType(), geometry, mapping))
	if err != nil {
		return domain.Layer{}, fmt.Errorf("register result layer: %w", err)
	}
	t.result = layer
	t.resultCreated = true
	if t.job.ProjectID != nil {
		if _, err := t.deps.LayerProjects.CreateForLayer(ctx, *t.job.ProjectID, layer); err != nil {
			return domain.Layer{}, err
		}
	}
	return layer, nil
}

func (t *aggregateTool) waitForCollection(ctx context.Context, layer domain.Layer) error {
	if t.deps.GeoAPI == nil {
		return nil
	}
	collection := CollectionID(layer.ID)
	if err := t.deps.GeoAPI.WaitForCollection(ctx, collection); err != nil {
		return fmt.Errorf("result collection %s never became reachable: %w", collection, err)
	}
	return nil
}

// CollectionID names the published vector-tile collection of a layer.
func CollectionID(layerID uuid.UUID) string {
	return "user_data." + strings.ReplaceAll(layerID.String(), "-", "")
}

type combineSpec struct {
	ResultTable  string
	ZoneTable    string
	TotalTable   string
	GroupedTable string
	ZoneSlots    []string
	TotalSlot    string
	GroupedSlot  string
	// GridZones selects zone geometry reconstruction from the H3 index
	// instead of a staged zone table.
	GridZones bool
}

// buildCombineSQL renders the final INSERT ... SELECT that writes one result
// row per zone into the shared storage table. The layer id binds as $1. Both
// zone variants produce the same insert shape.
func buildCombineSQL(spec combineSpec) string {
	columns := []string{"layer_id", "geom"}
	columns = append(columns, spec.ZoneSlots...)
	columns = append(columns, spec.TotalSlot)
	if spec.GroupedSlot != "" {
		columns = append(columns, spec.GroupedSlot)
	}

	var selects []string
	var from string
	if spec.GridZones {
		selects = append(selects, "$1", "ST_SETSRID(h3_cell_to_boundary_geometry(t.zone_id::h3index), 4326)")
		for range spec.ZoneSlots {
			selects = append(selects, "t.zone_id")
		}
		from = fmt.Sprintf("%s t", spec.TotalTable)
	} else {
		selects = append(selects, "$1", "z.geom")
		for _, slot := range spec.ZoneSlots {
			selects = append(selects, "z."+slot)
		}
		from = fmt.Sprintf("%s z JOIN %s t ON t.zone_id = z.id::text", spec.ZoneTable, spec.TotalTable)
	}
	selects = append(selects, "t.total_stats")
	if spec.GroupedSlot != "" {
		selects = append(selects, "g.grouped_stats")
		from += fmt.Sprintf(" LEFT JOIN %s g ON g.zone_id = t.zone_id", spec.GroupedTable)
	}

	return fmt.Sprintf("INSERT INTO %s (%s)\nSELECT %s\nFROM %s",
		spec.ResultTable, strings.Join(columns, ", "), strings.Join(selects, ", "), from)
}

// groupKeyExpression encodes the group column values as a JSON array text.
// Unlike separator-joined strings, the JSON escaping keeps distinct value
// tuples distinct.
func groupKeyExpression(slots []string, alias string) string {
	parts := make([]string, len(slots))
	for i, slot := range slots {
		parts[i] = fmt.Sprintf("%s.%s::text", alias, slot)
	}
	return fmt.Sprintf("(TO_JSONB(ARRAY[%s]))::text", strings.Join(parts, ", "))
}

// qualifyColumn prefixes a bare slot with the table alias. Geometry pseudo
// expressions get their geom reference qualified instead.
func qualifyColumn(column, alias string) string {
	if column == "" {
		return ""
	}
	if strings.Contains(column, "(") {
		return strings.ReplaceAll(column, "geom", alias+".geom")
	}
	return alias + "." + column
}

func defaultLayerName(jobType domain.JobType) string {
	switch jobType {
	case domain.JobTypeAggregatePoint:
		return "Aggregation Point"
	case domain.JobTypeAggregatePolygon:
		return "Aggregation Polygon"
	case domain.JobTypeOriginDestination:
		return "O-D Matrix"
	case domain.JobTypeIsochrone:
		return "Isochrone"
	default:
		return "Tool Result"
	}
}
