package tools

import (
	"context"
	"fmt"
	"log"

	"github.com/goat-community/goat-core/internal/domain"
	"github.com/goat-community/goat-core/internal/jobs"
	"github.com/goat-community/goat-core/internal/routing"
)

// geofenceBatchSize caps how many starting points one validation or insert
// statement carries.
const geofenceBatchSize = 500

// IsochroneRouter computes reachable areas for staged starting points.
type IsochroneRouter interface {
	ComputeIsochrones(ctx context.Context, req routing.IsochroneRequest) ([]routing.IsochroneFeature, error)
}

// geofenceTables maps routing modes onto the service-area table their
// starting points must intersect.
var geofenceTables = map[string]string{
	"walking":          "basic.geofence_active_mobility",
	"bicycle":          "basic.geofence_active_mobility",
	"pedelec":          "basic.geofence_active_mobility",
	"public_transport": "basic.geofence_pt",
	"car":              "basic.geofence_pt",
}

// StartingPoints carries either literal coordinates or a reference to an
// existing point layer, never both.
type StartingPoints struct {
	Latitude       []float64 `json:"latitude,omitempty"`
	Longitude      []float64 `json:"longitude,omitempty"`
	LayerProjectID *int      `json:"layer_project_id,omitempty"`
}

// IsochroneParams is the request payload of the isochrone tool.
type IsochroneParams struct {
	StartingPoints  StartingPoints     `json:"starting_points"`
	RoutingMode     string             `json:"routing_mode"`
	TravelCost      routing.TravelCost `json:"travel_cost"`
	OutputLayerName string             `json:"output_layer_name,omitempty"`
}

func (p IsochroneParams) Validate() error {
	hasCoords := len(p.StartingPoints.Latitude) > 0 || len(p.StartingPoints.Longitude) > 0
	hasLayer := p.StartingPoints.LayerProjectID != nil
	if hasCoords == hasLayer {
		return fmt.Errorf("%w: provide either coordinates or a starting point layer", domain.ErrValidation)
	}
	if hasCoords && len(p.StartingPoints.Latitude) != len(p.StartingPoints.Longitude) {
		return fmt.Errorf("%w: latitude and longitude counts differ", domain.ErrValidation)
	}
	if _, ok := geofenceTables[p.RoutingMode]; !ok {
		return fmt.Errorf("%w: unknown routing mode %q", domain.ErrValidation, p.RoutingMode)
	}
	if p.TravelCost.MaxTraveltime <= 0 || p.TravelCost.Steps <= 0 {
		return fmt.Errorf("%w: travel cost needs a positive max traveltime and step count", domain.ErrValidation)
	}
	return nil
}

// isochroneTool stages validated starting points and turns the routing
// engine's reachable areas into a result layer.
type isochroneTool struct {
	deps      Deps
	router    IsochroneRouter
	job       domain.Job
	params    IsochroneParams
	maxPoints int

	lat, lon []float64

	createdLayers []domain.Layer
	completed     bool
}

// NewIsochrone builds the isochrone tool for a job.
func NewIsochrone(deps Deps, router IsochroneRouter, job domain.Job, params IsochroneParams, maxPoints int) jobs.Tool {
	return &isochroneTool{deps: deps, router: router, job: job, params: params, maxPoints: maxPoints}
}

func (t *isochroneTool) JobType() domain.JobType { return domain.JobTypeIsochrone }

func (t *isochroneTool) Steps() []jobs.Step {
	return []jobs.Step{
		{Name: "validate", Run: t.validate},
		{Name: "stage", Run: t.stage},
		{Name: "route", Run: t.route},
	}
}

func (t *isochroneTool) Cleanup(ctx context.Context) error {
	var firstErr error
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

func (t *isochroneTool) validate(ctx context.Context) error {
	if err := t.params.Validate(); err != nil {
		return err
	}

	if t.params.StartingPoints.LayerProjectID != nil {
		lp, err := t.deps.Resolver.Resolve(ctx, *t.params.StartingPoints.LayerProjectID,
			[]domain.LayerType{domain.LayerTypeFeature},
			[]domain.FeatureGeometryType{domain.GeometryPoint})
		if err != nil {
			return err
		}
		if _, err := t.deps.Resolver.CheckFeatureCount(ctx, lp, t.maxPoints); err != nil {
			return err
		}
		lat, lon, err := t.loadLayerPoints(ctx, lp)
		if err != nil {
			return err
		}
		t.lat, t.lon = lat, lon
		return nil
	}

	if t.maxPoints > 0 && len(t.params.StartingPoints.Latitude) > t.maxPoints {
		return fmt.Errorf("%w: %d starting points, the tool allows %d",
			domain.ErrResourceLimitExceeded, len(t.params.StartingPoints.Latitude), t.maxPoints)
	}
	t.lat = t.params.StartingPoints.Latitude
	t.lon = t.params.StartingPoints.Longitude
	return nil
}

// stage validates the coordinate batches against the geofence before any row
// is written, failing on the first batch with points outside the service
// area, then inserts the accepted points under a fresh starting point layer.
// Referenced layers already live in storage and skip both.
func (t *isochroneTool) stage(ctx context.Context) error {
	if t.params.StartingPoints.LayerProjectID != nil {
		return nil
	}

	fence := geofenceTables[t.params.RoutingMode]
	for start := 0; start < len(t.lat); start += geofenceBatchSize {
		end := min(start+geofenceBatchSize, len(t.lat))
		count, err := t.countOutsideGeofence(ctx, fence, t.lat[start:end], t.lon[start:end])
		if err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %d point(s) outside the %s service area",
				domain.ErrOutOfServiceArea, count, t.params.RoutingMode)
		}
	}

	layer, err := t.registerLayer(ctx, "Starting Points", domain.GeometryPoint, domain.AttributeMapping{})
	if err != nil {
		return err
	}
	table := domain.UserTableName(domain.GeometryPoint, t.job.UserID)
	for start := 0; start < len(t.lat); start += geofenceBatchSize {
		end := min(start+geofenceBatchSize, len(t.lat))
		if _, err := t.deps.Exec.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (layer_id, geom)
			SELECT $1, ST_SETSRID(ST_MAKEPOINT(lon, lat), 4326)
			FROM UNNEST($2::float8[], $3::float8[]) AS t(lon, lat)`, table),
			layer.ID, t.lon[start:end], t.lat[start:end],
		); err != nil {
			return fmt.Errorf("write starting points: %w", err)
		}
	}
	return nil
}

func (t *isochroneTool) route(ctx context.Context) error {
	features, err := t.router.ComputeIsochrones(ctx, routing.IsochroneRequest{
		RoutingMode: t.params.RoutingMode,
		Latitude:    t.lat,
		Longitude:   t.lon,
		TravelCost:  t.params.TravelCost,
	})
	if err != nil {
		return err
	}
	if len(features) == 0 {
		return fmt.Errorf("routing engine returned no reachable areas")
	}

	name := t.params.OutputLayerName
	if name == "" {
		name = defaultLayerName(t.JobType())
	}
	mapping := domain.AttributeMapping{}
	costSlot := mapping.Add(domain.FieldFamilyInteger, "travel_cost")

	layer, err := t.registerLayer(ctx, name, domain.GeometryPolygon, mapping)
	if err != nil {
		return err
	}
	table := domain.UserTableName(domain.GeometryPolygon, t.job.UserID)
	insertSQL := fmt.Sprintf(
		`INSERT INTO %s (layer_id, geom, %s)
		VALUES ($1, ST_SETSRID(ST_GeomFromGeoJSON($2), 4326), $3)`, table, costSlot)
	for _, feature := range features {
		if _, err := t.deps.Exec.Exec(ctx, insertSQL, layer.ID, string(feature.Geometry), feature.TravelCost); err != nil {
			return fmt.Errorf("write isochrone results: %w", err)
		}
	}

	if t.deps.GeoAPI != nil {
		if err := t.deps.GeoAPI.WaitForCollection(ctx, CollectionID(layer.ID)); err != nil {
			return fmt.Errorf("result collection for layer %s never became reachable: %w", layer.ID, err)
		}
	}
	t.completed = true
	return nil
}

// countOutsideGeofence reports how many of the batch's points miss the
// service area entirely.
func (t *isochroneTool) countOutsideGeofence(ctx context.Context, fence string, lat, lon []float64) (int, error) {
	if err := ValidateQualified(fence); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(
		`WITH points AS (
			SELECT ST_SETSRID(ST_MAKEPOINT(lon, lat), 4326) AS geom
			FROM UNNEST($1::float8[], $2::float8[]) AS t(lon, lat)
		)
		SELECT COUNT(*) FROM points p
		WHERE NOT EXISTS (
			SELECT 1 FROM %s f WHERE ST_INTERSECTS(p.geom, f.geom)
		)`, fence)
	var count int
	if err := t.deps.Exec.QueryRow(ctx, query, lon, lat).Scan(&count); err != nil {
		return 0, fmt.Errorf("check geofence: %w", err)
	}
	return count, nil
}

func (t *isochroneTool) loadLayerPoints(ctx context.Context, lp domain.LayerProject) ([]float64, []float64, error) {
	table, err := lp.TableName()
	if err != nil {
		return nil, nil, err
	}
	if err := ValidateQualified(table); err != nil {
		return nil, nil, err
	}
	query := fmt.Sprintf("SELECT ST_Y(geom), ST_X(geom) FROM %s WHERE layer_id = $1", table)
	rows, err := t.deps.Exec.Query(ctx, query, lp.LayerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load starting points: %w", err)
	}
	defer rows.Close()

	var lat, lon []float64
	for rows.Next() {
		var y, x float64
		if err := rows.Scan(&y, &x); err != nil {
			return nil, nil, fmt.Errorf("scan starting point: %w", err)
		}
		lat = append(lat, y)
		lon = append(lon, x)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("load starting points: %w", err)
	}
	if len(lat) == 0 {
		return nil, nil, fmt.Errorf("%w: starting point layer %s is empty", domain.ErrValidation, lp.Layer.Name)
	}
	return lat, lon, nil
}

func (t *isochroneTool) registerLayer(ctx context.Context, name string, geometry domain.FeatureGeometryType, mapping domain.AttributeMapping) (domain.Layer, error) {
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

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
