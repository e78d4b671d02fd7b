package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/goat-community/goat-core/internal/domain"
)

type execCall struct {
	sql  string
	args []any
}

// stubExec records every statement and answers QueryRow scans from a queue
// of prepared values.
type stubExec struct {
	mu        sync.Mutex
	execs     []execCall
	execErr   error
	rowValues [][]any
	rowErr    error
	queries   []execCall
}

func (s *stubExec) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs = append(s.execs, execCall{sql: sql, args: args})
	return pgconn.CommandTag{}, s.execErr
}

func (s *stubExec) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("query not supported by stub")
}

func (s *stubExec) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, execCall{sql: sql, args: args})
	if s.rowErr != nil {
		return stubRow{err: s.rowErr}
	}
	if len(s.rowValues) == 0 {
		return stubRow{values: []any{0}}
	}
	values := s.rowValues[0]
	s.rowValues = s.rowValues[1:]
	return stubRow{values: values}
}

func (s *stubExec) executed() []execCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execCall(nil), s.execs...)
}

func (s *stubExec) queried() []execCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execCall(nil), s.queries...)
}

type stubRow struct {
	values []any
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		if i >= len(r.values) {
			break
		}
		switch target := d.(type) {
		case *int:
			*target = r.values[i].(int)
		case *float64:
			*target = r.values[i].(float64)
		case *string:
			*target = r.values[i].(string)
		default:
			return fmt.Errorf("stub row cannot scan into %T", d)
		}
	}
	return nil
}

// stubLayerProjects serves layer bindings from a map.
type stubLayerProjects struct {
	byID    map[int]domain.LayerProject
	created []domain.LayerProject
}

func (s *stubLayerProjects) GetByID(ctx context.Context, id int) (domain.LayerProject, error) {
	lp, ok := s.byID[id]
	if !ok {
		return domain.LayerProject{}, domain.ErrLayerNotFound
	}
	return lp, nil
}

func (s *stubLayerProjects) CreateForLayer(ctx context.Context, projectID uuid.UUID, layer domain.Layer) (domain.LayerProject, error) {
	lp := domain.LayerProject{ID: len(s.created) + 1000, LayerID: layer.ID, ProjectID: projectID, Name: layer.Name, Layer: layer}
	s.created = append(s.created, lp)
	return lp, nil
}

// stubLayers records catalog writes.
type stubLayers struct {
	created []domain.Layer
	deleted []uuid.UUID
	ensured []string
}

func (s *stubLayers) Create(ctx context.Context, layer domain.Layer) (domain.Layer, error) {
	if layer.ID == uuid.Nil {
		layer.ID = uuid.New()
	}
	s.created = append(s.created, layer)
	return layer, nil
}

func (s *stubLayers) GetByID(ctx context.Context, id uuid.UUID) (domain.Layer, error) {
	for _, layer := range s.created {
		if layer.ID == id {
			return layer, nil
		}
	}
	return domain.Layer{}, domain.ErrLayerNotFound
}

func (s *stubLayers) Delete(ctx context.Context, id uuid.UUID) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *stubLayers) EnsureUserTable(ctx context.Context, geometry domain.FeatureGeometryType, userID uuid.UUID) error {
	s.ensured = append(s.ensured, domain.UserTableName(geometry, userID))
	return nil
}

func pointLayerProject(id int, userID uuid.UUID, mapping domain.AttributeMapping) domain.LayerProject {
	return featureLayerProject(id, userID, domain.GeometryPoint, mapping)
}

func featureLayerProject(id int, userID uuid.UUID, geometry domain.FeatureGeometryType, mapping domain.AttributeMapping) domain.LayerProject {
	geom := geometry
	return domain.LayerProject{
		ID:      id,
		LayerID: uuid.New(),
		Name:    fmt.Sprintf("layer-%d", id),
		Layer: domain.Layer{
			ID:               uuid.New(),
			UserID:           userID,
			Name:             fmt.Sprintf("layer-%d", id),
			Type:             domain.LayerTypeFeature,
			GeometryType:     &geom,
			AttributeMapping: mapping,
		},
	}
}

func tableLayerProject(id int, userID uuid.UUID, mapping domain.AttributeMapping) domain.LayerProject {
	return domain.LayerProject{
		ID:      id,
		LayerID: uuid.New(),
		Name:    fmt.Sprintf("table-%d", id),
		Layer: domain.Layer{
			ID:               uuid.New(),
			UserID:           userID,
			Name:             fmt.Sprintf("table-%d", id),
			Type:             domain.LayerTypeTable,
			AttributeMapping: mapping,
		},
	}
}

func containsSQL(calls []execCall, fragment string) bool {
	for _, call := range calls {
		if strings.Contains(call.sql, fragment) {
			return true
		}
	}
	return false
}
