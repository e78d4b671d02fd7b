package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/goat-community/goat-core/internal/db"
	"github.com/goat-community/goat-core/internal/domain"
)

type layerRepository struct {
	conn db.DBTX
}

// NewLayerRepository wires a repository for the layer catalog.
func NewLayerRepository(conn db.DBTX) LayerRepository {
	return &layerRepository{conn: conn}
}

func (r *layerRepository) Create(ctx context.Context, layer domain.Layer) (domain.Layer, error) {
	if layer.ID == uuid.Nil {
		layer.ID = uuid.New()
	}

	mappingJSON, err := json.Marshal(layer.AttributeMapping)
	if err != nil {
		return domain.Layer{}, fmt.Errorf("marshal attribute mapping: %w", err)
	}

	featureLayerType := pgtype.Text{}
	if layer.FeatureLayerType != nil {
		featureLayerType = pgtype.Text{String: string(*layer.FeatureLayerType), Valid: true}
	}
	geometryType := pgtype.Text{}
	if layer.GeometryType != nil {
		geometryType = pgtype.Text{String: string(*layer.GeometryType), Valid: true}
	}
	toolType := pgtype.Text{}
	if layer.ToolType != nil {
		toolType = pgtype.Text{String: string(*layer.ToolType), Valid: true}
	}

	if _, err := r.conn.Exec(ctx, `
		INSERT INTO customer.layer
			(id, user_id, name, type, feature_layer_type, feature_layer_geometry_type, tool_type, attribute_mapping)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		layer.ID, layer.UserID, layer.Name, string(layer.Type),
		featureLayerType, geometryType, toolType, mappingJSON,
	); err != nil {
		return domain.Layer{}, fmt.Errorf("insert layer: %w", err)
	}

	return r.GetByID(ctx, layer.ID)
}

func (r *layerRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Layer, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT id, user_id, name, type, feature_layer_type, feature_layer_geometry_type,
			tool_type, attribute_mapping, created_at, updated_at
		FROM customer.layer
		WHERE id = $1`, id)
	layer, err := scanLayer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Layer{}, domain.ErrLayerNotFound
		}
		return domain.Layer{}, err
	}
	return layer, nil
}

func (r *layerRepository) Delete(ctx context.Context, id uuid.UUID) error {
	layer, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	// Feature rows in the shared storage table go first so the catalog never
	// points at orphaned data.
	if table, tableErr := layer.TableName(); tableErr == nil {
		if _, err := r.conn.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE layer_id = $1`, table), id); err != nil {
			return fmt.Errorf("delete layer rows: %w", err)
		}
	}
	if _, err := r.conn.Exec(ctx, `DELETE FROM customer.layer WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete layer: %w", err)
	}
	return nil
}

// slotLayout fixes the generic attribute columns every shared storage table
// carries. Tools allocate result columns out of this pool.
var slotLayout = []struct {
	family domain.FieldFamily
	pgType string
	count  int
}{
	{domain.FieldFamilyText, "TEXT", 20},
	{domain.FieldFamilyInteger, "INTEGER", 15},
	{domain.FieldFamilyBigint, "BIGINT", 5},
	{domain.FieldFamilyFloat, "DOUBLE PRECISION", 15},
	{domain.FieldFamilyJSONB, "JSONB", 3},
	{domain.FieldFamilyTimestamp, "TIMESTAMPTZ", 3},
	{domain.FieldFamilyBoolean, "BOOLEAN", 3},
}

func (r *layerRepository) EnsureUserTable(ctx context.Context, geometry domain.FeatureGeometryType, userID uuid.UUID) error {
	table := domain.UserTableName(geometry, userID)

	var columns strings.Builder
	for _, layout := range slotLayout {
		for n := 1; n <= layout.count; n++ {
			fmt.Fprintf(&columns, ",\n\t%s_attr%d %s", layout.family, n, layout.pgType)
		}
	}

	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			layer_id UUID NOT NULL,
			geom GEOMETRY NOT NULL%s
		)`, table, columns.String())
	if _, err := r.conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure user table %s: %w", table, err)
	}

	shortName := table[strings.IndexByte(table, '.')+1:]
	if _, err := r.conn.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_layer_id ON %s (layer_id)`, shortName, table,
	)); err != nil {
		return fmt.Errorf("ensure layer index on %s: %w", table, err)
	}
	if _, err := r.conn.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%s_geom ON %s USING GIST (geom)`, shortName, table,
	)); err != nil {
		return fmt.Errorf("ensure geometry index on %s: %w", table, err)
	}
	return nil
}

func scanLayer(row rowScanner) (domain.Layer, error) {
	var (
		layer            domain.Layer
		layerType        string
		featureLayerType pgtype.Text
		geometryType     pgtype.Text
		toolType         pgtype.Text
		mappingJSON      []byte
	)
	if err := row.Scan(
		&layer.ID, &layer.UserID, &layer.Name, &layerType, &featureLayerType,
		&geometryType, &toolType, &mappingJSON, &layer.CreatedAt, &layer.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Layer{}, pgx.ErrNoRows
		}
		return domain.Layer{}, fmt.Errorf("scan layer: %w", err)
	}

	layer.Type = domain.LayerType(layerType)
	if featureLayerType.Valid {
		value := domain.FeatureLayerType(featureLayerType.String)
		layer.FeatureLayerType = &value
	}
	if geometryType.Valid {
		value := domain.FeatureGeometryType(geometryType.String)
		layer.GeometryType = &value
	}
	if toolType.Valid {
		value := domain.JobType(toolType.String)
		layer.ToolType = &value
	}
	if len(mappingJSON) > 0 {
		if err := json.Unmarshal(mappingJSON, &layer.AttributeMapping); err != nil {
			return domain.Layer{}, fmt.Errorf("unmarshal attribute mapping: %w", err)
		}
	}
	if layer.AttributeMapping == nil {
		layer.AttributeMapping = domain.AttributeMapping{}
	}
	return layer, nil
}
