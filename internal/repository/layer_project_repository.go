package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/goat-community/goat-core/internal/db"
	"github.com/goat-community/goat-core/internal/domain"
)

type layerProjectRepository struct {
	conn   db.DBTX
	layers LayerRepository
}

// NewLayerProjectRepository wires a repository for layers bound into
// projects.
func NewLayerProjectRepository(conn db.DBTX, layers LayerRepository) LayerProjectRepository {
	return &layerProjectRepository{conn: conn, layers: layers}
}

func (r *layerProjectRepository) GetByID(ctx context.Context, id int) (domain.LayerProject, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT id, layer_id, project_id, name, where_query
		FROM customer.layer_project
		WHERE id = $1`, id)

	var (
		lp         domain.LayerProject
		whereQuery pgtype.Text
	)
	if err := row.Scan(&lp.ID, &lp.LayerID, &lp.ProjectID, &lp.Name, &whereQuery); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LayerProject{}, domain.ErrLayerNotFound
		}
		return domain.LayerProject{}, fmt.Errorf("get layer project: %w", err)
	}
	if whereQuery.Valid {
		lp.WhereQuery = whereQuery.String
	}

	layer, err := r.layers.GetByID(ctx, lp.LayerID)
	if err != nil {
		return domain.LayerProject{}, err
	}
	lp.Layer = layer
	return lp, nil
}

func (r *layerProjectRepository) CreateForLayer(ctx context.Context, projectID uuid.UUID, layer domain.Layer) (domain.LayerProject, error) {
	var id int
	if err := r.conn.QueryRow(ctx, `
		INSERT INTO customer.layer_project (layer_id, project_id, name)
		VALUES ($1, $2, $3)
		RETURNING id`,
		layer.ID, projectID, layer.Name,
	).Scan(&id); err != nil {
		return domain.LayerProject{}, fmt.Errorf("bind layer into project: %w", err)
	}
	return domain.LayerProject{
		ID:        id,
		LayerID:   layer.ID,
		ProjectID: projectID,
		Name:      layer.Name,
		Layer:     layer,
	}, nil
}
