package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LayerType separates geospatial feature layers from plain attribute tables.
type LayerType string

const (
	LayerTypeFeature LayerType = "feature"
	LayerTypeTable   LayerType = "table"
)

// FeatureGeometryType is the geometry class of a feature layer. It selects
// the shared storage table the layer's rows live in.
type FeatureGeometryType string

const (
	GeometryPoint   FeatureGeometryType = "point"
	GeometryLine    FeatureGeometryType = "line"
	GeometryPolygon FeatureGeometryType = "polygon"
)

// FeatureLayerType distinguishes user uploads from tool outputs.
type FeatureLayerType string

const (
	FeatureLayerStandard FeatureLayerType = "standard"
	FeatureLayerTool     FeatureLayerType = "tool"
)

// Layer is the catalog entry for a dataset. Rows of feature layers are
// stored in the shared per-user table named by TableName and tagged with the
// layer's ID.
type Layer struct {
	ID               uuid.UUID            `json:"id"`
	UserID           uuid.UUID            `json:"user_id"`
	Name             string               `json:"name"`
	Type             LayerType            `json:"type"`
	FeatureLayerType *FeatureLayerType    `json:"feature_layer_type,omitempty"`
	GeometryType     *FeatureGeometryType `json:"feature_layer_geometry_type,omitempty"`
	ToolType         *JobType             `json:"tool_type,omitempty"`
	AttributeMapping AttributeMapping     `json:"attribute_mapping,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// UserDataSchema is the Postgres schema holding the shared multi-tenant
// storage tables.
const UserDataSchema = "user_data"

// UserTableName derives the shared storage table for a geometry class and
// owner, e.g. user_data.point_0123abcd... The owner UUID loses its dashes
// because Postgres identifiers cannot carry them.
func UserTableName(geometry FeatureGeometryType, userID uuid.UUID) string {
	hex := strings.ReplaceAll(userID.String(), "-", "")
	return fmt.Sprintf("%s.%s_%s", UserDataSchema, geometry, hex)
}

// TableName returns the physical table holding the layer's rows. Table
// layers without geometry live in the per-user no_geometry table.
func (l Layer) TableName() (string, error) {
	hex := strings.ReplaceAll(l.UserID.String(), "-", "")
	switch {
	case l.Type == LayerTypeTable:
		return fmt.Sprintf("%s.no_geometry_%s", UserDataSchema, hex), nil
	case l.Type == LayerTypeFeature && l.GeometryType != nil:
		return UserTableName(*l.GeometryType, l.UserID), nil
	}
	return "", fmt.Errorf("layer %s has no storage table", l.ID)
}

// LayerProject is a layer bound into a project, carrying the in-project
// filter and presentation state. Tools resolve their inputs through it.
type LayerProject struct {
	ID         int       `json:"id"`
	LayerID    uuid.UUID `json:"layer_id"`
	ProjectID  uuid.UUID `json:"project_id"`
	Name       string    `json:"name"`
	WhereQuery string    `json:"where_query,omitempty"`
	Layer      Layer     `json:"layer"`
}

// TableName returns the physical table holding the bound layer's rows.
func (lp LayerProject) TableName() (string, error) {
	return lp.Layer.TableName()
}

// StatisticsOperation enumerates column aggregations tools can compute.
type StatisticsOperation string

const (
	OperationCount  StatisticsOperation = "count"
	OperationSum    StatisticsOperation = "sum"
	OperationMean   StatisticsOperation = "mean"
	OperationMedian StatisticsOperation = "median"
	OperationMin    StatisticsOperation = "min"
	OperationMax    StatisticsOperation = "max"
)

// RequiresNumericField reports whether the operation needs a numeric source
// column. count works on bare rows.
func (op StatisticsOperation) RequiresNumericField() bool {
	return op != OperationCount
}

// NewToolLayer assembles the catalog entry for a tool result layer.
func NewToolLayer(userID uuid.UUID, name string, toolType JobType, geometry FeatureGeometryType, mapping AttributeMapping) Layer {
	featureLayerType := FeatureLayerTool
	geometryCopy := geometry
	toolCopy := toolType
	return Layer{
		ID:               uuid.New(),
		UserID:           userID,
		Name:             name,
		Type:             LayerTypeFeature,
		FeatureLayerType: &featureLayerType,
		GeometryType:     &geometryCopy,
		ToolType:         &toolCopy,
		AttributeMapping: mapping,
	}
}
