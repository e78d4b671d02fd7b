package tools

import (
	"fmt"

	"github.com/goat-community/goat-core/internal/domain"
)

// Pseudo-fields computed from the geometry instead of an attribute slot.
const (
	FieldIntersectedArea = "$intersected_area"
	FieldLength          = "$length"
)

// StatisticsExpression renders the SQL aggregate for an operation over the
// given column expression. count tolerates an empty column and counts rows.
func StatisticsExpression(op domain.StatisticsOperation, column string) (string, error) {
	if op == domain.OperationCount {
		if column == "" {
			return "COUNT(*)", nil
		}
		return fmt.Sprintf("COUNT(%s)", column), nil
	}
	if column == "" {
		return "", fmt.Errorf("%w: operation %s needs a field", domain.ErrValidation, op)
	}
	switch op {
	case domain.OperationSum:
		return fmt.Sprintf("SUM(%s)", column), nil
	case domain.OperationMean:
		return fmt.Sprintf("AVG(%s)", column), nil
	case domain.OperationMedian:
		return fmt.Sprintf("PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY %s)", column), nil
	case domain.OperationMin:
		return fmt.Sprintf("MIN(%s)", column), nil
	case domain.OperationMax:
		return fmt.Sprintf("MAX(%s)", column), nil
	default:
		return "", fmt.Errorf("%w: unknown statistics operation %q", domain.ErrValidation, op)
	}
}

// ResolveStatisticsColumn maps a user-facing field name onto the column
// expression statistics run over. Pseudo-fields compute from the geometry
// and require the matching geometry class; regular fields resolve through
// the layer's attribute mapping and must be numeric for every operation but
// count.
func ResolveStatisticsColumn(lp domain.LayerProject, op domain.StatisticsOperation, field string) (string, error) {
	switch field {
	case FieldIntersectedArea:
		if lp.Layer.GeometryType == nil || *lp.Layer.GeometryType != domain.GeometryPolygon {
			return "", fmt.Errorf("%w: %s needs a polygon layer", domain.ErrColumnTypeMismatch, field)
		}
		return "ST_AREA(geom::geography)", nil
	case FieldLength:
		if lp.Layer.GeometryType == nil || *lp.Layer.GeometryType != domain.GeometryLine {
			return "", fmt.Errorf("%w: %s needs a line layer", domain.ErrColumnTypeMismatch, field)
		}
		return "ST_LENGTH(geom::geography)", nil
	case "":
		if op.RequiresNumericField() {
			return "", fmt.Errorf("%w: operation %s needs a field", domain.ErrValidation, op)
		}
		return "", nil
	}

	slot, ok := lp.Layer.AttributeMapping.SlotFor(field)
	if !ok {
		return "", fmt.Errorf("%w: %s on layer %s", domain.ErrColumnNotFound, field, lp.Layer.Name)
	}
	if op.RequiresNumericField() {
		family, err := lp.Layer.AttributeMapping.SlotFamily(slot)
		if err != nil {
			return "", err
		}
		if !family.IsNumeric() {
			return "", fmt.Errorf("%w: %s is %s, operation %s needs a numeric column",
				domain.ErrColumnTypeMismatch, field, family, op)
		}
	}
	if err := ValidateIdentifier(slot); err != nil {
		return "", err
	}
	return slot, nil
}
