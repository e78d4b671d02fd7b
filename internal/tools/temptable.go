package tools

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/goat-community/goat-core/internal/db"
	"github.com/goat-community/goat-core/internal/domain"
)

// TempSchema is the Postgres schema holding per-job scratch tables.
const TempSchema = "temporal"

// TempTables is the scratch-table arena of one job. Every table it creates
// carries the job's hex suffix so concurrent jobs never collide, and
// Cleanup drops whatever was registered. Each statement runs on its own
// auto-commit round trip so completed stages survive a later crash.
type TempTables struct {
	exec   db.DBTX
	suffix string

	mu      sync.Mutex
	created []string
}

// NewTempTables binds an arena to the given job.
func NewTempTables(exec db.DBTX, job domain.Job) *TempTables {
	return &TempTables{exec: exec, suffix: job.ResourceSuffix()}
}

// Name derives the scratch table name for a kind, e.g.
// temporal.total_stats_7c9e6679... The kind must pass the identifier
// allow-list.
func (t *TempTables) Name(kind string) (string, error) {
	if err := ValidateIdentifier(kind); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s_%s", TempSchema, kind, t.suffix), nil
}

// CreateAs materializes a SELECT into a fresh scratch table and registers it
// for cleanup. An existing table of the same name is dropped first so
// retried jobs start clean.
func (t *TempTables) CreateAs(ctx context.Context, kind, selectSQL string, args ...any) (string, error) {
	table, err := t.Name(kind)
	if err != nil {
		return "", err
	}
	t.register(table)
	if _, err := t.exec.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
		return "", fmt.Errorf("drop stale scratch table %s: %w", table, err)
	}
	if _, err := t.exec.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS %s", table, selectSQL), args...); err != nil {
		return "", fmt.Errorf("create scratch table %s: %w", table, err)
	}
	return table, nil
}

// CreateSourceCopy stages a partition-aligned copy of a feature layer. The
// copy gains an h3_3 coarse-cell column derived from the feature centroid so
// later joins can align on the spatial partition, plus the indexes those
// joins need.
func (t *TempTables) CreateSourceCopy(ctx context.Context, kind string, lp domain.LayerProject) (string, error) {
	sourceTable, err := lp.TableName()
	if err != nil {
		return "", err
	}
	if err := ValidateQualified(sourceTable); err != nil {
		return "", err
	}

	where, err := layerFilter(lp)
	if err != nil {
		return "", err
	}

	table, err := t.CreateAs(ctx, kind, fmt.Sprintf(
		`SELECT *, basic.to_short_h3_3(h3_lat_lng_to_cell(ST_CENTROID(geom)::point, 3)::bigint) AS h3_3
		FROM %s
		WHERE %s`, sourceTable, where))
	if err != nil {
		return "", err
	}
	if err := t.CreateIndex(ctx, table, "h3_3"); err != nil {
		return "", err
	}
	if _, err := t.exec.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX ON %s USING GIST (geom)", table)); err != nil {
		return "", fmt.Errorf("index scratch table %s: %w", table, err)
	}
	return table, nil
}

// CreatePlainCopy stages a filtered copy of a layer's rows without any
// derived columns. Used for attribute tables that carry no geometry.
func (t *TempTables) CreatePlainCopy(ctx context.Context, kind string, lp domain.LayerProject) (string, error) {
	sourceTable, err := lp.TableName()
	if err != nil {
		return "", err
	}
	if err := ValidateQualified(sourceTable); err != nil {
		return "", err
	}
	where, err := layerFilter(lp)
	if err != nil {
		return "", err
	}
	return t.CreateAs(ctx, kind, fmt.Sprintf("SELECT * FROM %s WHERE %s", sourceTable, where))
}

// layerFilter renders the row filter of a staged copy: the layer id plus the
// validated in-project filter clause.
func layerFilter(lp domain.LayerProject) (string, error) {
	where := fmt.Sprintf("layer_id = %s", QuoteLiteral(lp.LayerID.String()))
	if clause := strings.TrimSpace(lp.WhereQuery); clause != "" {
		if err := ValidateFilter(clause); err != nil {
			return "", err
		}
		where += fmt.Sprintf(" AND (%s)", clause)
	}
	return where, nil
}

// CreateIndex adds a btree index over the given columns of a scratch table.
func (t *TempTables) CreateIndex(ctx context.Context, table string, columns ...string) error {
	if err := ValidateQualified(table); err != nil {
		return err
	}
	for _, column := range columns {
		if err := ValidateIdentifier(column); err != nil {
			return err
		}
	}
	if _, err := t.exec.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX ON %s (%s)", table, strings.Join(columns, ", "))); err != nil {
		return fmt.Errorf("index scratch table %s: %w", table, err)
	}
	return nil
}

// Cleanup drops every registered scratch table. It is idempotent and keeps
// going when a drop fails so one orphan cannot strand the rest.
func (t *TempTables) Cleanup(ctx context.Context) error {
	t.mu.Lock()
	tables := t.created
	t.created = nil
	t.mu.Unlock()

	var firstErr error
	for _, table := range tables {
		if _, err := t.exec.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", table)); err != nil {
			log.Printf("[tools] failed to drop scratch table %s: %v", table, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *TempTables) register(table string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.created {
		if existing == table {
			return
		}
	}
	t.created = append(t.created, table)
}
