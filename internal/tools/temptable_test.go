package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/goat-community/goat-core/internal/domain"
)

func tempJob(t *testing.T) domain.Job {
	t.Helper()
	return domain.Job{ID: uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")}
}

func TestTempTableNameCarriesJobSuffix(t *testing.T) {
	tt := NewTempTables(&stubExec{}, tempJob(t))
	name, err := tt.Name("total_stats")
	if err != nil {
		t.Fatalf("name: %v", err)
	}
	want := "temporal.total_stats_7c9e6679742540de944be07fc1f90ae7"
	if name != want {
		t.Fatalf("expected %s, got %s", want, name)
	}
	if strings.Contains(name, "-") {
		t.Fatal("scratch table name must not contain dashes")
	}
}

func TestTempTableNameRejectsUnsafeKind(t *testing.T) {
	tt := NewTempTables(&stubExec{}, tempJob(t))
	if _, err := tt.Name("total;stats"); err == nil {
		t.Fatal("unsafe kind should be rejected")
	}
}

func TestTempTablesDistinctJobsGetDistinctNames(t *testing.T) {
	a := NewTempTables(&stubExec{}, domain.Job{ID: uuid.New()})
	b := NewTempTables(&stubExec{}, domain.Job{ID: uuid.New()})
	nameA, _ := a.Name("source")
	nameB, _ := b.Name("source")
	if nameA == nameB {
		t.Fatal("two jobs must never share a scratch table")
	}
}

func TestCreateAsDropsStaleTableFirst(t *testing.T) {
	exec := &stubExec{}
	tt := NewTempTables(exec, tempJob(t))
	table, err := tt.CreateAs(context.Background(), "source", "SELECT 1 AS x")
	if err != nil {
		t.Fatalf("create as: %v", err)
	}
	calls := exec.executed()
	if len(calls) != 2 {
		t.Fatalf("expected drop + create, got %d statements", len(calls))
	}
	if !strings.HasPrefix(calls[0].sql, "DROP TABLE IF EXISTS "+table) {
		t.Fatalf("first statement should drop stale table: %s", calls[0].sql)
	}
	if !strings.HasPrefix(calls[1].sql, "CREATE TABLE "+table+" AS ") {
		t.Fatalf("second statement should create: %s", calls[1].sql)
	}
}

func TestCreateSourceCopyAddsPartitionColumnAndFilters(t *testing.T) {
	exec := &stubExec{}
	tt := NewTempTables(exec, tempJob(t))
	lp := pointLayerProject(1, uuid.New(), domain.AttributeMapping{})
	lp.WhereQuery = "integer_attr1 > 5"

	table, err := tt.CreateSourceCopy(context.Background(), "source", lp)
	if err != nil {
		t.Fatalf("create source copy: %v", err)
	}
	calls := exec.executed()
	if !containsSQL(calls, "to_short_h3_3(h3_lat_lng_to_cell(ST_CENTROID(geom)::point, 3)") {
		t.Fatal("copy must derive the h3_3 partition column")
	}
	if !containsSQL(calls, "layer_id = '"+lp.LayerID.String()+"'") {
		t.Fatal("copy must filter on the layer id")
	}
	if !containsSQL(calls, "AND (integer_attr1 > 5)") {
		t.Fatal("copy must honor the in-project filter")
	}
	if !containsSQL(calls, "CREATE INDEX ON "+table+" (h3_3)") {
		t.Fatal("copy must index the partition column")
	}
	if !containsSQL(calls, "USING GIST (geom)") {
		t.Fatal("copy must index the geometry")
	}
}

func TestCreateSourceCopyRejectsUnsafeFilter(t *testing.T) {
	exec := &stubExec{}
	tt := NewTempTables(exec, tempJob(t))
	lp := pointLayerProject(1, uuid.New(), domain.AttributeMapping{})

	for _, clause := range []string{
		"1 = 1; DROP TABLE customer.layer",
		"integer_attr1 > 5 -- tail",
		"integer_attr1 > 5 /* tail */",
		"text_attr1 = 'unterminated",
	} {
		lp.WhereQuery = clause
		if _, err := tt.CreateSourceCopy(context.Background(), "source", lp); err == nil {
			t.Fatalf("filter %q must be rejected", clause)
		}
	}
	if len(exec.executed()) != 0 {
		t.Fatal("rejected filters must not reach the database")
	}
}

func TestCleanupDropsEverythingAndIsIdempotent(t *testing.T) {
	exec := &stubExec{}
	tt := NewTempTables(exec, tempJob(t))
	ctx := context.Background()
	if _, err := tt.CreateAs(ctx, "source", "SELECT 1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tt.CreateAs(ctx, "total_stats", "SELECT 1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	before := len(exec.executed())
	if err := tt.Cleanup(ctx); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	drops := exec.executed()[before:]
	if len(drops) != 2 {
		t.Fatalf("expected 2 drops, got %d", len(drops))
	}
	for _, call := range drops {
		if !strings.HasPrefix(call.sql, "DROP TABLE IF EXISTS temporal.") {
			t.Fatalf("cleanup must use DROP TABLE IF EXISTS: %s", call.sql)
		}
	}

	// Second cleanup finds nothing registered and issues no statements.
	before = len(exec.executed())
	if err := tt.Cleanup(ctx); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if len(exec.executed()) != before {
		t.Fatal("second cleanup should be a no-op")
	}
}
