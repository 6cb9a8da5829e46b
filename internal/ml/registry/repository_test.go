package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pricelens/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/trace"
)

func newTestRepo(pool PgxPool) *Repository {
	return NewRepository(pool, trace.NewNoopTracerProvider().Tracer("test"))
}

func TestNextVersionReturnsQueriedValue(t *testing.T) {
	pool := &regStubPool{queryRowVals: []any{7}}
	repo := newTestRepo(pool)

	v, err := repo.NextVersion(context.Background(), "ensemble_v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected version 7, got %d", v)
	}
}

func TestInsertModelVersionScansID(t *testing.T) {
	pool := &regStubPool{queryRowVals: []any{int64(42)}}
	repo := newTestRepo(pool)

	out, err := repo.InsertModelVersion(context.Background(), testModelVersion())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != 42 {
		t.Fatalf("expected id 42, got %d", out.ID)
	}
	if out.TrainedAt.IsZero() {
		t.Fatal("trained_at should have been defaulted")
	}
}

func TestActivateModelCommitsTransaction(t *testing.T) {
	tx := &regStubTx{updateRowsAffected: 1}
	pool := &regStubPool{tx: tx}
	repo := newTestRepo(pool)

	if err := repo.ActivateModel(context.Background(), "ensemble_v1", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.execCount != 2 {
		t.Fatalf("expected 2 exec calls (deactivate + activate), got %d", tx.execCount)
	}
	if !tx.committed {
		t.Fatal("transaction was not committed")
	}
}

func TestActivateModelUnknownVersionIsNoRows(t *testing.T) {
	tx := &regStubTx{updateRowsAffected: 0}
	pool := &regStubPool{tx: tx}
	repo := newTestRepo(pool)

	err := repo.ActivateModel(context.Background(), "ensemble_v1", 99)
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected pgx.ErrNoRows, got %v", err)
	}
	if tx.committed {
		t.Fatal("transaction must not commit when no row was activated")
	}
}

func TestListVersionsMapsRows(t *testing.T) {
	trained := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	pool := &regStubPool{rowsData: [][]any{
		{int64(2), "ensemble_v1", 2, "v1", "price_usd", trained, 800, "{}", "{}", "json/ensemble-v1", true},
		{int64(1), "ensemble_v1", 1, "v1", "price_usd", trained, 750, "{}", "{}", "json/ensemble-v1", false},
	}}
	repo := newTestRepo(pool)

	out, err := repo.ListVersions(context.Background(), "ensemble_v1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(out))
	}
	if out[0].Version != 2 || !out[0].IsActive {
		t.Fatalf("newest version mapped wrong: %+v", out[0])
	}
	if out[1].Version != 1 || out[1].IsActive {
		t.Fatalf("older version mapped wrong: %+v", out[1])
	}
}

func testModelVersion() (m domain.ModelVersion) {
	m.ModelKey = "ensemble_v1"
	m.Version = 1
	m.FeatureVersion = "v1"
	m.TargetName = "price_usd"
	m.SampleCount = 800
	m.HyperparamsJSON = "{}"
	m.MetricsJSON = "{}"
	m.ArtifactFormat = "json/ensemble-v1"
	m.ArtifactBlob = []byte(`{"x":1}`)
	return m
}

// --- stubs ---

type regStubPool struct {
	queryRowVals []any
	rowsData     [][]any
	tx           *regStubTx
}

func (s *regStubPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (s *regStubPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &regStubRow{vals: s.queryRowVals}
}

func (s *regStubPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	dataCopy := make([][]any, len(s.rowsData))
	for i := range s.rowsData {
		row := make([]any, len(s.rowsData[i]))
		copy(row, s.rowsData[i])
		dataCopy[i] = row
	}
	return &regStubRows{data: dataCopy}, nil
}

func (s *regStubPool) Begin(ctx context.Context) (pgx.Tx, error) {
	if s.tx == nil {
		s.tx = &regStubTx{updateRowsAffected: 1}
	}
	return s.tx, nil
}

type regStubRow struct {
	vals []any
}

func (r *regStubRow) Scan(dest ...any) error {
	for i, d := range dest {
		if i >= len(r.vals) {
			return nil
		}
		if err := assign(d, r.vals[i]); err != nil {
			return err
		}
	}
	return nil
}

type regStubRows struct {
	data [][]any
	idx  int
}

func (r *regStubRows) Close()                                       {}
func (r *regStubRows) Err() error                                   { return nil }
func (r *regStubRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *regStubRows) FieldDescriptions() []pgconn.FieldDescription { return nil }

func (r *regStubRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *regStubRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.data) {
		return fmt.Errorf("invalid scan index")
	}
	row := r.data[r.idx-1]
	for i, d := range dest {
		if err := assign(d, row[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *regStubRows) Values() ([]any, error) { return nil, nil }
func (r *regStubRows) RawValues() [][]byte    { return nil }
func (r *regStubRows) Conn() *pgx.Conn        { return nil }

func assign(dest, val any) error {
	switch ptr := dest.(type) {
	case *int:
		*ptr = val.(int)
	case *int64:
		*ptr = val.(int64)
	case *string:
		*ptr = val.(string)
	case *bool:
		*ptr = val.(bool)
	case *time.Time:
		*ptr = val.(time.Time)
	case *[]byte:
		*ptr = val.([]byte)
	default:
		return fmt.Errorf("unsupported dest type %T", dest)
	}
	return nil
}

type regStubTx struct {
	execCount          int
	updateRowsAffected int
	committed          bool
}

func (t *regStubTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execCount++
	if t.execCount == 1 {
		// deactivate pass, row count irrelevant
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", t.updateRowsAffected)), nil
}

func (t *regStubTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *regStubTx) Rollback(ctx context.Context) error { return nil }

func (t *regStubTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *regStubTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}

func (t *regStubTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }

func (t *regStubTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *regStubTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}

func (t *regStubTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return &regStubRows{}, nil
}

func (t *regStubTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &regStubRow{}
}

func (t *regStubTx) Conn() *pgx.Conn { return nil }
