package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/askdb/askdb/internal/auth"
)

type fakePools struct {
	db *sql.DB
}

func (p fakePools) Get(database string) (*sql.DB, error) {
	if p.db == nil {
		return nil, fmt.Errorf("unknown database %q", database)
	}
	return p.db, nil
}

var (
	adminActor = auth.Identity{UserID: "u1", Username: "alice", Role: auth.RoleAdmin}
	userActor  = auth.Identity{UserID: "u2", Username: "bob", Role: auth.RoleUser}
)

func TestIsModification(t *testing.T) {
	cases := []struct {
		sql  string
		want bool
	}{
		{"SELECT * FROM orders", false},
		{"select count(*) from updates_log", false},
		{"INSERT INTO orders VALUES (1)", true},
		{"  update orders set total = 0", true},
		{"DELETE FROM orders", true},
		{"DROP TABLE orders", true},
		{"alter table orders add column note text", true},
		{"TRUNCATE orders", true},
		{"SELECT 'please delete this' FROM notes", true},
	}
	for _, tc := range cases {
		if got := IsModification(tc.sql); got != tc.want {
			t.Errorf("IsModification(%q) = %v, want %v", tc.sql, got, tc.want)
		}
	}
}

func TestExecuteReadHashesFullResultAndCapsSample(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "name"})
	for i := 0; i < 5; i++ {
		rows.AddRow(i, fmt.Sprintf("customer-%d", i))
	}
	mock.ExpectQuery("SELECT id, name FROM customers").WillReturnRows(rows)

	exec := New(fakePools{db: db}, 2, nil)
	result, err := exec.Execute(context.Background(), "SELECT id, name FROM customers", "sales_db", userActor)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if result.Failed {
		t.Fatalf("unexpected failure: %s", result.FailureDetail)
	}
	if result.Metadata.RowCount != 5 {
		t.Fatalf("RowCount = %d, want 5", result.Metadata.RowCount)
	}
	if len(result.Sample) != 2 {
		t.Fatalf("sample length = %d, want 2", len(result.Sample))
	}
	if len(result.Metadata.ResultHash) != 64 {
		t.Fatalf("ResultHash = %q, want 64 hex chars", result.Metadata.ResultHash)
	}
	if result.Metadata.Operation != "SELECT" {
		t.Fatalf("Operation = %q", result.Metadata.Operation)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecuteReadHashIndependentOfSampleCap(t *testing.T) {
	run := func(limit int) string {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New: %v", err)
		}
		defer db.Close()

		rows := sqlmock.NewRows([]string{"id"})
		for i := 0; i < 4; i++ {
			rows.AddRow(i)
		}
		mock.ExpectQuery("SELECT id FROM t").WillReturnRows(rows)

		exec := New(fakePools{db: db}, limit, nil)
		result, err := exec.Execute(context.Background(), "SELECT id FROM t", "sales_db", userActor)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		return result.Metadata.ResultHash
	}

	if run(1) != run(100) {
		t.Fatal("result hash must not depend on the sample cap")
	}
}

func TestExecuteNormalizesByteColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT name FROM customers").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow([]byte("Ada")))

	exec := New(fakePools{db: db}, 100, nil)
	result, err := exec.Execute(context.Background(), "SELECT name FROM customers", "sales_db", userActor)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := result.Sample[0]["name"]; got != "Ada" {
		t.Fatalf("name = %#v, want string \"Ada\"", got)
	}
}

func TestExecuteModificationDeniedForNonAdmin(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	exec := New(fakePools{db: db}, 100, nil)
	_, err = exec.Execute(context.Background(), "DELETE FROM orders", "sales_db", userActor)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	// The gate sits before the database: no statement may have run.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecuteModificationAllowedForAdmin(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM orders WHERE id = 7").
		WillReturnResult(sqlmock.NewResult(0, 1))

	exec := New(fakePools{db: db}, 100, nil)
	result, err := exec.Execute(context.Background(), "DELETE FROM orders WHERE id = 7", "sales_db", adminActor)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsModification {
		t.Fatal("IsModification = false")
	}
	if result.Metadata.RowCount != 1 {
		t.Fatalf("RowCount = %d, want 1", result.Metadata.RowCount)
	}
	if result.Metadata.Operation != "DELETE" {
		t.Fatalf("Operation = %q", result.Metadata.Operation)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecuteDatabaseErrorBecomesFailedResult(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT nope FROM orders").
		WillReturnError(errors.New(`column "nope" does not exist`))

	exec := New(fakePools{db: db}, 100, nil)
	result, err := exec.Execute(context.Background(), "SELECT nope FROM orders", "sales_db", userActor)
	if err != nil {
		t.Fatalf("Execute returned hard error: %v", err)
	}
	if !result.Failed {
		t.Fatal("Failed = false, want true")
	}
	if result.FailureDetail == "" {
		t.Fatal("FailureDetail empty")
	}
}

func TestExecuteUnknownDatabase(t *testing.T) {
	exec := New(fakePools{}, 100, nil)
	if _, err := exec.Execute(context.Background(), "SELECT 1", "missing_db", userActor); err == nil {
		t.Fatal("expected error for unknown database")
	}
}
