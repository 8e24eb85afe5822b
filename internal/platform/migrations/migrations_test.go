package migrations

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/lib/pq"
)

func TestUpFilesAreOrdered(t *testing.T) {
	names, err := UpFiles()
	if err != nil {
		t.Fatalf("up files: %v", err)
	}
	want := []string{"0001_computation_layer.up.sql", "0002_event_log.up.sql"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestApplyExecutesAllMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS computation_definitions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS computation_events").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyStopsOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	boom := errors.New("permission denied")
	mock.ExpectExec(".*").WillReturnError(boom)

	err = Apply(context.Background(), db)
	if !errors.Is(err, boom) {
		t.Fatalf("apply error = %v, want %v", err, boom)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := Up(db); err != nil {
		t.Fatalf("up: %v", err)
	}
	v, dirty, err := Version(db)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 2 || dirty {
		t.Fatalf("version = %d dirty=%v, want 2 clean", v, dirty)
	}
}
