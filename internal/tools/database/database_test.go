package database

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/nightwatch/internal/tools"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Client{db: db}, mock
}

func TestConnectionCountHandler(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectQuery("select count").
		WithArgs("prod").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("db_connection_count")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"id":"prod"}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeOK {
		t.Errorf("outcome = %s, want ok", result.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKillConnectionDryRunSkipsExec(t *testing.T) {
	client, mock := newMockClient(t)

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("db_kill_connection")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background(), DryRun: true}, json.RawMessage(`{"id":"prod","pid":42}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeDryRun {
		t.Errorf("outcome = %s, want dryrun", result.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no queries issued, got: %v", err)
	}
}

func TestKillConnectionExecutesTerminate(t *testing.T) {
	client, mock := newMockClient(t)
	mock.ExpectExec("select pg_terminate_backend").
		WithArgs(42).
		WillReturnResult(sqlmock.NewResult(0, 1))

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("db_kill_connection")

	result, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"id":"prod","pid":42}`))
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	if result.Outcome != tools.OutcomeOK {
		t.Errorf("outcome = %s, want ok", result.Outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKillConnectionRequiresPID(t *testing.T) {
	client, _ := newMockClient(t)

	registry := tools.New(nil, nil)
	if err := Register(registry, client); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := registry.Get("db_kill_connection")

	_, err := tool.Handler(tools.ExecContext{Context: context.Background()}, json.RawMessage(`{"id":"prod"}`))
	if err == nil {
		t.Fatal("expected error for missing pid")
	}
}
