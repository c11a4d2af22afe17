package testutil

import (
	"context"
	"database/sql/driver"
	"testing"
)

func TestStubDBUpsertsAndQueriesRows(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	insert := "INSERT INTO run_history(run_id,payload) VALUES($1,$2) ON CONFLICT(run_id) DO UPDATE SET payload=EXCLUDED.payload"
	for _, payload := range []string{"one", "two"} {
		if _, err := conn.ExecContext(ctx, insert, []driver.NamedValue{{Value: "run-1"}, {Value: []byte(payload)}}); err != nil {
			t.Fatalf("ExecContext insert: %v", err)
		}
	}
	if len(conn.Tables["run_history"]) != 1 {
		t.Fatalf("expected upsert to keep one row, got %v", conn.Tables["run_history"])
	}

	rows, err := conn.QueryContext(ctx, "SELECT run_id, payload FROM run_history WHERE run_id = $1", nil)
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	defer func() { _ = rows.Close() }()
	dest := make([]driver.Value, 2)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if dest[0] != "run-1" || string(dest[1].([]byte)) != "two" {
		t.Fatalf("unexpected row values: %v", dest)
	}
}
