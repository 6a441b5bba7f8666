package inkrelay

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("INKRELAY_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set INKRELAY_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, os.Getpid(), n)
}

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres state backend: %v", err)
	}
	pg, ok := backend.(*PostgresStateBackend)
	if !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	pg.tableName = postgresIntegrationTableName("inkrelay_tracker_state_it")
	pg.stateKey = "it"
	t.Cleanup(func() {
		_ = pg.Close()
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := &persistedState{
		SchemaVersion: snapshotSchemaVersion,
		Documents: map[string]TrackedDocument{
			"d1": {
				Title:       "Morning Brew",
				DeliveredAt: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
				MessageID:   "msg-1",
			},
		},
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil || len(loaded.Documents) != 1 {
		t.Fatalf("unexpected snapshot after save: %+v", loaded)
	}
	doc := loaded.Documents["d1"]
	if doc.Title != "Morning Brew" || doc.MessageID != "msg-1" {
		t.Fatalf("unexpected document after round trip: %+v", doc)
	}
}
