package postgres

import (
	"context"
	"strings"
	"testing"
)

func TestCheckpointQueries(t *testing.T) {
	if !strings.Contains(upsertCheckpointQuery, "ON CONFLICT (pipeline) DO UPDATE") {
		t.Fatalf("expected upsert conflict clause in insert query")
	}
	if !strings.Contains(selectCheckpointQuery, "pipeline = $1") {
		t.Fatalf("expected pipeline predicate in select query")
	}
	if !strings.Contains(deleteCheckpointQuery, "pipeline = $1") {
		t.Fatalf("expected pipeline predicate in delete query")
	}
}

func TestNilStoreIsAnError(t *testing.T) {
	var s *CheckpointStore
	if err := s.Save(context.Background(), Checkpoint{Pipeline: "orders"}); err == nil {
		t.Fatal("nil store must refuse to save")
	}
	if _, err := s.Load(context.Background(), "orders"); err == nil {
		t.Fatal("nil store must refuse to load")
	}
	if NewCheckpointStore(nil) != nil {
		t.Fatal("a nil DB yields a nil store")
	}
}
