package checkpointstore

import (
	"context"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if record, err := store.Load(ctx, "repl-1"); err != nil || record != nil {
		t.Fatalf("expected no record before save, got %+v err=%v", record, err)
	}

	want := Record{ReplicationIdentifier: "repl-1", ModifiedTime: "2026-01-01T00:00:00Z", DocIDsWithSameModifiedTime: []string{"a.json", "b.json"}}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load(ctx, "repl-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.ModifiedTime != want.ModifiedTime || len(got.DocIDsWithSameModifiedTime) != 2 {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestNewPostgresStoreRejectsBlankDSN(t *testing.T) {
	if _, err := NewPostgresStore("   "); err != ErrInvalidDSN {
		t.Fatalf("expected ErrInvalidDSN, got %v", err)
	}
}
