package wal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/orbitfile/replisync/internal/drivelayout"
	"github.com/orbitfile/replisync/internal/localdrive"
	"github.com/orbitfile/replisync/internal/txlock"
)

func newTestStructure(t *testing.T) (*localdrive.Client, drivelayout.DriveStructure) {
	t.Helper()
	dir := t.TempDir()
	client, err := localdrive.New(dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ds, err := drivelayout.InitDriveStructure(context.Background(), client, drivelayout.Options{
		FolderPath:      "Acme/Replication",
		PrimaryKeyField: "id",
	})
	if err != nil {
		t.Fatalf("init drive structure: %v", err)
	}
	return client, ds
}

func docState(age int) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"attachments": map[string]any{},
		"tombstone":   false,
		"age":         age,
	})
	return raw
}

func fetchDoc(t *testing.T, client *localdrive.Client, ds drivelayout.DriveStructure, primaryKey string) (json.RawMessage, bool) {
	t.Helper()
	u := New(client, ds, 0)
	data, found, err := u.fetchDocument(context.Background(), primaryKey)
	if err != nil {
		t.Fatalf("fetch document %q: %v", primaryKey, err)
	}
	return data, found
}

// TestDrainAppliesStagedRowsAndEmptiesWAL covers the invariant that
// once Drain returns, the WAL is empty and every staged row's effect
// is visible in the docs folder.
func TestDrainAppliesStagedRowsAndEmptiesWAL(t *testing.T) {
	client, ds := newTestStructure(t)
	u := New(client, ds, 0)
	ctx := context.Background()

	rows := []Row{
		{PrimaryKey: "doc-a", NewDocumentState: docState(1)},
		{PrimaryKey: "doc-b", NewDocumentState: docState(2)},
	}
	conflicts, err := u.Stage(ctx, rows)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %d", len(conflicts))
	}

	if err := u.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	data, err := client.DownloadJSON(ctx, ds.WALFileID)
	if err != nil {
		t.Fatalf("download wal: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected wal to be blank after drain, got %q", data)
	}

	for _, pk := range []string{"doc-a", "doc-b"} {
		if _, found := fetchDoc(t, client, ds, pk); !found {
			t.Fatalf("expected document %q to exist after drain", pk)
		}
	}
}

// TestStageRejectsWritesToUndrainedWAL covers ErrWALNotDrained.
func TestStageRejectsWritesToUndrainedWAL(t *testing.T) {
	client, ds := newTestStructure(t)
	u := New(client, ds, 0)
	ctx := context.Background()

	if _, err := u.Stage(ctx, []Row{{PrimaryKey: "doc-a", NewDocumentState: docState(1)}}); err != nil {
		t.Fatalf("first stage: %v", err)
	}

	_, err := u.Stage(ctx, []Row{{PrimaryKey: "doc-b", NewDocumentState: docState(1)}})
	if err == nil {
		t.Fatal("expected second stage to fail while wal is undrained")
	}
}

// TestStageConflictDetection covers the conflict-detection rule: rows
// staged without an assumedMasterState are treated as pure inserts and
// can never conflict, even when they overwrite an existing document;
// pushing a stale assumedMasterState conflicts, pushing the correct
// one does not.
func TestStageConflictDetection(t *testing.T) {
	client, ds := newTestStructure(t)
	u := New(client, ds, 0)
	ctx := context.Background()

	v1 := docState(1)
	if _, err := u.Stage(ctx, []Row{{PrimaryKey: "doc-a", NewDocumentState: v1}}); err != nil {
		t.Fatalf("stage v1: %v", err)
	}
	if err := u.Drain(ctx); err != nil {
		t.Fatalf("drain v1: %v", err)
	}

	rows := []Row{
		{PrimaryKey: "doc-a", NewDocumentState: docState(2)}, // no assumedMasterState
		{PrimaryKey: "new-1", NewDocumentState: docState(0)},
		{PrimaryKey: "new-2", NewDocumentState: docState(0)},
		{PrimaryKey: "new-3", NewDocumentState: docState(0)},
		{PrimaryKey: "new-4", NewDocumentState: docState(0)},
	}
	conflicts, err := u.Stage(ctx, rows)
	if err != nil {
		t.Fatalf("stage mixed batch: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("rows without assumedMasterState must never conflict, got %d", len(conflicts))
	}
	if err := u.Drain(ctx); err != nil {
		t.Fatalf("drain mixed batch: %v", err)
	}

	stale := docState(999)
	fresh, found := fetchDoc(t, client, ds, "doc-a")
	if !found {
		t.Fatal("expected doc-a to exist")
	}

	rows2 := []Row{
		{PrimaryKey: "doc-a", NewDocumentState: docState(3), AssumedMasterState: stale},
		{PrimaryKey: "new-1", NewDocumentState: docState(1), AssumedMasterState: stale},
		{PrimaryKey: "new-2", NewDocumentState: docState(1), AssumedMasterState: stale},
		{PrimaryKey: "new-3", NewDocumentState: docState(1), AssumedMasterState: stale},
	}
	conflicts2, err := u.Stage(ctx, rows2)
	if err != nil {
		t.Fatalf("stage conflicting batch: %v", err)
	}
	if len(conflicts2) != 4 {
		t.Fatalf("expected all 4 rows to conflict on stale assumedMasterState, got %d", len(conflicts2))
	}

	rows3 := []Row{
		{PrimaryKey: "doc-a", NewDocumentState: docState(42), AssumedMasterState: fresh},
	}
	conflicts3, err := u.Stage(ctx, rows3)
	if err != nil {
		t.Fatalf("stage correct assumedMasterState: %v", err)
	}
	if len(conflicts3) != 0 {
		t.Fatalf("expected no conflicts with correct assumedMasterState, got %d", len(conflicts3))
	}
	if err := u.Drain(ctx); err != nil {
		t.Fatalf("drain final: %v", err)
	}

	final, found := fetchDoc(t, client, ds, "doc-a")
	if !found {
		t.Fatal("expected doc-a to exist after final drain")
	}
	var decoded struct {
		Age int `json:"age"`
	}
	if err := json.Unmarshal(final, &decoded); err != nil {
		t.Fatalf("unmarshal final doc-a: %v", err)
	}
	if decoded.Age != 42 {
		t.Fatalf("expected doc-a age 42 after final drain, got %d", decoded.Age)
	}
}

// TestDrainIsIdempotentOnEmptyWAL exercises Drain being called with no
// staged rows, as happens on every RunInTransaction even when the
// caller made no Stage call.
func TestDrainIsIdempotentOnEmptyWAL(t *testing.T) {
	client, ds := newTestStructure(t)
	u := New(client, ds, 0)
	ctx := context.Background()

	if err := u.Drain(ctx); err != nil {
		t.Fatalf("drain on empty wal: %v", err)
	}
	if err := u.Drain(ctx); err != nil {
		t.Fatalf("second drain on empty wal: %v", err)
	}
}

// TestUpstreamSatisfiesDrainerInterface is a compile-time-ish check
// that Upstream can be used as txlock.RunInTransaction's drainer.
func TestUpstreamSatisfiesDrainerInterface(t *testing.T) {
	var _ txlock.Drainer = New(nil, drivelayout.DriveStructure{}, 0)
}
