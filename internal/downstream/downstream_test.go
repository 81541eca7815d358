package downstream

import (
	"context"
	"encoding/json"
	"slices"
	"testing"

	"github.com/orbitfile/replisync/internal/drivelayout"
	"github.com/orbitfile/replisync/internal/localdrive"
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

func putDoc(t *testing.T, client *localdrive.Client, ds drivelayout.DriveStructure, primaryKey string, age int) {
	t.Helper()
	raw, _ := json.Marshal(map[string]any{"attachments": map[string]any{}, "tombstone": false, "age": age})
	if _, err := client.UploadMultipart(context.Background(), ds.DocsFolderID, primaryKey+".json", raw); err != nil {
		t.Fatalf("upload %q: %v", primaryKey, err)
	}
}

// TestFetchChangesDeliversEveryDocumentExactlyOnce covers invariant 6
// (round-trip) by repeatedly paging with a small batch size until
// termination and asserting no duplicates and no omissions.
func TestFetchChangesDeliversEveryDocumentExactlyOnce(t *testing.T) {
	client, ds := newTestStructure(t)
	ctx := context.Background()

	want := map[string]bool{}
	for i := 0; i < 9; i++ {
		pk := "doc-" + string(rune('a'+i))
		putDoc(t, client, ds, pk, i)
		want[pk] = true
	}

	d := New(client, ds, Options{})
	var checkpoint *Checkpoint
	got := map[string]bool{}
	for i := 0; i < 20; i++ {
		result, err := d.FetchChanges(ctx, checkpoint, 3)
		if err != nil {
			t.Fatalf("fetch changes: %v", err)
		}
		if len(result.Documents) == 0 {
			break
		}
		for _, doc := range result.Documents {
			if got[doc.PrimaryKey] {
				t.Fatalf("document %q delivered twice", doc.PrimaryKey)
			}
			got[doc.PrimaryKey] = true
		}
		checkpoint = &result.Checkpoint
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d documents delivered, got %d (%v)", len(want), len(got), got)
	}
	for pk := range want {
		if !got[pk] {
			t.Fatalf("document %q was never delivered", pk)
		}
	}
}

// TestFetchChangesTerminatesOnRepeatedCheckpoint covers termination:
// calling again with the most recent checkpoint returns an empty
// batch and an unchanged checkpoint.
func TestFetchChangesTerminatesOnRepeatedCheckpoint(t *testing.T) {
	client, ds := newTestStructure(t)
	ctx := context.Background()
	putDoc(t, client, ds, "only-doc", 1)

	d := New(client, ds, Options{})
	result, err := d.FetchChanges(ctx, nil, 10)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if len(result.Documents) != 1 {
		t.Fatalf("expected 1 document, got %d", len(result.Documents))
	}

	again, err := d.FetchChanges(ctx, &result.Checkpoint, 10)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(again.Documents) != 0 {
		t.Fatalf("expected no documents on repeated checkpoint, got %d", len(again.Documents))
	}
	if again.Checkpoint.ModifiedTime != result.Checkpoint.ModifiedTime ||
		!slices.Equal(again.Checkpoint.DocIDsWithSameModifiedTime, result.Checkpoint.DocIDsWithSameModifiedTime) {
		t.Fatalf("expected checkpoint unchanged, got %+v vs %+v", again.Checkpoint, result.Checkpoint)
	}
}

// TestFetchChangesEmptyFolder covers the base case of no documents at all.
func TestFetchChangesEmptyFolder(t *testing.T) {
	client, ds := newTestStructure(t)
	d := New(client, ds, Options{})
	result, err := d.FetchChanges(context.Background(), nil, 5)
	if err != nil {
		t.Fatalf("fetch changes: %v", err)
	}
	if len(result.Documents) != 0 {
		t.Fatalf("expected no documents, got %d", len(result.Documents))
	}
}
