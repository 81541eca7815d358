package localdrive

import (
	"context"
	"sync"
	"testing"
)

func TestEnsureFolderConcurrentCallersConverge(t *testing.T) {
	dir := t.TempDir()
	client, err := New(dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	root, err := client.EnsureFolder(context.Background(), "", "workspace")
	if err != nil {
		t.Fatalf("ensure root: %v", err)
	}

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := client.EnsureFolder(context.Background(), root, "docs")
			if err != nil {
				t.Errorf("ensure folder %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	first := ids[0]
	if first == "" {
		t.Fatalf("first id empty")
	}
	for i, id := range ids {
		if id != first {
			t.Fatalf("id %d = %q, want %q (all concurrent EnsureFolder calls must converge)", i, id, first)
		}
	}
}

func TestCreateEmptyFileConcurrentCallersConverge(t *testing.T) {
	dir := t.TempDir()
	client, err := New(dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	root, err := client.EnsureFolder(context.Background(), "", "workspace")
	if err != nil {
		t.Fatalf("ensure root: %v", err)
	}

	const n = 10
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.CreateEmptyFile(context.Background(), root, "transaction")
			if err != nil {
				t.Errorf("create empty file %d: %v", i, err)
				return
			}
			results[i] = res.ID
		}(i)
	}
	wg.Wait()

	first := results[0]
	for i, id := range results {
		if id != first {
			t.Fatalf("id %d = %q, want %q (all concurrent CreateEmptyFile calls must converge)", i, id, first)
		}
	}
}

func TestConditionalFillIfEtagAtMostOneWinner(t *testing.T) {
	dir := t.TempDir()
	client, err := New(dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	root, err := client.EnsureFolder(context.Background(), "", "workspace")
	if err != nil {
		t.Fatalf("ensure root: %v", err)
	}
	file, err := client.CreateEmptyFile(context.Background(), root, "transaction")
	if err != nil {
		t.Fatalf("create empty file: %v", err)
	}

	const n = 8
	var wins sync.Map
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := client.ConditionalFillIfEtag(context.Background(), file.ID, file.Etag, []byte(`{"holder":"peer"}`))
			if err == nil {
				wins.Store(i, true)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	wins.Range(func(_, _ any) bool { count++; return true })
	if count != 1 {
		t.Fatalf("expected exactly 1 winner for the stale etag, got %d", count)
	}
}

func TestDownloadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	client, err := New(dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	root, err := client.EnsureFolder(context.Background(), "", "workspace")
	if err != nil {
		t.Fatalf("ensure root: %v", err)
	}
	result, err := client.UploadMultipart(context.Background(), root, "doc-1.json", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	data, err := client.DownloadJSON(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if string(data) != `{"a":1}` {
		t.Fatalf("got %q", string(data))
	}
}
