package txlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orbitfile/replisync/internal/drivelayout"
	"github.com/orbitfile/replisync/internal/localdrive"
)

func newLockedStructure(t *testing.T, client *localdrive.Client) drivelayout.DriveStructure {
	t.Helper()
	ds, err := drivelayout.InitDriveStructure(context.Background(), client, drivelayout.Options{
		FolderPath:      "Acme/Replication",
		PrimaryKeyField: "id",
	})
	if err != nil {
		t.Fatalf("init drive structure: %v", err)
	}
	return ds
}

func TestLockHandoff(t *testing.T) {
	dir := t.TempDir()
	client, err := localdrive.New(dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ds := newLockedStructure(t, client)

	peerA := New(client, ds, "peer-a", time.Hour)
	peerB := New(client, ds, "peer-b", time.Hour)

	handleA, err := peerA.TryAcquire(context.Background())
	if err != nil {
		t.Fatalf("peer A try-acquire: %v", err)
	}

	if _, err := peerB.TryAcquire(context.Background()); !errors.Is(err, ErrBlocked) {
		t.Fatalf("peer B try-acquire: expected ErrBlocked, got %v", err)
	}

	if err := handleA.Commit(context.Background(), client, ds); err != nil {
		t.Fatalf("peer A commit: %v", err)
	}

	if _, err := peerB.TryAcquire(context.Background()); err != nil {
		t.Fatalf("peer B try-acquire after release: %v", err)
	}
}

func TestExpiredLockTakeover(t *testing.T) {
	dir := t.TempDir()
	client, err := localdrive.New(dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ds := newLockedStructure(t, client)

	leaseTimeout := 100 * time.Millisecond
	peerA := New(client, ds, "peer-a", leaseTimeout)
	peerB := New(client, ds, "peer-b", leaseTimeout)

	if _, err := peerA.TryAcquire(context.Background()); err != nil {
		t.Fatalf("peer A try-acquire: %v", err)
	}
	// Peer A never commits — its lease must be stolen.

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	handleB, err := peerB.Acquire(ctx)
	if err != nil {
		t.Fatalf("peer B blocking acquire: %v", err)
	}
	if handleB.Holder != "peer-b" {
		t.Fatalf("expected peer-b to hold the lock, got %q", handleB.Holder)
	}
	if err := handleB.Commit(context.Background(), client, ds); err != nil {
		t.Fatalf("peer B commit: %v", err)
	}
}

func TestAtMostOneHolderUnderConcurrency(t *testing.T) {
	dir := t.TempDir()
	client, err := localdrive.New(dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ds := newLockedStructure(t, client)

	const n = 12
	var holders sync.Map
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lock := New(client, ds, "peer", time.Hour)
			handle, err := lock.TryAcquire(context.Background())
			if err == nil {
				holders.Store(i, handle)
			}
		}(i)
	}
	wg.Wait()

	count := 0
	holders.Range(func(_, _ any) bool { count++; return true })
	if count != 1 {
		t.Fatalf("expected exactly 1 concurrent holder, got %d", count)
	}
}

func TestRunInTransactionCommitsEvenOnBodyError(t *testing.T) {
	dir := t.TempDir()
	client, err := localdrive.New(dir)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ds := newLockedStructure(t, client)
	lock := New(client, ds, "peer-a", time.Hour)

	wantErr := errors.New("body failed")
	err = RunInTransaction(context.Background(), lock, nil, func(ctx context.Context) error {
		return wantErr
	}, func() {
		t.Fatalf("onCommit must not run when body fails")
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected body error to propagate, got %v", err)
	}

	// The lock must have been released despite the body failing.
	other := New(client, ds, "peer-b", time.Hour)
	if _, err := other.TryAcquire(context.Background()); err != nil {
		t.Fatalf("expected lock to be free after failed transaction, got %v", err)
	}
}
