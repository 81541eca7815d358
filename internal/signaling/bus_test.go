package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/orbitfile/replisync/internal/driveclient"
	"github.com/orbitfile/replisync/internal/drivelayout"
	"github.com/orbitfile/replisync/internal/localdrive"
)

func newTestBus(t *testing.T, sessionID string) (*localdrive.Client, drivelayout.DriveStructure, *Bus) {
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
	return client, ds, NewBus(client, ds, sessionID)
}

func TestPollOnceDeliversEachMessageOnce(t *testing.T) {
	client, ds, sender := newTestBus(t, "sender-session")
	receiver := NewBus(client, ds, "receiver-session")
	ctx := context.Background()

	if _, err := sender.SendMessage(ctx, BeaconPayload{Intent: PresenceBeaconIntent}); err != nil {
		t.Fatalf("send message: %v", err)
	}

	first, err := receiver.PollOnce(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 message, got %d", len(first))
	}
	if !first[0].IsBeacon() {
		t.Fatal("expected the message to parse as a beacon")
	}

	second, err := receiver.PollOnce(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("expected no messages on re-poll, got %d", len(second))
	}
}

func TestCleanupOldMessagesRemovesOnlyStaleFiles(t *testing.T) {
	client, ds, bus := newTestBus(t, "sender-session")
	ctx := context.Background()

	if _, err := bus.SendMessage(ctx, BeaconPayload{Intent: PresenceBeaconIntent}); err != nil {
		t.Fatalf("send message: %v", err)
	}

	removed, err := bus.CleanupOldMessages(ctx, time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected fresh message to survive, removed %d", removed)
	}

	removed, err = bus.CleanupOldMessages(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("cleanup with negative maxAge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected the message to be removed once its age exceeds maxAge, removed %d", removed)
	}

	page, err := client.ListFolder(ctx, ds.SignalingFolderID, driveclient.ListQuery{})
	if err != nil {
		t.Fatalf("list signaling folder: %v", err)
	}
	if len(page.Files) != 0 {
		t.Fatalf("expected signaling folder to be empty, got %d files", len(page.Files))
	}
}
