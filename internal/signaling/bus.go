// Package signaling implements the file-based message bus that peers
// use to exchange WebRTC/peermesh handshake payloads and presence
// beacons, plus the adaptive-backoff poll loop and garbage collection
// described for the Signaling component.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orbitfile/replisync/internal/driveclient"
	"github.com/orbitfile/replisync/internal/drivelayout"
)

// PresenceBeaconIntent is the payload a peer sends on start to
// announce itself to the mesh.
const PresenceBeaconIntent = "exist"

// BeaconPayload is the presence-beacon message shape.
type BeaconPayload struct {
	Intent string `json:"i"`
}

// Message is one signaling/ file, parsed from its name and content.
type Message struct {
	FileID       string
	SenderID     string
	Timestamp    int64
	MessageID    string
	Raw          json.RawMessage
}

// IsBeacon reports whether the message is a presence beacon rather
// than an opaque peer-handshake payload.
func (m Message) IsBeacon() bool {
	var beacon BeaconPayload
	if err := json.Unmarshal(m.Raw, &beacon); err != nil {
		return false
	}
	return beacon.Intent == PresenceBeaconIntent
}

// Bus owns one DriveStructure's signaling/ folder as an append-only
// message log.
type Bus struct {
	client    driveclient.Client
	ds        drivelayout.DriveStructure
	sessionID string

	mu        sync.Mutex
	processed map[string]bool
	nextSeq   uint64
}

// NewBus builds a Bus for the given session. sessionID should be a
// random per-process token, unique for this peer's lifetime.
func NewBus(client driveclient.Client, ds drivelayout.DriveStructure, sessionID string) *Bus {
	return &Bus{
		client:    client,
		ds:        ds,
		sessionID: sessionID,
		processed: make(map[string]bool),
	}
}

// SessionID returns this bus's own session token, used by callers to
// recognize (and skip) their own echoes.
func (b *Bus) SessionID() string { return b.sessionID }

// SendMessage appends a new file to signaling/ with the naming scheme
// <sessionId>_<timestamp>_<messageId>.json.
func (b *Bus) SendMessage(ctx context.Context, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.nextSeq++
	seq := b.nextSeq
	b.mu.Unlock()

	name := fmt.Sprintf("%s_%d_%d.json", b.sessionID, time.Now().UnixMilli(), seq)
	result, err := b.client.UploadMultipart(ctx, b.ds.SignalingFolderID, name, raw)
	if err != nil {
		return "", err
	}
	return result.ID, nil
}

// PollOnce lists signaling/, downloads and parses every message not
// yet seen by this Bus, marks them seen, and returns them oldest
// first. It does not filter out this peer's own messages — callers
// compare Message.SenderID against SessionID() to recognize and skip
// echoes at the dispatch layer instead.
func (b *Bus) PollOnce(ctx context.Context) ([]Message, error) {
	page, err := b.client.ListFolder(ctx, b.ds.SignalingFolderID, driveclient.ListQuery{})
	if err != nil {
		return nil, err
	}

	type candidate struct {
		meta      driveclient.FileMeta
		sender    string
		timestamp int64
		messageID string
	}
	var candidates []candidate
	for _, f := range page.Files {
		sender, ts, id, ok := parseMessageName(f.Name)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{meta: f, sender: sender, timestamp: ts, messageID: id})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].timestamp != candidates[j].timestamp {
			return candidates[i].timestamp < candidates[j].timestamp
		}
		return candidates[i].messageID < candidates[j].messageID
	})

	b.mu.Lock()
	var unseen []candidate
	for _, c := range candidates {
		if !b.processed[c.meta.ID] {
			unseen = append(unseen, c)
		}
	}
	b.mu.Unlock()

	var messages []Message
	for _, c := range unseen {
		data, err := b.client.DownloadJSON(ctx, c.meta.ID)
		if err != nil {
			return nil, err
		}
		messages = append(messages, Message{
			FileID: c.meta.ID, SenderID: c.sender, Timestamp: c.timestamp, MessageID: c.messageID, Raw: data,
		})
	}

	b.mu.Lock()
	for _, c := range unseen {
		b.processed[c.meta.ID] = true
	}
	b.mu.Unlock()

	return messages, nil
}

// CleanupOldMessages deletes every signaling/ file older than maxAge
// and returns how many it removed. Unlike the legacy implementation
// this is grounded on, it always evaluates every file — there is no
// short-circuit that skips the sweep.
func (b *Bus) CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	page, err := b.client.ListFolder(ctx, b.ds.SignalingFolderID, driveclient.ListQuery{})
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	removed := 0
	for _, f := range page.Files {
		_, ts, _, ok := parseMessageName(f.Name)
		if !ok || ts >= cutoff {
			continue
		}
		if err := b.client.DeleteFile(ctx, f.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func parseMessageName(name string) (sender string, timestamp int64, messageID string, ok bool) {
	base := strings.TrimSuffix(name, ".json")
	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], ts, parts[2], true
}
