// Package drivelayout materializes the fixed folder hierarchy under a
// replication's folder path and caches the opaque IDs the rest of the
// core needs: root, docs/, signaling/, transaction, blocker, wal.
package drivelayout

import (
	"context"
	"hash/fnv"
	"path"
	"strings"

	"github.com/orbitfile/replisync/internal/driveclient"
	"github.com/orbitfile/replisync/internal/rerrors"
)

// DriveStructure is the immutable record of opaque IDs the rest of
// the core treats as a value type; nothing caches its own copy.
type DriveStructure struct {
	RootFolderID          string
	DocsFolderID          string
	SignalingFolderID     string
	TransactionFileID     string
	TransactionFileEtag   string
	BlockerFileID         string
	BlockerFileEtag       string
	WALFileID             string
	WALFileEtag           string
	ReplicationIdentifier string
}

// Options configures InitDriveStructure.
type Options struct {
	// FolderPath is a slash-separated path under the Object Store's
	// root, e.g. "MyApp/Replication". Must not be "", "/" or "root".
	FolderPath string
	// PrimaryKeyField feeds the ReplicationIdentifier hash alongside
	// FolderPath, so two collections replicating into the same
	// folder with different primary-key fields get distinct
	// identifiers.
	PrimaryKeyField string
}

const (
	docsSubfolder       = "docs"
	signalingSubfolder  = "signaling"
	transactionFileName = "transaction"
	blockerFileName     = "blocker"
	walFileName         = "wal"
)

// InitDriveStructure ensures the folder chain, the two subfolders, and
// the three fixed files exist, and returns the resulting opaque IDs.
// Two concurrent callers racing on an empty folder observe
// byte-identical results because every ensure/create call below is
// idempotent by (parent, name) in the underlying Object Store Client.
func InitDriveStructure(ctx context.Context, client driveclient.Client, opts Options) (DriveStructure, error) {
	if err := validateFolderPath(opts.FolderPath); err != nil {
		return DriveStructure{}, err
	}

	rootID, err := ensureFolderChain(ctx, client, opts.FolderPath)
	if err != nil {
		return DriveStructure{}, err
	}

	docsID, err := client.EnsureFolder(ctx, rootID, docsSubfolder)
	if err != nil {
		return DriveStructure{}, err
	}
	signalingID, err := client.EnsureFolder(ctx, rootID, signalingSubfolder)
	if err != nil {
		return DriveStructure{}, err
	}
	tx, err := client.CreateEmptyFile(ctx, rootID, transactionFileName)
	if err != nil {
		return DriveStructure{}, err
	}
	blocker, err := client.CreateEmptyFile(ctx, rootID, blockerFileName)
	if err != nil {
		return DriveStructure{}, err
	}
	wal, err := client.CreateEmptyFile(ctx, rootID, walFileName)
	if err != nil {
		return DriveStructure{}, err
	}

	return DriveStructure{
		RootFolderID:          rootID,
		DocsFolderID:           docsID,
		SignalingFolderID:      signalingID,
		TransactionFileID:      tx.ID,
		TransactionFileEtag:    tx.Etag,
		BlockerFileID:          blocker.ID,
		BlockerFileEtag:        blocker.Etag,
		WALFileID:              wal.ID,
		WALFileEtag:            wal.Etag,
		ReplicationIdentifier:  replicationIdentifier(opts.FolderPath, opts.PrimaryKeyField),
	}, nil
}

func ensureFolderChain(ctx context.Context, client driveclient.Client, folderPath string) (string, error) {
	segments := splitPath(folderPath)
	parent := ""
	for _, segment := range segments {
		id, err := client.EnsureFolder(ctx, parent, segment)
		if err != nil {
			return "", err
		}
		parent = id
	}
	return parent, nil
}

func validateFolderPath(folderPath string) error {
	trimmed := strings.Trim(strings.TrimSpace(folderPath), "/")
	switch strings.ToLower(trimmed) {
	case "", "root":
		return rerrors.New("InitDriveStructure", rerrors.InvalidRoot, nil)
	}
	return nil
}

func splitPath(folderPath string) []string {
	clean := path.Clean("/" + strings.TrimSpace(folderPath))
	parts := strings.Split(strings.Trim(clean, "/"), "/")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" && p != "." {
			result = append(result, p)
		}
	}
	return result
}

// replicationIdentifier is a stable hash of folderPath+primaryKeyField
// so the same collection always resolves to the same identifier
// across restarts and peers.
func replicationIdentifier(folderPath, primaryKeyField string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.TrimSpace(folderPath)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.TrimSpace(primaryKeyField)))
	return hexUint64(h.Sum64())
}

func hexUint64(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xF]
		v >>= 4
	}
	return string(buf)
}
