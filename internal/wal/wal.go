// Package wal implements the write-ahead log commit protocol: staging
// an upstream batch into the WAL file inside a held transaction, then
// applying it to individual document files, with crash-safe,
// idempotent replay of a partially applied WAL.
package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/orbitfile/replisync/internal/docschema"
	"github.com/orbitfile/replisync/internal/driveclient"
	"github.com/orbitfile/replisync/internal/drivelayout"
	"github.com/orbitfile/replisync/internal/rerrors"
)

// DefaultConcurrency bounds how many document files a single Drain
// call patches/uploads at once.
const DefaultConcurrency = 5

// Row is one write in an upstream batch.
type Row struct {
	PrimaryKey         string          `json:"primaryKey"`
	NewDocumentState   json.RawMessage `json:"newDocumentState"`
	AssumedMasterState json.RawMessage `json:"assumedMasterState,omitempty"`
}

type walFile struct {
	Rows []Row `json:"rows,omitempty"`
}

// Upstream drives WAL staging and draining for one DriveStructure.
type Upstream struct {
	client      driveclient.Client
	ds          drivelayout.DriveStructure
	concurrency int
}

// New builds an Upstream. concurrency <= 0 uses DefaultConcurrency.
func New(client driveclient.Client, ds drivelayout.DriveStructure, concurrency int) *Upstream {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Upstream{client: client, ds: ds, concurrency: concurrency}
}

// Stage runs conflict detection against each row's AssumedMasterState
// (when present), writes non-conflicting rows into the WAL, and
// returns the conflicting rows for the caller to hand to the host's
// conflict resolver. Must be called while the transaction is held.
func (u *Upstream) Stage(ctx context.Context, rows []Row) ([]Row, error) {
	var conflicts []Row
	var toStage []Row
	for _, row := range rows {
		if len(row.AssumedMasterState) == 0 {
			toStage = append(toStage, row)
			continue
		}
		current, found, err := u.fetchDocument(ctx, row.PrimaryKey)
		if err != nil {
			return nil, err
		}
		if !found {
			// Assumed a master state that no longer exists: treat
			// as a conflict, matching the "differs from stored
			// state" rule (absence differs from any assumed state).
			conflicts = append(conflicts, row)
			continue
		}
		equal, err := docschema.EqualModuloOrder(current, row.AssumedMasterState)
		if err != nil {
			return nil, err
		}
		if equal {
			toStage = append(toStage, row)
		} else {
			conflicts = append(conflicts, row)
		}
	}

	if len(toStage) > 0 {
		if err := u.writeWAL(ctx, toStage); err != nil {
			return nil, err
		}
	}
	return conflicts, nil
}

// Drain reads the staged WAL, partitions rows by whether the
// corresponding document file already exists, applies updates and
// inserts with bounded concurrency, then blanks the WAL. It is a
// no-op when the WAL is empty, and safe to call repeatedly: a crash
// between any two steps leaves the WAL staged for the next holder to
// replay.
func (u *Upstream) Drain(ctx context.Context) error {
	data, err := u.client.DownloadJSON(ctx, u.ds.WALFileID)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var staged walFile
	if err := json.Unmarshal(data, &staged); err != nil {
		return err
	}
	if len(staged.Rows) == 0 {
		return u.blankWAL(ctx)
	}

	if err := u.applyRows(ctx, staged.Rows); err != nil {
		return err
	}
	return u.blankWAL(ctx)
}

func (u *Upstream) applyRows(ctx context.Context, rows []Row) error {
	sem := make(chan struct{}, u.concurrency)
	errs := make(chan error, len(rows))
	var wg sync.WaitGroup
	for _, row := range rows {
		row := row
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs <- u.applyRow(ctx, row)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (u *Upstream) applyRow(ctx context.Context, row Row) error {
	name := documentFileName(row.PrimaryKey)
	meta, found, err := u.findDocFile(ctx, name)
	if err != nil {
		return err
	}
	if found {
		_, err := u.client.PatchMedia(ctx, meta.ID, row.NewDocumentState)
		return err
	}
	_, err = u.client.UploadMultipart(ctx, u.ds.DocsFolderID, name, row.NewDocumentState)
	return err
}

func (u *Upstream) fetchDocument(ctx context.Context, primaryKey string) ([]byte, bool, error) {
	meta, found, err := u.findDocFile(ctx, documentFileName(primaryKey))
	if err != nil || !found {
		return nil, found, err
	}
	data, err := u.client.DownloadJSON(ctx, meta.ID)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (u *Upstream) findDocFile(ctx context.Context, name string) (driveclient.FileMeta, bool, error) {
	page, err := u.client.ListFolder(ctx, u.ds.DocsFolderID, driveclient.ListQuery{
		Name: name, TrashedFalseOnly: true,
	})
	if err != nil {
		return driveclient.FileMeta{}, false, err
	}
	if len(page.Files) == 0 {
		return driveclient.FileMeta{}, false, nil
	}
	return page.Files[0], true, nil
}

func (u *Upstream) writeWAL(ctx context.Context, rows []Row) error {
	meta, err := u.client.StatFile(ctx, u.ds.WALFileID)
	if err != nil {
		return err
	}
	current, err := u.client.DownloadJSON(ctx, u.ds.WALFileID)
	if err != nil {
		return err
	}
	if !walIsEmpty(current) {
		var staged walFile
		_ = json.Unmarshal(current, &staged)
		return rerrors.New("Stage", rerrors.WALNotDrained, fmt.Errorf("wal already has %d staged row(s)", len(staged.Rows)))
	}
	payload, err := json.Marshal(walFile{Rows: rows})
	if err != nil {
		return err
	}
	_, err = u.client.ConditionalFillIfEtag(ctx, u.ds.WALFileID, meta.Etag, payload)
	return err
}

func (u *Upstream) blankWAL(ctx context.Context) error {
	meta, err := u.client.StatFile(ctx, u.ds.WALFileID)
	if err != nil {
		return err
	}
	_, err = u.client.ConditionalFillIfEtag(ctx, u.ds.WALFileID, meta.Etag, []byte{})
	return err
}

func walIsEmpty(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	var w walFile
	if err := json.Unmarshal(data, &w); err != nil {
		return false
	}
	return len(w.Rows) == 0
}

func documentFileName(primaryKey string) string {
	return primaryKey + ".json"
}
