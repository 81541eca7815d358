// Package downstream implements ordered pagination over the docs
// folder with checkpoint-based tie-cluster handling, so a caller can
// repeatedly pull "what changed since last time" without missing or
// re-delivering documents written in the same millisecond.
package downstream

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/orbitfile/replisync/internal/driveclient"
	"github.com/orbitfile/replisync/internal/drivelayout"
)

// DefaultOverfetchSize is added to BatchSize when querying the Object
// Store, to reduce the chance that a sibling written in the same
// millisecond is missed by an eventually-consistent listing.
const DefaultOverfetchSize = 6

// DefaultConcurrency bounds how many document bodies FetchChanges
// downloads at once.
const DefaultConcurrency = 5

// Checkpoint marks the boundary already delivered to a caller.
type Checkpoint struct {
	ModifiedTime               string
	DocIDsWithSameModifiedTime []string
}

// Document is one delivered document file.
type Document struct {
	PrimaryKey string
	Content    json.RawMessage
}

// Result is FetchChanges' return value.
type Result struct {
	Documents  []Document
	Checkpoint Checkpoint
}

// Options tunes Downstream away from its spec-default behavior.
type Options struct {
	OverfetchSize int
	Concurrency   int
}

// Downstream pulls ordered changes from one DriveStructure's docs folder.
type Downstream struct {
	client driveclient.Client
	ds     drivelayout.DriveStructure
	opts   Options
}

// New builds a Downstream, applying spec defaults to any zero Options fields.
func New(client driveclient.Client, ds drivelayout.DriveStructure, opts Options) *Downstream {
	if opts.OverfetchSize <= 0 {
		opts.OverfetchSize = DefaultOverfetchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Downstream{client: client, ds: ds, opts: opts}
}

// FetchChanges returns the next batch of documents after checkpoint
// (nil means "from the beginning"), and the checkpoint to use for the
// following call. Repeated calls with the returned checkpoint
// eventually return a zero-length batch with an unchanged checkpoint.
func (d *Downstream) FetchChanges(ctx context.Context, checkpoint *Checkpoint, batchSize int) (Result, error) {
	query := driveclient.ListQuery{
		TrashedFalseOnly: true,
		OrderBy:          "modifiedTime asc, name asc",
		PageSize:         batchSize + d.opts.OverfetchSize,
	}
	if checkpoint != nil {
		query.ModifiedTimeAtOrAfter = checkpoint.ModifiedTime
	}

	page, err := d.client.ListFolder(ctx, d.ds.DocsFolderID, query)
	if err != nil {
		return Result{}, err
	}

	candidates := page.Files
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].ModifiedTime != candidates[j].ModifiedTime {
			return candidates[i].ModifiedTime < candidates[j].ModifiedTime
		}
		return candidates[i].Name < candidates[j].Name
	})

	delivered := tieSet(checkpoint)
	var fresh []driveclient.FileMeta
	for _, f := range candidates {
		if checkpoint != nil && f.ModifiedTime == checkpoint.ModifiedTime && delivered[f.Name] {
			continue
		}
		fresh = append(fresh, f)
	}

	if len(fresh) > batchSize {
		fresh = fresh[:batchSize]
	}

	if len(fresh) == 0 {
		if checkpoint != nil {
			return Result{Checkpoint: *checkpoint}, nil
		}
		return Result{}, nil
	}

	newCheckpoint := buildCheckpoint(checkpoint, fresh)

	docs, err := d.downloadAll(ctx, fresh)
	if err != nil {
		return Result{}, err
	}

	return Result{Documents: docs, Checkpoint: newCheckpoint}, nil
}

func tieSet(checkpoint *Checkpoint) map[string]bool {
	set := make(map[string]bool)
	if checkpoint == nil {
		return set
	}
	for _, name := range checkpoint.DocIDsWithSameModifiedTime {
		set[name] = true
	}
	return set
}

func buildCheckpoint(old *Checkpoint, fresh []driveclient.FileMeta) Checkpoint {
	last := fresh[len(fresh)-1]
	var tieNames []string
	for _, f := range fresh {
		if f.ModifiedTime == last.ModifiedTime {
			tieNames = append(tieNames, f.Name)
		}
	}
	if old != nil && fresh[0].ModifiedTime == old.ModifiedTime && last.ModifiedTime == old.ModifiedTime {
		// The whole fresh page is still inside the old tie cluster:
		// preserve the old tie names too, since this page straddles
		// a cluster rather than closing it out.
		tieNames = append(append([]string{}, old.DocIDsWithSameModifiedTime...), tieNames...)
	}
	return Checkpoint{ModifiedTime: last.ModifiedTime, DocIDsWithSameModifiedTime: dedupe(tieNames)}
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func (d *Downstream) downloadAll(ctx context.Context, files []driveclient.FileMeta) ([]Document, error) {
	docs := make([]Document, len(files))
	errs := make([]error, len(files))
	sem := make(chan struct{}, d.opts.Concurrency)
	var wg sync.WaitGroup
	for i, f := range files {
		i, f := i, f
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			content, err := d.client.DownloadJSON(ctx, f.ID)
			if err != nil {
				errs[i] = err
				return
			}
			docs[i] = Document{PrimaryKey: primaryKeyFromName(f.Name), Content: content}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func primaryKeyFromName(name string) string {
	const suffix = ".json"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}
