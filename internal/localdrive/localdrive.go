// Package localdrive backs driveclient.Client with a real local
// directory tree instead of the hosted REST API. The Object Store's
// REST surface cannot run in unit tests, so every object (folder or
// file) is materialized under <root>/objects/<id>/ the way the real
// service represents files as flat, ID-addressed resources with a
// parents list rather than a nested path — this lets EnsureFolder and
// CreateEmptyFile exercise genuine list-then-create races across
// independent *Client values pointed at the same root, exactly as two
// real peers racing against the hosted API would.
package localdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orbitfile/replisync/internal/driveclient"
	"github.com/orbitfile/replisync/internal/rerrors"
)

type objectMeta struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ParentID     string `json:"parentId"`
	IsFolder     bool   `json:"isFolder"`
	Etag         string `json:"etag"`
	ModifiedTime string `json:"modifiedTime"`
	Trashed      bool   `json:"trashed"`
}

// Client is a disk-backed driveclient.Client. Multiple *Client values
// constructed with the same root behave like independent peers
// talking to the same Object Store folder.
type Client struct {
	root string
	seq  uint64
	mu   sync.Mutex
}

// New opens (creating if necessary) a local drive rooted at dir.
func New(dir string) (*Client, error) {
	objectsDir := filepath.Join(dir, "objects")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, err
	}
	return &Client{root: dir}, nil
}

var _ driveclient.Client = (*Client)(nil)

func (c *Client) objectsDir() string { return filepath.Join(c.root, "objects") }

func (c *Client) objectDir(id string) string { return filepath.Join(c.objectsDir(), id) }

func (c *Client) metaPath(id string) string { return filepath.Join(c.objectDir(id), "meta.json") }

func (c *Client) contentPath(id string) string { return filepath.Join(c.objectDir(id), "content") }

func (c *Client) lockPath(id string) string { return filepath.Join(c.objectDir(id), ".lock") }

func (c *Client) newID() string {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	return fmt.Sprintf("obj-%d-%d-%s", time.Now().UnixNano(), seq, randomSuffix())
}

// EnsureFolder implements driveclient.Client.
func (c *Client) EnsureFolder(ctx context.Context, parentID, name string) (string, error) {
	if existing := c.findChildren(parentID, name, true); len(existing) > 0 {
		return lowestID(existing), nil
	}
	id := c.newID()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := c.writeObject(id, objectMeta{
		ID: id, Name: name, ParentID: parentID, IsFolder: true,
		Etag: randomSuffix(), ModifiedTime: now,
	}, nil); err != nil {
		return "", err
	}
	if existing := c.findChildren(parentID, name, true); len(existing) > 0 {
		return lowestID(existing), nil
	}
	return id, nil
}

// CreateEmptyFile implements driveclient.Client.
func (c *Client) CreateEmptyFile(ctx context.Context, parentID, name string) (driveclient.WriteResult, error) {
	if existing := c.findChildren(parentID, name, false); len(existing) > 0 {
		m := existing[lowestIndex(existing)]
		return driveclient.WriteResult{ID: m.ID, Etag: m.Etag}, nil
	}
	id := c.newID()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	meta := objectMeta{ID: id, Name: name, ParentID: parentID, IsFolder: false, Etag: randomSuffix(), ModifiedTime: now}
	if err := c.writeObject(id, meta, []byte{}); err != nil {
		return driveclient.WriteResult{}, err
	}
	if existing := c.findChildren(parentID, name, false); len(existing) > 0 {
		m := existing[lowestIndex(existing)]
		return driveclient.WriteResult{ID: m.ID, Etag: m.Etag}, nil
	}
	return driveclient.WriteResult{ID: id, Etag: meta.Etag}, nil
}

// ConditionalFillIfEtag implements driveclient.Client using a
// filesystem spin-lock around the compare-and-swap, the same
// mutex-over-files idea the higher-level Transaction component uses,
// so two *Client values racing from separate goroutines observe a
// real compare-and-set rather than a last-write-wins race.
func (c *Client) ConditionalFillIfEtag(ctx context.Context, fileID, etag string, content []byte) (driveclient.WriteResult, error) {
	unlock, err := c.acquireObjectLock(ctx, fileID)
	if err != nil {
		return driveclient.WriteResult{}, err
	}
	defer unlock()

	meta, err := c.readMeta(fileID)
	if err != nil {
		return driveclient.WriteResult{}, err
	}
	if meta.Etag != etag {
		return driveclient.WriteResult{}, rerrors.New("ConditionalFillIfEtag", rerrors.EtagMismatch, nil)
	}
	meta.Etag = randomSuffix()
	meta.ModifiedTime = time.Now().UTC().Format(time.RFC3339Nano)
	if err := c.writeObject(fileID, meta, content); err != nil {
		return driveclient.WriteResult{}, err
	}
	return driveclient.WriteResult{ID: fileID, Etag: meta.Etag}, nil
}

// StatFile implements driveclient.Client.
func (c *Client) StatFile(ctx context.Context, fileID string) (driveclient.FileMeta, error) {
	meta, err := c.readMeta(fileID)
	if err != nil {
		if os.IsNotExist(err) {
			return driveclient.FileMeta{}, rerrors.Fetch("StatFile", 404, "not found")
		}
		return driveclient.FileMeta{}, err
	}
	return driveclient.FileMeta{
		ID: meta.ID, Name: meta.Name, Etag: meta.Etag,
		ModifiedTime: meta.ModifiedTime, Trashed: meta.Trashed,
	}, nil
}

// ListFolder implements driveclient.Client. localdrive has no real
// pagination; it returns everything in one page.
func (c *Client) ListFolder(ctx context.Context, folderID string, q driveclient.ListQuery) (driveclient.ListPage, error) {
	entries, err := os.ReadDir(c.objectsDir())
	if err != nil {
		return driveclient.ListPage{}, err
	}
	var metas []objectMeta
	for _, e := range entries {
		meta, ok := c.tryReadMeta(e.Name())
		if !ok || meta.ParentID != folderID {
			continue
		}
		if q.TrashedFalseOnly && meta.Trashed {
			continue
		}
		if q.ModifiedTimeAtOrAfter != "" && meta.ModifiedTime < q.ModifiedTimeAtOrAfter {
			continue
		}
		if q.Name != "" && meta.Name != q.Name {
			continue
		}
		metas = append(metas, meta)
	}
	sortByOrder(metas, q.OrderBy)
	page := driveclient.ListPage{}
	for _, m := range metas {
		page.Files = append(page.Files, driveclient.FileMeta{
			ID: m.ID, Name: m.Name, ModifiedTime: m.ModifiedTime, Trashed: m.Trashed,
		})
	}
	return page, nil
}

// DownloadJSON implements driveclient.Client.
func (c *Client) DownloadJSON(ctx context.Context, fileID string) ([]byte, error) {
	data, err := os.ReadFile(c.contentPath(fileID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rerrors.Fetch("DownloadJSON", 404, "not found")
		}
		return nil, err
	}
	return data, nil
}

// UploadMultipart implements driveclient.Client.
func (c *Client) UploadMultipart(ctx context.Context, parentID, name string, content []byte) (driveclient.WriteResult, error) {
	if existing := c.findChildren(parentID, name, false); len(existing) > 0 {
		winner := existing[lowestIndex(existing)]
		return c.ConditionalFillIfEtag(ctx, winner.ID, winner.Etag, content)
	}
	id := c.newID()
	meta := objectMeta{
		ID: id, Name: name, ParentID: parentID, IsFolder: false,
		Etag: randomSuffix(), ModifiedTime: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := c.writeObject(id, meta, content); err != nil {
		return driveclient.WriteResult{}, err
	}
	if existing := c.findChildren(parentID, name, false); len(existing) > 0 {
		winner := existing[lowestIndex(existing)]
		if winner.ID != id {
			return driveclient.WriteResult{ID: winner.ID, Etag: winner.Etag}, nil
		}
	}
	return driveclient.WriteResult{ID: id, Etag: meta.Etag}, nil
}

// PatchMedia implements driveclient.Client. Unlike ConditionalFillIfEtag
// it is unconditional, matching the REST client's semantics.
func (c *Client) PatchMedia(ctx context.Context, fileID string, content []byte) (driveclient.WriteResult, error) {
	unlock, err := c.acquireObjectLock(ctx, fileID)
	if err != nil {
		return driveclient.WriteResult{}, err
	}
	defer unlock()
	meta, err := c.readMeta(fileID)
	if err != nil {
		return driveclient.WriteResult{}, err
	}
	meta.Etag = randomSuffix()
	meta.ModifiedTime = time.Now().UTC().Format(time.RFC3339Nano)
	if err := c.writeObject(fileID, meta, content); err != nil {
		return driveclient.WriteResult{}, err
	}
	return driveclient.WriteResult{ID: fileID, Etag: meta.Etag}, nil
}

// DeleteFile implements driveclient.Client.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	err := os.RemoveAll(c.objectDir(fileID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (c *Client) findChildren(parentID, name string, folder bool) []objectMeta {
	entries, err := os.ReadDir(c.objectsDir())
	if err != nil {
		return nil
	}
	var matches []objectMeta
	for _, e := range entries {
		meta, ok := c.tryReadMeta(e.Name())
		if !ok {
			continue
		}
		if meta.ParentID == parentID && meta.Name == name && meta.IsFolder == folder {
			matches = append(matches, meta)
		}
	}
	return matches
}

func (c *Client) tryReadMeta(id string) (objectMeta, bool) {
	meta, err := c.readMeta(id)
	if err != nil {
		return objectMeta{}, false
	}
	return meta, true
}

func (c *Client) readMeta(id string) (objectMeta, error) {
	data, err := os.ReadFile(c.metaPath(id))
	if err != nil {
		return objectMeta{}, err
	}
	var meta objectMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return objectMeta{}, err
	}
	return meta, nil
}

func (c *Client) writeObject(id string, meta objectMeta, content []byte) error {
	dir := c.objectDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.metaPath(id), data); err != nil {
		return err
	}
	if content != nil {
		if err := writeFileAtomic(c.contentPath(id), content); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) acquireObjectLock(ctx context.Context, id string) (func(), error) {
	lockPath := c.lockPath(id)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + randomSuffix()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func lowestID(metas []objectMeta) string {
	return metas[lowestIndex(metas)].ID
}

func lowestIndex(metas []objectMeta) int {
	best := 0
	for i := 1; i < len(metas); i++ {
		if metas[i].ID < metas[best].ID {
			best = i
		}
	}
	return best
}

func sortByOrder(metas []objectMeta, orderBy string) {
	orderBy = strings.TrimSpace(orderBy)
	sort.SliceStable(metas, func(i, j int) bool {
		if strings.Contains(orderBy, "modifiedTime") {
			if metas[i].ModifiedTime != metas[j].ModifiedTime {
				return metas[i].ModifiedTime < metas[j].ModifiedTime
			}
		}
		return metas[i].Name < metas[j].Name
	})
}
