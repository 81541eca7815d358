// Package driveclient is the typed wrapper over the Object Store's
// REST surface: folder/file creation, conditional writes, listing,
// and media transfer. Every method signature matches the contract the
// rest of the core depends on, so tests can swap the production
// RESTClient for internal/localdrive's disk-backed fake.
package driveclient

import "context"

// FileMeta is the subset of the Object Store's file resource that the
// core ever reads.
type FileMeta struct {
	ID           string
	Name         string
	Etag         string
	ModifiedTime string
	Trashed      bool
}

// ListQuery narrows a ListFolder call. All fields are optional.
type ListQuery struct {
	// Name, if non-empty, restricts the listing to children with this
	// exact name (used to locate docs/<primaryKey>.json).
	Name string
	// TrashedFalseOnly, when true, excludes trashed files (the
	// Downstream component always sets this).
	TrashedFalseOnly bool
	// ModifiedTimeAtOrAfter, if non-empty, is an RFC3339 lower bound.
	ModifiedTimeAtOrAfter string
	// OrderBy is passed through verbatim, e.g. "modifiedTime asc, name asc".
	OrderBy string
	// PageSize caps the number of entries a single ListFolder call returns.
	PageSize int
	// PageToken resumes a prior listing.
	PageToken string
}

// ListPage is one page of a ListFolder call.
type ListPage struct {
	Files         []FileMeta
	NextPageToken string
}

// WriteResult is returned by calls that create or overwrite content.
type WriteResult struct {
	ID   string
	Etag string
}

// Client is the Object Store Client contract (spec §4.1).
type Client interface {
	// EnsureFolder is idempotent under concurrent callers: two peers
	// racing to create the same (parentID, name) must observe the
	// same resulting folder ID.
	EnsureFolder(ctx context.Context, parentID, name string) (string, error)
	// CreateEmptyFile is idempotent by (parentID, name) the same way.
	CreateEmptyFile(ctx context.Context, parentID, name string) (WriteResult, error)
	// ConditionalFillIfEtag overwrites fileID's content only if its
	// stored etag still equals etag; otherwise it returns an error
	// satisfying errors.Is(err, rerrors.ErrEtagMismatch).
	ConditionalFillIfEtag(ctx context.Context, fileID, etag string, content []byte) (WriteResult, error)
	// StatFile returns a file's current metadata, notably its etag
	// and modifiedTime, without downloading its content.
	StatFile(ctx context.Context, fileID string) (FileMeta, error)
	// ListFolder lists the direct children of folderID, one page at
	// a time.
	ListFolder(ctx context.Context, folderID string, query ListQuery) (ListPage, error)
	// DownloadJSON fetches a file's media content.
	DownloadJSON(ctx context.Context, fileID string) ([]byte, error)
	// UploadMultipart creates a new file with content, de-duplicating
	// on (parentID, name) the same way EnsureFolder does.
	UploadMultipart(ctx context.Context, parentID, name string, content []byte) (WriteResult, error)
	// PatchMedia overwrites an existing file's content unconditionally.
	PatchMedia(ctx context.Context, fileID string, content []byte) (WriteResult, error)
	// DeleteFile removes a file or folder.
	DeleteFile(ctx context.Context, fileID string) error
}
