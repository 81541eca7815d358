package driveclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orbitfile/replisync/internal/rerrors"
)

const defaultAPIEndpoint = "https://www.googleapis.com"

// RESTClient implements Client against the cloud file service's REST
// v3 API (files.list, files.get, files.create multipart/media,
// files.update media, files.delete).
type RESTClient struct {
	endpoint   string
	authToken  string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	rng        *rand.Rand
}

// Option configures a RESTClient.
type Option func(*RESTClient)

func WithAPIEndpoint(endpoint string) Option {
	return func(c *RESTClient) {
		endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if endpoint != "" {
			c.endpoint = endpoint
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *RESTClient) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// NewRESTClient builds a production Object Store Client. authToken is
// the bearer token produced by the (out of scope) OAuth flow.
func NewRESTClient(authToken string, opts ...Option) *RESTClient {
	c := &RESTClient{
		endpoint:   defaultAPIEndpoint,
		authToken:  strings.TrimSpace(authToken),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 4,
		baseDelay:  250 * time.Millisecond,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RESTClient) EnsureFolder(ctx context.Context, parentID, name string) (string, error) {
	query := fmt.Sprintf("'%s' in parents and name = '%s' and mimeType = 'application/vnd.google-apps.folder' and trashed = false",
		escapeDriveQueryValue(parentID), escapeDriveQueryValue(name))
	existing, err := c.listAll(ctx, query, "name")
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return firstByID(existing), nil
	}
	created, err := c.createMetadataOnly(ctx, parentID, name, "application/vnd.google-apps.folder")
	if err != nil {
		return "", err
	}
	// Re-list: if a concurrent caller also created this folder, both
	// resolve to the lexicographically first ID.
	existing, err = c.listAll(ctx, query, "name")
	if err != nil || len(existing) == 0 {
		return created.ID, nil
	}
	return firstByID(existing), nil
}

func (c *RESTClient) CreateEmptyFile(ctx context.Context, parentID, name string) (WriteResult, error) {
	query := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
		escapeDriveQueryValue(parentID), escapeDriveQueryValue(name))
	existing, err := c.listAll(ctx, query, "name")
	if err != nil {
		return WriteResult{}, err
	}
	if len(existing) > 0 {
		winner := lowestByID(existing)
		return WriteResult{ID: winner.ID, Etag: winner.Etag}, nil
	}
	created, err := c.createMetadataOnly(ctx, parentID, name, "")
	if err != nil {
		return WriteResult{}, err
	}
	existing, err = c.listAll(ctx, query, "name")
	if err != nil || len(existing) == 0 {
		return created, nil
	}
	winner := lowestByID(existing)
	return WriteResult{ID: winner.ID, Etag: winner.Etag}, nil
}

func (c *RESTClient) ConditionalFillIfEtag(ctx context.Context, fileID, etag string, content []byte) (WriteResult, error) {
	current, err := c.getFile(ctx, fileID)
	if err != nil {
		return WriteResult{}, err
	}
	if current.Etag != etag {
		return WriteResult{}, rerrors.New("ConditionalFillIfEtag", rerrors.EtagMismatch, nil)
	}
	result, err := c.patchMediaRaw(ctx, fileID, content)
	if err != nil {
		return WriteResult{}, err
	}
	// The etag check and the write are two separate requests and the
	// write carries no precondition, so a concurrent writer landing
	// between them is not detected here.
	return result, nil
}

func (c *RESTClient) StatFile(ctx context.Context, fileID string) (FileMeta, error) {
	return c.getFile(ctx, fileID)
}

func (c *RESTClient) ListFolder(ctx context.Context, folderID string, q ListQuery) (ListPage, error) {
	query := fmt.Sprintf("'%s' in parents", escapeDriveQueryValue(folderID))
	if q.TrashedFalseOnly {
		query += " and trashed = false"
	}
	if q.ModifiedTimeAtOrAfter != "" {
		query += fmt.Sprintf(" and modifiedTime >= '%s'", q.ModifiedTimeAtOrAfter)
	}
	if q.Name != "" {
		query += fmt.Sprintf(" and name = '%s'", escapeDriveQueryValue(q.Name))
	}
	return c.listPage(ctx, query, q.OrderBy, q.PageSize, q.PageToken)
}

func (c *RESTClient) listPage(ctx context.Context, query, orderBy string, pageSize int, pageToken string) (ListPage, error) {
	values := url.Values{}
	values.Set("q", query)
	if orderBy != "" {
		values.Set("orderBy", orderBy)
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	values.Set("pageSize", fmt.Sprintf("%d", pageSize))
	if pageToken != "" {
		values.Set("pageToken", pageToken)
	}
	values.Set("fields", "nextPageToken, files(id, name, modifiedTime, trashed)")

	var out struct {
		Files []struct {
			ID           string `json:"id"`
			Name         string `json:"name"`
			ModifiedTime string `json:"modifiedTime"`
			Trashed      bool   `json:"trashed"`
		} `json:"files"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := c.doJSON(ctx, "ListFolder", http.MethodGet, "/drive/v3/files?"+values.Encode(), nil, nil, &out); err != nil {
		return ListPage{}, err
	}
	page := ListPage{NextPageToken: out.NextPageToken}
	for _, f := range out.Files {
		page.Files = append(page.Files, FileMeta{ID: f.ID, Name: f.Name, ModifiedTime: f.ModifiedTime, Trashed: f.Trashed})
	}
	return page, nil
}

func (c *RESTClient) DownloadJSON(ctx context.Context, fileID string) ([]byte, error) {
	return c.doRaw(ctx, "DownloadJSON", http.MethodGet,
		fmt.Sprintf("/drive/v3/files/%s?alt=media", url.PathEscape(fileID)), nil, nil)
}

func (c *RESTClient) UploadMultipart(ctx context.Context, parentID, name string, content []byte) (WriteResult, error) {
	query := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
		escapeDriveQueryValue(parentID), escapeDriveQueryValue(name))
	existing, err := c.listAll(ctx, query, "name")
	if err != nil {
		return WriteResult{}, err
	}
	if len(existing) > 0 {
		winner := lowestByID(existing)
		if _, err := c.patchMediaRaw(ctx, winner.ID, content); err != nil {
			return WriteResult{}, err
		}
		return WriteResult{ID: winner.ID, Etag: winner.Etag}, nil
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	metaPart, err := writer.CreatePart(multipartHeader("application/json; charset=UTF-8"))
	if err != nil {
		return WriteResult{}, err
	}
	metaJSON, err := json.Marshal(map[string]any{"name": name, "parents": []string{parentID}})
	if err != nil {
		return WriteResult{}, err
	}
	if _, err := metaPart.Write(metaJSON); err != nil {
		return WriteResult{}, err
	}
	mediaPart, err := writer.CreatePart(multipartHeader("application/json"))
	if err != nil {
		return WriteResult{}, err
	}
	if _, err := mediaPart.Write(content); err != nil {
		return WriteResult{}, err
	}
	if err := writer.Close(); err != nil {
		return WriteResult{}, err
	}

	var out struct {
		ID string `json:"id"`
	}
	headers := map[string]string{"Content-Type": "multipart/related; boundary=" + writer.Boundary()}
	if err := c.doJSON(ctx, "UploadMultipart", http.MethodPost,
		"/upload/drive/v3/files?uploadType=multipart", headers, body.Bytes(), &out); err != nil {
		return WriteResult{}, err
	}
	meta, err := c.getFile(ctx, out.ID)
	if err != nil {
		return WriteResult{ID: out.ID}, nil
	}
	return WriteResult{ID: out.ID, Etag: meta.Etag}, nil
}

func (c *RESTClient) PatchMedia(ctx context.Context, fileID string, content []byte) (WriteResult, error) {
	return c.patchMediaRaw(ctx, fileID, content)
}

func (c *RESTClient) DeleteFile(ctx context.Context, fileID string) error {
	_, err := c.doRaw(ctx, "DeleteFile", http.MethodDelete, "/drive/v3/files/"+url.PathEscape(fileID), nil, nil)
	return err
}

func (c *RESTClient) patchMediaRaw(ctx context.Context, fileID string, content []byte) (WriteResult, error) {
	var out struct {
		ID string `json:"id"`
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if err := c.doJSON(ctx, "PatchMedia", http.MethodPatch,
		fmt.Sprintf("/upload/drive/v3/files/%s?uploadType=media", url.PathEscape(fileID)), headers, content, &out); err != nil {
		return WriteResult{}, err
	}
	meta, err := c.getFile(ctx, fileID)
	if err != nil {
		return WriteResult{ID: fileID}, nil
	}
	return WriteResult{ID: fileID, Etag: meta.Etag}, nil
}

func (c *RESTClient) getFile(ctx context.Context, fileID string) (FileMeta, error) {
	var out struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Etag         string `json:"md5Checksum"`
		ModifiedTime string `json:"modifiedTime"`
	}
	path := fmt.Sprintf("/drive/v3/files/%s?fields=id,name,md5Checksum,modifiedTime", url.PathEscape(fileID))
	if err := c.doJSON(ctx, "GetFile", http.MethodGet, path, nil, nil, &out); err != nil {
		return FileMeta{}, err
	}
	return FileMeta{ID: out.ID, Name: out.Name, Etag: out.Etag, ModifiedTime: out.ModifiedTime}, nil
}

func (c *RESTClient) createMetadataOnly(ctx context.Context, parentID, name, mimeType string) (WriteResult, error) {
	body := map[string]any{"name": name, "parents": []string{parentID}}
	if mimeType != "" {
		body["mimeType"] = mimeType
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return WriteResult{}, err
	}
	var out struct {
		ID string `json:"id"`
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if err := c.doJSON(ctx, "CreateMetadata", http.MethodPost, "/drive/v3/files", headers, payload, &out); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{ID: out.ID}, nil
}

func (c *RESTClient) listAll(ctx context.Context, query, orderBy string) ([]FileMeta, error) {
	var all []FileMeta
	pageToken := ""
	for {
		page, err := c.listPage(ctx, query, orderBy, 0, pageToken)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Files...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return all, nil
}

// doJSON performs one HTTP round trip, retrying on 429/5xx with
// exponential backoff plus jitter, and unmarshals a JSON response
// body into out when non-nil.
func (c *RESTClient) doJSON(ctx context.Context, op, method, path string, headers map[string]string, body []byte, out any) error {
	payload, err := c.doRaw(ctx, op, method, path, headers, body)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *RESTClient) doRaw(ctx context.Context, op, method, path string, headers map[string]string, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.authToken)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := c.sleep(ctx, attempt+1); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := c.sleep(ctx, attempt+1); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, rerrors.New(op, rerrors.RateLimited, fmt.Errorf("exhausted %d retries", c.maxRetries))
		}
		return nil, rerrors.Fetch(op, resp.StatusCode, string(respBody))
	}
}

// sleep implements a 250·2^(attempt-1) ms + rand[0,200) ms backoff,
// where attempt counts retries from 1.
func (c *RESTClient) sleep(ctx context.Context, attempt int) error {
	delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(c.rng.Intn(200)) * time.Millisecond
	timer := time.NewTimer(delay + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func escapeDriveQueryValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}

func multipartHeader(contentType string) map[string][]string {
	return map[string][]string{"Content-Type": {contentType}}
}

func firstByID(files []FileMeta) string {
	return lowestByID(files).ID
}

func lowestByID(files []FileMeta) FileMeta {
	winner := files[0]
	for _, f := range files[1:] {
		if f.ID < winner.ID {
			winner = f
		}
	}
	return winner
}
