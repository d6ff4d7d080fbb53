package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

const maxErrorBody = 1 << 20

// do sends one request with the client identity attached. Non-2xx responses are
// returned as *RequestError with the body drained and closed.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("clientId", c.clientID)
	u := fmt.Sprintf("%s%s?%s", c.baseURL(), path, query.Encode())

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordRequest(ctx, method, path, 0, time.Since(start).Seconds())
		return nil, classifyError(err)
	}
	c.metrics.RecordRequest(ctx, method, path, resp.StatusCode, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RequestError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       b,
		}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, query, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// postJSON sends in as the JSON body. A nil out discards the response body.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, http.MethodPost, path, nil, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) getBytes(ctx context.Context, path string, query url.Values) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, path, query, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", path, err)
	}
	return b, nil
}

func (c *Client) SystemStats(ctx context.Context) (*models.SystemStats, error) {
	var stats models.SystemStats
	if err := c.getJSON(ctx, "/system_stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) Embeddings(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.getJSON(ctx, "/embeddings", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *Client) Extensions(ctx context.Context) ([]string, error) {
	var paths []string
	if err := c.getJSON(ctx, "/extensions", nil, &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

// ObjectInfo returns node class definitions keyed by class name. An empty
// nodeClass lists every class.
func (c *Client) ObjectInfo(ctx context.Context, nodeClass string) (map[string]json.RawMessage, error) {
	path := "/object_info"
	if nodeClass != "" {
		path += "/" + url.PathEscape(nodeClass)
	}
	var info map[string]json.RawMessage
	if err := c.getJSON(ctx, path, nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) Queue(ctx context.Context) (*models.QueueStatus, error) {
	var qs models.QueueStatus
	if err := c.getJSON(ctx, "/queue", nil, &qs); err != nil {
		return nil, err
	}
	return &qs, nil
}

func (c *Client) PromptInfo(ctx context.Context) (*models.PromptInfo, error) {
	var info models.PromptInfo
	if err := c.getJSON(ctx, "/prompt", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// History returns finished prompts. maxItems <= 0 returns everything the
// backend keeps.
func (c *Client) History(ctx context.Context, maxItems int) (models.History, error) {
	var q url.Values
	if maxItems > 0 {
		q = url.Values{"max_items": {strconv.Itoa(maxItems)}}
	}
	h := models.History{}
	if err := c.getJSON(ctx, "/history", q, &h); err != nil {
		return nil, err
	}
	return h, nil
}

// HistoryFor returns the history entry of one prompt. The map is empty if the
// backend has no record of it.
func (c *Client) HistoryFor(ctx context.Context, promptID string) (models.History, error) {
	h := models.History{}
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), nil, &h); err != nil {
		return nil, err
	}
	return h, nil
}

// View downloads a stored file.
func (c *Client) View(ctx context.Context, ref models.ImageRef) ([]byte, error) {
	kind, err := models.ParseResourceKind(string(ref.Type))
	if err != nil {
		return nil, err
	}
	q := url.Values{
		"filename":  {ref.Filename},
		"subfolder": {ref.Subfolder},
		"type":      {string(kind)},
	}
	return c.getBytes(ctx, "/view", q)
}

// ViewMetadata returns the safetensors metadata of a model file in folder.
func (c *Client) ViewMetadata(ctx context.Context, folder, filename string) (json.RawMessage, error) {
	var meta json.RawMessage
	q := url.Values{"filename": {filename}}
	if err := c.getJSON(ctx, "/view_metadata/"+url.PathEscape(folder), q, &meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// UploadRequest describes a file to upload. Original is required for masks and
// names the image the mask applies to.
type UploadRequest struct {
	Filename  string
	Data      io.Reader
	Type      models.ResourceKind
	Subfolder string
	Overwrite bool
	Original  *models.ImageRef
}

func (c *Client) UploadImage(ctx context.Context, req UploadRequest) (*models.UploadResult, error) {
	return c.upload(ctx, "/upload/image", req)
}

func (c *Client) UploadMask(ctx context.Context, req UploadRequest) (*models.UploadResult, error) {
	if req.Original == nil {
		return nil, fmt.Errorf("upload mask: original image reference is required")
	}
	return c.upload(ctx, "/upload/mask", req)
}

func (c *Client) upload(ctx context.Context, path string, req UploadRequest) (*models.UploadResult, error) {
	if req.Filename == "" || req.Data == nil {
		return nil, fmt.Errorf("upload: filename and data are required")
	}
	kind, err := models.ParseResourceKind(string(req.Type))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}
	if _, err := io.Copy(part, req.Data); err != nil {
		return nil, fmt.Errorf("reading upload data: %w", err)
	}
	fields := map[string]string{
		"overwrite": strconv.FormatBool(req.Overwrite),
		"type":      string(kind),
		"subfolder": req.Subfolder,
	}
	if req.Original != nil {
		ref, err := json.Marshal(req.Original)
		if err != nil {
			return nil, fmt.Errorf("encoding original_ref: %w", err)
		}
		fields["original_ref"] = string(ref)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("building upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("building upload: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, path, nil, &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result models.UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", path, err)
	}
	return &result, nil
}

// Compile-time check that Client can back a Job.
var _ jobBackend = (*Client)(nil)
