package fileservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/version"
)

// Client implements Service against a handler created by NewHandler.
// Transport failures are returned as file.read_failed / file.write_failed
// coded errors; they never masquerade as conflicts.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the file API mounted at baseURL
// (for example "http://127.0.0.1:7171/api/files").
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) endpoint(route, path string) string {
	u := c.baseURL + route
	if path != "" {
		u += "?path=" + url.QueryEscape(path)
	}
	return u
}

// Read fetches a file.
func (c *Client) Read(ctx context.Context, path string) (*ReadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/content", path), nil)
	if err != nil {
		return nil, apperrors.Internal("build read request", err)
	}

	var res ReadResult
	if err := c.do(req, apperrors.CodeFileReadFailed, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Write stores a file. An Unsynced expected token sends no If-Match header.
func (c *Client) Write(ctx context.Context, path, content string, enc Encoding, expected version.Token) (*WriteResult, error) {
	body, err := json.Marshal(writeRequest{Content: content, Encoding: enc})
	if err != nil {
		return nil, apperrors.Internal("encode write request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint("/content", path), bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Internal("build write request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if etag, ok := expected.Value(); ok {
		req.Header.Set("If-Match", etag)
	}

	var res WriteResult
	if err := c.do(req, apperrors.CodeFileWriteFailed, &res); err != nil {
		if conflict, ok := AsConflict(err); ok {
			conflict.Path = path
		}
		return nil, err
	}
	return &res, nil
}

// List fetches folder entries.
func (c *Client) List(ctx context.Context, path string) ([]FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/list", path), nil)
	if err != nil {
		return nil, apperrors.Internal("build list request", err)
	}

	var res struct {
		Entries []FileInfo `json:"entries"`
	}
	if err := c.do(req, apperrors.CodeFileReadFailed, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// CreateFolder creates a folder.
func (c *Client) CreateFolder(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/folder", path), nil)
	if err != nil {
		return apperrors.Internal("build folder request", err)
	}
	return c.do(req, apperrors.CodeFileWriteFailed, nil)
}

// Delete removes a file or folder.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/entry", path), nil)
	if err != nil {
		return apperrors.Internal("build delete request", err)
	}
	return c.do(req, apperrors.CodeFileWriteFailed, nil)
}

// Rename moves a file or folder.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	body, err := json.Marshal(renameRequest{OldPath: oldPath, NewPath: newPath})
	if err != nil {
		return apperrors.Internal("encode rename request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/rename", ""), bytes.NewReader(body))
	if err != nil {
		return apperrors.Internal("build rename request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, apperrors.CodeFileWriteFailed, nil)
}

// do executes req and decodes a successful body into out (when non-nil).
// failCode classifies transport failures.
func (c *Client) do(req *http.Request, failCode string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(failCode, fmt.Sprintf("%s %s", req.Method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp, failCode)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(failCode, "decode response", err)
	}
	return nil
}

func decodeError(resp *http.Response, failCode string) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
		return apperrors.New(failCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	if resp.StatusCode == http.StatusConflict && body.Reason != "" {
		return &ConflictError{
			Reason:          ConflictReason(body.Reason),
			Message:         body.Message,
			CurrentContent:  body.CurrentContent,
			CurrentEncoding: body.CurrentEnc,
			CurrentToken:    body.CurrentETag,
		}
	}
	return apperrors.New(body.Code, body.Message)
}
