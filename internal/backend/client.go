// Package backend is the HTTP client for the remote compression API. The
// backend is an opaque collaborator: this gateway never inspects image
// bytes, it only ships them out and decodes the result envelope.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/microjpeg/gateway/internal/model"
)

// Settings is the JSON settings part of a compress request.
type Settings struct {
	Quality              int    `json:"quality"`
	OutputFormat         string `json:"outputFormat"`
	ResizeOption         string `json:"resizeOption"`
	CompressionAlgorithm string `json:"compressionAlgorithm"`
}

// File is one upload shipped to the backend.
type File struct {
	Name string
	Data []byte
}

type compressResponse struct {
	Results          []model.CompressionResult `json:"results"`
	BatchDownloadURL string                    `json:"batchDownloadUrl,omitempty"`
	Error            string                    `json:"error,omitempty"`
}

type zipResponse struct {
	BatchDownloadURL string `json:"batchDownloadUrl"`
	FileCount        int    `json:"fileCount"`
	Error            string `json:"error,omitempty"`
}

// ErrBackend wraps any failure reported by the compression backend itself
// (as opposed to transport failures).
var ErrBackend = errors.New("compression backend error")

const transportRetryDelay = 2 * time.Second

// Client talks to the compression backend. Timeout should come from the
// caller's tier; a zero Timeout means no client-side deadline.
type Client struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Compress posts the files with the given settings to POST /api/compress
// and returns the completed results plus an optional batch download URL.
// One retry is attempted on transport errors; HTTP-level failures are not
// retried, the backend has already seen the request.
func (c *Client) Compress(ctx context.Context, files []File, settings Settings) ([]model.CompressionResult, string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	body, contentType, err := buildMultipart(files, settings)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.post(ctx, "/api/compress", contentType, body)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, "", fmt.Errorf("%w: compress returned status %d: %s",
			ErrBackend, resp.StatusCode, string(preview))
	}

	var out compressResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("decode compress response: %w", err)
	}
	if out.Error != "" {
		return nil, "", fmt.Errorf("%w: %s", ErrBackend, out.Error)
	}
	return out.Results, out.BatchDownloadURL, nil
}

// CreateSessionZip posts the result IDs to POST /api/create-session-zip and
// returns the batch download URL and file count.
func (c *Client) CreateSessionZip(ctx context.Context, resultIDs []string) (string, int, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(map[string][]string{"resultIds": resultIDs})
	if err != nil {
		return "", 0, fmt.Errorf("marshal zip request: %w", err)
	}

	resp, err := c.post(ctx, "/api/create-session-zip", "application/json", payload)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return "", 0, fmt.Errorf("%w: create-session-zip returned status %d: %s",
			ErrBackend, resp.StatusCode, string(preview))
	}

	var out zipResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decode zip response: %w", err)
	}
	if out.Error != "" {
		return "", 0, fmt.Errorf("%w: %s", ErrBackend, out.Error)
	}
	return out.BatchDownloadURL, out.FileCount, nil
}

// MonthlyUsage fetches the authoritative monthly operation count for a
// visitor from GET /api/usage. The server-side count is the source of
// truth for monthly caps; local counters only mirror it.
func (c *Client) MonthlyUsage(ctx context.Context, visitorID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.BaseURL+"/api/usage?visitor="+visitorID, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("%w: usage returned status %d", ErrBackend, resp.StatusCode)
	}

	var out struct {
		MonthlyUsed int `json:"monthlyUsed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode usage response: %w", err)
	}
	return out.MonthlyUsed, nil
}

// post sends the payload, retrying once after a short delay when the
// transport itself fails.
func (c *Client) post(ctx context.Context, path, contentType string, payload []byte) (*http.Response, error) {
	url := c.BaseURL + path

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			slog.Warn("backend: retrying after transport error", "path", path, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(transportRetryDelay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.httpClient().Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("post %s: %w", path, lastErr)
}

func buildMultipart(files []File, settings Settings) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, "", fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("write form file: %w", err)
		}
	}

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, "", fmt.Errorf("marshal settings: %w", err)
	}
	if err := w.WriteField("settings", string(settingsJSON)); err != nil {
		return nil, "", fmt.Errorf("write settings field: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
