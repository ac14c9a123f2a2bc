// Package imageupload implements the multipart HTTP client used to
// push images to the configured image server. This is the external
// collaborator spec.md §1 names only by interface, so it is built on
// net/http + mime/multipart (stdlib) — see DESIGN.md for why no pack
// library is wired here instead.
package imageupload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"time"
)

const (
	connectTimeout = 3 * time.Second
	readTimeout    = 3 * time.Second
)

type response struct {
	ResCd string `json:"rescd"`
}

// Client implements sender.ImageUploader against a single image server.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: connectTimeout + readTimeout,
		},
	}
}

// UploadFile reads the file at localPath and posts it as the "img"
// field, alongside the "img_path" field giving its intended remote
// location, returning true only on a "0" rescd.
func (c *Client) UploadFile(ctx context.Context, localPath, remoteDir, remoteFileName string) (bool, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return false, fmt.Errorf("imageupload: opening %s: %w", localPath, err)
	}
	defer f.Close()
	return c.upload(ctx, f, path.Base(localPath), remoteDir, remoteFileName)
}

// UploadBytes posts an in-memory buffer, used for vehicle_raw_4k
// records whose images never touch disk.
func (c *Client) UploadBytes(ctx context.Context, data []byte, remoteDir, remoteFileName string) (bool, error) {
	return c.upload(ctx, bytes.NewReader(data), remoteFileName, remoteDir, remoteFileName)
}

func (c *Client) upload(ctx context.Context, body io.Reader, fieldFilename, remoteDir, remoteFileName string) (bool, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("img", fieldFilename)
	if err != nil {
		return false, fmt.Errorf("imageupload: creating form file: %w", err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return false, fmt.Errorf("imageupload: copying image data: %w", err)
	}
	if err := writer.WriteField("img_path", path.Join(remoteDir, remoteFileName)); err != nil {
		return false, fmt.Errorf("imageupload: writing img_path field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return false, fmt.Errorf("imageupload: closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, &buf)
	if err != nil {
		return false, fmt.Errorf("imageupload: building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("imageupload: posting: %w", err)
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("imageupload: decoding response: %w", err)
	}
	return out.ResCd == "0", nil
}
