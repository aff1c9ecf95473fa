package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// MediaUpload is a binary payload destined for the media upload service
type MediaUpload struct {
	Filename string
	MimeType string
	Content  io.Reader
}

// Uploader is the media upload service consumed before any media send.
// A failed upload aborts the send before a socket event is emitted.
type Uploader interface {
	Upload(ctx context.Context, token string, up MediaUpload) (*MediaInfo, error)
}

// HTTPUploader posts multipart uploads to the media service
type HTTPUploader struct {
	uploadURL string
	client    *http.Client
}

func NewHTTPUploader(uploadURL string) *HTTPUploader {
	return &HTTPUploader{
		uploadURL: uploadURL,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (u *HTTPUploader) Upload(ctx context.Context, token string, up MediaUpload) (*MediaInfo, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", up.Filename)
	if err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.Copy(part, up.Content); err != nil {
		return nil, fmt.Errorf("read upload payload: %w", err)
	}
	if err := writer.WriteField("mime_type", up.MimeType); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upload response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: upload rejected", ErrNotAuthenticated)
	}
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, errResp.Error)
	}

	var info MediaInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("upload response carries no url")
	}
	return &info, nil
}
