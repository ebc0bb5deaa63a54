// Package inference is the thin client for the external inference backend:
// one call to ingest a document (returning a time-limited handle) and one to
// extract a schedule for an entity. The protocol is the backend's concern;
// nothing here carries invariants.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dleitner/syllaparse/internal/model"
)

// Handle is the backend-issued reference to an ingested document, valid for
// a bounded time.
type Handle struct {
	ID        string
	ExpiresAt time.Time
}

// Uploader ingests a document with the backend.
type Uploader interface {
	Upload(ctx context.Context, r io.Reader, size int64, filename string) (Handle, error)
}

// Extractor runs schedule extraction against an uploaded document.
type Extractor interface {
	Extract(ctx context.Context, handle, entityName, documentText string) (model.Schedule, error)
}

// Client talks JSON over HTTP to the inference backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient constructs a Client for baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

type uploadResponse struct {
	Handle    string    `json:"handle"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Upload streams the document to the backend and returns the issued handle.
func (c *Client) Upload(ctx context.Context, r io.Reader, size int64, filename string) (Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/files", r)
	if err != nil {
		return Handle{}, fmt.Errorf("build upload request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("X-File-Name", filename)
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return Handle{}, fmt.Errorf("upload document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Handle{}, fmt.Errorf("upload document: unexpected status %s", resp.Status)
	}
	var out uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Handle{}, fmt.Errorf("decode upload response: %w", err)
	}
	return Handle{ID: out.Handle, ExpiresAt: out.ExpiresAt}, nil
}

type extractRequest struct {
	Handle     string `json:"handle"`
	EntityName string `json:"entityName"`
	Text       string `json:"text,omitempty"`
}

// Extract asks the backend for the schedule of entityName within the
// document behind handle.
func (c *Client) Extract(ctx context.Context, handle, entityName, documentText string) (model.Schedule, error) {
	body, err := json.Marshal(extractRequest{Handle: handle, EntityName: entityName, Text: documentText})
	if err != nil {
		return model.Schedule{}, fmt.Errorf("marshal extract request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return model.Schedule{}, fmt.Errorf("build extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return model.Schedule{}, fmt.Errorf("extract schedule: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.Schedule{}, fmt.Errorf("extract schedule: unexpected status %s", resp.Status)
	}
	var out model.Schedule
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.Schedule{}, fmt.Errorf("decode extract response: %w", err)
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
