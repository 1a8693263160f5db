// Package remote talks to the spreadsheet-backed sink: one Apps Script style
// endpoint that stores structured rows and image payloads behind action
// query parameters.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotConfigured is returned when no endpoint URL is set. Callers fail
// fast without a network round-trip.
var ErrNotConfigured = errors.New("remote endpoint not configured")

// Row is the structured payload submitted to the remote row sink
type Row struct {
	Date           string `json:"date"`
	Description    string `json:"description"`
	DocumentNumber string `json:"documentNumber"`
	Project        string `json:"project"`
	Amount         string `json:"amount"`
	Requester      string `json:"requester"`
	PhotoRef       string `json:"photoRef"`
}

// RowSink defines the interface for the remote structured-data sink
type RowSink interface {
	// AddRow submits one record as a single write. Anything but an explicit
	// success signal is a failure.
	AddRow(ctx context.Context, row Row) error
}

// AssetSink defines the interface for the remote image sink
type AssetSink interface {
	// UploadImage stores an image payload under a filename hint and returns
	// a reference string for it.
	UploadImage(ctx context.Context, imageData string, filename string) (string, error)
}

// ScriptClient implements RowSink and AssetSink against an Apps Script
// deployment
type ScriptClient struct {
	scriptURL string
	client    *http.Client
}

// NewScriptClient creates a new ScriptClient. An empty URL is valid: row
// submissions then fail fast with ErrNotConfigured and image uploads fall
// back to passing the payload through as its own reference.
func NewScriptClient(scriptURL string) *ScriptClient {
	return &ScriptClient{
		scriptURL: scriptURL,
		client: &http.Client{
			Timeout: 60 * time.Second, // Apps Script cold starts are slow
		},
	}
}

// scriptResponse is the success-flag envelope the script responds with
type scriptResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// post sends a JSON body to the script with the given action parameter
func (c *ScriptClient) post(ctx context.Context, action string, body any) (*scriptResponse, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s?action=%s", c.scriptURL, action)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling script endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("script endpoint error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var scriptResp scriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&scriptResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &scriptResp, nil
}

// AddRow submits one record to the spreadsheet
func (c *ScriptClient) AddRow(ctx context.Context, row Row) error {
	if c.scriptURL == "" {
		return ErrNotConfigured
	}

	resp, err := c.post(ctx, "addRow", row)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("script rejected row: %s", resp.Error)
	}
	return nil
}

// uploadRequest is the image upload payload
type uploadRequest struct {
	ImageData string `json:"imageData"`
	Filename  string `json:"filename"`
}

// UploadImage stores an image payload and returns its URL. Without a
// configured endpoint the raw payload is returned as the reference so the
// sync flow never blocks on this collaborator's absence.
func (c *ScriptClient) UploadImage(ctx context.Context, imageData string, filename string) (string, error) {
	if c.scriptURL == "" {
		return imageData, nil
	}

	resp, err := c.post(ctx, "uploadImage", uploadRequest{ImageData: imageData, Filename: filename})
	if err != nil {
		return "", err
	}
	if !resp.Success || resp.URL == "" {
		return "", fmt.Errorf("script rejected image: %s", resp.Error)
	}
	return resp.URL, nil
}
