package recognize

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Ollama implements the Recognizer interface using a local Ollama vision
// model. llava and qwen2-vl transcribe receipts reasonably well; smaller
// models tend to drop lines.
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama Recognizer instance
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL: baseURL,
		model:   modelName,
		client: &http.Client{
			Timeout: 120 * time.Second, // vision models can be slow
		},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Images   []string        `json:"images,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// RecognizeText transcribes the text in a receipt image
func (o *Ollama) RecognizeText(imageData []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	finalImageData, _, _, err := prepareImageData(imageData, contentType)
	if err != nil {
		return "", err
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "system",
				Content: "You are an expert at reading receipts and invoices. Transcribe all text in images accurately and completely.",
			},
			{
				Role:    "user",
				Content: transcriptionPrompt,
			},
		},
		Images: []string{base64.StdEncoding.EncodeToString(finalImageData)},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/api/chat", o.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, string(body))
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return stripCodeFences(chatResp.Message.Content), nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
