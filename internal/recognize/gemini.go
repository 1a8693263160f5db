package recognize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Recognizer interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Recognizer instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// RecognizeText transcribes the text in a receipt image
func (g *Gemini) RecognizeText(imageData []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Normalize the payload to PNG first (handles PDF and HEIC)
	finalImageData, _, _, err := prepareImageData(imageData, contentType)
	if err != nil {
		return "", err
	}

	parts := []genai.Part{
		genai.ImageData("png", finalImageData),
		genai.Text(transcriptionPrompt),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	return stripCodeFences(text.String()), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}

// stripCodeFences removes markdown code blocks some models wrap output in
func stripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```text")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
