package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/beverly/tryon-server/internal/module/generation"
)

// Config holds provider connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// GeminiAdapter calls a Gemini-style generateContent endpoint to
// composite the user's photo with the chosen garment reference.
type GeminiAdapter struct {
	client *http.Client
	cfg    Config
}

// NewGeminiAdapter creates a new adapter with the given HTTP client.
func NewGeminiAdapter(client *http.Client, cfg Config) *GeminiAdapter {
	return &GeminiAdapter{client: client, cfg: cfg}
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// Generate runs one image generation call and returns the raw image
// bytes of the first inline image part in the response.
func (a *GeminiAdapter) Generate(ctx context.Context, sel *generation.Selection) ([]byte, error) {
	parts := []geminiPart{{Text: buildPrompt(sel)}}
	if len(sel.PersonImage) > 0 {
		parts = append(parts, inlinePart(sel.PersonImage, sel.PersonMIME))
	}
	if len(sel.GarmentImage) > 0 {
		parts = append(parts, inlinePart(sel.GarmentImage, sel.GarmentMIME))
	}

	body, err := json.Marshal(&geminiRequest{
		Contents: []geminiContent{{Parts: parts}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.cfg.BaseURL, a.cfg.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", a.cfg.APIKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var geminiResp geminiResponse
	if err := json.Unmarshal(respBody, &geminiResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if geminiResp.Error != nil {
		return nil, fmt.Errorf("provider error: %s (%s)", geminiResp.Error.Message, geminiResp.Error.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	for _, cand := range geminiResp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			img, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("decode image data: %w", err)
			}
			return img, nil
		}
	}

	return nil, fmt.Errorf("provider returned no image data")
}

func inlinePart(data []byte, mime string) geminiPart {
	if mime == "" {
		mime = "image/jpeg"
	}
	return geminiPart{
		InlineData: &geminiInlineData{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		},
	}
}

// buildPrompt assembles the edit instruction for the model. The first
// image is the person photo, the second the garment reference.
func buildPrompt(sel *generation.Selection) string {
	var b strings.Builder
	b.WriteString("You will edit the FIRST image (the person photo).\n")
	b.WriteString("Replace ONLY the garment on the person using the SECOND image as the exact visual reference.\n")
	b.WriteString("Match color, print placement, scale and orientation exactly. Keep everything else unchanged.\n")
	fmt.Fprintf(&b, "Garment: %s, color: %s, print: %s.\n", sel.Product, sel.Color, sel.Print)
	b.WriteString("Generate a single high-quality image, around 2048 px on the longest side.")
	return b.String()
}

// Compile-time check
var _ generation.Generator = (*GeminiAdapter)(nil)
