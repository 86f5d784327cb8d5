package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/llm"
)

const visionPrompt = `Transcribe all text on this invoice page exactly as printed, preserving line breaks and table rows.
Respond with JSON only: {"text": "<transcription>", "confidence": <0..1 estimate of transcription accuracy>}`

// Vision is an OCR engine backed by an OpenAI-compatible multimodal chat
// endpoint. Typhoon OCR and GPT vision models are both served this way.
type Vision struct {
	name   string
	model  string
	client *openai.Client
}

// VisionConfig configures one vision engine. Without an API key the engine
// reports itself unavailable.
type VisionConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewVision(name string, cfg VisionConfig) *Vision {
	v := &Vision{name: name, model: cfg.Model}
	if cfg.APIKey == "" || cfg.Model == "" {
		return v
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(1)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	v.client = &client
	return v
}

func (v *Vision) Name() string { return v.name }

func (v *Vision) Extract(ctx context.Context, paths []string) (invoice.OCRResult, error) {
	if v.client == nil {
		return invoice.OCRResult{}, fmt.Errorf("%s: %w", v.name, ErrEngineUnavailable)
	}
	var pages []invoice.Page
	var confSum float64
	for i, path := range paths {
		text, conf, err := v.transcribe(ctx, path)
		if err != nil {
			return invoice.OCRResult{}, fmt.Errorf("%s: page %d: %w", v.name, i+1, err)
		}
		pages = append(pages, invoice.Page{PageNumber: i + 1, Text: text})
		confSum += conf
	}
	if len(pages) == 0 {
		return invoice.OCRResult{}, fmt.Errorf("%s: no input pages", v.name)
	}
	return invoice.OCRResult{
		AvgConfidence:  confSum / float64(len(pages)),
		Pages:          pages,
		RawEngineTrace: map[string]string{"engine": v.name, "model": v.model},
	}, nil
}

func (v *Vision) transcribe(ctx context.Context, path string) (string, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	dataURL := "data:" + imageMIME(path, data) + ";base64," + base64.StdEncoding.EncodeToString(data)

	resp, err := v.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: v.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(visionPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
			}),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return "", 0, err
	}
	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("empty response")
	}
	return parseVisionReply(resp.Choices[0].Message.Content)
}

// parseVisionReply accepts the requested JSON shape and falls back to the
// raw reply scored by the text heuristic.
func parseVisionReply(content string) (string, float64, error) {
	var reply struct {
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence"`
	}
	body := llm.StripCodeFences(content)
	if err := json.Unmarshal([]byte(body), &reply); err == nil && reply.Text != "" {
		conf := heuristicConfidence(reply.Text)
		if reply.Confidence != nil && *reply.Confidence >= 0 && *reply.Confidence <= 1 {
			conf = *reply.Confidence
		}
		return reply.Text, conf, nil
	}
	text := strings.TrimSpace(content)
	return text, heuristicConfidence(text), nil
}

func imageMIME(path string, data []byte) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	}
	return http.DetectContentType(data)
}
