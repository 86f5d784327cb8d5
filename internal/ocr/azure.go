package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// Azure calls the Azure AI Document Intelligence analyze REST API.
type Azure struct {
	Endpoint     string
	APIKey       string
	Model        string // defaults to prebuilt-layout
	APIVersion   string // defaults to 2024-11-30
	PollInterval time.Duration
	HTTPClient   *http.Client
}

func (a *Azure) Name() string { return "azure" }

type azureAnalyzeResult struct {
	Status        string `json:"status"`
	AnalyzeResult struct {
		Pages []struct {
			PageNumber int `json:"pageNumber"`
			Lines      []struct {
				Content string `json:"content"`
			} `json:"lines"`
			Words []struct {
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"pages"`
		Tables []struct {
			RowCount    int `json:"rowCount"`
			ColumnCount int `json:"columnCount"`
			Cells       []struct {
				RowIndex    int    `json:"rowIndex"`
				ColumnIndex int    `json:"columnIndex"`
				Content     string `json:"content"`
			} `json:"cells"`
			BoundingRegions []struct {
				PageNumber int `json:"pageNumber"`
			} `json:"boundingRegions"`
		} `json:"tables"`
	} `json:"analyzeResult"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Azure) Extract(ctx context.Context, paths []string) (invoice.OCRResult, error) {
	if a.Endpoint == "" || a.APIKey == "" {
		return invoice.OCRResult{}, fmt.Errorf("azure: %w", ErrEngineUnavailable)
	}

	res := invoice.OCRResult{RawEngineTrace: map[string]string{"engine": "azure", "model": a.model()}}
	var confSum float64
	var confN int
	pageOffset := 0
	for _, path := range paths {
		out, err := a.analyze(ctx, path)
		if err != nil {
			return invoice.OCRResult{}, fmt.Errorf("azure: %w", err)
		}
		for _, p := range out.AnalyzeResult.Pages {
			lines := make([]string, 0, len(p.Lines))
			for _, l := range p.Lines {
				lines = append(lines, l.Content)
			}
			res.Pages = append(res.Pages, invoice.Page{PageNumber: pageOffset + p.PageNumber, Text: strings.Join(lines, "\n")})
			for _, w := range p.Words {
				confSum += w.Confidence
				confN++
			}
		}
		for _, t := range out.AnalyzeResult.Tables {
			if t.RowCount <= 0 || t.ColumnCount <= 0 {
				continue
			}
			cells := make([][]string, t.RowCount)
			for i := range cells {
				cells[i] = make([]string, t.ColumnCount)
			}
			for _, c := range t.Cells {
				if c.RowIndex < t.RowCount && c.ColumnIndex < t.ColumnCount {
					cells[c.RowIndex][c.ColumnIndex] = c.Content
				}
			}
			page := 1
			if len(t.BoundingRegions) > 0 {
				page = t.BoundingRegions[0].PageNumber
			}
			res.Tables = append(res.Tables, invoice.Table{PageNumber: pageOffset + page, Cells: cells})
		}
		pageOffset += len(out.AnalyzeResult.Pages)
	}
	if confN > 0 {
		res.AvgConfidence = confSum / float64(confN)
	}
	return res, nil
}

func (a *Azure) analyze(ctx context.Context, path string) (azureAnalyzeResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return azureAnalyzeResult{}, err
	}
	body, err := json.Marshal(map[string]string{"base64Source": base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return azureAnalyzeResult{}, err
	}

	url := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		strings.TrimRight(a.Endpoint, "/"), a.model(), a.apiVersion())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return azureAnalyzeResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", a.APIKey)

	resp, err := a.client().Do(req)
	if err != nil {
		return azureAnalyzeResult{}, fmt.Errorf("submitting document: %w", err)
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return azureAnalyzeResult{}, fmt.Errorf("analyze returned status %d: %s", resp.StatusCode, truncate(string(respBody), 512))
	}
	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return azureAnalyzeResult{}, fmt.Errorf("analyze response has no Operation-Location")
	}

	interval := a.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		out, done, err := a.poll(ctx, opURL)
		if err != nil || done {
			return out, err
		}
		select {
		case <-ctx.Done():
			return azureAnalyzeResult{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (a *Azure) poll(ctx context.Context, opURL string) (azureAnalyzeResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opURL, nil)
	if err != nil {
		return azureAnalyzeResult{}, false, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", a.APIKey)
	resp, err := a.client().Do(req)
	if err != nil {
		return azureAnalyzeResult{}, false, fmt.Errorf("polling analysis: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return azureAnalyzeResult{}, false, fmt.Errorf("poll returned status %d: %s", resp.StatusCode, string(b))
	}

	var out azureAnalyzeResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return azureAnalyzeResult{}, false, fmt.Errorf("decoding analysis: %w", err)
	}
	switch strings.ToLower(out.Status) {
	case "succeeded":
		return out, true, nil
	case "failed", "canceled":
		msg := out.Status
		if out.Error != nil {
			msg = out.Error.Code + ": " + out.Error.Message
		}
		return azureAnalyzeResult{}, true, fmt.Errorf("analysis %s", msg)
	}
	return azureAnalyzeResult{}, false, nil
}

func (a *Azure) model() string {
	if a.Model == "" {
		return "prebuilt-layout"
	}
	return a.Model
}

func (a *Azure) apiVersion() string {
	if a.APIVersion == "" {
		return "2024-11-30"
	}
	return a.APIVersion
}

func (a *Azure) client() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}
