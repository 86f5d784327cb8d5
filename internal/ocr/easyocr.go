package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// EasyOCR shells out to the easyocr CLI. It reports no confidence of its
// own, so the text heuristic is used.
type EasyOCR struct {
	Binary    string
	Languages []string
	GPU       bool
	Runner    Runner
}

func (e *EasyOCR) Name() string { return "easyocr" }

func (e *EasyOCR) Extract(ctx context.Context, paths []string) (invoice.OCRResult, error) {
	if e.Binary == "" {
		return invoice.OCRResult{}, fmt.Errorf("easyocr: %w", ErrEngineUnavailable)
	}
	runner := e.Runner
	if runner == nil {
		runner = ExecRunner()
	}
	langs := e.Languages
	if len(langs) == 0 {
		langs = []string{"en"}
	}

	var pages []invoice.Page
	var confSum float64
	for i, path := range paths {
		args := []string{"-l"}
		args = append(args, langs...)
		args = append(args, "-f", path, "--detail", "0", "--gpu", fmt.Sprintf("%t", e.GPU))

		out, errb, err := runner.Run(ctx, e.Binary, args...)
		if err != nil {
			return invoice.OCRResult{}, fmt.Errorf("easyocr: %w: %s", err, truncate(string(errb), 512))
		}
		var lines []string
		for _, ln := range strings.Split(string(out), "\n") {
			if ln = strings.TrimSpace(ln); ln != "" {
				lines = append(lines, ln)
			}
		}
		text := strings.Join(lines, "\n")
		confSum += heuristicConfidence(text)
		pages = append(pages, invoice.Page{PageNumber: i + 1, Text: text})
	}
	if len(pages) == 0 {
		return invoice.OCRResult{}, fmt.Errorf("easyocr: no input pages")
	}
	return invoice.OCRResult{
		AvgConfidence:  confSum / float64(len(pages)),
		Pages:          pages,
		RawEngineTrace: map[string]string{"engine": "easyocr"},
	}, nil
}
