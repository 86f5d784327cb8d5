package ocr

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// Tesseract runs the tesseract CLI in TSV mode, which yields both the
// words and their confidences in one pass.
type Tesseract struct {
	Binary      string
	Lang        string
	TessdataDir string
	PSM         int
	Runner      Runner
}

func (t *Tesseract) Name() string { return "tesseract" }

func (t *Tesseract) Extract(ctx context.Context, paths []string) (invoice.OCRResult, error) {
	if t.Binary == "" {
		return invoice.OCRResult{}, fmt.Errorf("tesseract: %w", ErrEngineUnavailable)
	}
	runner := t.Runner
	if runner == nil {
		runner = ExecRunner()
	}

	var pages []invoice.Page
	var confSum float64
	for i, path := range paths {
		args := []string{path, "stdout", "-l", t.lang()}
		if t.PSM > 0 {
			args = append(args, "--psm", strconv.Itoa(t.PSM))
		}
		if t.TessdataDir != "" {
			args = append(args, "--tessdata-dir", t.TessdataDir)
		}
		args = append(args, "tsv")

		out, errb, err := runner.Run(ctx, t.Binary, args...)
		if err != nil {
			return invoice.OCRResult{}, fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 512))
		}
		text, wordConf := parseTesseractTSV(string(out))

		// Blend engine confidence with the text heuristic, weighting the engine higher.
		conf := heuristicConfidence(text)
		if wordConf > 0 {
			conf = 0.7*wordConf + 0.3*conf
		}
		if conf > 1 {
			conf = 1
		}
		confSum += conf
		pages = append(pages, invoice.Page{PageNumber: i + 1, Text: text})
	}
	if len(pages) == 0 {
		return invoice.OCRResult{}, fmt.Errorf("tesseract: no input pages")
	}
	return invoice.OCRResult{
		AvgConfidence:  confSum / float64(len(pages)),
		Pages:          pages,
		RawEngineTrace: map[string]string{"engine": "tesseract"},
	}, nil
}

func (t *Tesseract) lang() string {
	if t.Lang == "" {
		return "eng"
	}
	return t.Lang
}

// parseTesseractTSV rebuilds the page text line by line and returns the
// mean word confidence in 0..1. Columns: level page_num block_num par_num
// line_num word_num left top width height conf text.
func parseTesseractTSV(tsv string) (string, float64) {
	var b strings.Builder
	var lineKey string
	var sum, n float64

	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue
		}
		cols := strings.Split(strings.TrimRight(ln, "\r"), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		key := cols[2] + "/" + cols[3] + "/" + cols[4]
		switch {
		case b.Len() == 0:
		case key != lineKey:
			b.WriteByte('\n')
		default:
			b.WriteByte(' ')
		}
		lineKey = key
		b.WriteString(word)

		if v, err := strconv.ParseFloat(cols[10], 64); err == nil && v >= 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return b.String(), 0
	}
	return b.String(), sum / n / 100
}
