// Package ocr turns invoice documents into text. Native PDFs and DOCX files
// are read directly; images and scanned PDFs go through a cascade of OCR
// engines ordered from most to least accurate.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kalambet/invoiceflow/internal/invoice"
)

// ErrEngineUnavailable is returned by engines that are not configured.
var ErrEngineUnavailable = errors.New("ocr engine unavailable")

// Trace values recorded per engine.
const (
	TraceAttempted   = "attempted"
	TraceSuccess     = "success"
	TraceAllFailed   = "all engines failed"
	traceFinalStatus = "final_status"
)

// DefaultNativeTextThreshold is the average characters per page above which
// a PDF is treated as born-digital.
const DefaultNativeTextThreshold = 50

// Engine extracts text from one or more page images.
type Engine interface {
	Name() string
	Extract(ctx context.Context, paths []string) (invoice.OCRResult, error)
}

// Stage is an engine and the minimum confidence its result must reach.
type Stage struct {
	Engine    Engine
	Threshold float64
}

// Default cascade thresholds.
const (
	ThresholdTyphoon   = 0.80
	ThresholdGPTVision = 0.75
	ThresholdAzure     = 0.75
	ThresholdTesseract = 0.60
	ThresholdEasyOCR   = 0.0
)

// DefaultStages orders the engines as typhoon, gpt_vision, azure,
// tesseract, easyocr. Nil engines are kept as unavailable stages so the
// trace always lists all five.
func DefaultStages(typhoon, gptVision, azure, tesseract, easyocr Engine) []Stage {
	pick := func(e Engine, name string) Engine {
		if e == nil {
			return Unavailable(name)
		}
		return e
	}
	return []Stage{
		{Engine: pick(typhoon, "typhoon"), Threshold: ThresholdTyphoon},
		{Engine: pick(gptVision, "gpt_vision"), Threshold: ThresholdGPTVision},
		{Engine: pick(azure, "azure"), Threshold: ThresholdAzure},
		{Engine: pick(tesseract, "tesseract"), Threshold: ThresholdTesseract},
		{Engine: pick(easyocr, "easyocr"), Threshold: ThresholdEasyOCR},
	}
}

// Unavailable returns an engine that always fails with ErrEngineUnavailable.
func Unavailable(name string) Engine {
	return unavailableEngine(name)
}

type unavailableEngine string

func (u unavailableEngine) Name() string { return string(u) }

func (u unavailableEngine) Extract(context.Context, []string) (invoice.OCRResult, error) {
	return invoice.OCRResult{}, fmt.Errorf("%s: %w", string(u), ErrEngineUnavailable)
}

// Config tunes the resolver.
type Config struct {
	NativeTextThreshold float64
	// Pdftoppm rasterizes scanned PDFs before the image cascade. Empty
	// hands the PDF path to the engines unchanged.
	Pdftoppm string
	DPI      int
	MaxPages int
	Runner   Runner
}

// Resolver picks the extraction strategy for a file and runs the cascade.
type Resolver struct {
	cfg    Config
	stages []Stage
	logger *slog.Logger
}

func NewResolver(cfg Config, stages []Stage, logger *slog.Logger) *Resolver {
	if cfg.NativeTextThreshold <= 0 {
		cfg.NativeTextThreshold = DefaultNativeTextThreshold
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cfg: cfg, stages: stages, logger: logger}
}

// Engines returns the cascade engine names in order.
func (r *Resolver) Engines() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Engine.Name()
	}
	return names
}

// SupportedExtensions lists every extension Resolve accepts.
func SupportedExtensions() []string {
	exts := []string{"pdf", "docx"}
	for e := range imageExtensions {
		exts = append(exts, e)
	}
	sort.Strings(exts[2:])
	return exts
}

var imageExtensions = map[string]bool{
	"png": true, "jpg": true, "jpeg": true, "tiff": true, "bmp": true, "webp": true,
}

// NormalizeExtension lowercases ext and strips a leading dot. An empty ext
// is taken from path.
func NormalizeExtension(path, ext string) string {
	if strings.TrimSpace(ext) == "" {
		ext = filepath.Ext(path)
	}
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
}

// Resolve extracts text from path. It never returns an error: failures are
// reported as a FAILED_OCR result with the reason in the trace.
func (r *Resolver) Resolve(ctx context.Context, path, ext string) invoice.OCRResult {
	ext = NormalizeExtension(path, ext)
	switch {
	case ext == "pdf":
		return r.resolvePDF(ctx, path)
	case ext == "docx":
		res, err := ExtractDOCX(path)
		if err != nil {
			return failed(map[string]string{"docx_error": err.Error()})
		}
		return res
	case imageExtensions[ext]:
		return r.Cascade(ctx, []string{path})
	}
	return failed(map[string]string{"error": "Unsupported file extension: " + ext})
}

func (r *Resolver) resolvePDF(ctx context.Context, path string) invoice.OCRResult {
	pages, tables, err := PDFText(path)
	if err != nil {
		return failed(map[string]string{"pdf_error": err.Error()})
	}
	var chars int
	for _, p := range pages {
		chars += len([]rune(p.Text))
	}
	if len(pages) > 0 && float64(chars)/float64(len(pages)) > r.cfg.NativeTextThreshold {
		r.logger.Debug("pdf detected as native", "path", path, "pages", len(pages))
		return invoice.OCRResult{
			Status:         invoice.StatusOCRDone,
			AvgConfidence:  0.95,
			Pages:          pages,
			Tables:         tables,
			RawEngineTrace: map[string]string{"engine": "pdf-native", "strategy": "native_text"},
		}
	}

	r.logger.Debug("pdf detected as scanned, cascading", "path", path)
	images, cleanup, err := r.rasterize(ctx, path)
	if cleanup != nil {
		defer cleanup()
	}
	if err != nil {
		r.logger.Warn("pdf rasterization failed, passing document to engines", "path", path, "error", err)
		images = []string{path}
	}
	res := r.Cascade(ctx, images)
	res.RawEngineTrace["strategy"] = "scanned"
	return res
}

// rasterize renders PDF pages to PNG files with pdftoppm.
func (r *Resolver) rasterize(ctx context.Context, path string) ([]string, func(), error) {
	if r.cfg.Pdftoppm == "" {
		return nil, nil, fmt.Errorf("pdftoppm: %w", ErrEngineUnavailable)
	}
	tmpDir, err := os.MkdirTemp("", "invoiceflow-pdf-*")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }

	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-r", fmt.Sprintf("%d", r.cfg.DPI), "-png", path, prefix}
	if _, errb, err := r.cfg.Runner.Run(ctx, r.cfg.Pdftoppm, args...); err != nil {
		return nil, cleanup, fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 512))
	}
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if r.cfg.MaxPages > 0 && len(matches) > r.cfg.MaxPages {
		matches = matches[:r.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return nil, cleanup, errors.New("pdftoppm produced no images")
	}
	return matches, cleanup, nil
}

// Cascade tries each stage in order and returns the first result whose
// confidence reaches the stage threshold.
func (r *Resolver) Cascade(ctx context.Context, paths []string) invoice.OCRResult {
	trace := make(map[string]string, len(r.stages)+1)
	for _, st := range r.stages {
		name := st.Engine.Name()
		trace[name] = TraceAttempted

		res, err := st.Engine.Extract(ctx, paths)
		switch {
		case err != nil:
			if errors.Is(err, ErrEngineUnavailable) {
				r.logger.Debug("ocr engine unavailable", "engine", name)
			} else {
				r.logger.Warn("ocr engine failed", "engine", name, "error", err)
			}
		case !hasText(res.Pages):
			r.logger.Debug("ocr engine returned no text", "engine", name)
		case res.AvgConfidence < st.Threshold:
			r.logger.Debug("ocr engine below threshold", "engine", name, "confidence", res.AvgConfidence, "threshold", st.Threshold)
		default:
			trace[name] = TraceSuccess
			if res.RawEngineTrace == nil {
				res.RawEngineTrace = make(map[string]string, len(trace))
			}
			if _, ok := res.RawEngineTrace["engine"]; !ok {
				res.RawEngineTrace["engine"] = name
			}
			for k, v := range trace {
				res.RawEngineTrace[k] = v
			}
			if res.Tables == nil {
				res.Tables = []invoice.Table{}
			}
			res.Status = invoice.StatusOCRDone
			return res
		}
		if ctx.Err() != nil {
			break
		}
	}
	trace[traceFinalStatus] = TraceAllFailed
	return failed(trace)
}

func failed(trace map[string]string) invoice.OCRResult {
	return invoice.OCRResult{
		Status:         invoice.StatusFailedOCR,
		AvgConfidence:  0,
		Pages:          []invoice.Page{},
		Tables:         []invoice.Table{},
		RawEngineTrace: trace,
	}
}

func hasText(pages []invoice.Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}
