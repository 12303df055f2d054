// Package document turns uploaded requirement documents into plain
// text for the analysis workflow.
package document

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Stage is one extraction attempt. Stages run in order until one
// yields non-empty text.
type Stage struct {
	Name    string
	Extract func(ctx context.Context, path string) (string, error)
}

// Extractor reads requirement documents. PDFs go through a fallback
// chain (in-process extraction twice, then the pdftotext binary);
// anything else is read as-is.
type Extractor struct {
	logger *slog.Logger
	stages []Stage
}

func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		logger: logger,
		stages: []Stage{
			{Name: "pdf-pages", Extract: extractByPage},
			{Name: "pdf-plaintext", Extract: extractWholeDoc},
			{Name: "pdftotext", Extract: extractWithPdftotext},
		},
	}
}

// WithStages replaces the fallback chain. Tests use it to exercise the
// chain without real PDF fixtures.
func (e *Extractor) WithStages(stages ...Stage) *Extractor {
	e.stages = stages
	return e
}

// Extract returns the document's text content.
func (e *Extractor) Extract(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("requirement document: %w", err)
	}

	if strings.ToLower(filepath.Ext(path)) != ".pdf" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read document: %w", err)
		}
		return string(b), nil
	}

	var lastErr error
	for _, stage := range e.stages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text, err := stage.Extract(ctx, path)
		if err != nil {
			e.logger.Warn("pdf extraction stage failed", "stage", stage.Name, "path", path, "error", err)
			lastErr = err
			continue
		}
		if strings.TrimSpace(text) == "" {
			e.logger.Warn("pdf extraction stage produced no text", "stage", stage.Name, "path", path)
			lastErr = fmt.Errorf("%s: extracted no text", stage.Name)
			continue
		}
		e.logger.Info("pdf text extracted", "stage", stage.Name, "path", path, "chars", len(text))
		return text, nil
	}
	return "", fmt.Errorf("extract %s: all stages failed: %w", filepath.Base(path), lastErr)
}

// extractByPage walks pages individually, skipping the unreadable ones.
func extractByPage(_ context.Context, path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return text.String(), nil
}

// extractWholeDoc asks the library for the document in one pass, which
// sometimes succeeds where the page walk returns nothing.
func extractWholeDoc(_ context.Context, path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("plain text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return "", fmt.Errorf("read plain text: %w", err)
	}
	return buf.String(), nil
}

// extractWithPdftotext shells out to poppler's pdftotext as the last
// resort, writing to stdout.
func extractWithPdftotext(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "pdftotext", path, "-")
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftotext: %w: %s", err, strings.TrimSpace(errBuf.String()))
	}
	return out.String(), nil
}
