// Package ocr turns an uploaded document into per-page text. Two providers
// exist: text-layer extraction for formats that embed their text, and a
// vision-model pass over page images.
package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"ragbench/internal/config"
	"ragbench/internal/extract"
)

// Page is one OCR result unit.
type Page struct {
	PageNumber int
	Text       string
	ImagePath  string
}

// Provider produces ordered pages for an uploaded path. Zero pages is a
// stage-fatal condition handled by the caller.
type Provider interface {
	Run(ctx context.Context, path string) ([]Page, error)
}

// TextLayer extracts the document's own text layer (PDF, DOCX, XLSX, ODS,
// TXT).
type TextLayer struct{}

func (TextLayer) Run(_ context.Context, path string) ([]Page, error) {
	extracted, err := extract.ExtractPages(path)
	if err != nil {
		return nil, fmt.Errorf("text layer extraction: %w", err)
	}
	pages := make([]Page, len(extracted))
	for i, p := range extracted {
		pages[i] = Page{PageNumber: p.PageNumber, Text: p.Text}
	}
	return pages, nil
}

// ImageGenerator is the vision-capable generation backend.
type ImageGenerator interface {
	GenerateWithImage(ctx context.Context, model string, params config.LLMParams, prompt, mimeType string, image []byte) (string, error)
}

const visionPrompt = "Please perform OCR on this document image. " +
	"Extract ALL text content exactly as it appears, preserving the original formatting, " +
	"structure, and language. " +
	"Output ONLY the extracted text, no commentary."

// Vision sends page images to the vision model, one call per page. The input
// path is either a single image or a directory of page images ordered by
// filename.
type Vision struct {
	gen   ImageGenerator
	model string
}

func NewVision(gen ImageGenerator, model string) *Vision {
	return &Vision{gen: gen, model: model}
}

func (v *Vision) Run(ctx context.Context, path string) ([]Page, error) {
	paths, err := imagePaths(path)
	if err != nil {
		return nil, err
	}

	// OCR wants faithful transcription, not sampling variety.
	params := config.LLMParams{Temperature: 0, TopP: 1, MaxTokens: 12000}

	var pages []Page
	for i, imgPath := range paths {
		pageNum := i + 1
		log.Info().Int("page", pageNum).Int("total", len(paths)).Msg("vision OCR page")

		data, err := os.ReadFile(imgPath)
		if err != nil {
			return nil, err
		}
		text, err := v.gen.GenerateWithImage(ctx, v.model, params, visionPrompt, mimeType(imgPath), data)
		if err != nil {
			return nil, fmt.Errorf("vision OCR page %d: %w", pageNum, err)
		}
		pages = append(pages, Page{PageNumber: pageNum, Text: text, ImagePath: imgPath})
	}
	return pages, nil
}

func imagePaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !isImage(path) {
			return nil, fmt.Errorf("not a page image: %s", path)
		}
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isImage(e.Name()) {
			paths = append(paths, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no page images in %s", path)
	}
	return paths, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

func mimeType(name string) string {
	if strings.ToLower(filepath.Ext(name)) == ".png" {
		return "image/png"
	}
	return "image/jpeg"
}

// ForUpload picks the provider for an uploaded file path.
func ForUpload(path string, vision *Vision) (Provider, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if extract.SupportedExt(ext) {
		return TextLayer{}, nil
	}
	if isImage(path) {
		return vision, nil
	}
	return nil, fmt.Errorf("unsupported upload format: %s", ext)
}
