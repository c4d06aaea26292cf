package anonymizer

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const resultPrefix = "anonymized_"

type Config struct {
	// OutputDir receives anonymized files. Empty means next to the source.
	OutputDir   string
	JPEGQuality int
}

func DefaultConfig() Config {
	return Config{JPEGQuality: 85}
}

// Region picks the rectangle to blank out for an image of the given bounds.
type Region func(bounds image.Rectangle) image.Rectangle

// BurnedInHeaderRegion covers the top band where radiology viewers burn in
// patient name, ID and study date.
func BurnedInHeaderRegion(b image.Rectangle) image.Rectangle {
	h := b.Dy() / 8
	if h < 1 {
		h = 1
	}
	return image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+h)
}

// HistologyLabelRegion covers the slide label at the left end of a scan.
func HistologyLabelRegion(b image.Rectangle) image.Rectangle {
	w := b.Dx() / 5
	if w < 1 {
		w = 1
	}
	return image.Rect(b.Min.X, b.Min.Y, b.Min.X+w, b.Max.Y)
}

// Redactor is an imaging-based strategy that paints an opaque block over
// the identifying region and writes the result as a new file.
type Redactor struct {
	name   string
	region Region
	cfg    Config
	logger *zap.Logger
}

func NewRedactor(name string, region Region, cfg Config, logger *zap.Logger) *Redactor {
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = DefaultConfig().JPEGQuality
	}
	return &Redactor{name: name, region: region, cfg: cfg, logger: logger}
}

func (r *Redactor) Name() string { return r.name }

func (r *Redactor) Execute(ctx context.Context, filePath string) Outcome {
	start := time.Now()
	resultPath, err := r.redact(ctx, filePath)
	return Outcome{ResultFilePath: resultPath, Elapsed: time.Since(start), Err: err}
}

func (r *Redactor) redact(ctx context.Context, inputPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	outputPath := ResultPath(inputPath, r.cfg.OutputDir)
	ext := strings.ToLower(filepath.Ext(inputPath))
	if _, err := imaging.FormatFromExtension(ext); err != nil {
		return "", fmt.Errorf("unsupported format: %s", ext)
	}

	r.logger.Debug("Starting redaction",
		zap.String("strategy", r.name),
		zap.String("input", inputPath),
		zap.String("output", outputPath),
	)

	src, err := imaging.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to open image: %w", err)
	}

	box := r.region(src.Bounds()).Intersect(src.Bounds())
	if box.Empty() {
		return "", fmt.Errorf("image too small to redact: %dx%d", src.Bounds().Dx(), src.Bounds().Dy())
	}

	patch := imaging.New(box.Dx(), box.Dy(), color.Black)
	redacted := imaging.Paste(src, patch, box.Min)

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	switch ext {
	case ".jpg", ".jpeg":
		err = imaging.Save(redacted, outputPath, imaging.JPEGQuality(r.cfg.JPEGQuality))
	default:
		err = imaging.Save(redacted, outputPath)
	}
	if err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}

	return outputPath, nil
}

// ResultPath returns where the anonymized copy of inputPath is written.
func ResultPath(inputPath, outputDir string) string {
	dir := filepath.Dir(inputPath)
	if outputDir != "" {
		dir = outputDir
	}
	return filepath.Join(dir, resultPrefix+filepath.Base(inputPath))
}
