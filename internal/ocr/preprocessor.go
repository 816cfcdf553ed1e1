// Package ocr turns receipt photos into raw text. Preprocessing cleans
// the image up for the OCR engine; the engine itself wraps Tesseract.
package ocr

import (
	"bytes"
	"fmt"
	"log"

	"github.com/disintegration/imaging"

	"github.com/sombapp/receipt-service/internal/models"
)

// Preprocessor prepares a receipt photo for OCR: downscale, grayscale,
// contrast boost and a mild sharpen. Phone photos of thermal paper need
// all of it.
type Preprocessor struct {
	maxDimension int
}

func NewPreprocessor(cfg models.OCRConfig) *Preprocessor {
	max := cfg.MaxDimension
	if max <= 0 {
		max = 2000
	}
	return &Preprocessor{maxDimension: max}
}

// Process decodes the image, enhances it and re-encodes as JPEG. A
// decode failure means the upload was not an image we can read.
func (p *Preprocessor) Process(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &models.ExtractionFailure{
			Reason: models.ReasonUnreadableImage,
			Err:    fmt.Errorf("decoding image: %w", err),
		}
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > p.maxDimension || h > p.maxDimension {
		if w > h {
			img = imaging.Resize(img, p.maxDimension, 0, imaging.Lanczos)
		} else {
			img = imaging.Resize(img, 0, p.maxDimension, imaging.Lanczos)
		}
	}

	img = imaging.Grayscale(img)
	img = imaging.AdjustContrast(img, 25)
	img = imaging.Sharpen(img, 1.5)
	img = imaging.AdjustGamma(img, 1.1)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("encoding preprocessed image: %w", err)
	}
	log.Printf("[OCR] Image preprocessed: %d bytes -> %d bytes", len(data), buf.Len())
	return buf.Bytes(), nil
}
