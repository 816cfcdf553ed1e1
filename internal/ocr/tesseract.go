package ocr

import (
	"fmt"
	"log"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/sombapp/receipt-service/internal/models"
)

// BoundingBox is the pixel rectangle of a recognized text line.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Line is one recognized line of text with its position on the image.
type Line struct {
	Text string      `json:"text"`
	BBox BoundingBox `json:"bbox"`
}

// Result is the engine output: the full recognized text, the per-line
// breakdown, and the mean word confidence in [0, 1].
type Result struct {
	RawText    string
	Lines      []Line
	Confidence float64
}

// TextExtractor is the OCR contract the pipeline depends on. Satisfied
// by TesseractOCR in production and by fakes in tests.
type TextExtractor interface {
	ExtractText(imageBytes []byte) (*Result, error)
}

var _ TextExtractor = (*TesseractOCR)(nil)

// TesseractOCR wraps the Tesseract engine via gosseract.
type TesseractOCR struct {
	language      string
	tessdataPath  string
	minTextLength int
}

// NewTesseractOCR creates a Tesseract engine. Language follows the
// tesseract convention, e.g. "fra+eng" for bilingual receipts.
func NewTesseractOCR(cfg models.OCRConfig) *TesseractOCR {
	lang := cfg.Language
	if lang == "" {
		lang = "fra+eng"
	}
	minLen := cfg.MinTextLength
	if minLen <= 0 {
		minLen = 5
	}
	return &TesseractOCR{
		language:      lang,
		minTextLength: minLen,
	}
}

// ExtractText runs OCR on preprocessed image bytes and returns the raw
// text, the recognized lines with their positions, and the mean word
// confidence in [0, 1]. The first pass uses automatic page
// segmentation; if it yields almost nothing, a second pass treats the
// image as a single text block, which handles narrow thermal receipts
// better. Both passes coming up empty means the image is unreadable.
func (t *TesseractOCR) ExtractText(imageBytes []byte) (*Result, error) {
	res, err := t.runPass(imageBytes, gosseract.PSM_AUTO)
	if err != nil {
		return nil, &models.ExtractionFailure{Reason: models.ReasonEngineError, Err: err}
	}
	if len(strings.TrimSpace(res.RawText)) < t.minTextLength {
		log.Printf("[OCR] First pass produced %d chars, retrying with single-block segmentation", len(res.RawText))
		res, err = t.runPass(imageBytes, gosseract.PSM_SINGLE_BLOCK)
		if err != nil {
			return nil, &models.ExtractionFailure{Reason: models.ReasonEngineError, Err: err}
		}
	}
	if len(strings.TrimSpace(res.RawText)) < t.minTextLength {
		return nil, &models.ExtractionFailure{
			Reason: models.ReasonUnreadableImage,
			Err:    fmt.Errorf("only %d chars of text recognized", len(strings.TrimSpace(res.RawText))),
		}
	}
	return res, nil
}

func (t *TesseractOCR) runPass(imageBytes []byte, psm gosseract.PageSegMode) (*Result, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if t.tessdataPath != "" {
		client.SetTessdataPrefix(t.tessdataPath)
	}
	if err := client.SetLanguage(strings.Split(t.language, "+")...); err != nil {
		return nil, fmt.Errorf("setting language %q: %w", t.language, err)
	}
	if err := client.SetPageSegMode(psm); err != nil {
		return nil, fmt.Errorf("setting page segmentation mode: %w", err)
	}
	if err := client.SetImageFromBytes(imageBytes); err != nil {
		return nil, fmt.Errorf("loading image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("running ocr: %w", err)
	}
	return &Result{
		RawText:    text,
		Lines:      t.lines(client),
		Confidence: t.meanConfidence(client),
	}, nil
}

// lines reads the per-line boxes. Errors degrade to a nil slice so a
// box lookup failure never fails an extraction that produced text.
func (t *TesseractOCR) lines(client *gosseract.Client) []Line {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil
	}
	out := make([]Line, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		out = append(out, Line{
			Text: text,
			BBox: BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
	}
	return out
}

// meanConfidence averages per-word confidences. Errors here degrade to
// zero confidence rather than failing the extraction.
func (t *TesseractOCR) meanConfidence(client *gosseract.Client) float64 {
	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
	}
	return sum / float64(len(boxes)) / 100.0
}
