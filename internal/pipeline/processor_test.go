package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sombapp/receipt-service/internal/extract"
	"github.com/sombapp/receipt-service/internal/learning"
	"github.com/sombapp/receipt-service/internal/models"
	"github.com/sombapp/receipt-service/internal/normalize"
	"github.com/sombapp/receipt-service/internal/ocr"
	"github.com/sombapp/receipt-service/internal/store"
)

const kinmartReceipt = `KINMART SUPERMARKET
KINSHASA
12/03/2024
BANANE PLANTAIN 2 x 1500
SAVON 3500
RIZ 10000
TOTAL: 16500
`

const unknownReceipt = `CHEZ MAMA YEMO
GOMA
BNN PLTN 1500
TOTAL: 1500
`

type fakeEngine struct {
	text string
	conf float64
	err  error
}

func (f *fakeEngine) ExtractText(data []byte) (*ocr.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := &ocr.Result{RawText: f.text, Confidence: f.conf}
	for i, line := range strings.Split(strings.TrimSpace(f.text), "\n") {
		res.Lines = append(res.Lines, ocr.Line{
			Text: strings.TrimSpace(line),
			BBox: ocr.BoundingBox{X: 10, Y: 10 + i*24, Width: 220, Height: 20},
		})
	}
	return res, nil
}

type fakeFallback struct {
	mu     sync.Mutex
	result *models.ExtractionResult
	err    error
	calls  int
}

func (f *fakeFallback) Extract(ctx context.Context, imageData []byte, mimeType, ocrText string) (*models.ExtractionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeFallback) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeLearner struct {
	mu     sync.Mutex
	inputs []learning.Input
	done   chan struct{}
}

func newFakeLearner() *fakeLearner {
	return &fakeLearner{done: make(chan struct{}, 8)}
}

func (f *fakeLearner) Learn(ctx context.Context, in learning.Input) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeLearner) waitForCall(t *testing.T) learning.Input {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatal("learner was not invoked")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 120, 180))
	for y := 0; y < 180; y++ {
		for x := 0; x < 120; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func seedProducts(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	products := []*models.MasterProduct{
		{
			ProductID:      "prod-plantain",
			NormalizedName: "banane plantain",
			Category:       "fruits",
			UnitOfMeasure:  "piece",
			Aliases:        map[string][]string{"fr": {"banane plantain"}, "en": {"plantain"}},
		},
		{
			ProductID:      "prod-soap",
			NormalizedName: "savon",
			Category:       "hygiene",
			UnitOfMeasure:  "piece",
			Aliases:        map[string][]string{"fr": {"savon"}, "en": {"soap"}},
		},
		{
			ProductID:      "prod-rice",
			NormalizedName: "riz",
			Category:       "staples",
			UnitOfMeasure:  "kg",
			Aliases:        map[string][]string{"fr": {"riz"}, "en": {"rice"}},
		},
	}
	for _, p := range products {
		require.NoError(t, mem.UpsertProduct(ctx, p))
	}
}

func kinmartSignature() models.MerchantSignature {
	return models.MerchantSignature{
		MerchantID:        "kinmart",
		DisplayName:       "KinMart",
		DetectionPatterns: []string{"KINMART"},
		Template: models.ExtractionTemplate{
			ItemPatterns: []string{
				`^(?P<name>[A-Z][A-Z ]+?)\s+(?:(?P<qty>\d+)\s*[xX]\s*)?(?P<price>[0-9][0-9.,]*)$`,
			},
			TotalPattern: `(?i)TOTAL[:\s]*([0-9][0-9.,]*)`,
			DatePattern:  `(\d{2}/\d{2}/\d{4})`,
			Currency:     "CDF",
		},
	}
}

func newTestProcessor(t *testing.T, engine ocr.TextExtractor, fallback FallbackExtractor, learner Learner) *Processor {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	seedProducts(t, mem)
	sig := kinmartSignature()
	require.NoError(t, mem.UpsertSignature(ctx, &sig))

	cfg := models.DefaultConfig()
	norm, err := normalize.NewNormalizer(ctx, mem, mem, cfg.Normalizer)
	require.NoError(t, err)

	return NewProcessor(
		ocr.NewPreprocessor(cfg.OCR),
		engine,
		extract.NewIdentifier(mem),
		extract.NewTemplateExtractor(cfg.Pipeline.DefaultCurrency),
		extract.NewEvaluator(cfg.Pipeline),
		fallback,
		learner,
		norm,
		nil,
		cfg.Pipeline,
	)
}

func TestProcessKnownMerchantAcceptedLocally(t *testing.T) {
	engine := &fakeEngine{text: kinmartReceipt, conf: 0.92}
	fallback := &fakeFallback{}
	p := newTestProcessor(t, engine, fallback, newFakeLearner())

	res, err := p.Process(context.Background(), Request{ImageData: testImage(t), ContentType: "image/png"})
	require.NoError(t, err)

	assert.Equal(t, models.SourceLocal, res.Source)
	assert.Equal(t, "kinmart", res.MerchantID)
	assert.Equal(t, "CDF", res.Currency)
	require.NotNil(t, res.Total)
	assert.True(t, res.Total.Equal(decimal.NewFromInt(16500)))
	assert.NotEmpty(t, res.ReceiptID)
	assert.False(t, res.NeedsReview)
	assert.Zero(t, fallback.callCount())

	require.Len(t, res.Items, 3)
	assert.Equal(t, "prod-plantain", res.Items[0].ProductID)
	assert.Equal(t, models.MatchExact, res.Items[0].MatchMethod)
	assert.Equal(t, "prod-soap", res.Items[1].ProductID)
	assert.Equal(t, "prod-rice", res.Items[2].ProductID)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Processed)
	assert.Equal(t, uint64(1), stats.LocalAccepted)
	assert.Equal(t, uint64(0), stats.AIFallbacks)
}

func TestProcessTemplateMatchingNoItemsFallsBackToGeneric(t *testing.T) {
	// Mixed-case item lines defeat kinmart's all-caps item pattern, so
	// the template pass yields zero items. The generic pass must pick
	// them up before the result is scored, without an AI call.
	receipt := `KINMART SUPERMARKET
KINSHASA
12/03/2024
Banane Plantain 2 x 1500
Savon 3500
Riz 10000
TOTAL: 16500
`
	engine := &fakeEngine{text: receipt, conf: 0.9}
	fallback := &fakeFallback{}
	p := newTestProcessor(t, engine, fallback, newFakeLearner())

	res, err := p.Process(context.Background(), Request{ImageData: testImage(t), ContentType: "image/png"})
	require.NoError(t, err)

	assert.Equal(t, models.SourceLocal, res.Source)
	assert.Equal(t, "kinmart", res.MerchantID)
	assert.Equal(t, "12/03/2024", res.Date)
	require.NotNil(t, res.Total)
	assert.True(t, res.Total.Equal(decimal.NewFromInt(16500)))
	assert.Zero(t, fallback.callCount())

	require.Len(t, res.Items, 3)
	assert.Equal(t, "prod-plantain", res.Items[0].ProductID)
	assert.Equal(t, "prod-soap", res.Items[1].ProductID)
	assert.Equal(t, "prod-rice", res.Items[2].ProductID)
}

func TestProcessUnknownMerchantEscalatesToAI(t *testing.T) {
	total := decimal.NewFromInt(1500)
	price := decimal.NewFromInt(1500)
	engine := &fakeEngine{text: unknownReceipt, conf: 0.8}
	fallback := &fakeFallback{result: &models.ExtractionResult{
		MerchantID: "Chez Mama Yemo",
		Items: []models.ReceiptItem{
			{RawName: "BNN PLTN", Quantity: decimal.NewFromInt(1), UnitPrice: price, LineTotal: price},
		},
		Total:      &total,
		Currency:   "CDF",
		Confidence: 0.9,
		Source:     models.SourceAIFallback,
	}}
	learner := newFakeLearner()
	p := newTestProcessor(t, engine, fallback, learner)

	res, err := p.Process(context.Background(), Request{ImageData: testImage(t), ContentType: "image/png"})
	require.NoError(t, err)

	assert.Equal(t, models.SourceAIFallback, res.Source)
	assert.Equal(t, 1, fallback.callCount())

	// Abbreviated name resolved through the normalization cascade.
	require.Len(t, res.Items, 1)
	assert.Equal(t, "prod-plantain", res.Items[0].ProductID)
	assert.Equal(t, models.MatchAbbreviation, res.Items[0].MatchMethod)

	in := learner.waitForCall(t)
	assert.Empty(t, in.MerchantID)
	assert.Equal(t, unknownReceipt, in.RawText)
	require.NotNil(t, in.AI)
	assert.Len(t, in.AI.Items, 1)

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.AIFallbacks)
	assert.Equal(t, uint64(0), stats.LocalAccepted)
}

func TestProcessFallbackFailureIsTerminal(t *testing.T) {
	engine := &fakeEngine{text: unknownReceipt, conf: 0.8}
	fallback := &fakeFallback{err: &models.FallbackFailure{Reason: models.ReasonMalformedResponse}}
	p := newTestProcessor(t, engine, fallback, newFakeLearner())

	_, err := p.Process(context.Background(), Request{ImageData: testImage(t), ContentType: "image/png"})
	require.Error(t, err)
	var ff *models.FallbackFailure
	require.ErrorAs(t, err, &ff)
	assert.Equal(t, models.ReasonMalformedResponse, ff.Reason)
	assert.Equal(t, uint64(1), p.Stats().Failures)
}

func TestProcessUnreadableImage(t *testing.T) {
	engine := &fakeEngine{text: kinmartReceipt, conf: 0.9}
	p := newTestProcessor(t, engine, &fakeFallback{}, newFakeLearner())

	_, err := p.Process(context.Background(), Request{ImageData: []byte("not an image")})
	require.Error(t, err)
	var ef *models.ExtractionFailure
	require.ErrorAs(t, err, &ef)
	assert.Equal(t, models.ReasonUnreadableImage, ef.Reason)
}

func TestProcessBatch(t *testing.T) {
	engine := &fakeEngine{text: kinmartReceipt, conf: 0.9}
	p := newTestProcessor(t, engine, &fakeFallback{}, newFakeLearner())

	img := testImage(t)
	reqs := []Request{
		{ReceiptID: "r-1", ImageData: img, ContentType: "image/png"},
		{ReceiptID: "r-2", ImageData: img, ContentType: "image/png"},
		{ReceiptID: "r-3", ImageData: []byte("broken")},
	}
	out := p.ProcessBatch(context.Background(), reqs)
	require.Len(t, out, 3)
	assert.NotNil(t, out[0].Result)
	assert.Equal(t, "r-1", out[0].Result.ReceiptID)
	assert.NotNil(t, out[1].Result)
	assert.Empty(t, out[1].Error)
	assert.Nil(t, out[2].Result)
	assert.NotEmpty(t, out[2].Error)

	assert.Equal(t, uint64(3), p.Stats().Processed)
}
