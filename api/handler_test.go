package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sombapp/receipt-service/internal/extract"
	"github.com/sombapp/receipt-service/internal/learning"
	"github.com/sombapp/receipt-service/internal/models"
	"github.com/sombapp/receipt-service/internal/normalize"
	"github.com/sombapp/receipt-service/internal/ocr"
	"github.com/sombapp/receipt-service/internal/pipeline"
	"github.com/sombapp/receipt-service/internal/store"
)

const testReceipt = `KINMART SUPERMARKET
KINSHASA
12/03/2024
BANANE PLANTAIN 2 x 1500
SAVON 3500
RIZ 10000
TOTAL: 16500
`

type stubEngine struct {
	text string
}

func (s *stubEngine) ExtractText(data []byte) (*ocr.Result, error) {
	res := &ocr.Result{RawText: s.text, Confidence: 0.9}
	for i, line := range strings.Split(strings.TrimSpace(s.text), "\n") {
		res.Lines = append(res.Lines, ocr.Line{
			Text: strings.TrimSpace(line),
			BBox: ocr.BoundingBox{X: 8, Y: 8 + i*22, Width: 240, Height: 18},
		})
	}
	return res, nil
}

type stubFallback struct{}

func (s *stubFallback) Extract(ctx context.Context, imageData []byte, mimeType, ocrText string) (*models.ExtractionResult, error) {
	return nil, &models.FallbackFailure{Reason: models.ReasonServiceError}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.UpsertProduct(ctx, &models.MasterProduct{
		ProductID:      "prod-plantain",
		NormalizedName: "banane plantain",
		Category:       "fruits",
		UnitOfMeasure:  "piece",
		Aliases:        map[string][]string{"fr": {"banane plantain"}, "en": {"plantain"}},
	}))
	require.NoError(t, mem.UpsertProduct(ctx, &models.MasterProduct{
		ProductID:      "prod-soap",
		NormalizedName: "savon",
		Category:       "hygiene",
		UnitOfMeasure:  "piece",
		Aliases:        map[string][]string{"fr": {"savon"}, "en": {"soap"}},
	}))
	require.NoError(t, mem.UpsertProduct(ctx, &models.MasterProduct{
		ProductID:      "prod-rice",
		NormalizedName: "riz",
		Category:       "staples",
		UnitOfMeasure:  "kg",
		Aliases:        map[string][]string{"fr": {"riz"}, "en": {"rice"}},
	}))
	require.NoError(t, mem.UpsertSignature(ctx, &models.MerchantSignature{
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
	}))

	cfg := models.DefaultConfig()
	norm, err := normalize.NewNormalizer(ctx, mem, mem, cfg.Normalizer)
	require.NoError(t, err)

	templates := extract.NewTemplateExtractor(cfg.Pipeline.DefaultCurrency)
	engine := learning.NewEngine(mem, mem, templates)
	processor := pipeline.NewProcessor(
		ocr.NewPreprocessor(cfg.OCR),
		&stubEngine{text: testReceipt},
		extract.NewIdentifier(mem),
		templates,
		extract.NewEvaluator(cfg.Pipeline),
		&stubFallback{},
		engine,
		norm,
		nil,
		cfg.Pipeline,
	)

	return NewHandler(cfg, processor, norm, mem, mem, engine, nil, nil)
}

func doJSON(t *testing.T, h *Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.SetupRoutes().ServeHTTP(rec, req)
	return rec
}

func multipartImage(t *testing.T, field string) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 150))
	for y := 0; y < 150; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.White)
		}
	}
	var png1 bytes.Buffer
	require.NoError(t, png.Encode(&png1, img))

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile(field, "receipt.png")
	require.NoError(t, err)
	_, err = part.Write(png1.Bytes())
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func TestProcessReceiptEndpoint(t *testing.T) {
	h := newTestHandler(t)
	body, contentType := multipartImage(t, "file")

	req := httptest.NewRequest("POST", "/api/process-receipt", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.SetupRoutes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.ProcessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Receipt)
	assert.Equal(t, "kinmart", resp.Receipt.MerchantID)
	assert.Equal(t, models.SourceLocal, resp.Receipt.Source)
	require.Len(t, resp.Receipt.Items, 3)
	assert.Equal(t, "prod-plantain", resp.Receipt.Items[0].ProductID)
	require.NotNil(t, resp.Receipt.Total)
	assert.True(t, resp.Receipt.Total.Equal(decimal.NewFromInt(16500)))
}

func TestProcessReceiptMissingFile(t *testing.T) {
	h := newTestHandler(t)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("note", "no file here"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/process-receipt", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	h.SetupRoutes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessBatchEndpoint(t *testing.T) {
	h := newTestHandler(t)

	img := image.NewRGBA(image.Rect(0, 0, 80, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 80; x++ {
			img.Set(x, y, color.White)
		}
	}
	var pngBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, img))

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for i := 0; i < 2; i++ {
		part, err := writer.CreateFormFile("files", "receipt.png")
		require.NoError(t, err)
		_, err = part.Write(pngBuf.Bytes())
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/api/process-batch", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := httptest.NewRecorder()
	h.SetupRoutes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Count   int                  `json:"count"`
		Results []pipeline.BatchItem `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Results, 2)
	assert.NotNil(t, resp.Results[0].Result)
}

func TestNormalizeEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, "POST", "/api/normalize", NormalizeRequest{RawName: "BNN PLTN"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var match models.NormalizationMatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &match))
	assert.Equal(t, "prod-plantain", match.ProductID)
	assert.Equal(t, models.MatchAbbreviation, match.MatchMethod)
	assert.InDelta(t, 0.95, match.Confidence, 0.001)
}

func TestNormalizeEndpointRequiresName(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h, "POST", "/api/normalize", NormalizeRequest{RawName: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTeachMappingEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, "POST", "/api/mappings/teach", TeachRequest{
		RawName:   "FUFU MAISON",
		ProductID: "prod-rice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The taught name now resolves with full confidence.
	rec = doJSON(t, h, "POST", "/api/normalize", NormalizeRequest{RawName: "FUFU MAISON"})
	require.Equal(t, http.StatusOK, rec.Code)
	var match models.NormalizationMatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &match))
	assert.Equal(t, "prod-rice", match.ProductID)
	assert.Equal(t, 1.0, match.Confidence)
}

func TestTeachMappingUnknownProduct(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h, "POST", "/api/mappings/teach", TeachRequest{
		RawName:   "X",
		ProductID: "no-such-product",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchProductsEndpoint(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest("GET", "/api/products/search?q=savon", nil)
	rec := httptest.NewRecorder()
	h.SetupRoutes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Query   string              `json:"query"`
		Results []models.Suggestion `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "prod-soap", resp.Results[0].ProductID)
}

func TestAddProductEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h, "POST", "/api/products", AddProductRequest{
		Name:      "Huile de Palme",
		Category:  "cooking",
		Unit:      "litre",
		AliasesFr: []string{"huile de palme"},
		AliasesEn: []string{"palm oil"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var prod models.MasterProduct
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &prod))
	assert.NotEmpty(t, prod.ProductID)

	// Immediately matchable.
	recNorm := doJSON(t, h, "POST", "/api/normalize", NormalizeRequest{RawName: "HUILE DE PALME"})
	require.Equal(t, http.StatusOK, recNorm.Code)
	var match models.NormalizationMatch
	require.NoError(t, json.Unmarshal(recNorm.Body.Bytes(), &match))
	assert.Equal(t, prod.ProductID, match.ProductID)
}

func TestListEndpoints(t *testing.T) {
	h := newTestHandler(t)
	router := h.SetupRoutes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/products", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "prod-plantain"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/signatures", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "kinmart"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/learning/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := httptest.NewRecorder()
	h.SetupRoutes().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Status)
	assert.Equal(t, Version, resp.Version)
	assert.False(t, resp.Database.Available)
}
