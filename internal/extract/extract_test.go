package extract

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sombapp/receipt-service/internal/models"
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

func kinmartSignature() models.MerchantSignature {
	return models.MerchantSignature{
		MerchantID:        "kinmart",
		DisplayName:       "KinMart",
		DetectionPatterns: []string{"KINMART", "KIN MART", "KINMART SUPERMARKET"},
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

func TestIdentify(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	sig := kinmartSignature()
	require.NoError(t, mem.UpsertSignature(ctx, &sig))
	other := models.MerchantSignature{
		MerchantID:        "congo-market",
		DetectionPatterns: []string{"CONGO MARKET", "CONGO MARCHÉ"},
		Template:          kinmartSignature().Template,
	}
	require.NoError(t, mem.UpsertSignature(ctx, &other))

	id := NewIdentifier(mem)

	got, ok, err := id.Identify(ctx, kinmartReceipt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "kinmart", got.MerchantID)

	// Accent and case insensitive.
	got, ok, err = id.Identify(ctx, "reçu congo marché kinshasa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "congo-market", got.MerchantID)

	// No signature matches.
	_, ok, err = id.Identify(ctx, "CHEZ MAMA YEMO\nGOMA\nTOTAL 500")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLooksLocal(t *testing.T) {
	assert.True(t, LooksLocal("BOUTIQUE X\nTEL: +243 812 345 678"))
	assert.True(t, LooksLocal("chez mama\nlubumbashi"))
	assert.False(t, LooksLocal("WALMART\nNEW YORK"))
}

func TestTemplateExtract(t *testing.T) {
	te := NewTemplateExtractor("CDF")
	sig := kinmartSignature()
	res, err := te.Extract(kinmartReceipt, &sig)
	require.NoError(t, err)

	assert.Equal(t, "kinmart", res.MerchantID)
	assert.Equal(t, models.SourceLocal, res.Source)
	assert.Equal(t, "CDF", res.Currency)
	assert.Equal(t, "12/03/2024", res.Date)

	require.Len(t, res.Items, 3)
	first := res.Items[0]
	assert.Equal(t, "BANANE PLANTAIN", first.RawName)
	assert.True(t, first.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, first.UnitPrice.Equal(decimal.NewFromInt(1500)))
	assert.True(t, first.LineTotal.Equal(decimal.NewFromInt(3000)))

	require.NotNil(t, res.Total)
	assert.True(t, res.Total.Equal(decimal.NewFromInt(16500)))
	assert.True(t, res.ItemSum().Equal(decimal.NewFromInt(16500)))
}

func TestTemplateExtractSkipsMalformedLines(t *testing.T) {
	te := NewTemplateExtractor("CDF")
	sig := kinmartSignature()
	res, err := te.Extract("KINMART\nGARBAGE LINE !!!\nSAVON 3500\n", &sig)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "SAVON", res.Items[0].RawName)
	assert.Nil(t, res.Total)
}

func TestExtractGeneric(t *testing.T) {
	te := NewTemplateExtractor("CDF")
	res := te.ExtractGeneric(kinmartReceipt)
	assert.NotEmpty(t, res.Items)
	require.NotNil(t, res.Total)
	assert.True(t, res.Total.Equal(decimal.NewFromInt(16500)))
}

func evalConfig() models.PipelineConfig {
	return models.PipelineConfig{
		AcceptThreshold:  0.85,
		MinItems:         3,
		TotalTolerancePc: 2.0,
		DefaultCurrency:  "CDF",
	}
}

func resultWithTotal(total int64, prices ...int64) *models.ExtractionResult {
	res := &models.ExtractionResult{Source: models.SourceLocal}
	for i, p := range prices {
		d := decimal.NewFromInt(p)
		res.Items = append(res.Items, models.ReceiptItem{
			RawName:   string(rune('A' + i)),
			Quantity:  decimal.NewFromInt(1),
			UnitPrice: d,
			LineTotal: d,
		})
	}
	tot := decimal.NewFromInt(total)
	res.Total = &tot
	return res
}

func TestEvaluateAcceptsWithinTolerance(t *testing.T) {
	ev := NewEvaluator(evalConfig())
	// Printed total 45000, items sum 44980: inside 2%.
	res := resultWithTotal(45000, 15000, 14990, 14990)
	accept, score := ev.Evaluate(res, true, 0)
	assert.True(t, accept)
	assert.GreaterOrEqual(t, score, 0.85)
}

func TestEvaluateAcceptsTrustedMerchantWithoutReconciliation(t *testing.T) {
	// A clean-history merchant is accepted on total plus items even
	// when the item sum disagrees with the printed total.
	ev := NewEvaluator(evalConfig())
	res := resultWithTotal(45000, 10000, 10000, 10000)
	accept, _ := ev.Evaluate(res, true, 0)
	assert.True(t, accept)
}

func TestEvaluateNegativeBiasRequiresReconciliation(t *testing.T) {
	ev := NewEvaluator(evalConfig())
	res := resultWithTotal(45000, 10000, 10000, 10000)
	accept, _ := ev.Evaluate(res, true, -0.05)
	assert.False(t, accept)

	// Same flagged merchant, reconciling sums: accepted.
	res = resultWithTotal(45000, 15000, 15000, 15000)
	accept, _ = ev.Evaluate(res, true, -0.05)
	assert.True(t, accept)
}

func TestEvaluateUnknownMerchantNeverAccepts(t *testing.T) {
	ev := NewEvaluator(evalConfig())
	res := resultWithTotal(30000, 10000, 10000, 10000)
	accept, _ := ev.Evaluate(res, false, 0)
	assert.False(t, accept)
}

func TestEvaluateMissingTotalEscalates(t *testing.T) {
	ev := NewEvaluator(evalConfig())
	res := resultWithTotal(30000, 10000, 10000, 10000)
	res.Total = nil
	accept, _ := ev.Evaluate(res, true, 0)
	assert.False(t, accept)
}

func TestEvaluateBiasClamped(t *testing.T) {
	ev := NewEvaluator(evalConfig())
	res := resultWithTotal(30000, 10000, 10000, 10000)
	_, score := ev.Evaluate(res, true, 0.5)
	assert.LessOrEqual(t, score, 1.0)
}

func TestScorePartialItems(t *testing.T) {
	ev := NewEvaluator(evalConfig())
	res := resultWithTotal(10000, 10000)
	full := ev.Score(resultWithTotal(30000, 10000, 10000, 10000), true)
	partial := ev.Score(res, true)
	assert.Greater(t, full, partial)
}
