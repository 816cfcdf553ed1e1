package extract

import (
	"log"

	"github.com/shopspring/decimal"

	"github.com/sombapp/receipt-service/internal/models"
)

// Evaluator decides whether a local extraction result is good enough to
// skip the AI fallback.
type Evaluator struct {
	AcceptThreshold  float64
	MinItems         int
	TotalTolerancePc float64
}

func NewEvaluator(cfg models.PipelineConfig) *Evaluator {
	return &Evaluator{
		AcceptThreshold:  cfg.AcceptThreshold,
		MinItems:         cfg.MinItems,
		TotalTolerancePc: cfg.TotalTolerancePc,
	}
}

// Score computes a weighted confidence over four factors: merchant
// identified, item count against the expected minimum, total found,
// and item field completeness. Result is in [0, 1] before bias.
func (e *Evaluator) Score(res *models.ExtractionResult, merchantKnown bool) float64 {
	score := 0.0
	if merchantKnown {
		score += 0.3
	}
	switch {
	case len(res.Items) >= e.MinItems:
		score += 0.3
	case len(res.Items) > 0:
		score += 0.15
	}
	if res.Total != nil && res.Total.IsPositive() {
		score += 0.2
	}
	if len(res.Items) > 0 {
		complete := 0
		for _, it := range res.Items {
			if it.RawName != "" && it.UnitPrice.IsPositive() {
				complete++
			}
		}
		score += 0.2 * float64(complete) / float64(len(res.Items))
	}
	return score
}

// Reconciles checks the item line totals against the printed total
// within the configured tolerance.
func (e *Evaluator) Reconciles(res *models.ExtractionResult) bool {
	if res.Total == nil || res.Total.IsZero() || len(res.Items) == 0 {
		return false
	}
	diff := res.ItemSum().Sub(*res.Total).Abs()
	tolerance := res.Total.Mul(decimal.NewFromFloat(e.TotalTolerancePc / 100.0))
	return diff.LessThanOrEqual(tolerance)
}

// Evaluate returns whether to accept the local result, and the final
// confidence after applying the signature bias. A result from an
// unidentified merchant is never accepted, whatever it scores: there is
// no template history to trust it against. A known merchant with a
// clean history (non-negative bias) is accepted on total plus items
// alone; a negative bias marks past low-confidence outcomes, and then
// the item sum must also reconcile against the printed total.
func (e *Evaluator) Evaluate(res *models.ExtractionResult, merchantKnown bool, bias float64) (bool, float64) {
	score := clamp01(e.Score(res, merchantKnown) + bias)
	if !merchantKnown {
		return false, score
	}
	if res.Total == nil || len(res.Items) == 0 {
		return false, score
	}
	if bias < 0 && !e.Reconciles(res) {
		log.Printf("[EXTRACT] Item sum %s vs total %s outside %.1f%% tolerance, escalating",
			res.ItemSum(), res.Total, e.TotalTolerancePc)
		return false, score
	}
	return score >= e.AcceptThreshold, score
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
