// Package pipeline orchestrates the receipt flow: preprocess, OCR,
// local template extraction, confidence gate, AI fallback, async
// learning and product normalization.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sombapp/receipt-service/internal/extract"
	"github.com/sombapp/receipt-service/internal/learning"
	"github.com/sombapp/receipt-service/internal/models"
	"github.com/sombapp/receipt-service/internal/normalize"
	"github.com/sombapp/receipt-service/internal/ocr"
)

// State tracks where a receipt is in its lifecycle. States only move
// forward.
type State string

const (
	StateNew                 State = "new"
	StateLocalAttempted      State = "local_attempted"
	StateAccepted            State = "accepted"
	StateEscalated           State = "escalated"
	StateAIFallbackAttempted State = "ai_fallback_attempted"
	StateAIAccepted          State = "ai_accepted"
	StateFailed              State = "failed"
	StateLearningQueued      State = "learning_queued"
	StateDone                State = "done"
)

// FallbackExtractor is the AI path contract.
type FallbackExtractor interface {
	Extract(ctx context.Context, imageData []byte, mimeType, ocrText string) (*models.ExtractionResult, error)
}

// Learner consumes successful fallback results asynchronously.
type Learner interface {
	Learn(ctx context.Context, in learning.Input)
}

// Archiver stores the original upload for audit. Optional.
type Archiver interface {
	Upload(ctx context.Context, receiptID string, data []byte, contentType string) (string, error)
}

// Request is one receipt image to process.
type Request struct {
	ReceiptID   string
	ImageData   []byte
	ContentType string
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Processed     uint64 `json:"processed"`
	LocalAccepted uint64 `json:"localAccepted"`
	AIFallbacks   uint64 `json:"aiFallbacks"`
	Failures      uint64 `json:"failures"`
}

// Processor wires the pipeline stages together.
type Processor struct {
	pre        *ocr.Preprocessor
	engine     ocr.TextExtractor
	identifier *extract.Identifier
	templates  *extract.TemplateExtractor
	evaluator  *extract.Evaluator
	fallback   FallbackExtractor
	learner    Learner
	normalizer *normalize.Normalizer
	archive    Archiver
	cfg        models.PipelineConfig

	processed     atomic.Uint64
	localAccepted atomic.Uint64
	aiFallbacks   atomic.Uint64
	failures      atomic.Uint64
}

func NewProcessor(
	pre *ocr.Preprocessor,
	engine ocr.TextExtractor,
	identifier *extract.Identifier,
	templates *extract.TemplateExtractor,
	evaluator *extract.Evaluator,
	fallback FallbackExtractor,
	learner Learner,
	normalizer *normalize.Normalizer,
	archive Archiver,
	cfg models.PipelineConfig,
) *Processor {
	return &Processor{
		pre:        pre,
		engine:     engine,
		identifier: identifier,
		templates:  templates,
		evaluator:  evaluator,
		fallback:   fallback,
		learner:    learner,
		normalizer: normalizer,
		archive:    archive,
		cfg:        cfg,
	}
}

// Process runs one receipt through the full pipeline.
func (p *Processor) Process(ctx context.Context, req Request) (*models.CanonicalReceiptResult, error) {
	receiptID := req.ReceiptID
	if receiptID == "" {
		receiptID = uuid.NewString()
	}
	p.processed.Add(1)
	state := StateNew
	log.Printf("[PIPELINE] %s: %s", receiptID, state)

	var imagePath string
	if p.archive != nil {
		path, err := p.archive.Upload(ctx, receiptID, req.ImageData, req.ContentType)
		if err != nil {
			// Archiving is best effort, processing continues.
			log.Printf("[PIPELINE] %s: archive failed: %v", receiptID, err)
		} else {
			imagePath = path
		}
	}

	processed, err := p.pre.Process(req.ImageData)
	if err != nil {
		p.failures.Add(1)
		return nil, err
	}
	ocrRes, err := p.engine.ExtractText(processed)
	if err != nil {
		p.failures.Add(1)
		return nil, err
	}
	rawText := ocrRes.RawText
	log.Printf("[PIPELINE] %s: ocr produced %d chars over %d lines (confidence %.2f)",
		receiptID, len(rawText), len(ocrRes.Lines), ocrRes.Confidence)

	sig, known, err := p.identifier.Identify(ctx, rawText)
	if err != nil {
		p.failures.Add(1)
		return nil, fmt.Errorf("identifying merchant: %w", err)
	}

	var local *models.ExtractionResult
	var localConf float64
	accepted := false
	if known {
		local, err = p.templates.Extract(rawText, sig)
		if err != nil {
			log.Printf("[PIPELINE] %s: template extraction failed: %v", receiptID, err)
			local = p.templates.ExtractGeneric(rawText)
		} else if len(local.Items) == 0 {
			// A template that compiles but matches nothing usually
			// means the layout drifted. Try the generic pass before
			// escalating to the paid path.
			log.Printf("[PIPELINE] %s: template matched no items, trying generic extraction", receiptID)
			generic := p.templates.ExtractGeneric(rawText)
			if len(generic.Items) > 0 {
				generic.MerchantID = local.MerchantID
				if generic.Total == nil {
					generic.Total = local.Total
				}
				if generic.Date == "" {
					generic.Date = local.Date
				}
				local = generic
			}
		}
		accepted, localConf = p.evaluator.Evaluate(local, true, sig.ConfidenceBias)
	} else {
		// No signature: the generic pass only feeds the AI prompt and
		// the learner, it is never accepted on its own.
		local = p.templates.ExtractGeneric(rawText)
		localConf = p.evaluator.Score(local, false)
	}
	local.Confidence = localConf
	state = StateLocalAttempted
	log.Printf("[PIPELINE] %s: %s (confidence %.2f, merchant known %t)", receiptID, state, localConf, known)

	var chosen *models.ExtractionResult
	if accepted {
		state = StateAccepted
		p.localAccepted.Add(1)
		chosen = local
	} else {
		state = StateEscalated
		log.Printf("[PIPELINE] %s: %s", receiptID, state)

		// The AI call and everything after it survive caller
		// cancellation: the tokens are already spent, so the result
		// must still reach the learner.
		aiCtx := context.WithoutCancel(ctx)
		state = StateAIFallbackAttempted
		aiRes, aiErr := p.fallback.Extract(aiCtx, processed, "image/jpeg", rawText)
		if aiErr != nil {
			state = StateFailed
			p.failures.Add(1)
			log.Printf("[PIPELINE] %s: %s: %v", receiptID, state, aiErr)
			return nil, aiErr
		}
		state = StateAIAccepted
		p.aiFallbacks.Add(1)
		chosen = aiRes

		if p.learner != nil {
			merchantID := ""
			if known {
				merchantID = sig.MerchantID
			}
			in := learning.Input{
				MerchantID:      merchantID,
				RawText:         rawText,
				Local:           local,
				LocalConfidence: localConf,
				AI:              aiRes,
			}
			state = StateLearningQueued
			go p.learner.Learn(aiCtx, in)
		}
	}
	log.Printf("[PIPELINE] %s: %s", receiptID, state)

	result, err := p.canonicalize(ctx, receiptID, sig, known, chosen, rawText, imagePath)
	if err != nil {
		p.failures.Add(1)
		return nil, err
	}
	log.Printf("[PIPELINE] %s: %s (source %s, %d items)", receiptID, StateDone, result.Source, len(result.Items))
	return result, nil
}

func (p *Processor) canonicalize(ctx context.Context, receiptID string, sig *models.MerchantSignature, known bool, res *models.ExtractionResult, rawText, imagePath string) (*models.CanonicalReceiptResult, error) {
	merchantID := res.MerchantID
	if known {
		merchantID = sig.MerchantID
	}

	out := &models.CanonicalReceiptResult{
		ReceiptID:   receiptID,
		MerchantID:  merchantID,
		Subtotal:    res.Subtotal,
		Tax:         res.Tax,
		Total:       res.Total,
		Date:        res.Date,
		Currency:    res.Currency,
		Source:      res.Source,
		Confidence:  res.Confidence,
		RawText:     rawText,
		ImagePath:   imagePath,
		ProcessedAt: time.Now().UTC(),
	}
	needsReview := false
	if out.Currency == "" {
		out.Currency = p.cfg.DefaultCurrency
		// Without a printed currency or DRC markers the default is a
		// guess, so the result goes to review.
		if !extract.LooksLocal(rawText) {
			needsReview = true
		}
	}
	for _, item := range res.Items {
		match, err := p.normalizer.Normalize(ctx, item.RawName, merchantID)
		if err != nil {
			return nil, fmt.Errorf("normalizing %q: %w", item.RawName, err)
		}
		ci := models.CanonicalItem{
			RawName:        item.RawName,
			ProductID:      match.ProductID,
			NormalizedName: match.NormalizedName,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			LineTotal:      item.LineTotal,
			Confidence:     match.Confidence,
			MatchMethod:    match.MatchMethod,
			NeedsReview:    match.NeedsReview,
			Suggestions:    match.Suggestions,
		}
		if ci.NeedsReview {
			needsReview = true
		}
		out.Items = append(out.Items, ci)
	}

	// A result whose items do not add up to its printed total is kept
	// but flagged, whichever path produced it.
	if len(res.Items) > 0 && res.Total != nil && !p.evaluator.Reconciles(res) {
		needsReview = true
	}
	out.NeedsReview = needsReview
	return out, nil
}

// ProcessBatch runs several receipts with bounded parallelism. Each
// entry succeeds or fails on its own.
type BatchItem struct {
	Index  int                            `json:"index"`
	Result *models.CanonicalReceiptResult `json:"result,omitempty"`
	Error  string                         `json:"error,omitempty"`
}

func (p *Processor) ProcessBatch(ctx context.Context, reqs []Request) []BatchItem {
	workers := p.cfg.BatchWorkers
	if workers <= 0 {
		workers = 4
	}
	out := make([]BatchItem, len(reqs))
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range reqs {
		g.Go(func() error {
			res, err := p.Process(ctx, reqs[i])
			item := BatchItem{Index: i, Result: res}
			if err != nil {
				item.Error = err.Error()
			}
			out[i] = item
			return nil
		})
	}
	g.Wait()
	return out
}

// Stats returns a snapshot of the pipeline counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:     p.processed.Load(),
		LocalAccepted: p.localAccepted.Load(),
		AIFallbacks:   p.aiFallbacks.Load(),
		Failures:      p.failures.Load(),
	}
}
