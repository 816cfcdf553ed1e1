// Package learning turns successful AI fallback extractions into
// merchant signatures, so the next receipt from the same shop can be
// handled locally. Every candidate template is replayed against the
// original OCR text before it is committed; a template that cannot
// reproduce what the AI read is rejected and only logged.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sombapp/receipt-service/internal/extract"
	"github.com/sombapp/receipt-service/internal/models"
	"github.com/sombapp/receipt-service/internal/normalize"
	"github.com/sombapp/receipt-service/internal/store"
)

// Input carries everything one learning attempt needs.
type Input struct {
	MerchantID      string // set when identification succeeded
	RawText         string
	Local           *models.ExtractionResult
	LocalConfidence float64
	AI              *models.ExtractionResult
}

// Engine derives and commits extraction templates. Learning runs for
// one merchant at a time; attempts for different merchants proceed in
// parallel.
type Engine struct {
	signatures store.SignatureStore
	events     store.EventStore
	templates  *extract.TemplateExtractor

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewEngine(signatures store.SignatureStore, events store.EventStore, templates *extract.TemplateExtractor) *Engine {
	return &Engine{
		signatures: signatures,
		events:     events,
		templates:  templates,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (e *Engine) merchantLock(merchantID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[merchantID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[merchantID] = l
	}
	return l
}

// Learn attempts to derive a template from one AI extraction. A failed
// attempt is recorded and logged, never surfaced to the receipt flow.
func (e *Engine) Learn(ctx context.Context, in Input) {
	if in.AI == nil || len(in.AI.Items) == 0 {
		return
	}
	merchantID := in.MerchantID
	if merchantID == "" {
		merchantID = slug(in.AI.MerchantID)
	}
	if merchantID == "" {
		log.Printf("[LEARN] No merchant identity, skipping")
		return
	}

	l := e.merchantLock(merchantID)
	l.Lock()
	defer l.Unlock()

	event := &models.LearningEvent{
		ID:              uuid.NewString(),
		MerchantID:      merchantID,
		LocalResult:     in.Local,
		AIResult:        in.AI,
		LocalConfidence: in.LocalConfidence,
	}

	accepted, patterns, reason := e.attempt(ctx, merchantID, in)
	event.DerivedPatterns = patterns
	event.Accepted = accepted
	event.Reason = reason

	if err := e.events.AppendEvent(ctx, event); err != nil {
		log.Printf("[LEARN] Failed to record event for %s: %v", merchantID, err)
	}
	if accepted {
		log.Printf("[LEARN] Template learned for %s (%d patterns)", merchantID, len(patterns))
	} else {
		log.Printf("[LEARN] Rejected for %s: %s", merchantID, reason)
		e.penalizeBias(ctx, merchantID)
	}
}

const (
	biasStep  = 0.05
	biasFloor = -0.25
)

// penalizeBias lowers the signature's confidence bias after a rejected
// attempt. A negative bias makes the evaluator demand total
// reconciliation from this merchant until a template is relearned.
func (e *Engine) penalizeBias(ctx context.Context, merchantID string) {
	sig, err := e.signatures.GetSignature(ctx, merchantID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			log.Printf("[LEARN] Loading signature for bias update on %s: %v", merchantID, err)
		}
		return
	}
	sig.ConfidenceBias -= biasStep
	if sig.ConfidenceBias < biasFloor {
		sig.ConfidenceBias = biasFloor
	}
	if err := e.signatures.UpsertSignature(ctx, sig); err != nil {
		log.Printf("[LEARN] Storing bias for %s: %v", merchantID, err)
	}
}

func (e *Engine) attempt(ctx context.Context, merchantID string, in Input) (bool, []string, string) {
	patterns := deriveItemPatterns(in.RawText, in.AI.Items)
	if len(patterns) == 0 {
		return false, nil, "no item line matched the ai result"
	}

	tpl := models.ExtractionTemplate{
		ItemPatterns: patterns,
		TotalPattern: deriveTotalPattern(in.RawText, in.AI),
		Currency:     in.AI.Currency,
	}
	if in.AI.Date != "" {
		tpl.DatePattern = `(\d{1,2}[/-]\d{1,2}[/-]\d{2,4})`
	}
	if err := tpl.Validate(); err != nil {
		return false, patterns, fmt.Sprintf("invalid template: %v", err)
	}

	existing, err := e.signatures.GetSignature(ctx, merchantID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return false, patterns, fmt.Sprintf("loading signature: %v", err)
	}

	candidate := models.MerchantSignature{
		MerchantID: merchantID,
		Template:   tpl,
		Learned:    true,
	}
	if existing != nil {
		candidate = *existing
		candidate.Template = tpl
		candidate.Learned = true
		// A committed template supersedes the history that penalized
		// the old one.
		candidate.ConfidenceBias = 0
	}
	if dp := detectionPattern(in.RawText); dp != "" && !containsFold(candidate.DetectionPatterns, dp) {
		candidate.DetectionPatterns = append(candidate.DetectionPatterns, dp)
	}
	if len(candidate.DetectionPatterns) == 0 {
		return false, patterns, "no detection pattern derivable"
	}

	// Replay before commit. The candidate must find every item the AI
	// found; finding more is fine but worth noting.
	replayed, err := e.templates.Extract(in.RawText, &candidate)
	if err != nil {
		return false, patterns, fmt.Sprintf("replay failed: %v", err)
	}
	matched := countReproduced(in.AI.Items, replayed.Items)
	if matched < len(in.AI.Items) {
		return false, patterns, fmt.Sprintf("replay reproduced %d of %d items", matched, len(in.AI.Items))
	}
	if len(replayed.Items) > len(in.AI.Items) {
		log.Printf("[LEARN] Replay for %s found %d items vs %d from ai", merchantID, len(replayed.Items), len(in.AI.Items))
	}

	if err := e.signatures.UpsertSignature(ctx, &candidate); err != nil {
		return false, patterns, fmt.Sprintf("storing signature: %v", err)
	}
	return true, patterns, ""
}

// countReproduced greedily pairs AI items with replayed items by name
// similarity and equal price.
func countReproduced(want, got []models.ReceiptItem) int {
	used := make([]bool, len(got))
	matched := 0
	for _, w := range want {
		for i, g := range got {
			if used[i] {
				continue
			}
			if !w.UnitPrice.Equal(g.UnitPrice) {
				continue
			}
			if !namesMatch(w.RawName, g.RawName) {
				continue
			}
			used[i] = true
			matched++
			break
		}
	}
	return matched
}

func namesMatch(a, b string) bool {
	ca, cb := normalize.Clean(a), normalize.Clean(b)
	if ca == cb {
		return true
	}
	if strings.Contains(ca, cb) || strings.Contains(cb, ca) {
		return true
	}
	return normalize.CombinedSimilarity(ca, cb) >= 0.8
}

// detectionPattern takes the first header line with enough letters to
// be a shop name.
func detectionPattern(rawText string) string {
	for _, line := range strings.Split(rawText, "\n") {
		line = strings.TrimSpace(line)
		letters := 0
		for _, r := range line {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				letters++
			}
		}
		if letters >= 4 {
			return strings.ToUpper(normalize.FoldAccents(line))
		}
	}
	return ""
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func slug(s string) string {
	s = strings.ToLower(normalize.FoldAccents(strings.TrimSpace(s)))
	var b strings.Builder
	lastDash := true
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteRune('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Stats summarizes the learning history.
type Stats struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	accepted, rejected, err := e.events.CountEvents(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Accepted: accepted, Rejected: rejected}, nil
}
