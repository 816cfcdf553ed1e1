package normalize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/sombapp/receipt-service/internal/models"
	"github.com/sombapp/receipt-service/internal/store"
)

const maxSuggestions = 3

type aliasEntry struct {
	alias     string // cleaned form
	productID string
}

// Normalizer resolves raw receipt item names to master products. The
// cascade runs: mapping cache, exact alias, translation, abbreviation
// expansion, character similarity, TF-IDF similarity. Matches at or
// above the accept threshold are written through to the mapping cache
// so the next lookup is a single read.
type Normalizer struct {
	products   store.ProductStore
	mappings   store.MappingStore
	translator *Translator
	cfg        models.NormalizerConfig

	mu         sync.RWMutex
	aliasIndex map[string]string // cleaned alias -> product ID
	pivotIndex map[string]string // pivot-language alias -> product ID
	aliases    []aliasEntry
	tfidf      *TFIDF
}

// NewNormalizer builds the alias indexes from the product store.
func NewNormalizer(ctx context.Context, products store.ProductStore, mappings store.MappingStore, cfg models.NormalizerConfig) (*Normalizer, error) {
	n := &Normalizer{
		products:   products,
		mappings:   mappings,
		translator: NewTranslator(),
		cfg:        cfg,
	}
	if err := n.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("building alias index: %w", err)
	}
	return n, nil
}

// Refresh rebuilds the in-memory alias indexes and the TF-IDF model
// from the product store.
func (n *Normalizer) Refresh(ctx context.Context) error {
	prods, err := n.products.ListProducts(ctx)
	if err != nil {
		return err
	}
	aliasIndex := make(map[string]string)
	pivotIndex := make(map[string]string)
	var aliases []aliasEntry
	var corpus []string
	for i := range prods {
		p := &prods[i]
		for _, a := range p.AllAliases() {
			clean := Clean(a)
			if clean == "" {
				continue
			}
			if _, dup := aliasIndex[clean]; !dup {
				aliasIndex[clean] = p.ProductID
				aliases = append(aliases, aliasEntry{alias: clean, productID: p.ProductID})
				corpus = append(corpus, clean)
			}
			pivot := n.translator.ToPivot(clean, n.cfg.PivotLanguage)
			if _, dup := pivotIndex[pivot]; !dup {
				pivotIndex[pivot] = p.ProductID
			}
		}
	}
	n.mu.Lock()
	n.aliasIndex = aliasIndex
	n.pivotIndex = pivotIndex
	n.aliases = aliases
	n.tfidf = NewTFIDF(corpus)
	n.mu.Unlock()
	log.Printf("[NORMALIZE] Indexed %d products, %d aliases", len(prods), len(aliases))
	return nil
}

// Normalize resolves one raw item name. It never fails on a miss; a
// no-match comes back with method "none", zero product and suggestions.
func (n *Normalizer) Normalize(ctx context.Context, rawName, merchantID string) (*models.NormalizationMatch, error) {
	key := Clean(rawName)
	if key == "" {
		return &models.NormalizationMatch{
			RawName:     rawName,
			MatchMethod: models.MatchNone,
			NeedsReview: true,
		}, nil
	}

	// Stage 1: mapping cache. A hit skips the whole cascade.
	if m, err := n.mappings.GetMapping(ctx, key); err == nil {
		return n.resolved(ctx, rawName, key, merchantID, m.ProductID, 1.0, models.MatchExact, false)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("mapping lookup: %w", err)
	}

	// Stage 2: exact alias. Any catalog alias string resolves at full
	// confidence.
	if pid, ok := n.lookupAlias(key); ok {
		return n.resolved(ctx, rawName, key, merchantID, pid, 1.0, models.MatchExact, true)
	}

	// Stage 3: translation through the pivot language.
	pivot := n.translator.ToPivot(key, n.cfg.PivotLanguage)
	if pid, ok := n.lookupPivot(pivot); ok {
		return n.resolved(ctx, rawName, key, merchantID, pid, 0.98, models.MatchTranslation, true)
	}
	for _, v := range n.translator.Variants(key) {
		if pid, ok := n.lookupAlias(v); ok {
			return n.resolved(ctx, rawName, key, merchantID, pid, 0.98, models.MatchTranslation, true)
		}
	}

	// Stage 4: abbreviation expansion, then exact or translated lookup
	// on the expanded form.
	expanded := ExpandAbbreviations(key)
	if expanded != key {
		if pid, ok := n.lookupAlias(expanded); ok {
			return n.resolved(ctx, rawName, key, merchantID, pid, 0.95, models.MatchAbbreviation, true)
		}
		if pid, ok := n.lookupPivot(n.translator.ToPivot(expanded, n.cfg.PivotLanguage)); ok {
			return n.resolved(ctx, rawName, key, merchantID, pid, 0.95, models.MatchAbbreviation, true)
		}
	}

	// Stage 5: character-level similarity over all aliases.
	best, scores := n.bestSimilarity(expanded, CombinedSimilarity)
	if best.Score >= n.cfg.AcceptThreshold {
		return n.resolved(ctx, rawName, key, merchantID, best.ProductID, best.Score, models.MatchSimilarity, true)
	}
	if best.Score >= n.cfg.ReviewThreshold {
		return n.review(ctx, rawName, best.ProductID, best.Score, models.MatchSimilarity, scores)
	}

	// Stage 6: TF-IDF similarity catches reworded names the character
	// metrics miss.
	n.mu.RLock()
	tfidf := n.tfidf
	n.mu.RUnlock()
	semBest, semScores := n.bestSimilarity(expanded, tfidf.Similarity)
	if semBest.Score >= n.cfg.AcceptThreshold {
		return n.resolved(ctx, rawName, key, merchantID, semBest.ProductID, semBest.Score, models.MatchSemantic, true)
	}
	if semBest.Score >= n.cfg.ReviewThreshold {
		return n.review(ctx, rawName, semBest.ProductID, semBest.Score, models.MatchSemantic, semScores)
	}

	// No match. Merge both score sets for suggestions.
	for pid, s := range semScores {
		if s > scores[pid] {
			scores[pid] = s
		}
	}
	match := &models.NormalizationMatch{
		RawName:     rawName,
		Confidence:  best.Score,
		MatchMethod: models.MatchNone,
		NeedsReview: true,
		Suggestions: n.topSuggestions(ctx, scores),
	}
	return match, nil
}

func (n *Normalizer) lookupAlias(key string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pid, ok := n.aliasIndex[key]
	return pid, ok
}

func (n *Normalizer) lookupPivot(key string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	pid, ok := n.pivotIndex[key]
	return pid, ok
}

type scored struct {
	ProductID string
	Score     float64
}

func (n *Normalizer) bestSimilarity(query string, sim func(a, b string) float64) (scored, map[string]float64) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var best scored
	perProduct := make(map[string]float64)
	for _, e := range n.aliases {
		s := sim(query, e.alias)
		if s > perProduct[e.productID] {
			perProduct[e.productID] = s
		}
		if s > best.Score {
			best = scored{ProductID: e.productID, Score: s}
		}
	}
	return best, perProduct
}

func (n *Normalizer) resolved(ctx context.Context, rawName, key, merchantID, productID string, confidence float64, method string, writeThrough bool) (*models.NormalizationMatch, error) {
	p, err := n.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("resolving product %s: %w", productID, err)
	}
	if writeThrough && confidence >= n.cfg.AcceptThreshold {
		m := &models.ProductMapping{
			RawKey:      key,
			ProductID:   productID,
			MerchantID:  merchantID,
			MatchMethod: method,
		}
		if err := n.mappings.UpsertMapping(ctx, m); err != nil {
			// The match itself is still good.
			log.Printf("[NORMALIZE] Write-through failed for %q: %v", key, err)
		}
	}
	return &models.NormalizationMatch{
		RawName:        rawName,
		ProductID:      p.ProductID,
		NormalizedName: p.NormalizedName,
		Confidence:     confidence,
		MatchMethod:    method,
		NeedsReview:    false,
	}, nil
}

func (n *Normalizer) review(ctx context.Context, rawName, productID string, score float64, method string, scores map[string]float64) (*models.NormalizationMatch, error) {
	p, err := n.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("resolving product %s: %w", productID, err)
	}
	return &models.NormalizationMatch{
		RawName:        rawName,
		ProductID:      p.ProductID,
		NormalizedName: p.NormalizedName,
		Confidence:     score,
		MatchMethod:    method,
		NeedsReview:    true,
		Suggestions:    n.topSuggestions(ctx, scores),
	}, nil
}

func (n *Normalizer) topSuggestions(ctx context.Context, scores map[string]float64) []models.Suggestion {
	ranked := make([]scored, 0, len(scores))
	for pid, s := range scores {
		if s > 0 {
			ranked = append(ranked, scored{ProductID: pid, Score: s})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ProductID < ranked[j].ProductID
	})
	if len(ranked) > maxSuggestions {
		ranked = ranked[:maxSuggestions]
	}
	out := make([]models.Suggestion, 0, len(ranked))
	for _, r := range ranked {
		p, err := n.products.GetProduct(ctx, r.ProductID)
		if err != nil {
			continue
		}
		out = append(out, models.Suggestion{
			ProductID:      p.ProductID,
			NormalizedName: p.NormalizedName,
			Score:          r.Score,
		})
	}
	return out
}

// TeachMapping records a curated raw-name mapping, bypassing the
// cascade. The product must exist.
func (n *Normalizer) TeachMapping(ctx context.Context, rawName, productID, merchantID string) error {
	key := Clean(rawName)
	if key == "" {
		return &models.ValidationFailure{Field: "rawName", Msg: "empty after cleaning"}
	}
	if _, err := n.products.GetProduct(ctx, productID); err != nil {
		return fmt.Errorf("teaching mapping for %s: %w", productID, err)
	}
	return n.mappings.UpsertMapping(ctx, &models.ProductMapping{
		RawKey:      key,
		ProductID:   productID,
		MerchantID:  merchantID,
		MatchMethod: models.MatchCurated,
	})
}

// AddProduct creates a new master product and registers its aliases in
// the live indexes.
func (n *Normalizer) AddProduct(ctx context.Context, name, category, unit string, aliasesFr, aliasesEn []string) (*models.MasterProduct, error) {
	if Clean(name) == "" {
		return nil, &models.ValidationFailure{Field: "name", Msg: "empty after cleaning"}
	}
	p := &models.MasterProduct{
		ProductID:      uuid.NewString(),
		NormalizedName: Clean(name),
		Category:       category,
		UnitOfMeasure:  unit,
		Aliases: map[string][]string{
			"fr": aliasesFr,
			"en": aliasesEn,
		},
	}
	if err := n.products.UpsertProduct(ctx, p); err != nil {
		return nil, fmt.Errorf("adding product: %w", err)
	}
	n.mu.Lock()
	for _, a := range p.AllAliases() {
		clean := Clean(a)
		if clean == "" {
			continue
		}
		if _, dup := n.aliasIndex[clean]; !dup {
			n.aliasIndex[clean] = p.ProductID
			n.aliases = append(n.aliases, aliasEntry{alias: clean, productID: p.ProductID})
		}
		pivot := n.translator.ToPivot(clean, n.cfg.PivotLanguage)
		if _, dup := n.pivotIndex[pivot]; !dup {
			n.pivotIndex[pivot] = p.ProductID
		}
	}
	n.mu.Unlock()
	return p, nil
}

// Search ranks catalog products against a free-text query.
func (n *Normalizer) Search(ctx context.Context, query string, limit int) ([]models.Suggestion, error) {
	if limit <= 0 {
		limit = 10
	}
	q := ExpandAbbreviations(n.translator.ToPivot(query, n.cfg.PivotLanguage))
	_, scores := n.bestSimilarity(q, CombinedSimilarity)
	_, raw := n.bestSimilarity(Clean(query), CombinedSimilarity)
	for pid, s := range raw {
		if s > scores[pid] {
			scores[pid] = s
		}
	}
	ranked := make([]scored, 0, len(scores))
	for pid, s := range scores {
		if s > 0 {
			ranked = append(ranked, scored{ProductID: pid, Score: s})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ProductID < ranked[j].ProductID
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]models.Suggestion, 0, len(ranked))
	for _, r := range ranked {
		p, err := n.products.GetProduct(ctx, r.ProductID)
		if err != nil {
			continue
		}
		out = append(out, models.Suggestion{
			ProductID:      p.ProductID,
			NormalizedName: p.NormalizedName,
			Score:          r.Score,
		})
	}
	return out, nil
}
