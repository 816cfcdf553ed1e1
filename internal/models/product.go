package models

import "time"

// MasterProduct is the golden record for one canonical product. Aliases
// are grouped by language code ("fr", "en", ...) and every alias is an
// equally valid name for the product.
type MasterProduct struct {
	ProductID      string              `json:"productId"`
	NormalizedName string              `json:"normalizedName"`
	Category       string              `json:"category,omitempty"`
	UnitOfMeasure  string              `json:"unitOfMeasure,omitempty"`
	Aliases        map[string][]string `json:"aliases,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// AllAliases flattens the per-language alias lists. The normalized name
// itself counts as an alias.
func (p *MasterProduct) AllAliases() []string {
	out := []string{p.NormalizedName}
	for _, names := range p.Aliases {
		out = append(out, names...)
	}
	return out
}

// ProductMapping is one entry of the raw-name lookup cache. Entries are
// derived from catalog aliases, written through by the normalizer after
// high-confidence matches, or taught explicitly by a curator. The master
// catalog stays authoritative; a mapping can always be rebuilt from it.
type ProductMapping struct {
	RawKey      string    `json:"rawKey"`
	ProductID   string    `json:"productId"`
	MerchantID  string    `json:"merchantId,omitempty"`
	MatchMethod string    `json:"matchMethod"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Suggestion is a near-miss candidate returned when no match clears the
// acceptance threshold.
type Suggestion struct {
	ProductID      string  `json:"productId"`
	NormalizedName string  `json:"normalizedName"`
	Score          float64 `json:"score"`
}

// NormalizationMatch is the outcome of normalizing one raw item name.
type NormalizationMatch struct {
	RawName        string       `json:"rawName"`
	ProductID      string       `json:"productId,omitempty"`
	NormalizedName string       `json:"normalizedName,omitempty"`
	Confidence     float64      `json:"confidence"`
	MatchMethod    string       `json:"matchMethod"`
	NeedsReview    bool         `json:"needsReview"`
	Suggestions    []Suggestion `json:"suggestions,omitempty"`
}

// Match methods, in cascade order.
const (
	MatchExact        = "exact"
	MatchTranslation  = "translation"
	MatchAbbreviation = "abbreviation"
	MatchSimilarity   = "similarity"
	MatchSemantic     = "semantic"
	MatchCurated      = "curated"
	MatchNone         = "none"
)
