package models

import (
	"fmt"
	"regexp"
	"time"
)

// ExtractionTemplate holds the regular expressions used to pull
// structured fields out of a merchant's receipt text. Item patterns use
// the named groups "name", "price" and optionally "qty"; the scalar
// patterns carry a single capture group for the value.
type ExtractionTemplate struct {
	ItemPatterns    []string `json:"itemPatterns" yaml:"item_patterns"`
	TotalPattern    string   `json:"totalPattern,omitempty" yaml:"total_pattern"`
	SubtotalPattern string   `json:"subtotalPattern,omitempty" yaml:"subtotal_pattern"`
	TaxPattern      string   `json:"taxPattern,omitempty" yaml:"tax_pattern"`
	DatePattern     string   `json:"datePattern,omitempty" yaml:"date_pattern"`
	Currency        string   `json:"currency,omitempty" yaml:"currency"`
}

// Validate compiles every pattern and checks the required capture
// groups, so a malformed template is rejected before it is ever stored.
func (t *ExtractionTemplate) Validate() error {
	if len(t.ItemPatterns) == 0 {
		return fmt.Errorf("template has no item patterns")
	}
	for i, p := range t.ItemPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("item pattern %d: %w", i, err)
		}
		names := re.SubexpNames()
		if !containsName(names, "name") || !containsName(names, "price") {
			return fmt.Errorf("item pattern %d: missing name or price group", i)
		}
	}
	for _, s := range []struct{ label, pat string }{
		{"total", t.TotalPattern},
		{"subtotal", t.SubtotalPattern},
		{"tax", t.TaxPattern},
		{"date", t.DatePattern},
	} {
		if s.pat == "" {
			continue
		}
		re, err := regexp.Compile(s.pat)
		if err != nil {
			return fmt.Errorf("%s pattern: %w", s.label, err)
		}
		if re.NumSubexp() < 1 {
			return fmt.Errorf("%s pattern: needs a capture group", s.label)
		}
	}
	return nil
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// MerchantSignature ties the detection patterns that recognize a
// merchant's receipts to the template that extracts them.
type MerchantSignature struct {
	MerchantID        string             `json:"merchantId"`
	DisplayName       string             `json:"displayName,omitempty"`
	DetectionPatterns []string           `json:"detectionPatterns"`
	Template          ExtractionTemplate `json:"template"`
	ConfidenceBias    float64            `json:"confidenceBias"`
	Learned           bool               `json:"learned"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// LearningEvent is one append-only audit record of a template learning
// attempt, accepted or not.
type LearningEvent struct {
	ID              string            `json:"id"`
	MerchantID      string            `json:"merchantId"`
	LocalResult     *ExtractionResult `json:"localResult,omitempty"`
	AIResult        *ExtractionResult `json:"aiResult"`
	LocalConfidence float64           `json:"localConfidence"`
	DerivedPatterns []string          `json:"derivedPatterns,omitempty"`
	Accepted        bool              `json:"accepted"`
	Reason          string            `json:"reason,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}
