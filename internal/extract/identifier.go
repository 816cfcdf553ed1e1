package extract

import (
	"context"
	"log"
	"regexp"
	"strings"

	"github.com/sombapp/receipt-service/internal/models"
	"github.com/sombapp/receipt-service/internal/normalize"
	"github.com/sombapp/receipt-service/internal/store"
)

// Identifier matches raw OCR text against the stored merchant
// signatures.
type Identifier struct {
	signatures store.SignatureStore
}

func NewIdentifier(signatures store.SignatureStore) *Identifier {
	return &Identifier{signatures: signatures}
}

// Identify returns the signature whose detection pattern matches the
// text. Matching is case and accent insensitive on word boundaries.
// When several signatures match, the longest pattern wins; ties go to
// the most recently updated signature.
func (id *Identifier) Identify(ctx context.Context, rawText string) (*models.MerchantSignature, bool, error) {
	sigs, err := id.signatures.ListSignatures(ctx)
	if err != nil {
		return nil, false, err
	}
	text := foldUpper(rawText)

	var best *models.MerchantSignature
	bestLen := 0
	for i := range sigs {
		sig := &sigs[i]
		for _, p := range sig.DetectionPatterns {
			pat := foldUpper(p)
			if pat == "" {
				continue
			}
			re, err := regexp.Compile(`\b` + regexp.QuoteMeta(pat) + `\b`)
			if err != nil {
				continue
			}
			if !re.MatchString(text) {
				continue
			}
			if len(pat) > bestLen ||
				(len(pat) == bestLen && best != nil && sig.UpdatedAt.After(best.UpdatedAt)) {
				best = sig
				bestLen = len(pat)
			}
		}
	}
	if best == nil {
		return nil, false, nil
	}
	log.Printf("[EXTRACT] Merchant identified: %s", best.MerchantID)
	return best, true, nil
}

var drcPhonePatterns = []*regexp.Regexp{
	regexp.MustCompile(`TEL[:\s]*\+?243[\s\-.]*\d{3}[\s\-.]*\d{3}[\s\-.]*\d{3}`),
	regexp.MustCompile(`PHONE[:\s]*\+?243[\s\-.]*\d{3}[\s\-.]*\d{3}[\s\-.]*\d{3}`),
	regexp.MustCompile(`\+243[\s\-.]*\d{3}[\s\-.]*\d{3}[\s\-.]*\d{3}`),
}

var drcCities = []string{
	"KINSHASA", "LUBUMBASHI", "KANANGA", "KISANGANI",
	"GOMA", "BUKAVU", "MBUJI-MAYI", "TSHIKAPA", "KOLWEZI",
}

// LooksLocal reports whether the receipt carries DRC markers (a +243
// phone number or a Congolese city). Used to pick the default currency
// for receipts from unidentified merchants.
func LooksLocal(rawText string) bool {
	text := foldUpper(rawText)
	for _, re := range drcPhonePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	for _, city := range drcCities {
		if strings.Contains(text, city) {
			return true
		}
	}
	return false
}

func foldUpper(s string) string {
	return strings.ToUpper(normalize.FoldAccents(s))
}
