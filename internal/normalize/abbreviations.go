package normalize

import "strings"

// Receipt printers truncate aggressively; these are the shorthand forms
// seen on DRC supermarket tickets mapped back to full French names.
var abbreviations = map[string]string{
	"bnn pltn": "banane plantain",
	"bnn":      "banane",
	"pltn":     "plantain",
	"pdt":      "pomme de terre",
	"tmt":      "tomate",
	"tomat":    "tomate",
	"oign":     "oignon",
	"ogn":      "oignon",
	"crt":      "carotte",
	"pmnt":     "piment",
	"plt":      "poulet",
	"pssn":     "poisson",
	"vnd":      "viande",
	"frm":      "fromage",
	"yrt":      "yaourt",
	"lt":       "lait",
	"bre":      "beurre",
	"hle":      "huile",
	"hl plm":   "huile de palme",
	"scr":      "sucre",
	"svn":      "savon",
	"dtg":      "detergent",
	"btl":      "bouteille",
	"pqt":      "paquet",
	"sch":      "sachet",
	"mrg":      "margarine",
	"spag":     "spaghetti",
	"mcrn":     "macaroni",
	"conc tmt": "concentre de tomate",
}

// ExpandAbbreviations rewrites known shorthand into full product names.
// The whole cleaned string is tried first, then each token on its own,
// so "bnn pltn" expands as one phrase rather than two words.
func ExpandAbbreviations(s string) string {
	clean := Clean(s)
	if full, ok := abbreviations[clean]; ok {
		return full
	}
	words := strings.Fields(clean)
	out := make([]string, 0, len(words))
	for _, w := range words {
		if full, ok := abbreviations[w]; ok {
			out = append(out, full)
		} else {
			out = append(out, w)
		}
	}
	return strings.Join(out, " ")
}
