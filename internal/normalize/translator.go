package normalize

import (
	"strings"
	"sync"
)

// Lightweight French to English dictionary for common food and
// household items sold in DRC markets. Keys are stored accent-folded
// because the cleaner folds accents before lookup.
var frenchToEnglish = map[string]string{
	// Fruits
	"banane":          "banana",
	"banane plantain": "plantain",
	"plantain":        "plantain",
	"orange":          "orange",
	"pomme":           "apple",
	"mangue":          "mango",
	"ananas":          "pineapple",
	"papaye":          "papaya",
	"avocat":          "avocado",
	"citron":          "lemon",
	"pasteque":        "watermelon",
	"melon d eau":     "watermelon",
	"raisin":          "grape",
	"poire":           "pear",
	"peche":           "peach",
	"abricot":         "apricot",
	"prune":           "plum",
	"fraise":          "strawberry",
	"framboise":       "raspberry",
	"myrtille":        "blueberry",

	// Vegetables
	"tomate":         "tomato",
	"oignon":         "onion",
	"ail":            "garlic",
	"carotte":        "carrot",
	"pomme de terre": "potato",
	"patate":         "potato",
	"manioc":         "cassava",
	"kwanga":         "cassava",
	"chou":           "cabbage",
	"epinard":        "spinach",
	"poivre":         "pepper",
	"piment":         "chili",
	"poivron":        "bell pepper",
	"aubergine":      "eggplant",
	"gombo":          "okra",
	"laitue":         "lettuce",
	"concombre":      "cucumber",
	"courgette":      "zucchini",
	"haricot vert":   "green bean",
	"petit pois":     "pea",
	"mais":           "corn",

	// Proteins
	"poulet":           "chicken",
	"boeuf":            "beef",
	"viande":           "meat",
	"viande de boeuf":  "beef",
	"chevre":           "goat",
	"viande de chevre": "goat meat",
	"porc":             "pork",
	"agneau":           "lamb",
	"mouton":           "mutton",
	"poisson":          "fish",
	"oeuf":             "egg",
	"tilapia":          "tilapia",
	"sardine":          "sardine",
	"thon":             "tuna",
	"saumon":           "salmon",
	"crevette":         "shrimp",
	"crabe":            "crab",

	// Dairy
	"lait":    "milk",
	"beurre":  "butter",
	"fromage": "cheese",
	"yaourt":  "yogurt",
	"yogourt": "yogurt",
	"creme":   "cream",

	// Grains and staples
	"riz":       "rice",
	"farine":    "flour",
	"pain":      "bread",
	"pates":     "pasta",
	"spaghetti": "spaghetti",
	"macaroni":  "macaroni",
	"haricots":  "beans",
	"haricot":   "bean",
	"lentille":  "lentil",
	"arachide":  "peanut",
	"cacahuete": "peanut",
	"noix":      "nut",

	// Oils and condiments
	"huile":               "oil",
	"huile de palme":      "palm oil",
	"huile rouge":         "red oil",
	"huile vegetale":      "vegetable oil",
	"sel":                 "salt",
	"sucre":               "sugar",
	"miel":                "honey",
	"vinaigre":            "vinegar",
	"concentre de tomate": "tomato paste",
	"pate de tomate":      "tomato paste",
	"mayonnaise":          "mayonnaise",
	"ketchup":             "ketchup",
	"moutarde":            "mustard",
	"sauce":               "sauce",
	"epice":               "spice",
	"cube maggi":          "bouillon cube",
	"bouillon":            "bouillon",

	// Beverages
	"eau":             "water",
	"eau minerale":    "mineral water",
	"soda":            "soda",
	"boisson":         "drink",
	"boisson gazeuse": "soda",
	"jus":             "juice",
	"jus de fruit":    "fruit juice",
	"biere":           "beer",
	"vin":             "wine",
	"cafe":            "coffee",
	"the":             "tea",
	"lait concentre":  "condensed milk",

	// Hygiene and household
	"savon":             "soap",
	"detergent":         "detergent",
	"lessive":           "laundry detergent",
	"dentifrice":        "toothpaste",
	"brosse a dents":    "toothbrush",
	"papier toilette":   "toilet paper",
	"papier hygienique": "toilet paper",
	"couche":            "diaper",
	"shampooing":        "shampoo",
	"lotion":            "lotion",

	// Units
	"kilogramme": "kilogram",
	"kilo":       "kilogram",
	"gramme":     "gram",
	"litre":      "liter",
	"morceau":    "piece",
	"paquet":     "pack",
	"sachet":     "sachet",
	"boite":      "box",
	"bouteille":  "bottle",
	"sac":        "bag",

	// Common adjectives
	"frais":   "fresh",
	"fraiche": "fresh",
	"sec":     "dry",
	"seche":   "dry",
	"entier":  "whole",
	"entiere": "whole",
	"moulu":   "ground",
	"coupe":   "cut",
	"congele": "frozen",
}

// Translator maps product names between French and English using a
// fixed dictionary, phrase-first. Safe for concurrent use.
type Translator struct {
	mu     sync.RWMutex
	frToEn map[string]string
	enToFr map[string]string
}

// NewTranslator builds a translator from the built-in dictionary.
func NewTranslator() *Translator {
	t := &Translator{
		frToEn: make(map[string]string, len(frenchToEnglish)),
		enToFr: make(map[string]string, len(frenchToEnglish)),
	}
	for fr, en := range frenchToEnglish {
		t.frToEn[fr] = en
		t.enToFr[en] = fr
	}
	return t
}

// Add registers a translation pair at runtime.
func (t *Translator) Add(french, english string) {
	fr, en := Clean(french), Clean(english)
	t.mu.Lock()
	t.frToEn[fr] = en
	t.enToFr[en] = fr
	t.mu.Unlock()
}

// ToEnglish translates French text word by word, preferring the longest
// matching phrase (up to four words). Unknown words pass through.
func (t *Translator) ToEnglish(text string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return translate(Clean(text), t.frToEn)
}

// ToFrench is the reverse direction of ToEnglish.
func (t *Translator) ToFrench(text string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return translate(Clean(text), t.enToFr)
}

func translate(text string, dict map[string]string) string {
	if text == "" {
		return ""
	}
	if out, ok := dict[text]; ok {
		return out
	}
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for i := 0; i < len(words); {
		matched := false
		for n := 4; n >= 1; n-- {
			if i+n > len(words) {
				continue
			}
			phrase := strings.Join(words[i:i+n], " ")
			if tr, ok := dict[phrase]; ok {
				out = append(out, tr)
				i += n
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, words[i])
			i++
		}
	}
	return strings.Join(out, " ")
}

// DetectLanguage votes each word against both dictionary directions.
// Returns "fr", "en" or "unknown" on a tie.
func (t *Translator) DetectLanguage(text string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var fr, en int
	for _, w := range strings.Fields(Clean(text)) {
		if _, ok := t.frToEn[w]; ok {
			fr++
		}
		if _, ok := t.enToFr[w]; ok {
			en++
		}
	}
	switch {
	case fr > en:
		return "fr"
	case en > fr:
		return "en"
	default:
		return "unknown"
	}
}

// ToPivot normalizes text into the pivot language so French and English
// names for the same product compare equal.
func (t *Translator) ToPivot(text, pivot string) string {
	switch pivot {
	case "fr":
		if t.DetectLanguage(text) == "en" {
			return t.ToFrench(text)
		}
	default: // "en"
		if t.DetectLanguage(text) == "fr" {
			return t.ToEnglish(text)
		}
	}
	return Clean(text)
}

// Variants returns the distinct language forms of a name, the cleaned
// original first.
func (t *Translator) Variants(text string) []string {
	clean := Clean(text)
	seen := map[string]bool{clean: true}
	out := []string{clean}
	for _, v := range []string{t.ToEnglish(clean), t.ToFrench(clean)} {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
