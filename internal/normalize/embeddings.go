package normalize

import (
	"math"
	"sort"
)

// TFIDF is a small bag-of-words embedder fitted over the product alias
// corpus. It backs the semantic stage of the matching cascade when the
// character-level similarity finds nothing close enough.
type TFIDF struct {
	vocab map[string]int
	idf   []float64
}

// NewTFIDF fits the vocabulary and inverse document frequencies over
// the given corpus.
func NewTFIDF(corpus []string) *TFIDF {
	t := &TFIDF{vocab: make(map[string]int)}
	docFreq := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]bool)
		for _, w := range Tokens(doc) {
			if _, ok := t.vocab[w]; !ok {
				t.vocab[w] = len(t.vocab)
			}
			if !seen[w] {
				seen[w] = true
				docFreq[w]++
			}
		}
	}
	t.idf = make([]float64, len(t.vocab))
	n := float64(len(corpus))
	for w, idx := range t.vocab {
		if df := docFreq[w]; df > 0 && n > float64(df) {
			t.idf[idx] = math.Log(n / float64(df))
		}
	}
	return t
}

// Embed returns the L2-normalized TF-IDF vector for text. Words outside
// the fitted vocabulary are ignored.
func (t *TFIDF) Embed(text string) []float64 {
	vec := make([]float64, len(t.vocab))
	words := Tokens(text)
	if len(words) == 0 {
		return vec
	}
	counts := make(map[string]int)
	for _, w := range words {
		counts[w]++
	}
	for w, c := range counts {
		idx, ok := t.vocab[w]
		if !ok {
			continue
		}
		tf := float64(c) / float64(len(words))
		vec[idx] = tf * t.idf[idx]
	}
	var mag float64
	for _, x := range vec {
		mag += x * x
	}
	if mag > 0 {
		mag = math.Sqrt(mag)
		for i := range vec {
			vec[i] /= mag
		}
	}
	return vec
}

// Cosine returns the cosine similarity of two vectors of equal length.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}
	var dot, ma, mb float64
	for i := range a {
		dot += a[i] * b[i]
		ma += a[i] * a[i]
		mb += b[i] * b[i]
	}
	if ma == 0 || mb == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(ma) * math.Sqrt(mb))
}

// Similarity embeds both texts and returns their cosine similarity.
func (t *TFIDF) Similarity(a, b string) float64 {
	return Cosine(t.Embed(a), t.Embed(b))
}

// Ranked is one scored candidate from RankCandidates.
type Ranked struct {
	Candidate string
	Score     float64
}

// RankCandidates scores every candidate against the query and returns
// them best first.
func (t *TFIDF) RankCandidates(query string, candidates []string) []Ranked {
	qv := t.Embed(query)
	out := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, Ranked{Candidate: c, Score: Cosine(qv, t.Embed(c))})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
