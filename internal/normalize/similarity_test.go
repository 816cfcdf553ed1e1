package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshteinSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, LevenshteinSimilarity("banana", "banana"))
	assert.Greater(t, LevenshteinSimilarity("banana", "banane"), 0.7)
	assert.Less(t, LevenshteinSimilarity("banana", "potato"), 0.5)
	assert.Equal(t, 0.0, LevenshteinSimilarity("banana", ""))
}

func TestTokenSetSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TokenSetSimilarity("banana plantain", "banana plantain"))
	// Word order must not matter.
	assert.Equal(t, 1.0, TokenSetSimilarity("plantain banana", "banana plantain"))
	assert.Equal(t, 0.0, TokenSetSimilarity("banana", "potato"))
}

func TestCombinedSimilarityBounds(t *testing.T) {
	pairs := [][2]string{
		{"banane", "banana"},
		{"tomate fraiche", "tomate"},
		{"savon", "poisson"},
	}
	for _, p := range pairs {
		s := CombinedSimilarity(p[0], p[1])
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
	assert.Greater(t,
		CombinedSimilarity("banane", "banana"),
		CombinedSimilarity("banane", "savon"))
}

func TestTFIDFSimilarity(t *testing.T) {
	corpus := []string{
		"banana plantain",
		"tomato paste",
		"palm oil",
		"rice",
	}
	tf := NewTFIDF(corpus)

	assert.InDelta(t, 1.0, tf.Similarity("tomato paste", "tomato paste"), 1e-9)
	assert.Greater(t,
		tf.Similarity("tomato paste", "paste tomato"),
		tf.Similarity("tomato paste", "palm oil"))
	// Out-of-vocabulary text embeds to the zero vector.
	assert.Equal(t, 0.0, tf.Similarity("zzz", "tomato paste"))
}

func TestTFIDFRankCandidates(t *testing.T) {
	corpus := []string{"banana plantain", "tomato paste", "palm oil"}
	tf := NewTFIDF(corpus)
	ranked := tf.RankCandidates("fresh tomato", corpus)
	assert.Equal(t, "tomato paste", ranked[0].Candidate)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float64{1}, []float64{1, 2}))
}
