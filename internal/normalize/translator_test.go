package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslatorToEnglish(t *testing.T) {
	tr := NewTranslator()
	tests := []struct {
		input string
		want  string
	}{
		{"tomate", "tomato"},
		{"banane plantain", "plantain"},
		{"pomme de terre", "potato"},
		{"huile de palme", "palm oil"},
		{"Pastèque", "watermelon"},
		{"tomate fraiche", "tomato fresh"},
		{"zebra", "zebra"}, // unknown passes through
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tr.ToEnglish(tt.input), "input %q", tt.input)
	}
}

func TestTranslatorPhraseBeforeWord(t *testing.T) {
	tr := NewTranslator()
	// "banane plantain" must translate as a phrase to "plantain", not
	// word by word to "banana plantain".
	assert.Equal(t, "plantain", tr.ToEnglish("banane plantain"))
}

func TestTranslatorToFrench(t *testing.T) {
	tr := NewTranslator()
	assert.Equal(t, "tomate", tr.ToFrench("tomato"))
	assert.Equal(t, "riz", tr.ToFrench("rice"))
}

func TestDetectLanguage(t *testing.T) {
	tr := NewTranslator()
	tests := []struct {
		input string
		want  string
	}{
		{"tomate oignon", "fr"},
		{"tomato onion", "en"},
		{"qwerty xyz", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tr.DetectLanguage(tt.input), "input %q", tt.input)
	}
}

func TestToPivot(t *testing.T) {
	tr := NewTranslator()
	// Both language forms land on the same pivot string.
	assert.Equal(t, tr.ToPivot("tomate", "en"), tr.ToPivot("tomato", "en"))
	assert.Equal(t, "tomato", tr.ToPivot("Tomate", "en"))
}

func TestTranslatorAdd(t *testing.T) {
	tr := NewTranslator()
	tr.Add("fufu", "cassava flour")
	assert.Equal(t, "cassava flour", tr.ToEnglish("fufu"))
	assert.Equal(t, "fufu", tr.ToFrench("cassava flour"))
}
