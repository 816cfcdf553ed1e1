package models

// Config represents the service configuration
type Config struct {
	// Server config
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	// OCR config
	OCR OCRConfig `yaml:"ocr"`

	// AI fallback config
	AI AIConfig `yaml:"ai"`

	// Pipeline config
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Product normalizer config
	Normalizer NormalizerConfig `yaml:"normalizer"`
}

// OCRConfig represents OCR-specific configuration
type OCRConfig struct {
	Engine        string `yaml:"engine"`   // only "tesseract" for now
	Language      string `yaml:"language"` // e.g. "fra+eng"
	MinTextLength int    `yaml:"min_text_length"`
	MaxDimension  int    `yaml:"max_dimension"` // longest image side after resize
}

// AIConfig represents AI provider configuration
type AIConfig struct {
	// OpenAI
	OpenAI OpenAIConfig `yaml:"openai"`

	// Gemini
	Gemini GeminiConfig `yaml:"gemini"`

	// Default provider
	DefaultProvider string `yaml:"default_provider"` // "openai" or "gemini"

	// Retry and budget controls
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoffSec float64 `yaml:"initial_backoff_sec"`
	MaxBackoffSec     float64 `yaml:"max_backoff_sec"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	MaxConcurrent     int     `yaml:"max_concurrent"`
	TimeoutSec        float64 `yaml:"timeout_sec"`
}

// OpenAIConfig for OpenAI/Azure OpenAI
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"` // For custom endpoints
	Model   string `yaml:"model"`              // Default: "gpt-4o"
}

// GeminiConfig for Google Gemini
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"` // Default: "gemini-1.5-flash"
}

// PipelineConfig tunes acceptance of local extraction results
type PipelineConfig struct {
	AcceptThreshold  float64 `yaml:"accept_threshold"`   // minimum confidence to skip AI
	MinItems         int     `yaml:"min_items"`          // expected item count on a full receipt
	TotalTolerancePc float64 `yaml:"total_tolerance_pc"` // item-sum vs total, percent
	DefaultCurrency  string  `yaml:"default_currency"`
	BatchWorkers     int     `yaml:"batch_workers"`
}

// NormalizerConfig tunes the product matching cascade
type NormalizerConfig struct {
	AcceptThreshold float64 `yaml:"accept_threshold"` // >= this: confident match
	ReviewThreshold float64 `yaml:"review_threshold"` // >= this: match flagged for review
	DefaultLanguage string  `yaml:"default_language"` // receipt language, e.g. "fr"
	PivotLanguage   string  `yaml:"pivot_language"`   // catalog pivot, e.g. "en"
	SeedFile        string  `yaml:"seed_file"`        // optional master product seed (JSON)
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Port: 8080,
		Host: "0.0.0.0",
		OCR: OCRConfig{
			Engine:        "tesseract",
			Language:      "fra+eng",
			MinTextLength: 5,
			MaxDimension:  2000,
		},
		AI: AIConfig{
			DefaultProvider:   "gemini",
			Gemini:            GeminiConfig{Model: "gemini-1.5-flash"},
			OpenAI:            OpenAIConfig{Model: "gpt-4o"},
			MaxAttempts:       3,
			InitialBackoffSec: 1,
			MaxBackoffSec:     8,
			RequestsPerMinute: 30,
			MaxConcurrent:     4,
			TimeoutSec:        45,
		},
		Pipeline: PipelineConfig{
			AcceptThreshold:  0.85,
			MinItems:         3,
			TotalTolerancePc: 2.0,
			DefaultCurrency:  "CDF",
			BatchWorkers:     4,
		},
		Normalizer: NormalizerConfig{
			AcceptThreshold: 0.85,
			ReviewThreshold: 0.60,
			DefaultLanguage: "fr",
			PivotLanguage:   "en",
		},
	}
}
