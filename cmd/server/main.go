package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sombapp/receipt-service/api"
	"github.com/sombapp/receipt-service/internal/ai"
	"github.com/sombapp/receipt-service/internal/extract"
	"github.com/sombapp/receipt-service/internal/learning"
	"github.com/sombapp/receipt-service/internal/models"
	"github.com/sombapp/receipt-service/internal/normalize"
	"github.com/sombapp/receipt-service/internal/ocr"
	"github.com/sombapp/receipt-service/internal/pipeline"
	"github.com/sombapp/receipt-service/internal/storage"
	"github.com/sombapp/receipt-service/internal/store"
)

func main() {
	ctx := context.Background()

	config, err := loadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Stores: Postgres when configured, in-memory otherwise.
	var (
		products   store.ProductStore
		mappings   store.MappingStore
		signatures store.SignatureStore
		events     store.EventStore
		pinger     api.Pinger
	)
	if url := store.DatabaseURL(); url != "" {
		pg, err := store.NewPostgres(ctx, url)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pg.Close()
		products, mappings, signatures, events, pinger = pg, pg, pg, pg, pg
	} else {
		log.Println("No database configuration found, using in-memory stores")
		mem := store.NewMemory()
		products, mappings, signatures, events = mem, mem, mem, mem
	}

	if err := seedStores(ctx, config.Normalizer.SeedFile, products, signatures); err != nil {
		log.Fatalf("Failed to seed stores: %v", err)
	}

	// MinIO archive is optional.
	archive, err := storage.NewArchiveFromEnv(ctx)
	if err != nil {
		log.Printf("Warning: MinIO storage not available: %v", err)
		log.Println("Images will not be stored")
		archive = nil
	} else if archive != nil {
		log.Println("MinIO storage initialized")
	}

	normalizer, err := normalize.NewNormalizer(ctx, products, mappings, config.Normalizer)
	if err != nil {
		log.Fatalf("Failed to build normalizer: %v", err)
	}

	provider, err := ai.NewProvider(ctx, config.AI)
	if err != nil {
		log.Fatalf("Failed to build AI provider: %v", err)
	}
	fallback := ai.NewFallbackClient(provider, config.AI, config.Pipeline.DefaultCurrency)

	templates := extract.NewTemplateExtractor(config.Pipeline.DefaultCurrency)
	learner := learning.NewEngine(signatures, events, templates)

	processor := pipeline.NewProcessor(
		ocr.NewPreprocessor(config.OCR),
		ocr.NewTesseractOCR(config.OCR),
		extract.NewIdentifier(signatures),
		templates,
		extract.NewEvaluator(config.Pipeline),
		fallback,
		learner,
		normalizer,
		archiveOrNil(archive),
		config.Pipeline,
	)

	handler := api.NewHandler(config, processor, normalizer, products, signatures, learner, pinger, archive)
	router := handler.SetupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	log.Printf("Starting Receipt Extraction Service v%s on %s", api.Version, addr)
	log.Printf("OCR Engine: %s (%s)", config.OCR.Engine, config.OCR.Language)
	log.Printf("Default AI Provider: %s", config.AI.DefaultProvider)
	log.Printf("Database: %v", pinger != nil)
	log.Printf("Storage: %v", archive != nil)
	log.Printf("Endpoints:")
	log.Printf("  POST http://%s/api/process-receipt   - Process one receipt image", addr)
	log.Printf("  POST http://%s/api/process-batch     - Process several images", addr)
	log.Printf("  POST http://%s/api/normalize         - Normalize a raw item name", addr)
	log.Printf("  POST http://%s/api/mappings/teach    - Teach a curated mapping", addr)
	log.Printf("  GET  http://%s/api/products/search   - Search the master catalog", addr)
	log.Printf("  POST http://%s/api/products          - Add a master product", addr)
	log.Printf("  GET  http://%s/api/signatures        - List merchant signatures", addr)
	log.Printf("  GET  http://%s/api/learning/stats    - Learning outcomes", addr)
	log.Printf("  GET  http://%s/health                - Health check", addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// archiveOrNil keeps the processor's Archiver interface nil when no
// archive is configured. A typed nil would dodge the nil check inside
// the pipeline.
func archiveOrNil(a *storage.Archive) pipeline.Archiver {
	if a == nil {
		return nil
	}
	return a
}

func loadConfig(path string) (*models.Config, error) {
	config := models.DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Override with environment variables if present
	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &config.Port)
	}
	if host := os.Getenv("HOST"); host != "" {
		config.Host = host
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.AI.OpenAI.APIKey = apiKey
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.AI.Gemini.APIKey = apiKey
	}
	if provider := os.Getenv("AI_PROVIDER"); provider != "" {
		config.AI.DefaultProvider = provider
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.AI.OpenAI.BaseURL = baseURL
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		config.AI.OpenAI.Model = model
	}
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.AI.Gemini.Model = model
	}
	if lang := os.Getenv("OCR_LANGUAGE"); lang != "" {
		config.OCR.Language = lang
	}
	if seed := os.Getenv("SEED_FILE"); seed != "" {
		config.Normalizer.SeedFile = seed
	}

	return config, nil
}

// seedFile is the on-disk catalog format: master products plus the
// hand-written signatures for known chains.
type seedFile struct {
	Products   []models.MasterProduct     `json:"products"`
	Signatures []models.MerchantSignature `json:"signatures"`
}

func seedStores(ctx context.Context, path string, products store.ProductStore, signatures store.SignatureStore) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}

	for i := range seed.Products {
		if _, err := products.GetProduct(ctx, seed.Products[i].ProductID); err == nil {
			continue
		}
		if err := products.UpsertProduct(ctx, &seed.Products[i]); err != nil {
			return fmt.Errorf("seeding product %s: %w", seed.Products[i].ProductID, err)
		}
	}
	for i := range seed.Signatures {
		if _, err := signatures.GetSignature(ctx, seed.Signatures[i].MerchantID); err == nil {
			continue
		}
		if err := signatures.UpsertSignature(ctx, &seed.Signatures[i]); err != nil {
			return fmt.Errorf("seeding signature %s: %w", seed.Signatures[i].MerchantID, err)
		}
	}
	log.Printf("Seeded %d products and %d merchant signatures from %s",
		len(seed.Products), len(seed.Signatures), path)
	return nil
}
