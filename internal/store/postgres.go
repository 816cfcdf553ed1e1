package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sombapp/receipt-service/internal/models"
)

// Postgres backs all four stores with a shared pgx pool. Structured
// columns hold what queries filter on; the rest lives in JSONB.
type Postgres struct {
	pool *pgxpool.Pool
}

// DatabaseURL builds a connection string from the environment.
// DATABASE_URL wins; otherwise DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/
// DB_NAME are assembled. Empty return means no database is configured.
func DatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := os.Getenv("DB_HOST")
	user := os.Getenv("DB_USER")
	dbname := os.Getenv("DB_NAME")
	if host == "" || user == "" || dbname == "" {
		return ""
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=disable",
		user, os.Getenv("DB_PASSWORD"), host, port, dbname)
}

// NewPostgres connects, pings and prepares the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	// Pool settings sized for PgBouncer in front.
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Println("[STORE] Database connection pool initialized")
	return p, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping reports database health for the /health endpoint.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS products (
			product_id TEXT PRIMARY KEY,
			normalized_name TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			unit_of_measure TEXT NOT NULL DEFAULT '',
			aliases JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS product_mappings (
			raw_key TEXT PRIMARY KEY,
			product_id TEXT NOT NULL REFERENCES products(product_id),
			merchant_id TEXT NOT NULL DEFAULT '',
			match_method TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS merchant_signatures (
			merchant_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			detection_patterns JSONB NOT NULL DEFAULT '[]',
			template JSONB NOT NULL DEFAULT '{}',
			confidence_bias DOUBLE PRECISION NOT NULL DEFAULT 0,
			learned BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS learning_events (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			local_result JSONB,
			ai_result JSONB,
			local_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			derived_patterns JSONB NOT NULL DEFAULT '[]',
			accepted BOOLEAN NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_learning_events_merchant ON learning_events (merchant_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_merchant ON product_mappings (merchant_id)`,
	}
	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("preparing schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) GetProduct(ctx context.Context, productID string) (*models.MasterProduct, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT product_id, normalized_name, category, unit_of_measure, aliases, created_at, updated_at
		FROM products WHERE product_id = $1
	`, productID)
	return scanProduct(row)
}

func (p *Postgres) ListProducts(ctx context.Context) ([]models.MasterProduct, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT product_id, normalized_name, category, unit_of_measure, aliases, created_at, updated_at
		FROM products ORDER BY product_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MasterProduct
	for rows.Next() {
		prod, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *prod)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertProduct(ctx context.Context, prod *models.MasterProduct) error {
	aliases, err := json.Marshal(prod.Aliases)
	if err != nil {
		return fmt.Errorf("encoding aliases: %w", err)
	}
	now := time.Now().UTC()
	if prod.CreatedAt.IsZero() {
		prod.CreatedAt = now
	}
	prod.UpdatedAt = now
	_, err = p.pool.Exec(ctx, `
		INSERT INTO products (product_id, normalized_name, category, unit_of_measure, aliases, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (product_id) DO UPDATE SET
			normalized_name = EXCLUDED.normalized_name,
			category = EXCLUDED.category,
			unit_of_measure = EXCLUDED.unit_of_measure,
			aliases = EXCLUDED.aliases,
			updated_at = EXCLUDED.updated_at
	`, prod.ProductID, prod.NormalizedName, prod.Category, prod.UnitOfMeasure, aliases, prod.CreatedAt, prod.UpdatedAt)
	return err
}

func scanProduct(row pgx.Row) (*models.MasterProduct, error) {
	var prod models.MasterProduct
	var aliases []byte
	err := row.Scan(&prod.ProductID, &prod.NormalizedName, &prod.Category,
		&prod.UnitOfMeasure, &aliases, &prod.CreatedAt, &prod.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(aliases, &prod.Aliases); err != nil {
		return nil, fmt.Errorf("decoding aliases: %w", err)
	}
	return &prod, nil
}

func (p *Postgres) GetMapping(ctx context.Context, rawKey string) (*models.ProductMapping, error) {
	var m models.ProductMapping
	err := p.pool.QueryRow(ctx, `
		SELECT raw_key, product_id, merchant_id, match_method, created_at
		FROM product_mappings WHERE raw_key = $1
	`, rawKey).Scan(&m.RawKey, &m.ProductID, &m.MerchantID, &m.MatchMethod, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *Postgres) ListMappings(ctx context.Context) ([]models.ProductMapping, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT raw_key, product_id, merchant_id, match_method, created_at
		FROM product_mappings ORDER BY raw_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProductMapping
	for rows.Next() {
		var m models.ProductMapping
		if err := rows.Scan(&m.RawKey, &m.ProductID, &m.MerchantID, &m.MatchMethod, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertMapping(ctx context.Context, m *models.ProductMapping) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO product_mappings (raw_key, product_id, merchant_id, match_method, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (raw_key) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			merchant_id = EXCLUDED.merchant_id,
			match_method = EXCLUDED.match_method
	`, m.RawKey, m.ProductID, m.MerchantID, m.MatchMethod, m.CreatedAt)
	return err
}

func (p *Postgres) GetSignature(ctx context.Context, merchantID string) (*models.MerchantSignature, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT merchant_id, display_name, detection_patterns, template, confidence_bias, learned, created_at, updated_at
		FROM merchant_signatures WHERE merchant_id = $1
	`, merchantID)
	return scanSignature(row)
}

func (p *Postgres) ListSignatures(ctx context.Context) ([]models.MerchantSignature, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT merchant_id, display_name, detection_patterns, template, confidence_bias, learned, created_at, updated_at
		FROM merchant_signatures ORDER BY merchant_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MerchantSignature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sig)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertSignature(ctx context.Context, sig *models.MerchantSignature) error {
	patterns, err := json.Marshal(sig.DetectionPatterns)
	if err != nil {
		return fmt.Errorf("encoding detection patterns: %w", err)
	}
	template, err := json.Marshal(sig.Template)
	if err != nil {
		return fmt.Errorf("encoding template: %w", err)
	}
	now := time.Now().UTC()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = now
	}
	sig.UpdatedAt = now
	_, err = p.pool.Exec(ctx, `
		INSERT INTO merchant_signatures (merchant_id, display_name, detection_patterns, template, confidence_bias, learned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (merchant_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			detection_patterns = EXCLUDED.detection_patterns,
			template = EXCLUDED.template,
			confidence_bias = EXCLUDED.confidence_bias,
			learned = EXCLUDED.learned,
			updated_at = EXCLUDED.updated_at
	`, sig.MerchantID, sig.DisplayName, patterns, template, sig.ConfidenceBias, sig.Learned, sig.CreatedAt, sig.UpdatedAt)
	return err
}

func scanSignature(row pgx.Row) (*models.MerchantSignature, error) {
	var sig models.MerchantSignature
	var patterns, template []byte
	err := row.Scan(&sig.MerchantID, &sig.DisplayName, &patterns, &template,
		&sig.ConfidenceBias, &sig.Learned, &sig.CreatedAt, &sig.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patterns, &sig.DetectionPatterns); err != nil {
		return nil, fmt.Errorf("decoding detection patterns: %w", err)
	}
	if err := json.Unmarshal(template, &sig.Template); err != nil {
		return nil, fmt.Errorf("decoding template: %w", err)
	}
	return &sig, nil
}

func (p *Postgres) AppendEvent(ctx context.Context, ev *models.LearningEvent) error {
	local, err := json.Marshal(ev.LocalResult)
	if err != nil {
		return fmt.Errorf("encoding local result: %w", err)
	}
	ai, err := json.Marshal(ev.AIResult)
	if err != nil {
		return fmt.Errorf("encoding ai result: %w", err)
	}
	patterns, err := json.Marshal(ev.DerivedPatterns)
	if err != nil {
		return fmt.Errorf("encoding derived patterns: %w", err)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO learning_events (id, merchant_id, local_result, ai_result, local_confidence, derived_patterns, accepted, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ev.ID, ev.MerchantID, local, ai, ev.LocalConfidence, patterns, ev.Accepted, ev.Reason, ev.CreatedAt)
	return err
}

func (p *Postgres) ListEvents(ctx context.Context, merchantID string) ([]models.LearningEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, merchant_id, local_result, ai_result, local_confidence, derived_patterns, accepted, reason, created_at
		FROM learning_events WHERE merchant_id = $1 ORDER BY created_at
	`, merchantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LearningEvent
	for rows.Next() {
		var ev models.LearningEvent
		var local, ai, patterns []byte
		if err := rows.Scan(&ev.ID, &ev.MerchantID, &local, &ai, &ev.LocalConfidence,
			&patterns, &ev.Accepted, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(local, &ev.LocalResult); err != nil {
			return nil, fmt.Errorf("decoding local result: %w", err)
		}
		if err := json.Unmarshal(ai, &ev.AIResult); err != nil {
			return nil, fmt.Errorf("decoding ai result: %w", err)
		}
		if err := json.Unmarshal(patterns, &ev.DerivedPatterns); err != nil {
			return nil, fmt.Errorf("decoding derived patterns: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) CountEvents(ctx context.Context) (accepted int, rejected int, err error) {
	err = p.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE accepted), COUNT(*) FILTER (WHERE NOT accepted)
		FROM learning_events
	`).Scan(&accepted, &rejected)
	return accepted, rejected, err
}
