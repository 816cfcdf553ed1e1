// Package store defines the persistence interfaces for the receipt
// service and an in-memory implementation used in tests and when no
// database is configured, plus a Postgres implementation backed by
// pgx.
package store

import (
	"context"

	"github.com/sombapp/receipt-service/internal/models"
)

// ProductStore persists master products, the golden records every
// normalization resolves to.
type ProductStore interface {
	GetProduct(ctx context.Context, productID string) (*models.MasterProduct, error)
	ListProducts(ctx context.Context) ([]models.MasterProduct, error)
	UpsertProduct(ctx context.Context, p *models.MasterProduct) error
}

// MappingStore persists raw-name to product mappings. Keys are the
// cleaned form of the raw name.
type MappingStore interface {
	GetMapping(ctx context.Context, rawKey string) (*models.ProductMapping, error)
	ListMappings(ctx context.Context) ([]models.ProductMapping, error)
	UpsertMapping(ctx context.Context, m *models.ProductMapping) error
}

// SignatureStore persists merchant signatures, both seeded and learned.
type SignatureStore interface {
	GetSignature(ctx context.Context, merchantID string) (*models.MerchantSignature, error)
	ListSignatures(ctx context.Context) ([]models.MerchantSignature, error)
	UpsertSignature(ctx context.Context, s *models.MerchantSignature) error
}

// EventStore is the append-only log of learning attempts.
type EventStore interface {
	AppendEvent(ctx context.Context, e *models.LearningEvent) error
	ListEvents(ctx context.Context, merchantID string) ([]models.LearningEvent, error)
	CountEvents(ctx context.Context) (accepted int, rejected int, err error)
}
