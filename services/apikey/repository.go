package apikey

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

// KeyStore looks up and persists key records.
type KeyStore interface {
	FindByKeyID(ctx context.Context, keyID string) (*APIKey, error)
	FindByID(ctx context.Context, id string) (*APIKey, error)
	List(ctx context.Context, tenantID *string, limit, offset int) ([]APIKey, error)
	Create(ctx context.Context, record *APIKey) error
	Update(ctx context.Context, record *APIKey) error
	TouchLastUsed(ctx context.Context, keyID string, at time.Time) error
}

// PermissionStore exposes the grants bound to a key.
type PermissionStore interface {
	GrantsFor(ctx context.Context, keyID string) ([]PermissionGrant, error)
	Grant(ctx context.Context, grant *PermissionGrant) error
}

// RateLimitConfigStore returns the explicit ceilings configured for a key.
// Longest-pattern resolution against a concrete path happens in the limiter,
// not here.
type RateLimitConfigStore interface {
	ConfigsFor(ctx context.Context, keyID string) ([]RateLimitConfig, error)
	Upsert(ctx context.Context, cfg *RateLimitConfig) error
}

// UsageLogStore appends immutable audit records. Append must be cheap; the
// pipeline treats delivery as best-effort.
type UsageLogStore interface {
	Append(ctx context.Context, entry *UsageLog) error
	RecentByKey(ctx context.Context, keyID string, limit int) ([]UsageLog, error)
}

type Repository struct {
	db *gorm.DB
}

type RepositoryParams struct {
	fx.In
	DB *gorm.DB
}

func NewRepository(p RepositoryParams) *Repository {
	return &Repository{db: p.DB}
}

func (r *Repository) FindByKeyID(ctx context.Context, keyID string) (*APIKey, error) {
	var record APIKey
	err := r.db.WithContext(ctx).Where("key_id = ?", keyID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *Repository) FindByID(ctx context.Context, id string) (*APIKey, error) {
	var record APIKey
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *Repository) List(ctx context.Context, tenantID *string, limit, offset int) ([]APIKey, error) {
	q := r.db.WithContext(ctx).Model(&APIKey{}).Order("created_at DESC")
	if tenantID != nil {
		q = q.Where("tenant_id = ?", *tenantID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var records []APIKey
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Repository) Create(ctx context.Context, record *APIKey) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *Repository) Update(ctx context.Context, record *APIKey) error {
	return r.db.WithContext(ctx).Save(record).Error
}

// TouchLastUsed stamps only the last_used_at column. The stamp runs
// concurrently with admissions and must never carry stale security state
// back over an administrative mutation.
func (r *Repository) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("key_id = ?", keyID).
		UpdateColumn("last_used_at", at).Error
}

func (r *Repository) GrantsFor(ctx context.Context, keyID string) ([]PermissionGrant, error) {
	var grants []PermissionGrant
	if err := r.db.WithContext(ctx).Where("key_id = ?", keyID).Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *Repository) Grant(ctx context.Context, grant *PermissionGrant) error {
	return r.db.WithContext(ctx).Create(grant).Error
}

func (r *Repository) ConfigsFor(ctx context.Context, keyID string) ([]RateLimitConfig, error) {
	var configs []RateLimitConfig
	if err := r.db.WithContext(ctx).Where("key_id = ?", keyID).Find(&configs).Error; err != nil {
		return nil, err
	}
	return configs, nil
}

func (r *Repository) Upsert(ctx context.Context, cfg *RateLimitConfig) error {
	var existing RateLimitConfig
	err := r.db.WithContext(ctx).
		Where("key_id = ? AND endpoint_pattern = ?", cfg.KeyID, cfg.EndpointPattern).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(cfg).Error
	}
	if err != nil {
		return err
	}

	cfg.ID = existing.ID
	cfg.CreatedAt = existing.CreatedAt
	return r.db.WithContext(ctx).Save(cfg).Error
}

func (r *Repository) Append(ctx context.Context, entry *UsageLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repository) RecentByKey(ctx context.Context, keyID string, limit int) ([]UsageLog, error) {
	var entries []UsageLog
	if err := r.db.WithContext(ctx).
		Where("api_key_id = ?", keyID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
