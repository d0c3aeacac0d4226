package apikey

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"smallbiznis-gatekeeper/pkg/errutil"
)

// Service owns the management surface of key records: issuance, rotation,
// revocation and configuration. Admission itself lives in the gatekeeper
// pipeline.
type Service struct {
	repo  *Repository
	codec *Codec
	node  *snowflake.Node
	log   *zap.Logger
}

type ServiceParams struct {
	fx.In
	Repository *Repository
	Codec      *Codec
	Node       *snowflake.Node
	Logger     *zap.Logger
}

func NewService(p ServiceParams) *Service {
	return &Service{
		repo:  p.Repository,
		codec: p.Codec,
		node:  p.Node,
		log:   p.Logger,
	}
}

type GrantInput struct {
	Permission   string
	ResourceType *string
}

type CreateKeyInput struct {
	CallerType         CallerType
	RateLimitTier      RateLimitTier
	ComplianceLevel    ComplianceLevel
	AllowedIPs         []string
	AllowedRegions     []string
	TenantID           *string
	StoreID            *string
	ConsumerID         *string
	MarketplaceContext *string
	ExpiresAt          *time.Time
	Grants             []GrantInput
}

// CreateKey mints a credential, persists the record with the hashed secret
// and seeds the initial grants. The formatted credential is returned exactly
// once and never logged.
func (s *Service) CreateKey(ctx context.Context, in CreateKeyInput) (*APIKey, string, error) {
	cred, err := s.codec.GenerateCredential()
	if err != nil {
		return nil, "", errutil.Internal("failed to generate credential", errutil.WithErr(err))
	}

	record := &APIKey{
		ID:                 s.node.Generate().String(),
		KeyID:              cred.KeyID,
		SecretHash:         s.codec.Hash(cred.Secret),
		CallerType:         in.CallerType,
		Status:             KeyStatusActive,
		RateLimitTier:      in.RateLimitTier,
		ComplianceLevel:    in.ComplianceLevel,
		AllowedIPs:         in.AllowedIPs,
		AllowedRegions:     in.AllowedRegions,
		TenantID:           in.TenantID,
		StoreID:            in.StoreID,
		ConsumerID:         in.ConsumerID,
		MarketplaceContext: in.MarketplaceContext,
		ExpiresAt:          in.ExpiresAt,
	}

	if err := s.repo.Create(ctx, record); err != nil {
		return nil, "", errutil.Internal("failed to create api key", errutil.WithErr(err))
	}

	for _, g := range in.Grants {
		grant := &PermissionGrant{
			ID:           s.node.Generate().String(),
			KeyID:        record.KeyID,
			Permission:   g.Permission,
			ResourceType: g.ResourceType,
		}
		if err := s.repo.Grant(ctx, grant); err != nil {
			return nil, "", errutil.Internal("failed to seed grant", errutil.WithErr(err))
		}
	}

	s.log.Info("api key created",
		zap.String("key_id", record.KeyID),
		zap.String("caller_type", string(record.CallerType)),
		zap.String("tier", string(record.RateLimitTier)),
	)

	return record, cred.Formatted, nil
}

// RotateSecret replaces the key's secret. The previous secret stops verifying
// immediately; the new formatted credential is returned exactly once.
func (s *Service) RotateSecret(ctx context.Context, id string) (string, error) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return "", errutil.Internal("failed to load api key", errutil.WithErr(err))
	}
	if record == nil {
		return "", errutil.NotFound("api key not found")
	}

	cred, err := s.codec.GenerateCredential()
	if err != nil {
		return "", errutil.Internal("failed to generate credential", errutil.WithErr(err))
	}

	// KeyID is stable across rotation; only the secret changes.
	record.SecretHash = s.codec.Hash(cred.Secret)
	if err := s.repo.Update(ctx, record); err != nil {
		return "", errutil.Internal("failed to rotate secret", errutil.WithErr(err))
	}

	s.log.Info("api key secret rotated", zap.String("key_id", record.KeyID))

	return s.codec.Format(record.KeyID, cred.Secret), nil
}

// RevokeKey permanently disables the key. Revocation is not reversible;
// records are never hard-deleted here.
func (s *Service) RevokeKey(ctx context.Context, id string) error {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return errutil.Internal("failed to load api key", errutil.WithErr(err))
	}
	if record == nil {
		return errutil.NotFound("api key not found")
	}
	if record.Status == KeyStatusRevoked {
		return nil
	}

	record.Status = KeyStatusRevoked
	if err := s.repo.Update(ctx, record); err != nil {
		return errutil.Internal("failed to revoke api key", errutil.WithErr(err))
	}

	s.log.Info("api key revoked", zap.String("key_id", record.KeyID))
	return nil
}

type UpdateKeyInput struct {
	Status         *KeyStatus
	RateLimitTier  *RateLimitTier
	AllowedIPs     []string
	AllowedRegions []string
	ExpiresAt      *time.Time
}

func (s *Service) UpdateKey(ctx context.Context, id string, in UpdateKeyInput) (*APIKey, error) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, errutil.Internal("failed to load api key", errutil.WithErr(err))
	}
	if record == nil {
		return nil, errutil.NotFound("api key not found")
	}
	if record.Status == KeyStatusRevoked {
		return nil, errutil.Conflict("revoked keys cannot be updated")
	}

	if in.Status != nil {
		record.Status = *in.Status
	}
	if in.RateLimitTier != nil {
		record.RateLimitTier = *in.RateLimitTier
	}
	if in.AllowedIPs != nil {
		record.AllowedIPs = in.AllowedIPs
	}
	if in.AllowedRegions != nil {
		record.AllowedRegions = in.AllowedRegions
	}
	if in.ExpiresAt != nil {
		record.ExpiresAt = in.ExpiresAt
	}

	if err := s.repo.Update(ctx, record); err != nil {
		return nil, errutil.Internal("failed to update api key", errutil.WithErr(err))
	}
	return record, nil
}

func (s *Service) ListKeys(ctx context.Context, tenantID *string, limit, offset int) ([]APIKey, error) {
	records, err := s.repo.List(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, errutil.Internal("failed to list api keys", errutil.WithErr(err))
	}
	return records, nil
}

func (s *Service) GetKey(ctx context.Context, id string) (*APIKey, error) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, errutil.Internal("failed to load api key", errutil.WithErr(err))
	}
	if record == nil {
		return nil, errutil.NotFound("api key not found")
	}
	return record, nil
}
