package artwork

import (
	"context"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"artmarket-platform/pkg/errutil"
	"artmarket-platform/pkg/repository"
)

type Service struct {
	db       *gorm.DB
	artworks repository.Repository[Artwork]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		artworks: repository.ProvideStore[Artwork](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, artworkID string) (*Artwork, error) {
	row, err := s.artworks.FindOne(ctx, &Artwork{ID: artworkID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("artwork not found", nil)
	}
	return row, nil
}

// SetPrice updates the served price. Callers are responsible for the approval
// gate; this is the final write once a change is allowed to take effect.
func (s *Service) SetPrice(ctx context.Context, tx *gorm.DB, artworkID string, price int64) error {
	return s.artworks.WithTrx(tx).Update(ctx, artworkID, map[string]any{
		"price":      price,
		"updated_at": time.Now(),
	})
}

func (s *Service) MarkSold(ctx context.Context, tx *gorm.DB, artworkID string) error {
	return s.artworks.WithTrx(tx).Update(ctx, artworkID, map[string]any{
		"status":     StatusSold,
		"updated_at": time.Now(),
	})
}

func (s *Service) Remove(ctx context.Context, artworkID, sellerID string) error {
	row, err := s.artworks.FindOne(ctx, &Artwork{ID: artworkID})
	if err != nil {
		return err
	}
	if row == nil {
		return errutil.NotFound("artwork not found", nil)
	}
	if row.SellerID != sellerID {
		return errutil.Forbidden("artwork belongs to another seller", nil)
	}
	if row.Status == StatusRemoved {
		return nil
	}

	now := time.Now()
	return s.artworks.Update(ctx, artworkID, map[string]any{
		"status":     StatusRemoved,
		"removed_at": now,
		"updated_at": now,
	})
}
