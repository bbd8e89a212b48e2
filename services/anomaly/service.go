package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"artmarket-platform/pkg/config"
	"artmarket-platform/pkg/errutil"
	"artmarket-platform/pkg/repository"
	"artmarket-platform/services/alert"
	"artmarket-platform/services/artwork"
	"artmarket-platform/services/escrow"
)

const (
	ActorSeller = "seller"
	ActorBuyer  = "buyer"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node
	cfg  *config.Config

	alerts     alert.Emitter
	alertSvc   *alert.Service
	artworkSvc *artwork.Service

	deviations repository.Repository[PaymentDeviation]
	approvals  repository.Repository[PriceApproval]
	artworks   repository.Repository[artwork.Artwork]
	orders     repository.Repository[escrow.Order]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Config  *config.Config
	Alerts   alert.Emitter
	AlertSvc *alert.Service
	Artwork  *artwork.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		cfg:        p.Config,
		alerts:     p.Alerts,
		alertSvc:   p.AlertSvc,
		artworkSvc: p.Artwork,
		deviations: repository.ProvideStore[PaymentDeviation](p.DB),
		approvals:  repository.ProvideStore[PriceApproval](p.DB),
		artworks:   repository.ProvideStore[artwork.Artwork](p.DB),
		orders:     repository.ProvideStore[escrow.Order](p.DB),
	}
}

// DeviationPct is the signed percentage the paid amount deviates from the
// listed price.
func DeviationPct(listed, paid int64) float64 {
	if listed == 0 {
		return 0
	}
	return float64(paid-listed) / float64(listed) * 100
}

type DeviationParams struct {
	OrderID     string
	ArtworkID   string
	ListedPrice int64
	PaidPrice   int64
}

// CheckPaymentDeviation compares listed vs captured and opens a deviation
// above threshold. The order itself proceeds; the payout approval gate is
// what the open row blocks. Idempotent per order.
func (s *Service) CheckPaymentDeviation(ctx context.Context, p DeviationParams) (*PaymentDeviation, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("order_id", p.OrderID),
	)

	pct := DeviationPct(p.ListedPrice, p.PaidPrice)
	if math.Abs(pct) <= s.cfg.Anomaly.DeviationThresholdPct {
		return nil, nil
	}

	existing, err := s.deviations.FindOne(ctx, &PaymentDeviation{OrderID: p.OrderID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	row := &PaymentDeviation{
		ID:             s.node.Generate().String(),
		OrderID:        p.OrderID,
		ArtworkID:      p.ArtworkID,
		ListedPrice:    p.ListedPrice,
		PaidPrice:      p.PaidPrice,
		DeviationPct:   pct,
		ApprovalStatus: ApprovalPending,
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.deviations.WithTrx(tx).Create(ctx, row); err != nil {
			return err
		}
		return s.alerts.EmitTx(ctx, tx, alert.EmitParams{
			Type:     alert.TypePaymentDeviation,
			Severity: alert.SeverityCritical,
			Title:    "payment deviates from listed price",
			Message: fmt.Sprintf("captured %d against listed %d (%.1f%%); payout approval is blocked until resolved",
				p.PaidPrice, p.ListedPrice, pct),
			EntityType: "order",
			EntityID:   p.OrderID,
		})
	}); err != nil {
		zapLog.Error("failed to record payment deviation", zap.Error(err))
		return nil, err
	}

	zapLog.Warn("payment deviation recorded", zap.Float64("deviation_pct", pct))
	return row, nil
}

// HasBlockingDeviation implements the payout approval gate.
func (s *Service) HasBlockingDeviation(ctx context.Context, orderID string) (bool, error) {
	existing, err := s.deviations.FindOne(ctx, &PaymentDeviation{
		OrderID:        orderID,
		ApprovalStatus: ApprovalPending,
	})
	if err != nil {
		return false, err
	}
	return existing != nil, nil
}

// ResolveDeviation records the operator's decision and lifts the payout gate.
func (s *Service) ResolveDeviation(ctx context.Context, deviationID, resolver string, approve bool) (*PaymentDeviation, error) {
	row, err := s.deviations.FindOne(ctx, &PaymentDeviation{ID: deviationID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("deviation not found", nil)
	}
	if row.ApprovalStatus != ApprovalPending {
		return nil, errutil.Conflict("deviation already resolved", nil)
	}

	status := ApprovalRejected
	if approve {
		status = ApprovalApproved
	}

	now := time.Now()
	if err := s.deviations.Update(ctx, row.ID, map[string]any{
		"approval_status": status,
		"resolved_by":     resolver,
		"resolved_at":     now,
		"updated_at":      now,
	}); err != nil {
		return nil, err
	}

	return s.deviations.FindOne(ctx, &PaymentDeviation{ID: deviationID})
}

// ProposePriceChange applies small edits immediately and gates large ones
// behind dual approval. Either way a price_history row is written; the
// artwork keeps serving the old price while a gated change is pending.
func (s *Service) ProposePriceChange(ctx context.Context, artworkID, sellerID string, newPrice int64) (*PriceApproval, error) {
	if newPrice <= 0 {
		return nil, errutil.ValidationFailed("price must be positive", nil)
	}

	art, err := s.artworkSvc.Get(ctx, artworkID)
	if err != nil {
		return nil, err
	}
	if art.SellerID != sellerID {
		return nil, errutil.Forbidden("artwork belongs to another seller", nil)
	}
	if art.Status == artwork.StatusRemoved {
		return nil, errutil.UnprocessableEntity("artwork has been removed", nil)
	}

	pct := DeviationPct(art.Price, newPrice)
	gated := math.Abs(pct) > s.cfg.Anomaly.PriceChangeThresholdPct

	row := &PriceApproval{
		ID:               s.node.Generate().String(),
		ArtworkID:        artworkID,
		OldPrice:         art.Price,
		NewPrice:         newPrice,
		ChangePct:        pct,
		RequiresApproval: gated,
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		if !gated {
			row.SellerApproved = true
			row.BuyerApproved = true
			row.ApprovalStatus = ApprovalApproved
			if err := s.approvals.WithTrx(tx).Create(ctx, row); err != nil {
				return err
			}
			return s.artworkSvc.SetPrice(ctx, tx, artworkID, newPrice)
		}

		row.SellerApproved = true // the seller proposed it
		row.ApprovalStatus = ApprovalPending
		if err := s.approvals.WithTrx(tx).Create(ctx, row); err != nil {
			return err
		}
		return s.alerts.EmitTx(ctx, tx, alert.EmitParams{
			Type:     alert.TypePriceChangePending,
			Severity: alert.SeverityWarning,
			Title:    "price change awaits dual approval",
			Message: fmt.Sprintf("proposed %d against current %d (%.1f%%); the listing keeps serving the old price",
				newPrice, art.Price, pct),
			EntityType: "artwork",
			EntityID:   artworkID,
		})
	}); err != nil {
		return nil, err
	}

	return row, nil
}

// ApprovePriceChange sets one side's flag; when both sides have approved the
// served price updates in the same transaction.
func (s *Service) ApprovePriceChange(ctx context.Context, approvalID, actor string) (*PriceApproval, error) {
	if actor != ActorSeller && actor != ActorBuyer {
		return nil, errutil.ValidationFailed("actor must be seller or buyer", nil)
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		approvals := s.approvals.WithTrx(tx)

		row, err := approvals.FindOne(ctx, &PriceApproval{ID: approvalID})
		if err != nil {
			return err
		}
		if row == nil {
			return errutil.NotFound("price approval not found", nil)
		}
		if row.ApprovalStatus != ApprovalPending {
			return errutil.Conflict("price approval already "+row.ApprovalStatus, nil)
		}

		updates := map[string]any{"updated_at": time.Now()}
		sellerOK, buyerOK := row.SellerApproved, row.BuyerApproved
		switch actor {
		case ActorSeller:
			sellerOK = true
			updates["seller_approved"] = true
		case ActorBuyer:
			buyerOK = true
			updates["buyer_approved"] = true
		}

		if sellerOK && buyerOK {
			updates["approval_status"] = ApprovalApproved
		}
		if err := approvals.Update(ctx, row.ID, updates); err != nil {
			return err
		}

		if sellerOK && buyerOK {
			return s.artworkSvc.SetPrice(ctx, tx, row.ArtworkID, row.NewPrice)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return s.approvals.FindOne(ctx, &PriceApproval{ID: approvalID})
}

func (s *Service) RejectPriceChange(ctx context.Context, approvalID string) (*PriceApproval, error) {
	row, err := s.approvals.FindOne(ctx, &PriceApproval{ID: approvalID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("price approval not found", nil)
	}
	if row.ApprovalStatus != ApprovalPending {
		return nil, errutil.Conflict("price approval already "+row.ApprovalStatus, nil)
	}

	if err := s.approvals.Update(ctx, row.ID, map[string]any{
		"approval_status": ApprovalRejected,
		"updated_at":      time.Now(),
	}); err != nil {
		return nil, err
	}
	return s.approvals.FindOne(ctx, &PriceApproval{ID: approvalID})
}

// Counts aggregates the open gates at read time for the dashboard.
func (s *Service) Counts(ctx context.Context) (*PendingCounts, error) {
	openDeviations, err := s.deviations.Count(ctx, &PaymentDeviation{ApprovalStatus: ApprovalPending})
	if err != nil {
		return nil, err
	}
	pendingApprovals, err := s.approvals.Count(ctx, &PriceApproval{ApprovalStatus: ApprovalPending})
	if err != nil {
		return nil, err
	}
	return &PendingCounts{
		OpenDeviations:        openDeviations,
		PendingPriceApprovals: pendingApprovals,
	}, nil
}
