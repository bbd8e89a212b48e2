package payout

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"artmarket-platform/pkg/config"
	"artmarket-platform/pkg/db/option"
	"artmarket-platform/pkg/errutil"
	"artmarket-platform/pkg/repository"
)

// OrderReader exposes the escrow facts this workflow gates on. Implemented by
// the escrow service; an interface keeps the package dependency one-way.
type OrderReader interface {
	EscrowHeld(ctx context.Context, orderID string) (bool, error)
}

// DeviationGate blocks payout approval while an unresolved payment deviation
// above threshold exists on the linked order. Implemented by the anomaly
// detector.
type DeviationGate interface {
	HasBlockingDeviation(ctx context.Context, orderID string) (bool, error)
}

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	cfg     *config.Config
	orders  OrderReader
	gate    DeviationGate
	payouts repository.Repository[Payout]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config
	Orders OrderReader   `optional:"true"`
	Gate   DeviationGate `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		cfg:     p.Config,
		orders:  p.Orders,
		gate:    p.Gate,
		payouts: repository.ProvideStore[Payout](p.DB),
	}
}

// NewForOrder builds the pending Payout row created alongside an Order, with
// the split pre-computed at the rate in effect now. The caller persists it
// inside its own transaction.
func (s *Service) NewForOrder(orderID, sellerID string, gross int64) *Payout {
	split := ComputeSplit(gross, s.cfg.Commission.Rate, s.cfg.Commission.Version)
	return &Payout{
		ID:               s.node.Generate().String(),
		OrderID:          orderID,
		SellerID:         sellerID,
		GrossAmount:      split.GrossAmount,
		CommissionAmount: split.CommissionAmount,
		NetAmount:        split.NetAmount,
		CommissionRate:   split.Rate,
		RateVersion:      split.RateVersion,
		Status:           StatusPending,
	}
}

func (s *Service) Get(ctx context.Context, payoutID string) (*Payout, error) {
	row, err := s.payouts.FindOne(ctx, &Payout{ID: payoutID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("payout not found", nil)
	}
	return row, nil
}

func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Payout, error) {
	return s.payouts.FindOne(ctx, &Payout{OrderID: orderID})
}

// Request moves pending -> requested on the seller's action. Funds must exist:
// the linked order's escrow has to be held.
func (s *Service) Request(ctx context.Context, payoutID, sellerID string) (*Payout, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("payout_id", payoutID),
	)

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		payouts := s.payouts.WithTrx(tx.Scopes(option.LockingUpdate))

		row, err := payouts.FindOne(ctx, &Payout{ID: payoutID})
		if err != nil {
			return err
		}
		if row == nil {
			return errutil.NotFound("payout not found", nil)
		}
		if row.SellerID != sellerID {
			return errutil.Forbidden("payout belongs to another seller", nil)
		}
		if !CanTransition(row.Status, StatusRequested) {
			return errutil.Conflict("payout cannot be requested in status "+row.Status, nil)
		}

		held, err := s.orders.EscrowHeld(ctx, row.OrderID)
		if err != nil {
			return err
		}
		if !held {
			return errutil.UnprocessableEntity("no escrowed funds exist for this order", nil)
		}

		now := time.Now()
		return payouts.Update(ctx, row.ID, map[string]any{
			"status":       StatusRequested,
			"requested_at": now,
			"updated_at":   now,
		})
	}); err != nil {
		zapLog.Warn("payout request rejected", zap.Error(err))
		return nil, err
	}

	zapLog.Info("payout requested")
	return s.Get(ctx, payoutID)
}

// Approve records an admin override. Buyer-driven approval goes through the
// escrow state machine instead, which calls ApproveTx inside its transaction.
func (s *Service) Approve(ctx context.Context, payoutID, approver string) (*Payout, error) {
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.ApproveTx(ctx, tx, payoutID, approver)
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, payoutID)
}

// ApproveTx performs the requested/pending -> approved transition inside an
// existing transaction, re-reading current status under lock first.
func (s *Service) ApproveTx(ctx context.Context, tx *gorm.DB, payoutID, approver string) error {
	payouts := s.payouts.WithTrx(tx.Scopes(option.LockingUpdate))

	row, err := payouts.FindOne(ctx, &Payout{ID: payoutID})
	if err != nil {
		return err
	}
	if row == nil {
		return errutil.NotFound("payout not found", nil)
	}
	if row.Status == StatusApproved {
		return nil
	}
	if !CanTransition(row.Status, StatusApproved) {
		return errutil.Conflict("payout cannot be approved in status "+row.Status, nil)
	}

	if s.gate != nil {
		blocked, err := s.gate.HasBlockingDeviation(ctx, row.OrderID)
		if err != nil {
			return err
		}
		if blocked {
			return errutil.UnprocessableEntity("unresolved payment deviation blocks approval", nil)
		}
	}

	now := time.Now()
	return payouts.Update(ctx, row.ID, map[string]any{
		"status":      StatusApproved,
		"approved_by": approver,
		"approved_at": now,
		"updated_at":  now,
	})
}

// Reject closes the payout from pending or requested. A reason is required and
// surfaced to the seller.
func (s *Service) Reject(ctx context.Context, payoutID, reason string) (*Payout, error) {
	if reason == "" {
		return nil, errutil.ValidationFailed("rejection reason is required", nil)
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.RejectTx(ctx, tx, payoutID, reason)
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, payoutID)
}

// RejectTx performs the rejection inside an existing transaction. A processor
// refund rejects regardless of how far the payout had advanced.
func (s *Service) RejectTx(ctx context.Context, tx *gorm.DB, payoutID, reason string) error {
	payouts := s.payouts.WithTrx(tx.Scopes(option.LockingUpdate))

	row, err := payouts.FindOne(ctx, &Payout{ID: payoutID})
	if err != nil {
		return err
	}
	if row == nil {
		return errutil.NotFound("payout not found", nil)
	}
	if row.Status == StatusRejected {
		return nil
	}
	if row.Status == StatusCompleted {
		return errutil.Conflict("payout already completed", nil)
	}

	return payouts.Update(ctx, row.ID, map[string]any{
		"status":           StatusRejected,
		"rejection_reason": reason,
		"updated_at":       time.Now(),
	})
}

// CompleteFromTransfer marks the payout completed after a confirmed
// processor-side transfer. Admin approval never completes a payout directly;
// this is the only path to completed. Idempotent per transfer reference.
func (s *Service) CompleteFromTransfer(ctx context.Context, payoutID, transferRef string) (*Payout, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("payout_id", payoutID),
		zap.String("transfer_ref", transferRef),
	)

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		payouts := s.payouts.WithTrx(tx.Scopes(option.LockingUpdate))

		row, err := payouts.FindOne(ctx, &Payout{ID: payoutID})
		if err != nil {
			return err
		}
		if row == nil {
			return errutil.NotFound("payout not found", nil)
		}
		if row.Status == StatusCompleted {
			if row.TransferRef != transferRef {
				return errutil.Conflict("payout already completed by another transfer", nil)
			}
			return nil
		}
		if !CanTransition(row.Status, StatusCompleted) {
			return errutil.Conflict("payout cannot complete in status "+row.Status, nil)
		}

		return payouts.Update(ctx, row.ID, map[string]any{
			"status":       StatusCompleted,
			"transfer_ref": transferRef,
			"updated_at":   time.Now(),
		})
	}); err != nil {
		zapLog.Warn("payout completion rejected", zap.Error(err))
		return nil, err
	}

	zapLog.Info("payout completed")
	return s.Get(ctx, payoutID)
}

// FindByTransferRef resolves a payout the processor references by transfer id.
func (s *Service) FindByTransferRef(ctx context.Context, transferRef string) (*Payout, error) {
	return s.payouts.FindOne(ctx, &Payout{TransferRef: transferRef})
}
