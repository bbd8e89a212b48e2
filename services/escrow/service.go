package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"artmarket-platform/pkg/db/option"
	"artmarket-platform/pkg/errutil"
	"artmarket-platform/pkg/repository"
	"artmarket-platform/services/alert"
	"artmarket-platform/services/artwork"
	"artmarket-platform/services/payout"
)

const (
	DisputeOutcomeWon  = "won"
	DisputeOutcomeLost = "lost"
)

type Service struct {
	db   *gorm.DB
	node *snowflake.Node

	payoutSvc  *payout.Service
	artworkSvc *artwork.Service
	alerts     alert.Emitter

	orders  repository.Repository[Order]
	events  repository.Repository[EscrowEvent]
	payouts repository.Repository[payout.Payout]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Payouts *payout.Service
	Artwork *artwork.Service `optional:"true"`
	Alerts  alert.Emitter
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:         p.DB,
		node:       p.Node,
		payoutSvc:  p.Payouts,
		artworkSvc: p.Artwork,
		alerts:     p.Alerts,
		orders:     repository.ProvideStore[Order](p.DB),
		events:     repository.ProvideStore[EscrowEvent](p.DB),
		payouts:    repository.ProvideStore[payout.Payout](p.DB),
	}
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	row, err := s.orders.FindOne(ctx, &Order{ID: orderID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, errutil.NotFound("order not found", nil)
	}
	return row, nil
}

// FindByIntentRef returns the order created for a payment intent, or nil when
// no order references it yet.
func (s *Service) FindByIntentRef(ctx context.Context, intentRef string) (*Order, error) {
	return s.orders.FindOne(ctx, &Order{IntentRef: intentRef})
}

// HoldParams carries the processor's payment-intent facts plus the order
// metadata the intent was created with.
type HoldParams struct {
	OrderID   string
	IntentRef string
	ChargeRef string
	Amount    int64
	Currency  string
	ArtworkID string
	BuyerID   string
	SellerID  string
}

// HoldFromPaymentIntent enters escrow for a succeeded payment intent. The
// whole unit (order, pending payout, held event) commits atomically, and the
// lookup by intent reference makes redelivery a no-op.
func (s *Service) HoldFromPaymentIntent(ctx context.Context, p HoldParams) (*Order, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("intent_ref", p.IntentRef),
	)

	if p.IntentRef == "" {
		return nil, errutil.ValidationFailed("payment intent reference is required", nil)
	}

	var orderID string
	if err := s.db.Transaction(func(tx *gorm.DB) error {
		tx = tx.Scopes(option.LockingUpdate)
		orders := s.orders.WithTrx(tx)

		existing, err := orders.FindOne(ctx, &Order{IntentRef: p.IntentRef})
		if err != nil {
			return err
		}
		if existing == nil && p.OrderID != "" {
			existing, err = orders.FindOne(ctx, &Order{ID: p.OrderID})
			if err != nil {
				return err
			}
		}

		if existing != nil {
			orderID = existing.ID
			if existing.EscrowStatus != "" {
				// Redelivered event; escrow already entered.
				return nil
			}
			now := time.Now()
			if err := orders.Update(ctx, existing.ID, map[string]any{
				"status":        OrderStatusPaid,
				"escrow_status": EscrowHeld,
				"intent_ref":    p.IntentRef,
				"charge_ref":    p.ChargeRef,
				"updated_at":    now,
			}); err != nil {
				return err
			}
			return s.enterEscrow(ctx, tx, existing.ID, existing.SellerID, existing.Amount, existing.ArtworkID)
		}

		order := &Order{
			ID:           s.node.Generate().String(),
			ArtworkID:    p.ArtworkID,
			BuyerID:      p.BuyerID,
			SellerID:     p.SellerID,
			Amount:       p.Amount,
			Currency:     p.Currency,
			Status:       OrderStatusPaid,
			EscrowStatus: EscrowHeld,
			IntentRef:    p.IntentRef,
			ChargeRef:    p.ChargeRef,
		}
		if err := orders.Create(ctx, order); err != nil {
			return err
		}
		orderID = order.ID
		return s.enterEscrow(ctx, tx, order.ID, order.SellerID, order.Amount, order.ArtworkID)
	}); err != nil {
		zapLog.Error("failed to enter escrow", zap.Error(err))
		return nil, err
	}

	zapLog.Info("escrow held", zap.String("order_id", orderID))
	return s.GetOrder(ctx, orderID)
}

func (s *Service) enterEscrow(ctx context.Context, tx *gorm.DB, orderID, sellerID string, amount int64, artworkID string) error {
	row := s.payoutSvc.NewForOrder(orderID, sellerID, amount)
	if err := s.payouts.WithTrx(tx).Create(ctx, row); err != nil {
		return err
	}

	if s.artworkSvc != nil && artworkID != "" {
		if err := s.artworkSvc.MarkSold(ctx, tx, artworkID); err != nil {
			return err
		}
	}

	return s.appendEvent(ctx, tx, &EscrowEvent{
		OrderID:   orderID,
		Type:      EventHeld,
		Amount:    amount,
		Reason:    "payment captured",
		Initiator: InitiatorProcessor,
	})
}

// AttachCharge records the charge reference once the processor reports it.
func (s *Service) AttachCharge(ctx context.Context, intentRef, chargeRef string) error {
	order, err := s.orders.FindOne(ctx, &Order{IntentRef: intentRef})
	if err != nil {
		return err
	}
	if order == nil || order.ChargeRef == chargeRef {
		return nil
	}
	return s.orders.Update(ctx, order.ID, map[string]any{
		"charge_ref": chargeRef,
		"updated_at": time.Now(),
	})
}

// ApproveByBuyer releases escrow on the buyer's "goods received" action.
// Order, payout and the released event move in one transaction; the
// transition is re-validated under lock so a racing refund or dispute wins
// with a conflict instead of being clobbered.
func (s *Service) ApproveByBuyer(ctx context.Context, orderID, buyerID string) (*Order, error) {
	return s.release(ctx, orderID, func(order *Order) (string, string, bool, error) {
		if order.BuyerID != buyerID {
			return "", "", false, errutil.Forbidden("order belongs to another buyer", nil)
		}
		return InitiatorBuyer, "buyer confirmed receipt", true, nil
	})
}

// AdminRelease is the operator override used for dispute resolution. The
// appended event records the admin as initiator, which is what allows a
// release without buyer approval.
func (s *Service) AdminRelease(ctx context.Context, orderID, adminID, reason string) (*Order, error) {
	if reason == "" {
		return nil, errutil.ValidationFailed("release reason is required", nil)
	}
	return s.release(ctx, orderID, func(order *Order) (string, string, bool, error) {
		return "admin:" + adminID, reason, false, nil
	})
}

func (s *Service) release(ctx context.Context, orderID string, authorize func(*Order) (initiator, reason string, byBuyer bool, err error)) (*Order, error) {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("order_id", orderID),
	)

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		locked := tx.Scopes(option.LockingUpdate)
		orders := s.orders.WithTrx(locked)

		order, err := orders.FindOne(ctx, &Order{ID: orderID})
		if err != nil {
			return err
		}
		if order == nil {
			return errutil.NotFound("order not found", nil)
		}

		initiator, reason, byBuyer, err := authorize(order)
		if err != nil {
			return err
		}

		if order.EscrowStatus != EscrowHeld {
			return errutil.Conflict("escrow is "+order.EscrowStatus+", not held", nil)
		}

		open, err := s.hasOpenDispute(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if open {
			return errutil.Conflict("escrow is frozen by an open dispute", nil)
		}

		linked, err := s.payouts.WithTrx(locked).FindOne(ctx, &payout.Payout{OrderID: order.ID})
		if err != nil {
			return err
		}
		if linked == nil {
			return errutil.Internal("order has no linked payout", nil)
		}
		if err := s.payoutSvc.ApproveTx(ctx, tx, linked.ID, initiator); err != nil {
			return err
		}

		now := time.Now()
		updates := map[string]any{
			"status":        OrderStatusCompleted,
			"escrow_status": EscrowReleased,
			"updated_at":    now,
		}
		if byBuyer {
			updates["buyer_approved"] = true
			updates["buyer_approved_at"] = now
		}
		if err := orders.Update(ctx, order.ID, updates); err != nil {
			return err
		}

		return s.appendEvent(ctx, tx, &EscrowEvent{
			OrderID:   order.ID,
			Type:      EventReleased,
			Amount:    order.Amount,
			Reason:    reason,
			Initiator: initiator,
		})
	}); err != nil {
		zapLog.Warn("escrow release rejected", zap.Error(err))
		return nil, err
	}

	zapLog.Info("escrow released")
	return s.GetOrder(ctx, orderID)
}

// RefundFromCharge applies a processor-side refund. The processor always wins:
// prior buyer approval does not block the refund.
func (s *Service) RefundFromCharge(ctx context.Context, chargeRef, reason string) (*Order, error) {
	order, err := s.orders.FindOne(ctx, &Order{ChargeRef: chargeRef})
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errutil.NotFound("no order matches charge "+chargeRef, nil)
	}

	if err := s.refundOrder(ctx, order.ID, reason, InitiatorProcessor); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, order.ID)
}

func (s *Service) refundOrder(ctx context.Context, orderID, reason, initiator string) error {
	span := trace.SpanFromContext(ctx)
	zapLog := zap.L().With(
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("order_id", orderID),
	)

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		locked := tx.Scopes(option.LockingUpdate)
		orders := s.orders.WithTrx(locked)

		order, err := orders.FindOne(ctx, &Order{ID: orderID})
		if err != nil {
			return err
		}
		if order == nil {
			return errutil.NotFound("order not found", nil)
		}
		if order.EscrowStatus == EscrowRefunded {
			return nil
		}

		// A refund cancels the purchase even after buyer approval: a
		// completed order must always mean the escrow was released.
		updates := map[string]any{
			"status":        OrderStatusCancelled,
			"escrow_status": EscrowRefunded,
			"updated_at":    time.Now(),
		}
		if err := orders.Update(ctx, order.ID, updates); err != nil {
			return err
		}

		linked, err := s.payouts.WithTrx(locked).FindOne(ctx, &payout.Payout{OrderID: order.ID})
		if err != nil {
			return err
		}
		if linked != nil {
			if err := s.payoutSvc.RejectTx(ctx, tx, linked.ID, reason); err != nil {
				var base errutil.BaseError
				if errors.As(err, &base) && base.Code == errutil.StatusConflict {
					// Payout already completed; money left the platform. The
					// refund still lands, but an operator has to reconcile.
					if alertErr := s.alerts.EmitTx(ctx, tx, alert.EmitParams{
						Type:       alert.TypeIllegalTransition,
						Severity:   alert.SeverityCritical,
						Title:      "refund after completed payout",
						Message:    "charge refunded but the linked payout was already completed",
						EntityType: "order",
						EntityID:   order.ID,
					}); alertErr != nil {
						return alertErr
					}
				} else {
					return err
				}
			}
		}

		return s.appendEvent(ctx, tx, &EscrowEvent{
			OrderID:   order.ID,
			Type:      EventRefunded,
			Amount:    order.Amount,
			Reason:    reason,
			Initiator: initiator,
		})
	}); err != nil {
		zapLog.Warn("escrow refund failed", zap.Error(err))
		return err
	}

	zapLog.Info("escrow refunded")
	return nil
}

// CancelFromFailedIntent closes an order whose payment never captured.
func (s *Service) CancelFromFailedIntent(ctx context.Context, intentRef, reason string) error {
	order, err := s.orders.FindOne(ctx, &Order{IntentRef: intentRef})
	if err != nil {
		return err
	}
	if order == nil || order.Status != OrderStatusPending {
		return nil
	}
	return s.orders.Update(ctx, order.ID, map[string]any{
		"status":     OrderStatusCancelled,
		"updated_at": time.Now(),
	})
}

// OpenDispute freezes release for the order. Escrow status is untouched; the
// open dispute itself is the guard the release path checks.
func (s *Service) OpenDispute(ctx context.Context, chargeRef, disputeRef, reason string) error {
	order, err := s.orders.FindOne(ctx, &Order{ChargeRef: chargeRef})
	if err != nil {
		return err
	}
	if order == nil {
		return errutil.NotFound("no order matches charge "+chargeRef, nil)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		seen, err := s.disputeEventExists(ctx, tx, order.ID, EventDisputed, disputeRef)
		if err != nil || seen {
			return err
		}

		meta, _ := json.Marshal(map[string]string{"dispute_ref": disputeRef})
		if err := s.appendEvent(ctx, tx, &EscrowEvent{
			OrderID:   order.ID,
			Type:      EventDisputed,
			Amount:    order.Amount,
			Reason:    reason,
			Initiator: InitiatorProcessor,
			Metadata:  datatypes.JSON(meta),
		}); err != nil {
			return err
		}

		return s.alerts.EmitTx(ctx, tx, alert.EmitParams{
			Type:       alert.TypeDisputeOpened,
			Severity:   alert.SeverityCritical,
			Title:      "dispute opened",
			Message:    "buyer disputed the charge; escrow release is frozen until resolution",
			EntityType: "order",
			EntityID:   order.ID,
		})
	})
}

// CloseDispute records the outcome. A lost dispute forces the refund path; a
// won dispute clears the guard so a subsequent release can proceed.
func (s *Service) CloseDispute(ctx context.Context, chargeRef, disputeRef, outcome, reason string) error {
	order, err := s.orders.FindOne(ctx, &Order{ChargeRef: chargeRef})
	if err != nil {
		return err
	}
	if order == nil {
		return errutil.NotFound("no order matches charge "+chargeRef, nil)
	}

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		seen, err := s.disputeEventExists(ctx, tx, order.ID, EventDisputeResolved, disputeRef)
		if err != nil || seen {
			return err
		}

		meta, _ := json.Marshal(map[string]string{"dispute_ref": disputeRef, "outcome": outcome})
		if err := s.appendEvent(ctx, tx, &EscrowEvent{
			OrderID:   order.ID,
			Type:      EventDisputeResolved,
			Amount:    order.Amount,
			Reason:    reason,
			Initiator: InitiatorProcessor,
			Metadata:  datatypes.JSON(meta),
		}); err != nil {
			return err
		}

		return s.alerts.EmitTx(ctx, tx, alert.EmitParams{
			Type:       alert.TypeDisputeClosed,
			Severity:   alert.SeverityWarning,
			Title:      "dispute closed: " + outcome,
			Message:    reason,
			EntityType: "order",
			EntityID:   order.ID,
		})
	}); err != nil {
		return err
	}

	if outcome == DisputeOutcomeLost {
		return s.refundOrder(ctx, order.ID, "dispute lost", InitiatorProcessor)
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, ev *EscrowEvent) error {
	ev.ID = s.node.Generate().String()
	return s.events.WithTrx(tx).Create(ctx, ev)
}

func (s *Service) hasOpenDispute(ctx context.Context, tx *gorm.DB, orderID string) (bool, error) {
	events := s.events.WithTrx(tx)
	opened, err := events.Count(ctx, &EscrowEvent{OrderID: orderID, Type: EventDisputed})
	if err != nil {
		return false, err
	}
	resolved, err := events.Count(ctx, &EscrowEvent{OrderID: orderID, Type: EventDisputeResolved})
	if err != nil {
		return false, err
	}
	return opened > resolved, nil
}

func (s *Service) disputeEventExists(ctx context.Context, tx *gorm.DB, orderID, eventType, disputeRef string) (bool, error) {
	rows, err := s.events.WithTrx(tx).Find(ctx, &EscrowEvent{OrderID: orderID, Type: eventType})
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		var meta map[string]string
		if err := json.Unmarshal(row.Metadata, &meta); err == nil && meta["dispute_ref"] == disputeRef {
			return true, nil
		}
	}
	return false, nil
}

// ErrProjectionDiverged marks a cached escrow status that no longer matches
// the event log. Read failures during validation never carry it.
var ErrProjectionDiverged = errors.New("escrow status diverged from event log")

// ValidateProjection re-derives escrow status from the event log and compares
// it to the cached column. A mismatch means a half-applied write escaped a
// transaction boundary.
func (s *Service) ValidateProjection(ctx context.Context, orderID string) error {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	events, err := s.events.Find(ctx, &EscrowEvent{OrderID: orderID},
		option.WithSortBy(option.QuerySortBy{
			SortBy:  "created_at",
			OrderBy: "asc",
			Allow:   map[string]bool{"created_at": true},
		}),
	)
	if err != nil {
		return err
	}

	derived := ProjectStatus(events)
	if derived != order.EscrowStatus {
		return errutil.Internal("escrow status diverged from event log", nil,
			errutil.WithErr(ErrProjectionDiverged),
			errutil.WithDetails(
				errutil.Detail{Field: "cached", Message: order.EscrowStatus},
				errutil.Detail{Field: "derived", Message: derived},
			))
	}
	return nil
}
