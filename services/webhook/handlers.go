package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"artmarket-platform/pkg/errutil"
	"artmarket-platform/services/alert"
	"artmarket-platform/services/anomaly"
	"artmarket-platform/services/artwork"
	"artmarket-platform/services/escrow"
	"artmarket-platform/services/payout"
)

// Metadata keys the checkout flow stamps onto processor objects so webhook
// deliveries can be matched back to marketplace rows.
const (
	metaOrderID   = "order_id"
	metaArtworkID = "artwork_id"
	metaBuyerID   = "buyer_id"
	metaSellerID  = "seller_id"
	metaPayoutID  = "payout_id"
)

// Handlers owns the business reaction to each event family.
type Handlers struct {
	escrowSvc  *escrow.Service
	payoutSvc  *payout.Service
	anomalySvc *anomaly.Service
	artworkSvc *artwork.Service
	alerts     alert.Emitter
}

type HandlersParams struct {
	fx.In
	Escrow  *escrow.Service
	Payout  *payout.Service
	Anomaly *anomaly.Service
	Artwork *artwork.Service
	Alerts  alert.Emitter
}

func NewHandlers(p HandlersParams) *Handlers {
	return &Handlers{
		escrowSvc:  p.Escrow,
		payoutSvc:  p.Payout,
		anomalySvc: p.Anomaly,
		artworkSvc: p.Artwork,
		alerts:     p.Alerts,
	}
}

// RegisterAll wires every handled event type into the dispatcher.
func (h *Handlers) RegisterAll(d *Dispatcher) {
	d.Register(EventPaymentIntentSucceeded, h.PaymentIntentSucceeded)
	d.Register(EventPaymentIntentFailed, h.PaymentIntentFailed)

	d.Register(EventChargeSucceeded, h.ChargeSucceeded)
	d.Register(EventChargeFailed, h.ChargeFailed)
	d.Register(EventChargeRefunded, h.ChargeRefunded)

	d.Register(EventDisputeCreated, h.DisputeCreated)
	d.Register(EventDisputeClosed, h.DisputeClosed)

	d.Register(EventTransferCreated, h.TransferCreated)
	d.Register(EventTransferUpdated, h.TransferUpdated)
	d.Register(EventTransferReversed, h.TransferReversed)

	d.Register(EventPayoutPaid, h.PayoutPaid)
	d.Register(EventPayoutFailed, h.PayoutFailed)
	d.Register(EventPayoutCanceled, h.PayoutFailed)

	d.Register(EventAccountUpdated, h.AccountUpdated)
	d.Register(EventExternalAccountCreated, h.ExternalAccountChanged)
	d.Register(EventExternalAccountUpdated, h.ExternalAccountChanged)
	d.Register(EventExternalAccountDeleted, h.ExternalAccountChanged)

	d.Register(EventFeeCreated, h.FeeCreated)
	d.Register(EventFeeRefunded, h.FeeRefunded)
}

// PaymentIntentSucceeded is the escrow entry point: the order moves to paid,
// funds are held, the pending payout row is created, and the paid amount is
// screened against the listed price.
func (h *Handlers) PaymentIntentSucceeded(ctx context.Context, ev *Event) error {
	var intent PaymentIntent
	if err := json.Unmarshal(ev.Data.Object, &intent); err != nil {
		return fmt.Errorf("decode payment intent: %w", err)
	}

	orderID := intent.Metadata[metaOrderID]
	if orderID == "" {
		return h.unmatchable(ctx, ev, "payment_intent", intent.ID)
	}

	order, err := h.escrowSvc.HoldFromPaymentIntent(ctx, escrow.HoldParams{
		OrderID:   orderID,
		IntentRef: intent.ID,
		ChargeRef: intent.LatestCharge,
		Amount:    intent.Amount,
		Currency:  intent.Currency,
		ArtworkID: intent.Metadata[metaArtworkID],
		BuyerID:   intent.Metadata[metaBuyerID],
		SellerID:  intent.Metadata[metaSellerID],
	})
	if err != nil {
		return err
	}

	return h.screenDeviation(ctx, order, intent.Amount)
}

func (h *Handlers) PaymentIntentFailed(ctx context.Context, ev *Event) error {
	var intent PaymentIntent
	if err := json.Unmarshal(ev.Data.Object, &intent); err != nil {
		return fmt.Errorf("decode payment intent: %w", err)
	}

	reason := "payment failed"
	if intent.LastPaymentError != nil && intent.LastPaymentError.Message != "" {
		reason = intent.LastPaymentError.Message
	}
	return h.escrowSvc.CancelFromFailedIntent(ctx, intent.ID, reason)
}

// ChargeSucceeded backfills the charge reference on the order and re-screens
// the captured amount. Both sides are idempotent, so arrival order relative
// to payment_intent.succeeded does not matter.
func (h *Handlers) ChargeSucceeded(ctx context.Context, ev *Event) error {
	var charge Charge
	if err := json.Unmarshal(ev.Data.Object, &charge); err != nil {
		return fmt.Errorf("decode charge: %w", err)
	}
	if charge.PaymentIntent == "" {
		return h.unmatchable(ctx, ev, "charge", charge.ID)
	}

	if err := h.escrowSvc.AttachCharge(ctx, charge.PaymentIntent, charge.ID); err != nil {
		return err
	}

	order, err := h.escrowSvc.FindByIntentRef(ctx, charge.PaymentIntent)
	if err != nil {
		return err
	}
	if order == nil {
		return nil
	}
	return h.screenDeviation(ctx, order, charge.Amount)
}

func (h *Handlers) ChargeFailed(ctx context.Context, ev *Event) error {
	var charge Charge
	if err := json.Unmarshal(ev.Data.Object, &charge); err != nil {
		return fmt.Errorf("decode charge: %w", err)
	}
	zap.L().Warn("charge failed",
		zap.String("charge_ref", charge.ID),
		zap.String("intent_ref", charge.PaymentIntent),
		zap.String("failure", charge.FailureMessage),
	)
	return nil
}

// ChargeRefunded refunds the escrow regardless of buyer approval state; the
// processor already moved the money back.
func (h *Handlers) ChargeRefunded(ctx context.Context, ev *Event) error {
	var charge Charge
	if err := json.Unmarshal(ev.Data.Object, &charge); err != nil {
		return fmt.Errorf("decode charge: %w", err)
	}

	_, err := h.escrowSvc.RefundFromCharge(ctx, charge.ID, "processor refund")
	return err
}

func (h *Handlers) DisputeCreated(ctx context.Context, ev *Event) error {
	var dispute Dispute
	if err := json.Unmarshal(ev.Data.Object, &dispute); err != nil {
		return fmt.Errorf("decode dispute: %w", err)
	}
	return h.escrowSvc.OpenDispute(ctx, dispute.Charge, dispute.ID, dispute.Reason)
}

func (h *Handlers) DisputeClosed(ctx context.Context, ev *Event) error {
	var dispute Dispute
	if err := json.Unmarshal(ev.Data.Object, &dispute); err != nil {
		return fmt.Errorf("decode dispute: %w", err)
	}

	outcome := escrow.DisputeOutcomeWon
	if dispute.Status == "lost" {
		outcome = escrow.DisputeOutcomeLost
	}
	return h.escrowSvc.CloseDispute(ctx, dispute.Charge, dispute.ID, outcome, dispute.Reason)
}

// TransferCreated is the processor confirming funds moved to the seller; only
// this confirmation completes a payout.
func (h *Handlers) TransferCreated(ctx context.Context, ev *Event) error {
	var transfer Transfer
	if err := json.Unmarshal(ev.Data.Object, &transfer); err != nil {
		return fmt.Errorf("decode transfer: %w", err)
	}

	payoutID := transfer.Metadata[metaPayoutID]
	if payoutID == "" {
		return h.unmatchable(ctx, ev, "transfer", transfer.ID)
	}

	_, err := h.payoutSvc.CompleteFromTransfer(ctx, payoutID, transfer.ID)
	return err
}

// TransferUpdated is informational; completion and reversal are handled on
// their own event types.
func (h *Handlers) TransferUpdated(ctx context.Context, ev *Event) error {
	var transfer Transfer
	if err := json.Unmarshal(ev.Data.Object, &transfer); err != nil {
		return fmt.Errorf("decode transfer: %w", err)
	}
	zap.L().Info("transfer updated",
		zap.String("transfer_ref", transfer.ID),
		zap.Int64("amount", transfer.Amount),
	)
	return nil
}

func (h *Handlers) TransferReversed(ctx context.Context, ev *Event) error {
	var transfer Transfer
	if err := json.Unmarshal(ev.Data.Object, &transfer); err != nil {
		return fmt.Errorf("decode transfer: %w", err)
	}

	p, err := h.payoutSvc.FindByTransferRef(ctx, transfer.ID)
	if err != nil {
		return err
	}

	entityID := transfer.ID
	entityType := "transfer"
	if p != nil {
		entityID = p.ID
		entityType = "payout"
	}
	return h.alerts.Emit(ctx, alert.EmitParams{
		Type:       alert.TypeTransferReversed,
		Severity:   alert.SeverityCritical,
		Title:      "transfer reversed",
		Message:    fmt.Sprintf("processor reversed transfer %s; seller funds must be reconciled manually", transfer.ID),
		EntityType: entityType,
		EntityID:   entityID,
	})
}

func (h *Handlers) PayoutPaid(ctx context.Context, ev *Event) error {
	var p ProcessorPayout
	if err := json.Unmarshal(ev.Data.Object, &p); err != nil {
		return fmt.Errorf("decode processor payout: %w", err)
	}
	zap.L().Info("processor payout settled",
		zap.String("processor_payout_ref", p.ID),
		zap.Int64("amount", p.Amount),
	)
	return nil
}

// PayoutFailed covers payout.failed and payout.canceled: the bank leg broke
// after our books closed, so a human has to intervene.
func (h *Handlers) PayoutFailed(ctx context.Context, ev *Event) error {
	var p ProcessorPayout
	if err := json.Unmarshal(ev.Data.Object, &p); err != nil {
		return fmt.Errorf("decode processor payout: %w", err)
	}

	msg := fmt.Sprintf("processor payout %s did not settle (%s)", p.ID, ev.Type)
	if p.FailureMessage != "" {
		msg += ": " + p.FailureMessage
	}
	return h.alerts.Emit(ctx, alert.EmitParams{
		Type:       alert.TypePayoutFailed,
		Severity:   alert.SeverityCritical,
		Title:      "processor payout failed",
		Message:    msg,
		EntityType: "processor_payout",
		EntityID:   p.ID,
	})
}

func (h *Handlers) AccountUpdated(ctx context.Context, ev *Event) error {
	var acct Account
	if err := json.Unmarshal(ev.Data.Object, &acct); err != nil {
		return fmt.Errorf("decode account: %w", err)
	}

	if acct.ChargesEnabled && acct.PayoutsEnabled {
		zap.L().Info("seller account fully enabled", zap.String("account_ref", acct.ID))
		return nil
	}
	return h.alerts.Emit(ctx, alert.EmitParams{
		Type:     alert.TypeAccountChange,
		Severity: alert.SeverityWarning,
		Title:    "seller account restricted",
		Message: fmt.Sprintf("account %s: charges_enabled=%t payouts_enabled=%t",
			acct.ID, acct.ChargesEnabled, acct.PayoutsEnabled),
		EntityType: "account",
		EntityID:   acct.ID,
	})
}

func (h *Handlers) ExternalAccountChanged(ctx context.Context, ev *Event) error {
	var ext ExternalAccount
	if err := json.Unmarshal(ev.Data.Object, &ext); err != nil {
		return fmt.Errorf("decode external account: %w", err)
	}
	return h.alerts.Emit(ctx, alert.EmitParams{
		Type:       alert.TypeAccountChange,
		Severity:   alert.SeverityInfo,
		Title:      "seller bank account changed",
		Message:    fmt.Sprintf("external account %s on %s: %s", ext.ID, ext.Account, ev.Type),
		EntityType: "account",
		EntityID:   ext.Account,
	})
}

// FeeRefunded means commission already booked has been handed back at the
// processor; the recorded split no longer matches reality.
// FeeCreated acknowledges the platform commission the processor collected.
func (h *Handlers) FeeCreated(ctx context.Context, ev *Event) error {
	var fee ApplicationFee
	if err := json.Unmarshal(ev.Data.Object, &fee); err != nil {
		return fmt.Errorf("decode application fee: %w", err)
	}
	zap.L().Info("application fee created",
		zap.String("fee_ref", fee.ID),
		zap.String("charge_ref", fee.Charge),
		zap.Int64("amount", fee.Amount),
	)
	return nil
}

func (h *Handlers) FeeRefunded(ctx context.Context, ev *Event) error {
	var fee ApplicationFee
	if err := json.Unmarshal(ev.Data.Object, &fee); err != nil {
		return fmt.Errorf("decode application fee: %w", err)
	}
	return h.alerts.Emit(ctx, alert.EmitParams{
		Type:       alert.TypeFeeRefunded,
		Severity:   alert.SeverityWarning,
		Title:      "application fee refunded",
		Message:    fmt.Sprintf("fee %s on charge %s refunded %d", fee.ID, fee.Charge, fee.AmountRefunded),
		EntityType: "charge",
		EntityID:   fee.Charge,
	})
}

// screenDeviation compares the captured amount against the listed price. The
// detector is idempotent per order, so double screening from the intent and
// charge paths opens at most one deviation.
func (h *Handlers) screenDeviation(ctx context.Context, order *escrow.Order, paid int64) error {
	if order.ArtworkID == "" {
		return nil
	}
	art, err := h.artworkSvc.Get(ctx, order.ArtworkID)
	if err != nil {
		var base errutil.BaseError
		if errors.As(err, &base) && base.Code == errutil.StatusNotFound {
			return nil
		}
		return err
	}

	_, err = h.anomalySvc.CheckPaymentDeviation(ctx, anomaly.DeviationParams{
		OrderID:     order.ID,
		ArtworkID:   art.ID,
		ListedPrice: art.Price,
		PaidPrice:   paid,
	})
	return err
}

// unmatchable acknowledges an event that carries no marketplace reference.
// Redelivery would never succeed, so it is flagged for a human instead of
// failed.
func (h *Handlers) unmatchable(ctx context.Context, ev *Event, objectType, objectRef string) error {
	zap.L().Warn("webhook event has no marketplace reference",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("object_ref", objectRef),
	)
	return h.alerts.Emit(ctx, alert.EmitParams{
		Type:       alert.TypeIllegalTransition,
		Severity:   alert.SeverityWarning,
		Title:      "unmatchable webhook event",
		Message:    fmt.Sprintf("%s %s (event %s) carries no marketplace metadata", objectType, objectRef, ev.ID),
		EntityType: objectType,
		EntityID:   objectRef,
	})
}
