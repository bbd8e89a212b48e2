package webhook

import "encoding/json"

// Event is the outer envelope of every processor delivery. Data.Object is the
// type-discriminated payload; handlers decode it into the shape their event
// family defines.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Event types the dispatcher routes. Anything else is acknowledged and logged.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventPaymentIntentFailed    = "payment_intent.payment_failed"

	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
	EventChargeRefunded  = "charge.refunded"

	EventDisputeCreated = "charge.dispute.created"
	EventDisputeClosed  = "charge.dispute.closed"

	EventTransferCreated  = "transfer.created"
	EventTransferUpdated  = "transfer.updated"
	EventTransferReversed = "transfer.reversed"

	EventPayoutPaid     = "payout.paid"
	EventPayoutFailed   = "payout.failed"
	EventPayoutCanceled = "payout.canceled"

	EventAccountUpdated         = "account.updated"
	EventExternalAccountCreated = "account.external_account.created"
	EventExternalAccountUpdated = "account.external_account.updated"
	EventExternalAccountDeleted = "account.external_account.deleted"

	EventFeeCreated  = "application_fee.created"
	EventFeeRefunded = "application_fee.refunded"
)

// PaymentIntent is the data.object of payment_intent.* events. Marketplace
// identifiers travel in Metadata; the processor treats them as opaque.
type PaymentIntent struct {
	ID               string            `json:"id"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	LatestCharge     string            `json:"latest_charge"`
	LastPaymentError *PaymentError     `json:"last_payment_error"`
	Metadata         map[string]string `json:"metadata"`
}

type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Charge is the data.object of charge.* events.
type Charge struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Refunded       bool              `json:"refunded"`
	FailureMessage string            `json:"failure_message"`
	Metadata       map[string]string `json:"metadata"`
}

// Dispute is the data.object of charge.dispute.* events. Status is the
// processor's resolution state; on close it carries "won" or "lost".
type Dispute struct {
	ID     string `json:"id"`
	Charge string `json:"charge"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Transfer is the data.object of transfer.* events. metadata.payout_id links
// the transfer back to the marketplace payout it settles.
type Transfer struct {
	ID          string            `json:"id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination"`
	Reversed    bool              `json:"reversed"`
	Metadata    map[string]string `json:"metadata"`
}

// ProcessorPayout is the data.object of payout.* events: the processor moving
// settled funds to the seller's bank, downstream of our transfer.
type ProcessorPayout struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Status         string            `json:"status"`
	FailureMessage string            `json:"failure_message"`
	Metadata       map[string]string `json:"metadata"`
}

// Account is the data.object of account.updated events.
type Account struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

// ExternalAccount is the data.object of account.external_account.* events.
type ExternalAccount struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Last4   string `json:"last4"`
	Status  string `json:"status"`
}

// ApplicationFee is the data.object of application_fee.* events: the
// commission slice the platform keeps.
type ApplicationFee struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Charge         string `json:"charge"`
	Refunded       bool   `json:"refunded"`
}
