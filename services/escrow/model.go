package escrow

import (
	"time"

	"gorm.io/datatypes"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

const (
	EscrowHeld     = "held"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
)

const (
	EventHeld            = "held"
	EventReleased        = "released"
	EventPartialRelease  = "partial_release"
	EventRefunded        = "refunded"
	EventDisputed        = "disputed"
	EventDisputeResolved = "dispute_resolved"
)

const (
	InitiatorBuyer     = "buyer"
	InitiatorProcessor = "processor"
	InitiatorSystem    = "system"
)

// Order is one purchase of one artwork. Rows are never physically deleted;
// corrective EscrowEvents are appended instead.
type Order struct {
	ID              string     `gorm:"column:id;primaryKey"`
	ArtworkID       string     `gorm:"column:artwork_id;index"`
	BuyerID         string     `gorm:"column:buyer_id;index"`
	SellerID        string     `gorm:"column:seller_id;index"`
	Amount          int64      `gorm:"column:amount"`
	Currency        string     `gorm:"column:currency"`
	Status          string     `gorm:"column:status;index"`
	EscrowStatus    string     `gorm:"column:escrow_status;index"`
	BuyerApproved   bool       `gorm:"column:buyer_approved"`
	BuyerApprovedAt *time.Time `gorm:"column:buyer_approved_at"`
	IntentRef       string     `gorm:"column:intent_ref;uniqueIndex"`
	ChargeRef       string     `gorm:"column:charge_ref;index"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (Order) TableName() string { return "orders" }

// EscrowEvent is the append-only audit trail of money movements. The Order's
// status columns are a cache of this log; the two must never diverge.
type EscrowEvent struct {
	ID        string         `gorm:"column:id;primaryKey"`
	OrderID   string         `gorm:"column:order_id;index"`
	Type      string         `gorm:"column:type;index"`
	Amount    int64          `gorm:"column:amount"`
	Reason    string         `gorm:"column:reason"`
	Initiator string         `gorm:"column:initiator"`
	Metadata  datatypes.JSON `gorm:"column:metadata"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

func (EscrowEvent) TableName() string { return "escrow_events" }

// statusEvents are the event types that move escrow status; disputes annotate
// the log without changing the cached status.
var statusEvents = map[string]string{
	EventHeld:     EscrowHeld,
	EventReleased: EscrowReleased,
	EventRefunded: EscrowRefunded,
}

// ProjectStatus derives the escrow status from an ordered event chain.
func ProjectStatus(events []*EscrowEvent) string {
	status := ""
	for _, ev := range events {
		if s, ok := statusEvents[ev.Type]; ok {
			status = s
		}
	}
	return status
}
