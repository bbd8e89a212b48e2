package payout

import (
	"math"
	"time"
)

const (
	StatusPending   = "pending"
	StatusRequested = "requested"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCompleted = "completed"
)

// Payout is the seller disbursement record derived 1:1 from an Order.
// Status only moves forward; completed is reachable only from approved.
type Payout struct {
	ID               string     `gorm:"column:id;primaryKey"`
	OrderID          string     `gorm:"column:order_id;uniqueIndex"`
	SellerID         string     `gorm:"column:seller_id;index"`
	GrossAmount      int64      `gorm:"column:gross_amount"`
	CommissionAmount int64      `gorm:"column:commission_amount"`
	NetAmount        int64      `gorm:"column:net_amount"`
	CommissionRate   float64    `gorm:"column:commission_rate"`
	RateVersion      string     `gorm:"column:rate_version"`
	Status           string     `gorm:"column:status;index"`
	RequestedAt      *time.Time `gorm:"column:requested_at"`
	ApprovedBy       string     `gorm:"column:approved_by"`
	ApprovedAt       *time.Time `gorm:"column:approved_at"`
	RejectionReason  string     `gorm:"column:rejection_reason"`
	TransferRef      string     `gorm:"column:transfer_ref;index"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (Payout) TableName() string { return "payouts" }

// Split is a computed commission breakdown. CommissionAmount + NetAmount
// always equals the gross amount.
type Split struct {
	GrossAmount      int64
	CommissionAmount int64
	NetAmount        int64
	Rate             float64
	RateVersion      string
}

// ComputeSplit applies the commission rate to a gross amount in minor units,
// rounding the commission half away from zero.
func ComputeSplit(gross int64, rate float64, rateVersion string) Split {
	commission := int64(math.Round(float64(gross) * rate))
	return Split{
		GrossAmount:      gross,
		CommissionAmount: commission,
		NetAmount:        gross - commission,
		Rate:             rate,
		RateVersion:      rateVersion,
	}
}

var forwardTransitions = map[string]map[string]bool{
	StatusPending:   {StatusRequested: true, StatusApproved: true, StatusRejected: true},
	StatusRequested: {StatusApproved: true, StatusRejected: true},
	StatusApproved:  {StatusCompleted: true},
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to string) bool {
	return forwardTransitions[from][to]
}
