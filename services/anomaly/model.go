package anomaly

import "time"

const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// PaymentDeviation records a mismatch between the listed price and the amount
// the processor actually captured. An unresolved row above threshold blocks
// the linked payout from approval.
type PaymentDeviation struct {
	ID             string     `gorm:"column:id;primaryKey"`
	OrderID        string     `gorm:"column:order_id;index"`
	ArtworkID      string     `gorm:"column:artwork_id;index"`
	ListedPrice    int64      `gorm:"column:listed_price"`
	PaidPrice      int64      `gorm:"column:paid_price"`
	DeviationPct   float64    `gorm:"column:deviation_pct"`
	ApprovalStatus string     `gorm:"column:approval_status;index"`
	ResolvedBy     string     `gorm:"column:resolved_by"`
	ResolvedAt     *time.Time `gorm:"column:resolved_at"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	UpdatedAt      time.Time  `gorm:"column:updated_at"`
}

func (PaymentDeviation) TableName() string { return "payment_deviations" }

// PriceApproval is one row of price history. Changes beyond the threshold
// require both sides to confirm before the served price moves; smaller
// changes are recorded already approved.
type PriceApproval struct {
	ID               string    `gorm:"column:id;primaryKey"`
	ArtworkID        string    `gorm:"column:artwork_id;index"`
	OldPrice         int64     `gorm:"column:old_price"`
	NewPrice         int64     `gorm:"column:new_price"`
	ChangePct        float64   `gorm:"column:change_pct"`
	RequiresApproval bool      `gorm:"column:requires_approval"`
	SellerApproved   bool      `gorm:"column:seller_approved"`
	BuyerApproved    bool      `gorm:"column:buyer_approved"`
	ApprovalStatus   string    `gorm:"column:approval_status;index"`
	CreatedAt        time.Time `gorm:"column:created_at"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

func (PriceApproval) TableName() string { return "price_history" }

// PendingCounts is the detector's contribution to the dashboard summary,
// computed at read time.
type PendingCounts struct {
	OpenDeviations        int64 `json:"open_deviations"`
	PendingPriceApprovals int64 `json:"pending_price_approvals"`
}
