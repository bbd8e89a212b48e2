package alert

import "time"

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	TypePaymentDeviation   = "payment_deviation"
	TypePriceChangePending = "price_change_pending"
	TypeDisputeOpened      = "dispute_opened"
	TypeDisputeClosed      = "dispute_closed"
	TypeIllegalTransition  = "illegal_transition"
	TypeStaleListing       = "stale_listing"
	TypeUnusualRemoval     = "unusual_removal"
	TypePayoutFailed       = "payout_failed"
	TypeTransferReversed   = "transfer_reversed"
	TypeAccountChange      = "account_change"
	TypeFeeRefunded        = "application_fee_refunded"
)

// AdminAlert is a notification row consumed by the operator dashboard.
// Rows are never deleted, only marked resolved.
type AdminAlert struct {
	ID         string     `gorm:"column:id;primaryKey"`
	Type       string     `gorm:"column:type;index"`
	Severity   string     `gorm:"column:severity;index"`
	Title      string     `gorm:"column:title"`
	Message    string     `gorm:"column:message"`
	EntityType string     `gorm:"column:entity_type"`
	EntityID   string     `gorm:"column:entity_id;index"`
	Resolved   bool       `gorm:"column:resolved;index"`
	ResolvedAt *time.Time `gorm:"column:resolved_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

func (AdminAlert) TableName() string { return "admin_alerts" }

// Summary is the read-time aggregation consumed by the dashboard header.
// It is computed per request; there are no cached counters to keep consistent.
type Summary struct {
	OpenTotal    int64 `json:"open_total"`
	OpenInfo     int64 `json:"open_info"`
	OpenWarning  int64 `json:"open_warning"`
	OpenCritical int64 `json:"open_critical"`
}
