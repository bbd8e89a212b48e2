package artwork

import "time"

const (
	StatusAvailable = "available"
	StatusSold      = "sold"
	StatusRemoved   = "removed"
)

// Artwork is the minimal listing row the reconciliation core needs: the served
// price the deviation detector compares against, and listing/removal times the
// background scans inspect.
type Artwork struct {
	ID        string     `gorm:"column:id;primaryKey"`
	SellerID  string     `gorm:"column:seller_id;index"`
	Title     string     `gorm:"column:title"`
	Price     int64      `gorm:"column:price"`
	Currency  string     `gorm:"column:currency"`
	Status    string     `gorm:"column:status;index"`
	ListedAt  time.Time  `gorm:"column:listed_at"`
	RemovedAt *time.Time `gorm:"column:removed_at"`
	CreatedAt time.Time  `gorm:"column:created_at"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (Artwork) TableName() string { return "artworks" }
