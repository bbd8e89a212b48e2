package webhook

import (
	"time"

	"gorm.io/datatypes"
)

// EventLog is the permanent dedup record for every delivery accepted off the
// wire. Processed marks business handling done; a row with Processed=false and
// a non-empty ErrorMessage is awaiting redelivery.
type EventLog struct {
	ID           string         `gorm:"column:id;primaryKey"`
	EventID      string         `gorm:"column:event_id;uniqueIndex"`
	EventType    string         `gorm:"column:event_type;index"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	Processed    bool           `gorm:"column:processed;index"`
	ProcessedAt  *time.Time     `gorm:"column:processed_at"`
	ErrorMessage string         `gorm:"column:error_message"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

func (EventLog) TableName() string { return "webhook_event_logs" }
