package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rbrinkke/notifications-service/pkg/enums"
)

// Notification is a delivery-queue row. Producers insert; the worker owns
// is_processed, error_count, last_error, last_error_at and updated_at.
type Notification struct {
	ID               uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	UserID           uuid.UUID       `gorm:"column:user_id;type:uuid;not null"`
	Title            string          `gorm:"column:title;type:text;not null"`
	Message          string          `gorm:"column:message;type:text;not null"`
	NotificationType string          `gorm:"column:notification_type;type:text;not null"`
	Priority         enums.Priority  `gorm:"column:priority;type:text;not null;default:normal"`
	Payload          json.RawMessage `gorm:"column:payload;type:jsonb"`
	DeepLink         *string         `gorm:"column:deep_link;type:text"`
	IsProcessed      bool            `gorm:"column:is_processed;not null;default:false"`
	DeliverAt        time.Time       `gorm:"column:deliver_at;type:timestamptz;not null;default:now()"`
	ErrorCount       int             `gorm:"column:error_count;not null;default:0"`
	LastError        *string         `gorm:"column:last_error;type:text"`
	LastErrorAt      *time.Time      `gorm:"column:last_error_at;type:timestamptz"`
	CreatedAt        time.Time       `gorm:"column:created_at;type:timestamptz;autoCreateTime"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;type:timestamptz;autoUpdateTime"`
}

// IsBroadcast reports whether the row targets every user (all-zero user id).
func (n Notification) IsBroadcast() bool {
	return n.UserID == uuid.Nil
}
