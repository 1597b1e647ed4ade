package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/rbrinkke/notifications-service/pkg/enums"
)

// UserDevice maps a user to one registered push token.
type UserDevice struct {
	UserID    uuid.UUID      `gorm:"column:user_id;type:uuid;not null;primaryKey"`
	Token     string         `gorm:"column:token;type:text;not null;primaryKey"`
	Platform  enums.Platform `gorm:"column:platform;type:text;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;type:timestamptz;autoCreateTime"`
}

func (UserDevice) TableName() string { return "user_devices" }
