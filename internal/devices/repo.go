package devices

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rbrinkke/notifications-service/pkg/db/models"
)

// Registry reads a user's registered push tokens and reaps tokens the push
// transport reports as gone.
type Registry interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.UserDevice, error)
	Remove(ctx context.Context, userID uuid.UUID, token string) error
}

type registryImpl struct {
	db *gorm.DB
}

// NewRegistry returns a device registry bound to the provided database.
func NewRegistry(db *gorm.DB) Registry {
	return &registryImpl{db: db}
}

func (r *registryImpl) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.UserDevice, error) {
	var rows []models.UserDevice
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing devices for %s: %w", userID, err)
	}
	return rows, nil
}

// Remove deletes one token registration. Deleting an absent token is a no-op.
func (r *registryImpl) Remove(ctx context.Context, userID uuid.UUID, token string) error {
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND token = ?", userID, token).
		Delete(&models.UserDevice{}).Error
	if err != nil {
		return fmt.Errorf("removing device token: %w", err)
	}
	return nil
}
