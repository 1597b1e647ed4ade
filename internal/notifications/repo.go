package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rbrinkke/notifications-service/pkg/db/models"
)

// FailureResult is the bookkeeping returned by one failure commit.
type FailureResult struct {
	// ShouldStop is true when the row went terminal (error_count reached
	// max_retries).
	ShouldStop bool
	// ErrorCount is the count after the increment.
	ErrorCount int
}

// Repository exposes the delivery queue over the notifications table. The
// write operations execute as single statements so concurrent workers cannot
// double-increment or resurrect terminal rows.
type Repository interface {
	FetchDue(ctx context.Context, batchSize int, now time.Time) ([]models.Notification, error)
	RecordSuccess(ctx context.Context, id uuid.UUID) (bool, error)
	RecordFailure(ctx context.Context, id uuid.UUID, errorText string, maxRetries int) (FailureResult, error)
}

type repositoryImpl struct {
	db *gorm.DB
}

// NewRepository returns a queue repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repositoryImpl{db: db}
}

// FetchDue returns up to batchSize pending rows whose deliver_at has passed,
// oldest first. The partial index on unprocessed rows covers this scan.
func (r *repositoryImpl) FetchDue(ctx context.Context, batchSize int, now time.Time) ([]models.Notification, error) {
	var rows []models.Notification
	err := r.db.WithContext(ctx).
		Where("is_processed = false AND deliver_at <= ?", now).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("fetching due notifications: %w", err)
	}
	return rows, nil
}

// RecordSuccess marks the row terminal. Returns false when the row was
// already processed (or absent), which callers treat as a lost race, not an
// error.
func (r *repositoryImpl) RecordSuccess(ctx context.Context, id uuid.UUID) (bool, error) {
	var updated bool
	err := r.db.WithContext(ctx).
		Raw("SELECT sp_notification_success(?)", id).
		Scan(&updated).Error
	if err != nil {
		return false, fmt.Errorf("recording success for %s: %w", id, err)
	}
	return updated, nil
}

// RecordFailure increments error_count and stamps the error detail; the
// procedure flips is_processed when the new count reaches maxRetries.
func (r *repositoryImpl) RecordFailure(ctx context.Context, id uuid.UUID, errorText string, maxRetries int) (FailureResult, error) {
	var result struct {
		ShouldStop bool `gorm:"column:should_stop"`
		ErrorCount int  `gorm:"column:new_error_count"`
	}
	err := r.db.WithContext(ctx).
		Raw("SELECT * FROM sp_notification_failure(?, ?, ?)", id, errorText, maxRetries).
		Scan(&result).Error
	if err != nil {
		return FailureResult{}, fmt.Errorf("recording failure for %s: %w", id, err)
	}
	return FailureResult{ShouldStop: result.ShouldStop, ErrorCount: result.ErrorCount}, nil
}
