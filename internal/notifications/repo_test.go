package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rbrinkke/notifications-service/pkg/db/models"
	"github.com/rbrinkke/notifications-service/pkg/enums"
)

// The success/failure procedures are Postgres functions exercised through
// worker-level fakes; sqlite covers the portable fetch path.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	ddl := `CREATE TABLE notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		notification_type TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		payload TEXT,
		deep_link TEXT,
		is_processed BOOLEAN NOT NULL DEFAULT false,
		deliver_at DATETIME NOT NULL,
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		last_error_at DATETIME,
		created_at DATETIME,
		updated_at DATETIME
	)`
	if err := conn.Exec(ddl).Error; err != nil {
		t.Fatalf("creating notifications table: %v", err)
	}
	return conn
}

func seedRow(t *testing.T, db *gorm.DB, row models.Notification) {
	t.Helper()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.Priority == "" {
		row.Priority = enums.PriorityNormal
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seeding notification: %v", err)
	}
}

func TestFetchDueFiltersAndOrders(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	oldest := uuid.New()
	newer := uuid.New()
	seedRow(t, db, models.Notification{ID: newer, UserID: uuid.New(), Title: "b", Message: "m", NotificationType: "t", DeliverAt: now.Add(-time.Minute), CreatedAt: now.Add(-time.Minute)})
	seedRow(t, db, models.Notification{ID: oldest, UserID: uuid.New(), Title: "a", Message: "m", NotificationType: "t", DeliverAt: now.Add(-time.Hour), CreatedAt: now.Add(-time.Hour)})
	// Scheduled in the future: must stay invisible.
	seedRow(t, db, models.Notification{UserID: uuid.New(), Title: "later", Message: "m", NotificationType: "t", DeliverAt: now.Add(10 * time.Minute), CreatedAt: now})
	// Already terminal: must stay invisible.
	seedRow(t, db, models.Notification{UserID: uuid.New(), Title: "done", Message: "m", NotificationType: "t", IsProcessed: true, DeliverAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour)})

	rows, err := repo.FetchDue(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 due rows, got %d", len(rows))
	}
	if rows[0].ID != oldest || rows[1].ID != newer {
		t.Fatalf("expected created_at ASC ordering, got %v then %v", rows[0].ID, rows[1].ID)
	}
}

func TestFetchDueHonorsBatchSize(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		seedRow(t, db, models.Notification{UserID: uuid.New(), Title: "t", Message: "m", NotificationType: "t", DeliverAt: now.Add(-time.Hour), CreatedAt: now.Add(-time.Duration(i) * time.Minute)})
	}

	rows, err := repo.FetchDue(context.Background(), 3, now)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(rows))
	}
}

func TestFetchDueBoundaryInstant(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	now := time.Now().UTC().Truncate(time.Second)

	exact := uuid.New()
	seedRow(t, db, models.Notification{ID: exact, UserID: uuid.New(), Title: "t", Message: "m", NotificationType: "t", DeliverAt: now, CreatedAt: now})

	rows, err := repo.FetchDue(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("fetch due: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != exact {
		t.Fatalf("row due exactly at now must be eligible, got %d rows", len(rows))
	}
}
