package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
)

// dueClause selects rows ready for an attempt: scheduled rows whose fire time
// has passed, and attempting rows whose lease expired (a crashed worker).
const dueClause = "((status = ? AND fire_at <= ?) OR (status = ? AND lease_until <= ?))"

func dueArgs(now time.Time) []any {
	return []any{domain.DeletionScheduled, now, domain.DeletionAttempting, now}
}

// UpsertDeletion schedules the removal of (chatID, messageID) at fireAt.
// An existing row for the same pair is reset to scheduled with the new fire
// time, so there is never more than one row per pair.
func UpsertDeletion(ctx context.Context, db *gorm.DB, chatID int64, messageID int, fireAt, now time.Time) error {
	rec := &domain.ScheduledDeletion{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		MessageID: messageID,
		FireAt:    fireAt,
		Status:    domain.DeletionScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "chat_id"}, {Name: "message_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"fire_at":     fireAt,
				"status":      domain.DeletionScheduled,
				"attempts":    0,
				"lease_until": nil,
				"last_error":  "",
				"updated_at":  now,
			}),
		}).
		Create(rec).Error
}

// GetDeletion returns the row for (chatID, messageID), or ErrNotFound.
func GetDeletion(ctx context.Context, db *gorm.DB, chatID int64, messageID int) (*domain.ScheduledDeletion, error) {
	var rec domain.ScheduledDeletion
	err := db.WithContext(ctx).
		Where("chat_id = ? AND message_id = ?", chatID, messageID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DueDeletions lists up to limit rows ready for an attempt, oldest first.
func DueDeletions(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.ScheduledDeletion, error) {
	var out []domain.ScheduledDeletion
	err := db.WithContext(ctx).
		Where(dueClause, dueArgs(now)...).
		Order("fire_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClaimDeletion moves a due row to attempting with a lease ending at
// leaseUntil. It reports false when another worker or process claimed it
// first, or when the row is no longer due.
func ClaimDeletion(ctx context.Context, db *gorm.DB, id string, now, leaseUntil time.Time) (bool, error) {
	args := append([]any{id}, dueArgs(now)...)
	res := db.WithContext(ctx).
		Model(&domain.ScheduledDeletion{}).
		Where("id = ? AND "+dueClause, args...).
		Updates(map[string]any{
			"status":      domain.DeletionAttempting,
			"lease_until": leaseUntil,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RemoveDeletion drops a claimed row once its message is confirmed gone.
// A row re-registered while the attempt ran is back in scheduled and is kept.
func RemoveDeletion(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Where("id = ? AND status = ?", id, domain.DeletionAttempting).
		Delete(&domain.ScheduledDeletion{}).Error
}

// RescheduleDeletion returns a claimed row to scheduled after a transient failure.
func RescheduleDeletion(ctx context.Context, db *gorm.DB, id string, attempts int, fireAt time.Time, lastErr string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.ScheduledDeletion{}).
		Where("id = ? AND status = ?", id, domain.DeletionAttempting).
		Updates(map[string]any{
			"status":      domain.DeletionScheduled,
			"attempts":    attempts,
			"fire_at":     fireAt,
			"lease_until": nil,
			"last_error":  lastErr,
			"updated_at":  now,
		}).Error
}

// FailDeletion marks a claimed row as terminally failed.
func FailDeletion(ctx context.Context, db *gorm.DB, id string, attempts int, lastErr string, now time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.ScheduledDeletion{}).
		Where("id = ? AND status = ?", id, domain.DeletionAttempting).
		Updates(map[string]any{
			"status":      domain.DeletionFailed,
			"attempts":    attempts,
			"lease_until": nil,
			"last_error":  lastErr,
			"updated_at":  now,
		}).Error
}

// PurgeFailedDeletions removes failed rows last updated before cutoff.
func PurgeFailedDeletions(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.DeletionFailed, cutoff).
		Delete(&domain.ScheduledDeletion{})
	return res.RowsAffected, res.Error
}

// CountDeletionsByStatus returns the number of rows per status.
func CountDeletionsByStatus(ctx context.Context, db *gorm.DB) (map[domain.DeletionStatus]int64, error) {
	var rows []struct {
		Status domain.DeletionStatus
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.ScheduledDeletion{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.DeletionStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
