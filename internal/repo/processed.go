package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
)

// MarkPostProcessed records (channelID, messageID) as handled until now+ttl.
// It returns ErrDuplicate when the post was already recorded and has not
// expired. An expired record is refreshed and treated as new.
func MarkPostProcessed(ctx context.Context, db *gorm.DB, channelID int64, messageID int, ttl time.Duration, now time.Time) error {
	rec := &domain.ProcessedPost{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		MessageID: messageID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	err := db.WithContext(ctx).Create(rec).Error
	if err == nil {
		return nil
	}
	if !isDuplicate(err) {
		return err
	}

	res := db.WithContext(ctx).
		Model(&domain.ProcessedPost{}).
		Where("channel_id = ? AND message_id = ? AND expires_at <= ?", channelID, messageID, now).
		Update("expires_at", now.Add(ttl))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// PurgeExpiredPosts deletes processed-post records that expired before now.
func PurgeExpiredPosts(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.ProcessedPost{})
	return res.RowsAffected, res.Error
}
