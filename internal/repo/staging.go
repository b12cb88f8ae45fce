package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
)

// UpsertPoster creates the channel's staging entry if needed and replaces its
// poster. The last poster written wins.
func UpsertPoster(ctx context.Context, db *gorm.DB, channelID int64, messageID int, at time.Time) error {
	e := domain.StagingEntry{
		ChannelID:       channelID,
		PosterMessageID: &messageID,
		PosterPostedAt:  &at,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
	return db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"poster_message_id", "poster_posted_at", "updated_at"}),
		}).
		Create(&e).Error
}

// appendAttempts bounds retries when a concurrent writer takes the same seq.
const appendAttempts = 5

// AppendStagingItem appends a media reference after the channel's last item
// and returns its sequence number (starting at 1). Duplicate message ids are
// stored as separate items. When another process claims the same sequence
// number first, the append is retried in a fresh transaction; ErrDuplicate is
// returned once the attempts run out.
func AppendStagingItem(ctx context.Context, db *gorm.DB, channelID int64, messageID int, at time.Time) (int, error) {
	for attempt := 1; ; attempt++ {
		seq, err := appendStagingItem(ctx, db, channelID, messageID, at)
		if !isDuplicate(err) {
			return seq, err
		}
		if attempt == appendAttempts || ctx.Err() != nil {
			return 0, ErrDuplicate
		}
	}
}

func appendStagingItem(ctx context.Context, db *gorm.DB, channelID int64, messageID int, at time.Time) (int, error) {
	var seq int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e := domain.StagingEntry{ChannelID: channelID, CreatedAt: at, UpdatedAt: at}
		if err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "channel_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
			}).
			Create(&e).Error; err != nil {
			return err
		}

		var last int64
		if err := tx.Model(&domain.StagingItem{}).
			Where("channel_id = ?", channelID).
			Select("COALESCE(MAX(seq), 0)").
			Row().Scan(&last); err != nil {
			return err
		}
		seq = int(last) + 1
		return tx.Create(&domain.StagingItem{
			ChannelID: channelID,
			Seq:       seq,
			MessageID: messageID,
			PostedAt:  at,
		}).Error
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// GetStaging returns the channel's entry with items in append order, or ErrNotFound.
func GetStaging(ctx context.Context, db *gorm.DB, channelID int64) (*domain.StagingEntry, error) {
	var e domain.StagingEntry
	err := db.WithContext(ctx).
		Preload("Items", func(q *gorm.DB) *gorm.DB { return q.Order("seq ASC") }).
		Where("channel_id = ?", channelID).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// TakeStaging reads and removes the channel's entry in one transaction.
// When a concurrent caller removed it first, TakeStaging returns ErrNotFound,
// so at most one caller ever receives a given entry.
func TakeStaging(ctx context.Context, db *gorm.DB, channelID int64) (*domain.StagingEntry, error) {
	var out *domain.StagingEntry
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := GetStaging(ctx, tx, channelID)
		if err != nil {
			return err
		}
		if err := tx.Where("channel_id = ?", channelID).Delete(&domain.StagingItem{}).Error; err != nil {
			return err
		}
		res := tx.Where("channel_id = ?", channelID).Delete(&domain.StagingEntry{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StaleStagingChannels lists channels whose entry was last touched before cutoff.
func StaleStagingChannels(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]int64, error) {
	var ids []int64
	err := db.WithContext(ctx).
		Model(&domain.StagingEntry{}).
		Where("updated_at < ?", cutoff).
		Pluck("channel_id", &ids).Error
	return ids, err
}

// DeleteStaleStaging removes the channel's entry only if it is still older
// than cutoff. It reports whether an entry was removed.
func DeleteStaleStaging(ctx context.Context, db *gorm.DB, channelID int64, cutoff time.Time) (bool, error) {
	removed := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("channel_id = ? AND updated_at < ?", channelID, cutoff).Delete(&domain.StagingEntry{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		removed = true
		return tx.Where("channel_id = ?", channelID).Delete(&domain.StagingItem{}).Error
	})
	return removed, err
}

// CountStaging returns the number of open entries and staged media items.
func CountStaging(ctx context.Context, db *gorm.DB) (entries, items int64, err error) {
	if err = db.WithContext(ctx).Model(&domain.StagingEntry{}).Count(&entries).Error; err != nil {
		return 0, 0, err
	}
	if err = db.WithContext(ctx).Model(&domain.StagingItem{}).Count(&items).Error; err != nil {
		return 0, 0, err
	}
	return entries, items, nil
}

// RestoreStaging puts a taken entry back after a failed finalize. Items the
// channel staged in the meantime are kept after the restored ones, and a
// newer poster is not overwritten.
func RestoreStaging(ctx context.Context, db *gorm.DB, e domain.StagingEntry, at time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := domain.StagingEntry{ChannelID: e.ChannelID, CreatedAt: e.CreatedAt, UpdatedAt: at}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = at
		}
		if err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "channel_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"updated_at"}),
			}).
			Create(&row).Error; err != nil {
			return err
		}
		if e.PosterMessageID != nil {
			if err := tx.Model(&domain.StagingEntry{}).
				Where("channel_id = ? AND poster_message_id IS NULL", e.ChannelID).
				Updates(map[string]any{
					"poster_message_id": *e.PosterMessageID,
					"poster_posted_at":  e.PosterPostedAt,
				}).Error; err != nil {
				return err
			}
		}

		var newer []domain.StagingItem
		if err := tx.Where("channel_id = ?", e.ChannelID).Order("seq ASC").Find(&newer).Error; err != nil {
			return err
		}
		if err := tx.Where("channel_id = ?", e.ChannelID).Delete(&domain.StagingItem{}).Error; err != nil {
			return err
		}
		all := make([]domain.StagingItem, 0, len(e.Items)+len(newer))
		for _, it := range append(append([]domain.StagingItem(nil), e.Items...), newer...) {
			all = append(all, domain.StagingItem{
				ChannelID: e.ChannelID,
				Seq:       len(all) + 1,
				MessageID: it.MessageID,
				PostedAt:  it.PostedAt,
			})
		}
		if len(all) == 0 {
			return nil
		}
		return tx.Create(&all).Error
	})
}
