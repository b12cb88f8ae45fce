package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-deeplink-relay/internal/repo"
)

// PostDeduper drops channel posts Telegram delivers more than once. A post is
// remembered for TTL after its first sighting.
type PostDeduper struct {
	DB  *gorm.DB
	TTL time.Duration
	// Now defaults to time.Now; tests override it.
	Now func() time.Time
}

// FirstSeen records (channelID, messageID) and reports whether this is the
// first time the post was seen within TTL.
func (d *PostDeduper) FirstSeen(ctx context.Context, channelID int64, messageID int) (bool, error) {
	now := time.Now().UTC()
	if d.Now != nil {
		now = d.Now().UTC()
	}
	err := repo.MarkPostProcessed(ctx, d.DB, channelID, messageID, d.TTL, now)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrDuplicate):
		return false, nil
	default:
		return false, fmt.Errorf("dedup post: %w", err)
	}
}
