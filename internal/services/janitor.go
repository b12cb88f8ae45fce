// Package services – janitor
//
// Janitor runs periodic housekeeping on a cron schedule: abandoned staging
// entries older than StagingTTL are evicted, expired processed-post records
// are purged, and terminally failed deletions are dropped after FailedTTL.
package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-deeplink-relay/internal/repo"
)

// Janitor evicts stale rows.
type Janitor struct {
	DB      *gorm.DB
	Staging *StagingBuffer

	// StagingTTL of 0 keeps staging entries forever.
	StagingTTL time.Duration
	// FailedTTL is how long failed deletions stay visible in stats.
	FailedTTL time.Duration
	// Now defaults to time.Now; tests override it.
	Now func() time.Time
}

// JanitorReport summarizes one sweep.
type JanitorReport struct {
	StagingEvicted   int
	PostsPurged      int64
	DeletionsDropped int64
}

// Sweep runs every housekeeping task once.
func (j *Janitor) Sweep(ctx context.Context) (JanitorReport, error) {
	now := time.Now().UTC()
	if j.Now != nil {
		now = j.Now().UTC()
	}
	var (
		rep JanitorReport
		err error
	)
	if j.StagingTTL > 0 && j.Staging != nil {
		if rep.StagingEvicted, err = j.Staging.PurgeStale(ctx, now.Add(-j.StagingTTL)); err != nil {
			return rep, err
		}
	}
	if rep.PostsPurged, err = repo.PurgeExpiredPosts(ctx, j.DB, now); err != nil {
		return rep, fmt.Errorf("purge processed posts: %w", err)
	}
	if j.FailedTTL > 0 {
		if rep.DeletionsDropped, err = repo.PurgeFailedDeletions(ctx, j.DB, now.Add(-j.FailedTTL)); err != nil {
			return rep, fmt.Errorf("purge failed deletions: %w", err)
		}
	}
	return rep, nil
}

// Start schedules Sweep with a cron spec (e.g. "@every 10m") and returns the
// running scheduler. Overlapping sweeps are skipped. Stop the returned cron
// on shutdown.
func (j *Janitor) Start(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
		defer cancel()
		rep, err := j.Sweep(ctx)
		if err != nil {
			log.Error().Err(err).Msg("janitor sweep failed")
			return
		}
		if rep != (JanitorReport{}) {
			log.Info().
				Int("staging_evicted", rep.StagingEvicted).
				Int64("posts_purged", rep.PostsPurged).
				Int64("deletions_dropped", rep.DeletionsDropped).
				Msg("janitor sweep")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", spec, err)
	}
	c.Start()
	log.Info().Str("schedule", spec).Dur("staging_ttl", j.StagingTTL).Msg("janitor started")
	return c, nil
}
