// Package services – staging buffer
//
// StagingBuffer accumulates an in-progress series per source channel: one
// optional poster (last write wins) plus an append-only list of media. All
// mutations and the final Take for a channel run under that channel's lock;
// different channels never contend. Take is also single-consumer at the
// database level, so two processes sharing a database cannot both finalize
// the same entry.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
)

// StagingBuffer is the per-channel scratch area for series uploads.
type StagingBuffer struct {
	DB *gorm.DB
	// Now defaults to time.Now; tests override it.
	Now func() time.Time

	locks keyedMutex
}

// NewStagingBuffer returns a StagingBuffer backed by db.
func NewStagingBuffer(db *gorm.DB) *StagingBuffer {
	return &StagingBuffer{DB: db, Now: time.Now}
}

func (b *StagingBuffer) now() time.Time {
	if b.Now == nil {
		return time.Now().UTC()
	}
	return b.Now().UTC()
}

// RecordPoster sets the channel's poster, replacing any earlier one.
func (b *StagingBuffer) RecordPoster(ctx context.Context, channelID int64, messageID int) error {
	ctx, span := stagingSpan(ctx, "RecordPoster", channelID, messageID)
	defer span.End()

	unlock := b.locks.Lock(channelID)
	defer unlock()

	if err := repo.UpsertPoster(ctx, b.DB, channelID, messageID, b.now()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("record poster: %w", err)
	}
	return nil
}

// AppendMedia appends a media item in upload order. The same message id may
// be appended more than once.
func (b *StagingBuffer) AppendMedia(ctx context.Context, channelID int64, messageID int) error {
	ctx, span := stagingSpan(ctx, "AppendMedia", channelID, messageID)
	defer span.End()

	unlock := b.locks.Lock(channelID)
	defer unlock()

	if _, err := repo.AppendStagingItem(ctx, b.DB, channelID, messageID, b.now()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("append media: %w", err)
	}
	return nil
}

// Take atomically reads and removes the channel's entry. It returns
// ErrNothingStaged when there is no entry.
func (b *StagingBuffer) Take(ctx context.Context, channelID int64) (domain.StagingEntry, error) {
	ctx, span := stagingSpan(ctx, "Take", channelID, 0)
	defer span.End()

	unlock := b.locks.Lock(channelID)
	defer unlock()

	e, err := repo.TakeStaging(ctx, b.DB, channelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StagingEntry{}, ErrNothingStaged
		}
		span.RecordError(err)
		return domain.StagingEntry{}, fmt.Errorf("take staging: %w", err)
	}
	return *e, nil
}

// Restore puts back an entry obtained from Take, ahead of anything staged
// since. Finalize uses it when the link could not be stored.
func (b *StagingBuffer) Restore(ctx context.Context, e domain.StagingEntry) error {
	unlock := b.locks.Lock(e.ChannelID)
	defer unlock()

	if err := repo.RestoreStaging(ctx, b.DB, e, b.now()); err != nil {
		return fmt.Errorf("restore staging: %w", err)
	}
	return nil
}

// Peek returns a snapshot of the channel's entry without removing it.
func (b *StagingBuffer) Peek(ctx context.Context, channelID int64) (domain.StagingEntry, error) {
	e, err := repo.GetStaging(ctx, b.DB, channelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.StagingEntry{}, ErrNothingStaged
		}
		return domain.StagingEntry{}, fmt.Errorf("peek staging: %w", err)
	}
	return *e, nil
}

// PurgeStale removes entries not touched since cutoff and returns how many
// were removed. Each removal holds the channel's lock, so an upload racing
// with the purge either lands before it (and keeps the entry fresh) or after
// it (and starts a new entry).
func (b *StagingBuffer) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := repo.StaleStagingChannels(ctx, b.DB, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale staging: %w", err)
	}
	n := 0
	for _, id := range ids {
		unlock := b.locks.Lock(id)
		removed, err := repo.DeleteStaleStaging(ctx, b.DB, id, cutoff)
		unlock()
		if err != nil {
			return n, fmt.Errorf("purge staging %d: %w", id, err)
		}
		if removed {
			n++
		}
	}
	stagingEvicted.Add(float64(n))
	return n, nil
}

func stagingSpan(ctx context.Context, op string, channelID int64, messageID int) (context.Context, trace.Span) {
	return otel.Tracer("services/StagingBuffer").Start(ctx, op,
		trace.WithAttributes(
			attribute.Int64("channel.id", channelID),
			attribute.Int("message.id", messageID),
		),
	)
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock func.
func (k *keyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[int64]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
