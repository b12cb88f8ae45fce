// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides aggregate queries used by the operator
// /status command and the admin stats endpoint.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
)

// Stats is a point-in-time snapshot of stored state.
type Stats struct {
	Links              int64 `json:"links"`
	StagingEntries     int64 `json:"staging_entries"`
	StagedItems        int64 `json:"staged_items"`
	DeletionsScheduled int64 `json:"deletions_scheduled"`
	DeletionsActive    int64 `json:"deletions_attempting"`
	DeletionsFailed    int64 `json:"deletions_failed"`
}

// LoadStats runs a handful of COUNT queries. An empty database yields zeros.
func LoadStats(ctx context.Context, db *gorm.DB) (Stats, error) {
	var (
		s   Stats
		err error
	)
	if s.Links, err = CountLinks(ctx, db); err != nil {
		return Stats{}, err
	}
	if s.StagingEntries, s.StagedItems, err = CountStaging(ctx, db); err != nil {
		return Stats{}, err
	}
	byStatus, err := CountDeletionsByStatus(ctx, db)
	if err != nil {
		return Stats{}, err
	}
	s.DeletionsScheduled = byStatus[domain.DeletionScheduled]
	s.DeletionsActive = byStatus[domain.DeletionAttempting]
	s.DeletionsFailed = byStatus[domain.DeletionFailed]
	return s, nil
}
