package services

import (
	"context"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"

	"github.com/tbourn/go-deeplink-relay/internal/repo"
)

// StatsService reports stored-state counters for /status and the admin API.
type StatsService struct {
	DB *gorm.DB
}

// Snapshot returns current counters.
func (s *StatsService) Snapshot(ctx context.Context) (repo.Stats, error) {
	ctx, span := otel.Tracer("services/StatsService").Start(ctx, "Snapshot")
	defer span.End()
	return repo.LoadStats(ctx, s.DB)
}
