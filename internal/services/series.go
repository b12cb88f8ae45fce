// Package services – series finalization
//
// SeriesService turns a channel's staged uploads into an immutable deep link.
// Only the operator may finalize. The staged entry is consumed with Take, so
// of two concurrent finalize calls for one channel exactly one produces a
// link and the other observes ErrNothingStaged.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
)

// TokenSource produces deep-link tokens.
type TokenSource interface {
	Generate() (string, error)
}

// SeriesService assembles staged uploads into links.
type SeriesService struct {
	Staging    *StagingBuffer
	Links      LinkStore
	Tokens     TokenSource
	OperatorID int64

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
	// Now defaults to time.Now; tests override it.
	Now func() time.Time
}

// NewSeriesService constructs a SeriesService with default title handling.
func NewSeriesService(staging *StagingBuffer, links LinkStore, tokens TokenSource, operatorID int64) *SeriesService {
	return &SeriesService{
		Staging:     staging,
		Links:       links,
		Tokens:      tokens,
		OperatorID:  operatorID,
		TitleMaxLen: 255,
		Now:         time.Now,
	}
}

// Finalize converts the channel's staged poster and media into a new link.
// Items are ordered poster first, then media in upload order.
func (s *SeriesService) Finalize(ctx context.Context, channelID int64, title string, requester int64) (domain.Link, error) {
	tr := otel.Tracer("services/SeriesService")
	ctx, span := tr.Start(ctx, "Finalize",
		trace.WithAttributes(
			attribute.Int64("channel.id", channelID),
			attribute.Int64("requester.id", requester),
		),
	)
	defer span.End()

	if requester != s.OperatorID {
		return domain.Link{}, ErrUnauthorized
	}

	entry, err := s.Staging.Take(ctx, channelID)
	if err != nil {
		return domain.Link{}, err
	}
	if entry.Empty() {
		return domain.Link{}, ErrNothingStaged
	}

	items := make([]domain.LinkItem, 0, len(entry.Items)+1)
	if entry.PosterMessageID != nil {
		items = append(items, domain.LinkItem{MessageID: *entry.PosterMessageID, Kind: domain.ItemKindPoster})
	}
	for _, it := range entry.Items {
		items = append(items, domain.LinkItem{MessageID: it.MessageID, Kind: domain.ItemKindMedia})
	}

	link, err := s.store(ctx, channelID, s.clip(NormalizeTitle(title)), items)
	if err != nil {
		span.RecordError(err)
		if rerr := s.Staging.Restore(ctx, entry); rerr != nil {
			log.Error().Err(rerr).Int64("channel_id", channelID).Msg("staged series lost after failed finalize")
		}
		return domain.Link{}, err
	}
	linksCreated.WithLabelValues("series").Inc()
	return link, nil
}

// CreateSingle creates a one-item link for a single channel post.
func (s *SeriesService) CreateSingle(ctx context.Context, channelID int64, messageID int) (domain.Link, error) {
	tr := otel.Tracer("services/SeriesService")
	ctx, span := tr.Start(ctx, "CreateSingle",
		trace.WithAttributes(
			attribute.Int64("channel.id", channelID),
			attribute.Int("message.id", messageID),
		),
	)
	defer span.End()

	link, err := s.store(ctx, channelID, "", []domain.LinkItem{{MessageID: messageID, Kind: domain.ItemKindMedia}})
	if err != nil {
		span.RecordError(err)
		return domain.Link{}, err
	}
	linksCreated.WithLabelValues("single").Inc()
	return link, nil
}

func (s *SeriesService) store(ctx context.Context, channelID int64, title string, items []domain.LinkItem) (domain.Link, error) {
	tok, err := s.Tokens.Generate()
	if err != nil {
		return domain.Link{}, fmt.Errorf("generate token: %w", err)
	}
	for i := range items {
		items[i].Token = tok
		items[i].Position = i
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	link := domain.Link{
		Token:     tok,
		ChannelID: channelID,
		Title:     title,
		CreatedAt: now().UTC(),
		Items:     items,
	}
	if err := s.Links.Put(ctx, link); err != nil {
		if errors.Is(err, ErrDuplicateToken) {
			log.Error().Str("token", tok).Int64("channel_id", channelID).Msg("token collision")
		}
		return domain.Link{}, err
	}
	return link, nil
}

// clip truncates a title to the configured maximum rune length.
func (s *SeriesService) clip(title string) string {
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		return string([]rune(title)[:s.TitleMaxLen])
	}
	return title
}

// NormalizeTitle applies Unicode NFC, collapses whitespace, and strips one
// pair of surrounding quotes ("S1", 'S1', “S1”, «S1»).
func NormalizeTitle(s string) string {
	s = norm.NFC.String(s)
	s = whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	for _, q := range [][2]string{{`"`, `"`}, {`'`, `'`}, {"“", "”"}, {"«", "»"}} {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			s = strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
			break
		}
	}
	return s
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
