// Package bot holds the ingest router: it classifies decoded Telegram events
// and drives the staging buffer, series finalization, delivery, and status
// reporting. The router keeps no state of its own.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
	"github.com/tbourn/go-deeplink-relay/internal/services"
	"github.com/tbourn/go-deeplink-relay/internal/token"
)

// Commands understood by the router.
const (
	CmdStart        = "start"
	CmdCreateSeries = "create_series"
	CmdStatus       = "status"
	CmdRevoke       = "revoke"
)

// StatsSource reports stored-state counters.
type StatsSource interface {
	Snapshot(ctx context.Context) (repo.Stats, error)
}

// Deduper reports whether a channel post is seen for the first time.
type Deduper interface {
	FirstSeen(ctx context.Context, channelID int64, messageID int) (bool, error)
}

// Router dispatches inbound events.
type Router struct {
	Staging   *services.StagingBuffer
	Series    *services.SeriesService
	Links     services.LinkStore
	Delivery  *services.DeliveryService
	Messenger services.Messenger
	Stats     StatsSource
	// Dedup is optional; nil accepts every channel post.
	Dedup Deduper

	OperatorID int64
	// TrustedChannels restricts content ingestion; empty accepts any channel.
	TrustedChannels map[int64]bool
	// BotUsername is matched against /cmd@BotName suffixes.
	BotUsername string
	// DeepLinkBase is the link prefix, e.g. https://t.me/relay_bot.
	DeepLinkBase string
	// SingleItemLinks creates a link per media post instead of staging it.
	SingleItemLinks bool
}

// DeepLink returns the shareable URL for tok.
func (r *Router) DeepLink(tok string) string {
	base := strings.TrimRight(r.DeepLinkBase, "/")
	if base == "" {
		base = "https://t.me/" + r.BotUsername
	}
	return base + "?start=" + tok
}

// Handle processes one event. Failures are logged and, when a user caused
// them, reported back to the originating chat; Handle never panics on
// service errors and never returns them.
func (r *Router) Handle(ctx context.Context, ev domain.Event) {
	tr := otel.Tracer("bot/Router")
	switch e := ev.(type) {
	case domain.ChannelPost:
		ctx, span := tr.Start(ctx, "ChannelPost", trace.WithAttributes(
			attribute.Int64("channel.id", e.ChannelID),
			attribute.Int("message.id", e.MessageID),
		))
		defer span.End()
		r.handleChannelPost(ctx, e)
	case domain.UserMessage:
		ctx, span := tr.Start(ctx, "UserMessage", trace.WithAttributes(
			attribute.Int64("chat.id", e.ChatID),
		))
		defer span.End()
		r.handleUserMessage(ctx, e)
	}
}

func (r *Router) trusted(channelID int64) bool {
	return len(r.TrustedChannels) == 0 || r.TrustedChannels[channelID]
}

// ----- Channel posts -----

func (r *Router) handleChannelPost(ctx context.Context, p domain.ChannelPost) {
	lg := log.With().Int64("channel_id", p.ChannelID).Int("message_id", p.MessageID).Logger()
	if !r.trusted(p.ChannelID) {
		lg.Debug().Msg("post from untrusted channel ignored")
		return
	}

	if cmd, args, ok := parseCommand(p.Text, r.BotUsername); ok {
		if cmd == CmdCreateSeries {
			r.finalize(ctx, p.ChannelID, p.ChannelID, args, r.channelRequester(p))
		}
		return
	}
	if !p.HasPoster && !p.HasMedia {
		return
	}

	if r.Dedup != nil {
		first, err := r.Dedup.FirstSeen(ctx, p.ChannelID, p.MessageID)
		if err != nil {
			// Staging a possible duplicate beats dropping a real upload.
			lg.Error().Err(err).Msg("dedup check failed")
		} else if !first {
			lg.Debug().Msg("duplicate channel post dropped")
			return
		}
	}

	var err error
	switch {
	case p.HasPoster:
		err = r.Staging.RecordPoster(ctx, p.ChannelID, p.MessageID)
	case r.SingleItemLinks:
		r.createSingle(ctx, p)
		return
	default:
		err = r.Staging.AppendMedia(ctx, p.ChannelID, p.MessageID)
	}
	if err != nil {
		lg.Error().Err(err).Msg("staging channel post failed")
		return
	}
	lg.Debug().Bool("poster", p.HasPoster).Msg("channel post staged")
}

// channelRequester attributes an in-channel command. Only admins can post in
// a channel, so commands from a trusted channel act as the operator.
func (r *Router) channelRequester(p domain.ChannelPost) int64 {
	if len(r.TrustedChannels) > 0 && r.TrustedChannels[p.ChannelID] {
		return r.OperatorID
	}
	return p.AuthorID
}

func (r *Router) createSingle(ctx context.Context, p domain.ChannelPost) {
	link, err := r.Series.CreateSingle(ctx, p.ChannelID, p.MessageID)
	if err != nil {
		r.fail(ctx, p.ChannelID, err)
		return
	}
	r.notify(ctx, p.ChannelID, "✅ Deep link created:\n"+r.DeepLink(link.Token))
}

// finalize runs /create_series for channelID and replies to replyTo.
func (r *Router) finalize(ctx context.Context, replyTo, channelID int64, title string, requester int64) {
	link, err := r.Series.Finalize(ctx, channelID, title, requester)
	if err != nil {
		r.fail(ctx, replyTo, err)
		return
	}
	log.Info().
		Str("token", link.Token).
		Int64("channel_id", channelID).
		Int("items", len(link.Items)).
		Msg("series finalized")

	text := fmt.Sprintf("✅ Series created (%d items):\n%s", len(link.Items), r.DeepLink(link.Token))
	if link.Title != "" {
		text = fmt.Sprintf("✅ Series %q created (%d items):\n%s", link.Title, len(link.Items), r.DeepLink(link.Token))
	}
	r.notify(ctx, replyTo, text)
}

// ----- User messages -----

func (r *Router) handleUserMessage(ctx context.Context, m domain.UserMessage) {
	cmd, args, ok := parseCommand(m.Text, r.BotUsername)
	if !ok {
		return
	}
	switch cmd {
	case CmdStart:
		r.start(ctx, m, args)
	case CmdCreateSeries:
		title, channelID, ok := splitSeriesArgs(args)
		if !ok {
			r.notify(ctx, m.ChatID, "Usage: /create_series <title> <channel_id>")
			return
		}
		r.finalize(ctx, m.ChatID, channelID, title, m.UserID)
	case CmdStatus:
		r.status(ctx, m)
	case CmdRevoke:
		r.revoke(ctx, m, args)
	}
}

func (r *Router) start(ctx context.Context, m domain.UserMessage, args string) {
	tok := firstField(args)
	if tok == "" {
		r.notify(ctx, m.ChatID, "Send a deep link to get the video.")
		return
	}
	// Malformed tokens cannot exist in the store.
	if !token.Valid(tok) {
		r.fail(ctx, m.ChatID, services.ErrLinkNotFound)
		return
	}
	link, err := r.Links.Get(ctx, tok)
	if err != nil {
		r.fail(ctx, m.ChatID, err)
		return
	}

	out := r.Delivery.Deliver(ctx, link, m.ChatID)
	failed := 0
	for _, o := range out {
		if !o.OK() {
			failed++
		}
	}
	log.Info().
		Str("token", tok).
		Int64("chat_id", m.ChatID).
		Int("items", len(out)).
		Int("failed", failed).
		Msg("link delivered")

	switch {
	case failed == 0:
		r.notify(ctx, m.ChatID, fmt.Sprintf("🎬 Here is what you requested. It will disappear in %s.", humanDuration(r.Delivery.Retention)))
	case failed == len(out):
		r.notify(ctx, m.ChatID, "⚠️ This content could not be delivered right now. Please try again later.")
	default:
		r.notify(ctx, m.ChatID, fmt.Sprintf("⚠️ %d of %d items could not be delivered. The rest will disappear in %s.",
			failed, len(out), humanDuration(r.Delivery.Retention)))
	}
}

func (r *Router) status(ctx context.Context, m domain.UserMessage) {
	if m.UserID != r.OperatorID || r.Stats == nil {
		r.notify(ctx, m.ChatID, "✅ Bot is running.")
		return
	}
	st, err := r.Stats.Snapshot(ctx)
	if err != nil {
		r.fail(ctx, m.ChatID, err)
		return
	}
	r.notify(ctx, m.ChatID, fmt.Sprintf(
		"✅ Bot is running.\nLinks: %d\nStaging: %d entries, %d items\nDeletions: %d scheduled, %d in progress, %d failed",
		st.Links, st.StagingEntries, st.StagedItems,
		st.DeletionsScheduled, st.DeletionsActive, st.DeletionsFailed,
	))
}

func (r *Router) revoke(ctx context.Context, m domain.UserMessage, args string) {
	if m.UserID != r.OperatorID {
		r.fail(ctx, m.ChatID, services.ErrUnauthorized)
		return
	}
	tok := firstField(args)
	if tok == "" {
		r.notify(ctx, m.ChatID, "Usage: /revoke <token>")
		return
	}
	if err := r.Links.Delete(ctx, tok); err != nil {
		r.fail(ctx, m.ChatID, err)
		return
	}
	log.Info().Str("token", tok).Msg("link revoked")
	r.notify(ctx, m.ChatID, "🗑 Link revoked.")
}

// ----- Replies -----

// fail reports err to chatID. Expected outcomes get a specific message;
// anything else is logged and reported generically.
func (r *Router) fail(ctx context.Context, chatID int64, err error) {
	var text string
	switch {
	case errors.Is(err, services.ErrLinkNotFound):
		text = "❌ Link invalid or expired."
	case errors.Is(err, services.ErrUnauthorized):
		text = "⛔ Only the operator can do that."
	case errors.Is(err, services.ErrNothingStaged):
		text = "📭 Nothing staged for this channel. Post a poster or media first."
	default:
		log.Error().Err(err).Int64("chat_id", chatID).Msg("event handling failed")
		text = "⚠️ Something went wrong. Please try again later."
	}
	r.notify(ctx, chatID, text)
}

func (r *Router) notify(ctx context.Context, chatID int64, text string) {
	if err := r.Messenger.Notify(ctx, chatID, text); err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("notify failed")
	}
}

// ----- Parsing -----

// parseCommand splits "/cmd@Bot args" into ("cmd", "args"). Commands
// addressed to another bot are rejected. Command names are case-insensitive.
func parseCommand(text, botUsername string) (cmd, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i:] + " " + rest
		head = head[:i]
	}
	name, target, addressed := strings.Cut(head[1:], "@")
	if addressed && botUsername != "" && !strings.EqualFold(target, botUsername) {
		return "", "", false
	}
	if name == "" {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(rest), true
}

// splitSeriesArgs parses "<title> <channel_id>" where title may be empty.
func splitSeriesArgs(args string) (title string, channelID int64, ok bool) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil || id == 0 {
		return "", 0, false
	}
	return strings.Join(fields[:len(fields)-1], " "), id, true
}

func firstField(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return f[0]
	}
	return ""
}

// humanDuration renders whole hours as "24h" and anything else via
// time.Duration's formatting.
func humanDuration(d time.Duration) string {
	if d > 0 && d%time.Hour == 0 {
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	}
	return d.String()
}
