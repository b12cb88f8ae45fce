// Package telegram adapts the Telegram Bot API to the relay. Client is the
// outbound services.Messenger; DecodeUpdate turns raw updates into domain
// events; Poller and RegisterWebhook are the two ways of receiving them.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-deeplink-relay/internal/services"
)

// botAPI is the subset of *tgbotapi.BotAPI the client uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Options configures a Client.
type Options struct {
	Token string
	// Endpoint overrides tgbotapi.APIEndpoint (tests point it at httptest).
	Endpoint string
	// Timeout bounds each outbound HTTP round trip. Long polls get
	// pollTimeout on top.
	Timeout time.Duration
	// RPS caps outbound calls per second across the process; 0 disables.
	RPS float64
}

// LateForwardFunc receives a forward that reached the destination chat after
// its caller had already given up on it.
type LateForwardFunc func(ctx context.Context, chatID int64, messageID int)

// Client implements services.Messenger on top of the Bot API.
type Client struct {
	api     botAPI
	limiter *rate.Limiter
	self    tgbotapi.User

	// OnLateForward is called for forwards that succeed upstream after the
	// caller's context ended. Those copies are invisible to the delivery
	// pipeline, so this is the only chance to schedule their deletion.
	OnLateForward LateForwardFunc

	late sync.WaitGroup
}

var _ services.Messenger = (*Client)(nil)

// New authenticates against the Bot API (getMe) and returns a Client for
// outbound calls plus a BotAPI for receiving updates. The two use separate
// HTTP clients: sends are cut off at Timeout, long polls may run longer.
func New(opt Options) (*Client, *tgbotapi.BotAPI, error) {
	endpoint := opt.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := opt.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	bot, err := tgbotapi.NewBotAPIWithClient(opt.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, nil, fmt.Errorf("telegram: connect: %w", err)
	}
	_ = tgbotapi.SetLogger(zerologBotLogger{})
	log.Info().Str("username", bot.Self.UserName).Int64("bot_id", bot.Self.ID).Msg("telegram bot authorized")

	// Long polls hold the connection for up to pollTimeout on top of the call deadline.
	recv := *bot
	recv.Client = &http.Client{Timeout: timeout + pollTimeout*time.Second}
	return newClient(bot, bot.Self, opt.RPS), &recv, nil
}

func newClient(api botAPI, self tgbotapi.User, rps float64) *Client {
	c := &Client{api: api, self: self}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return c
}

// Username returns the bot's @username without the @.
func (c *Client) Username() string { return c.self.UserName }

type forwardResult struct {
	id  int
	err error
}

// Forward implements services.Messenger. When ctx ends before the Bot API
// answers, the call keeps running in the background and a late success is
// handed to OnLateForward.
func (c *Client) Forward(ctx context.Context, destChat, srcChat int64, srcMessageID int) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, classify(err)
	}
	done := make(chan forwardResult, 1)
	c.late.Add(1)
	go func() {
		msg, err := c.api.Send(tgbotapi.NewForward(destChat, srcChat, srcMessageID))
		done <- forwardResult{id: msg.MessageID, err: err}
	}()
	select {
	case r := <-done:
		c.late.Done()
		if r.err != nil {
			return 0, classify(r.err)
		}
		return r.id, nil
	case <-ctx.Done():
		go c.settleForward(destChat, done)
		return 0, classify(ctx.Err())
	}
}

func (c *Client) settleForward(destChat int64, done <-chan forwardResult) {
	defer c.late.Done()
	r := <-done
	if r.err != nil {
		return
	}
	lg := log.With().Int64("chat_id", destChat).Int("message_id", r.id).Logger()
	if c.OnLateForward == nil {
		lg.Error().Msg("forward landed after its deadline and will not be deleted")
		return
	}
	lg.Warn().Msg("forward landed after its deadline")
	c.OnLateForward(context.Background(), destChat, r.id)
}

// Wait blocks until every abandoned forward has settled or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.late.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete implements services.Messenger. A message that no longer exists, or
// a chat the bot can no longer reach, is reported as AlreadyAbsent.
func (c *Client) Delete(ctx context.Context, chatID int64, messageID int) (services.DeleteResult, error) {
	err := c.call(ctx, func() error {
		_, err := c.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
		return err
	})
	if err == nil {
		return services.Deleted, nil
	}
	if isAbsent(err) {
		return services.AlreadyAbsent, nil
	}
	return 0, classify(err)
}

// Notify implements services.Messenger.
func (c *Client) Notify(ctx context.Context, chatID int64, text string) error {
	return classify(c.call(ctx, func() error {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		_, err := c.api.Send(msg)
		return err
	}))
}

// wait blocks on the outbound limiter.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// call waits for the outbound limiter and runs fn, returning early when ctx
// ends. The Bot API client has no context support; an abandoned call is
// bounded by the HTTP client timeout.
func (c *Client) call(ctx context.Context, fn func() error) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apiError extracts a Bot API error. The library returns *Error, older
// releases returned Error by value.
func apiError(err error) (tgbotapi.Error, bool) {
	var pe *tgbotapi.Error
	if errors.As(err, &pe) && pe != nil {
		return *pe, true
	}
	var ve tgbotapi.Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return tgbotapi.Error{}, false
}

// absentMarkers are Bot API descriptions meaning the target message is gone
// or unreachable for good.
var absentMarkers = []string{
	"message to delete not found",
	"message not found",
	"chat not found",
	"bot was blocked by the user",
	"user is deactivated",
	"bot was kicked",
}

func isAbsent(err error) bool {
	ae, ok := apiError(err)
	if !ok {
		return false
	}
	low := strings.ToLower(ae.Message)
	for _, m := range absentMarkers {
		if strings.Contains(low, m) {
			return true
		}
	}
	return false
}

// classify wraps err with services.ErrTransient or services.ErrPermanent.
// Rate limits, upstream 5xx, network failures and timeouts are transient;
// other Bot API rejections are permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if ae, ok := apiError(err); ok {
		if ae.Code == http.StatusTooManyRequests || ae.Code >= 500 {
			return fmt.Errorf("%w: %w", services.ErrTransient, err)
		}
		return fmt.Errorf("%w: %w", services.ErrPermanent, err)
	}
	return fmt.Errorf("%w: %w", services.ErrTransient, err)
}

// zerologBotLogger routes the library's internal logging to zerolog.
type zerologBotLogger struct{}

func (zerologBotLogger) Println(v ...interface{}) {
	log.Debug().Str("component", "tgbotapi").Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (zerologBotLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("component", "tgbotapi").Msgf(format, v...)
}
