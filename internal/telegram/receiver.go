package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
)

// pollTimeout is the getUpdates long-poll timeout in seconds.
const pollTimeout = 30

// EventHandler processes one decoded event.
type EventHandler func(ctx context.Context, ev domain.Event)

// updateSource is the long-polling half of *tgbotapi.BotAPI.
type updateSource interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Poller receives updates by long polling and hands each decoded event to a
// Dispatcher.
type Poller struct {
	Source updateSource
	Handle EventHandler
	// EventTimeout bounds the handling of one update.
	EventTimeout time.Duration
}

// Run polls until ctx is cancelled, then waits for in-flight handlers.
func (p *Poller) Run(ctx context.Context) error {
	if p.Source == nil || p.Handle == nil {
		return errors.New("telegram: poller needs a source and a handler")
	}
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	cfg.AllowedUpdates = AllowedUpdates
	updates := p.Source.GetUpdatesChan(cfg)

	log.Info().Msg("telegram long polling started")

	d := &Dispatcher{Handle: p.Handle, EventTimeout: p.EventTimeout}
	defer func() { _ = d.Wait(context.Background()) }()
	for {
		select {
		case <-ctx.Done():
			p.Source.StopReceivingUpdates()
			log.Info().Msg("telegram long polling stopped")
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if ev, ok := DecodeUpdate(u); ok {
				d.Go(ctx, u.UpdateID, ev)
			}
		}
	}
}

// Dispatcher runs each event on its own goroutine, detached from the
// cancellation of the context it arrived on, and tracks in-flight handlers so
// shutdown can drain them. The zero value is not usable; Handle is required.
type Dispatcher struct {
	Handle EventHandler
	// EventTimeout bounds the handling of one event; zero means no bound.
	EventTimeout time.Duration

	wg sync.WaitGroup
}

// Go handles ev asynchronously. An update already received is finished even
// if ctx is cancelled afterwards.
func (d *Dispatcher) Go(ctx context.Context, updateID int, ev domain.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(context.WithoutCancel(ctx), updateID, ev)
	}()
}

// Wait blocks until every dispatched handler has returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context, updateID int, ev domain.Event) {
	if d.EventTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.EventTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("update_id", updateID).Msg("event handler panicked")
		}
	}()
	d.Handle(ctx, ev)
}

// requester is the one-shot request half of *tgbotapi.BotAPI.
type requester interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// RegisterWebhook points Telegram at url for update delivery.
func RegisterWebhook(api requester, url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("telegram: webhook url: %w", err)
	}
	wh.AllowedUpdates = AllowedUpdates
	if _, err := api.Request(wh); err != nil {
		return fmt.Errorf("telegram: set webhook: %w", err)
	}
	return nil
}

// ClearWebhook removes any registered webhook so getUpdates is allowed.
func ClearWebhook(api requester) error {
	if _, err := api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("telegram: delete webhook: %w", err)
	}
	return nil
}
