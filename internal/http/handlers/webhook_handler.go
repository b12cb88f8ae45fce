package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/http/middleware"
)

var webhookUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_webhook_updates_total",
	Help: "Webhook requests, by outcome (dispatched|ignored|invalid|forbidden).",
}, []string{"outcome"})

// Decoder turns a Bot API update into a domain event; false means ignore.
type Decoder func(tgbotapi.Update) (domain.Event, bool)

// Dispatcher runs a decoded event asynchronously.
type Dispatcher interface {
	Go(ctx context.Context, updateID int, ev domain.Event)
}

// WebhookHandler receives Telegram updates pushed to
// POST /telegram/webhook/:secret.
//
// Updates are acknowledged as soon as they are decoded; handling continues on
// the Dispatcher so slow paced deliveries never hold the HTTP request and
// Telegram does not redeliver.
type WebhookHandler struct {
	secret   []byte
	decode   Decoder
	dispatch Dispatcher
}

// NewWebhookHandler builds a handler accepting only requests whose path
// secret equals secret.
func NewWebhookHandler(secret string, decode Decoder, dispatch Dispatcher) *WebhookHandler {
	return &WebhookHandler{secret: []byte(secret), decode: decode, dispatch: dispatch}
}

// Receive handles POST /telegram/webhook/:secret. A wrong secret answers 404
// as if the route did not exist. Update kinds the relay ignores are
// acknowledged with 200 so Telegram drops them.
func (h *WebhookHandler) Receive(c *gin.Context) {
	got := []byte(c.Param("secret"))
	if len(h.secret) == 0 || subtle.ConstantTimeCompare(got, h.secret) != 1 {
		webhookUpdates.WithLabelValues("forbidden").Inc()
		fail(c, http.StatusNotFound, ErrCodeNotFound, "resource not found")
		return
	}

	var u tgbotapi.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		webhookUpdates.WithLabelValues("invalid").Inc()
		fail(c, http.StatusBadRequest, ErrCodeInvalidUpdate, "malformed update")
		return
	}

	ev, accepted := h.decode(u)
	if !accepted {
		webhookUpdates.WithLabelValues("ignored").Inc()
		ok(c, http.StatusOK, gin.H{"ok": true})
		return
	}

	middleware.LoggerFrom(c).Debug().Int("update_id", u.UpdateID).Msg("update accepted")
	h.dispatch.Go(c.Request.Context(), u.UpdateID, ev)
	webhookUpdates.WithLabelValues("dispatched").Inc()
	ok(c, http.StatusOK, gin.H{"ok": true})
}
