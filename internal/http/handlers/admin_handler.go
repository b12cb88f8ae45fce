package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
	"github.com/tbourn/go-deeplink-relay/internal/services"
	"github.com/tbourn/go-deeplink-relay/internal/token"
)

// LinkService is the slice of services.LinkStore the admin API needs.
type LinkService interface {
	Get(ctx context.Context, token string) (domain.Link, error)
	Delete(ctx context.Context, token string) error
}

// StatsService reports stored-state counters.
type StatsService interface {
	Snapshot(ctx context.Context) (repo.Stats, error)
}

// AdminHandler serves the operator admin API. All routes sit behind the
// admin key middleware.
type AdminHandler struct {
	Links LinkService
	Stats StatsService
	// DeepLink renders the shareable URL for a token.
	DeepLink func(token string) string
}

// LinkItemResponse is one item of a link, in delivery order.
type LinkItemResponse struct {
	Position  int    `json:"position"   example:"0"`
	MessageID int    `json:"message_id" example:"1042"`
	Kind      string `json:"kind"       example:"poster"`
}

// LinkResponse describes a stored deep link.
type LinkResponse struct {
	Token     string             `json:"token"      example:"q3Xv9_LkA0bZr2Tw"`
	DeepLink  string             `json:"deep_link"  example:"https://t.me/relay_bot?start=q3Xv9_LkA0bZr2Tw"`
	ChannelID int64              `json:"channel_id" example:"-1001234567890"`
	Title     string             `json:"title"      example:"Season 1"`
	CreatedAt time.Time          `json:"created_at"`
	Items     []LinkItemResponse `json:"items"`
}

func toLinkResponse(l domain.Link, deepLink string) LinkResponse {
	items := make([]LinkItemResponse, 0, len(l.Items))
	for _, it := range l.Items {
		items = append(items, LinkItemResponse{Position: it.Position, MessageID: it.MessageID, Kind: string(it.Kind)})
	}
	return LinkResponse{
		Token:     l.Token,
		DeepLink:  deepLink,
		ChannelID: l.ChannelID,
		Title:     l.Title,
		CreatedAt: l.CreatedAt,
		Items:     items,
	}
}

// GetLink godoc
// @ID           getLink
// @Summary      Inspect a deep link
// @Description  Returns the channel, title and ordered items a token resolves to.
// @Tags         links
// @Produce      json
// @Security     AdminKey
// @Param        token  path  string  true  "Link token"
// @Success      200  {object}  LinkResponse
// @Failure      401  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      429  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /links/{token} [get]
func (h *AdminHandler) GetLink(c *gin.Context) {
	tok := c.Param("token")
	if !token.Valid(tok) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "link not found")
		return
	}
	l, err := h.Links.Get(c.Request.Context(), tok)
	switch {
	case errors.Is(err, services.ErrLinkNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "link not found")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeLookupFailed, "could not load link")
		return
	}
	deepLink := ""
	if h.DeepLink != nil {
		deepLink = h.DeepLink(l.Token)
	}
	ok(c, http.StatusOK, toLinkResponse(l, deepLink))
}

// RevokeLink godoc
// @ID           revokeLink
// @Summary      Revoke a deep link
// @Description  Deletes the token so later activations report an invalid link. Messages already delivered keep their scheduled deletions.
// @Tags         links
// @Produce      json
// @Security     AdminKey
// @Param        token  path  string  true  "Link token"
// @Success      204
// @Failure      401  {object}  ErrorResponse
// @Failure      404  {object}  ErrorResponse
// @Failure      429  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /links/{token} [delete]
func (h *AdminHandler) RevokeLink(c *gin.Context) {
	tok := c.Param("token")
	if !token.Valid(tok) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "link not found")
		return
	}
	err := h.Links.Delete(c.Request.Context(), tok)
	switch {
	case errors.Is(err, services.ErrLinkNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "link not found")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeRevokeFailed, "could not revoke link")
	default:
		noContent(c)
	}
}

// GetStats godoc
// @ID           getStats
// @Summary      Stored-state counters
// @Description  Counts links, staged entries and items, and scheduled deletions by state.
// @Tags         stats
// @Produce      json
// @Security     AdminKey
// @Success      200  {object}  repo.Stats
// @Failure      401  {object}  ErrorResponse
// @Failure      429  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /stats [get]
func (h *AdminHandler) GetStats(c *gin.Context) {
	s, err := h.Stats.Snapshot(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeStatsFailed, "could not load stats")
		return
	}
	ok(c, http.StatusOK, s)
}
