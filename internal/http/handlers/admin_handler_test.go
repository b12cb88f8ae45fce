package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
	"github.com/tbourn/go-deeplink-relay/internal/services"
)

const testToken = "q3Xv9_LkA0bZr2Tw"

// ----- Fake link service -----

type fakeLinks struct {
	links   map[string]domain.Link
	err     error
	deleted []string
}

func (f *fakeLinks) Get(_ context.Context, tok string) (domain.Link, error) {
	if f.err != nil {
		return domain.Link{}, f.err
	}
	l, ok := f.links[tok]
	if !ok {
		return domain.Link{}, services.ErrLinkNotFound
	}
	return l, nil
}

func (f *fakeLinks) Delete(_ context.Context, tok string) error {
	if f.err != nil {
		return f.err
	}
	if _, ok := f.links[tok]; !ok {
		return services.ErrLinkNotFound
	}
	delete(f.links, tok)
	f.deleted = append(f.deleted, tok)
	return nil
}

// ----- Fake stats -----

type fakeStats struct {
	s   repo.Stats
	err error
}

func (f fakeStats) Snapshot(context.Context) (repo.Stats, error) { return f.s, f.err }

func newAdminRouter(h *AdminHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/links/:token", h.GetLink)
	r.DELETE("/links/:token", h.RevokeLink)
	r.GET("/stats", h.GetStats)
	return r
}

func seededLinks() *fakeLinks {
	return &fakeLinks{links: map[string]domain.Link{
		testToken: {
			Token:     testToken,
			ChannelID: -1001,
			Title:     "Season 1",
			CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Items: []domain.LinkItem{
				{Token: testToken, Position: 0, MessageID: 10, Kind: domain.ItemKindPoster},
				{Token: testToken, Position: 1, MessageID: 11, Kind: domain.ItemKindMedia},
			},
		},
	}}
}

func serve(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestGetLink(t *testing.T) {
	h := &AdminHandler{Links: seededLinks(), DeepLink: func(tok string) string { return "https://t.me/relay_bot?start=" + tok }}
	w := serve(newAdminRouter(h), http.MethodGet, "/links/"+testToken)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var got LinkResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if got.DeepLink != "https://t.me/relay_bot?start="+testToken || got.ChannelID != -1001 || got.Title != "Season 1" {
		t.Fatalf("unexpected link: %+v", got)
	}
	if len(got.Items) != 2 || got.Items[0] != (LinkItemResponse{0, 10, "poster"}) || got.Items[1] != (LinkItemResponse{1, 11, "media"}) {
		t.Fatalf("unexpected items: %+v", got.Items)
	}
}

func TestGetLink_Errors(t *testing.T) {
	tests := []struct {
		name  string
		links *fakeLinks
		path  string
		want  int
		code  string
	}{
		{"malformed token", seededLinks(), "/links/short", http.StatusNotFound, ErrCodeNotFound},
		{"unknown token", seededLinks(), "/links/AAAAAAAAAAAAAAAA", http.StatusNotFound, ErrCodeNotFound},
		{"store failure", &fakeLinks{err: errors.New("db down")}, "/links/" + testToken, http.StatusInternalServerError, ErrCodeLookupFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(newAdminRouter(&AdminHandler{Links: tt.links}), http.MethodGet, tt.path)
			if w.Code != tt.want {
				t.Fatalf("status = %d; want %d", w.Code, tt.want)
			}
			var er ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil || er.Code != tt.code {
				t.Fatalf("body = %s (err %v)", w.Body.String(), err)
			}
		})
	}
}

func TestRevokeLink(t *testing.T) {
	links := seededLinks()
	r := newAdminRouter(&AdminHandler{Links: links})

	if w := serve(r, http.MethodDelete, "/links/"+testToken); w.Code != http.StatusNoContent {
		t.Fatalf("first revoke = %d", w.Code)
	}
	if len(links.deleted) != 1 || links.deleted[0] != testToken {
		t.Fatalf("deleted = %v", links.deleted)
	}
	if w := serve(r, http.MethodDelete, "/links/"+testToken); w.Code != http.StatusNotFound {
		t.Fatalf("second revoke = %d", w.Code)
	}
	if w := serve(r, http.MethodDelete, "/links/bad!"); w.Code != http.StatusNotFound {
		t.Fatalf("malformed revoke = %d", w.Code)
	}

	failing := newAdminRouter(&AdminHandler{Links: &fakeLinks{err: errors.New("db down")}})
	if w := serve(failing, http.MethodDelete, "/links/"+testToken); w.Code != http.StatusInternalServerError {
		t.Fatalf("failing revoke = %d", w.Code)
	}
}

func TestGetStats(t *testing.T) {
	want := repo.Stats{Links: 3, StagingEntries: 1, StagedItems: 4, DeletionsScheduled: 6, DeletionsFailed: 1}
	w := serve(newAdminRouter(&AdminHandler{Stats: fakeStats{s: want}}), http.MethodGet, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got repo.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("json: %v", err)
	}
	if got != want {
		t.Fatalf("stats = %+v; want %+v", got, want)
	}

	w = serve(newAdminRouter(&AdminHandler{Stats: fakeStats{err: errors.New("boom")}}), http.MethodGet, "/stats")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("failing stats = %d", w.Code)
	}
}
