package httpapi

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-deeplink-relay/internal/config"
	"github.com/tbourn/go-deeplink-relay/internal/domain"
	"github.com/tbourn/go-deeplink-relay/internal/http/handlers"
	"github.com/tbourn/go-deeplink-relay/internal/repo"
	"github.com/tbourn/go-deeplink-relay/internal/services"
	"github.com/tbourn/go-deeplink-relay/internal/telegram"
)

const (
	testSecret   = "hook-s3cret"
	testAdminKey = "admin-k3y"
	testToken    = "q3Xv9_LkA0bZr2Tw"
)

// ----- Fakes -----

type fakeProbe struct {
	st  services.LifecycleStats
	err error
}

func (p fakeProbe) Stats(context.Context) (services.LifecycleStats, error) { return p.st, p.err }

type fakeLinks struct{}

func (fakeLinks) Get(_ context.Context, tok string) (domain.Link, error) {
	if tok != testToken {
		return domain.Link{}, services.ErrLinkNotFound
	}
	return domain.Link{Token: tok, ChannelID: -1001, Items: []domain.LinkItem{{MessageID: 7, Kind: domain.ItemKindMedia}}}, nil
}

func (fakeLinks) Delete(context.Context, string) error { return nil }

type fakeStats struct{}

func (fakeStats) Snapshot(context.Context) (repo.Stats, error) { return repo.Stats{Links: 2}, nil }

type countingDispatcher struct{ n int }

func (d *countingDispatcher) Go(context.Context, int, domain.Event) { d.n++ }

func testConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		AdminAPIKey: testAdminKey,
		Bot:         config.BotConfig{Token: "123456789:AAFakeTokenValueForTests_abcdefghijklmn", WebhookSecret: testSecret},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

func newTestRouter(t *testing.T, cfg config.Config, deps Deps) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, deps, cfg)
	return r
}

func fullDeps(d handlers.Dispatcher) Deps {
	return Deps{
		Webhook: handlers.NewWebhookHandler(testSecret, telegram.DecodeUpdate, d),
		Admin:   &handlers.AdminHandler{Links: fakeLinks{}, Stats: fakeStats{}, DeepLink: func(tok string) string { return "https://t.me/relay_bot?start=" + tok }},
		Health:  fakeProbe{st: services.LifecycleStats{Scheduled: 3}},
	}
}

func do(r http.Handler, method, path string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, body)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_PublicEndpoints(t *testing.T) {
	r := newTestRouter(t, testConfig(), fullDeps(&countingDispatcher{}))

	w := do(r, http.MethodGet, "/", nil, nil)
	if w.Code != http.StatusOK || w.Body.String() != "Bot running" {
		t.Fatalf("GET / = %d %q", w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	var h struct {
		Status    string                  `json:"status"`
		Deletions services.LifecycleStats `json:"deletions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil || h.Status != "ok" || h.Deletions.Scheduled != 3 {
		t.Fatalf("health body %s (err %v)", w.Body.String(), err)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}

	w = do(r, http.MethodGet, "/metrics", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "relay_http_requests_total") {
		t.Fatalf("GET /metrics = %d", w.Code)
	}

	if w := do(r, http.MethodGet, "/nope", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/health", nil, nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/swagger/index.html", nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("swagger served while disabled: %d", w.Code)
	}
}

func TestRegisterRoutes_HealthUnavailable(t *testing.T) {
	deps := fullDeps(&countingDispatcher{})
	deps.Health = fakeProbe{err: errors.New("database is locked")}
	r := newTestRouter(t, testConfig(), deps)

	w := do(r, http.MethodGet, "/health", nil, nil)
	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), `"code":"unavailable"`) {
		t.Fatalf("GET /health = %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_Webhook(t *testing.T) {
	d := &countingDispatcher{}
	r := newTestRouter(t, testConfig(), fullDeps(d))
	body := `{"update_id":1,"message":{"message_id":1,"date":0,"chat":{"id":5,"type":"private"},"text":"/start"}}`
	hdr := map[string]string{"Content-Type": "application/json"}

	if w := do(r, http.MethodPost, "/telegram/webhook/"+testSecret, strings.NewReader(body), hdr); w.Code != http.StatusOK {
		t.Fatalf("webhook = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/telegram/webhook/wrong", strings.NewReader(body), hdr); w.Code != http.StatusNotFound {
		t.Fatalf("wrong secret = %d", w.Code)
	}
	// Webhook traffic is not rate limited; burst is 10.
	for i := 0; i < 15; i++ {
		if w := do(r, http.MethodPost, "/telegram/webhook/"+testSecret, strings.NewReader(body), hdr); w.Code != http.StatusOK {
			t.Fatalf("webhook %d = %d", i, w.Code)
		}
	}
	if d.n != 16 {
		t.Fatalf("dispatched %d; want 16", d.n)
	}

	big := `{"update_id":1,"message":{"text":"` + strings.Repeat("x", maxBodyBytes) + `"}}`
	if w := do(r, http.MethodPost, "/telegram/webhook/"+testSecret, strings.NewReader(big), hdr); w.Code != http.StatusBadRequest {
		t.Fatalf("oversized update = %d", w.Code)
	}
}

func TestRegisterRoutes_PollingModeHasNoWebhook(t *testing.T) {
	deps := fullDeps(&countingDispatcher{})
	deps.Webhook = nil
	r := newTestRouter(t, testConfig(), deps)
	if w := do(r, http.MethodPost, "/telegram/webhook/"+testSecret, strings.NewReader(`{}`), nil); w.Code != http.StatusNotFound {
		t.Fatalf("webhook in polling mode = %d", w.Code)
	}
}

func TestRegisterRoutes_AdminAPI(t *testing.T) {
	r := newTestRouter(t, testConfig(), fullDeps(&countingDispatcher{}))
	auth := map[string]string{"X-Admin-Key": testAdminKey}

	if w := do(r, http.MethodGet, "/api/v1/stats", nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("stats without key = %d", w.Code)
	}

	w := do(r, http.MethodGet, "/api/v1/stats", nil, auth)
	if w.Code != http.StatusOK || w.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("stats = %d %v", w.Code, w.Header())
	}

	w = do(r, http.MethodGet, "/api/v1/links/"+testToken, nil, map[string]string{"X-Admin-Key": testAdminKey, "Accept-Encoding": "gzip"})
	if w.Code != http.StatusOK || w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("link = %d encoding %q", w.Code, w.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	raw, _ := io.ReadAll(zr)
	if !strings.Contains(string(raw), `"deep_link":"https://t.me/relay_bot?start=`+testToken+`"`) {
		t.Fatalf("link body %s", raw)
	}

	if w := do(r, http.MethodDelete, "/api/v1/links/"+testToken, nil, auth); w.Code != http.StatusNoContent {
		t.Fatalf("revoke = %d", w.Code)
	}
}

func TestRegisterRoutes_AdminRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 2
	r := newTestRouter(t, cfg, fullDeps(&countingDispatcher{}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(r, http.MethodGet, "/api/v1/stats", nil, map[string]string{"X-Admin-Key": "guess"}).Code)
	}
	// Failed key guesses draw from the same bucket.
	if codes[0] != http.StatusUnauthorized || codes[1] != http.StatusUnauthorized || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestRegisterRoutes_AdminDisabledWithoutKey(t *testing.T) {
	cfg := testConfig()
	cfg.AdminAPIKey = ""
	r := newTestRouter(t, cfg, fullDeps(&countingDispatcher{}))
	if w := do(r, http.MethodGet, "/api/v1/stats", nil, map[string]string{"X-Admin-Key": ""}); w.Code != http.StatusNotFound {
		t.Fatalf("admin API mounted without key: %d", w.Code)
	}
}

func TestRegisterRoutes_SwaggerAndCORSAllowlist(t *testing.T) {
	cfg := testConfig()
	cfg.SwaggerEnabled = true
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"https://ops.example.com"}}
	r := newTestRouter(t, cfg, fullDeps(&countingDispatcher{}))

	w := do(r, http.MethodGet, "/health", nil, map[string]string{"Origin": "https://ops.example.com"})
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Fatalf("CORS echo: %d %q", w.Code, w.Header().Get("Access-Control-Allow-Origin"))
	}

	w = do(r, http.MethodGet, "/swagger/doc.json", nil, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "/api/v1") || !strings.Contains(w.Body.String(), "getLink") {
		t.Fatalf("swagger doc = %d", w.Code)
	}
}

func Test_limitBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	if w := do(r, http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB"), nil); w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/echo", bytes.NewBufferString("0123"), nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		w := do(r, http.MethodGet, path, nil, nil)
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
