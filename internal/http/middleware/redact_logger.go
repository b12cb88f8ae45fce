package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const maxQueryLogLength = 2048

// RedactOptions configures RedactingLogger.
//
// MaskHeaders are masked in addition to Authorization, Cookie, Set-Cookie,
// X-Admin-Key and X-Telegram-Bot-Api-Secret-Token. Secrets are literal values
// (the webhook path secret, the bot token) replaced wherever they appear in
// the logged path or query.
type RedactOptions struct {
	MaskHeaders []string
	Secrets     []string
}

var (
	// botTokenRE matches Telegram bot tokens ("<bot id>:<35 chars>").
	botTokenRE = regexp.MustCompile(`\d{6,12}:[A-Za-z0-9_-]{30,}`)
	uuidRE     = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}\b`)
	emailRE    = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
)

// scrubber replaces configured secrets and well-known sensitive shapes.
type scrubber struct {
	secrets []string
}

func newScrubber(secrets []string) scrubber {
	s := scrubber{}
	for _, v := range secrets {
		if v = strings.TrimSpace(v); v != "" {
			s.secrets = append(s.secrets, v)
		}
	}
	return s
}

func (s scrubber) scrub(v string) string {
	if v == "" {
		return v
	}
	for _, sec := range s.secrets {
		v = strings.ReplaceAll(v, sec, "[REDACTED]")
	}
	// Tokens before UUIDs and emails; a token's tail can contain either shape.
	v = botTokenRE.ReplaceAllString(v, "[REDACTED:token]")
	v = uuidRE.ReplaceAllString(v, "[REDACTED:id]")
	v = emailRE.ReplaceAllString(v, "[REDACTED:email]")
	return v
}

// RedactingLogger writes one structured access log line per request and
// attaches a request-scoped logger (see LoggerFrom) carrying the request ID,
// method and scrubbed path. Bodies are never logged.
//
// Level follows the outcome: error for 5xx or recorded Gin errors, warn for
// 4xx, info otherwise.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	sc := newScrubber(opts.Secrets)
	mask := map[string]struct{}{
		"authorization":                   {},
		"cookie":                          {},
		"set-cookie":                      {},
		"x-admin-key":                     {},
		"x-telegram-bot-api-secret-token": {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			mask[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		// The route pattern is safe as is; raw paths (unmatched routes) may
		// carry a guessed or stale webhook secret.
		path := c.FullPath()
		if path == "" {
			path = sc.scrub(c.Request.URL.Path)
		}

		headers := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := mask[strings.ToLower(k)]; ok {
				headers[k] = "[REDACTED]"
				continue
			}
			headers[k] = sc.scrub(strings.Join(vv, ", "))
		}

		l := log.With().
			Str("request_id", c.GetString(requestIDKey)).
			Str("method", c.Request.Method).
			Str("path", path).
			Logger()
		c.Set(loggerKey, &l)

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = l.Error()
			if len(c.Errors) > 0 {
				ev = ev.Str("errors", sc.scrub(c.Errors.String()))
			}
		case status >= 400:
			ev = l.Warn()
		}

		ev.
			Str("query", truncate(sc.scrub(c.Request.URL.RawQuery), maxQueryLogLength)).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int64("bytes_in", c.Request.ContentLength).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", headers).
			Msg("http_request")
	}
}

// truncate cuts s to max bytes plus an ellipsis. max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
