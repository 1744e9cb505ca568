// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. It attaches a
// request-scoped zerolog.Logger for handlers and emits one structured line per
// request with obvious PII and credentials scrubbed from request metadata.
//
//   - Bodies are never logged; source images travel in them as data URIs.
//   - Emails, phone numbers, inline base64 payloads, and signed-URL query
//     parameters are replaced with markers.
//   - Authorization, Cookie, Set-Cookie, and configured headers are masked.
//   - Route identifiers (userId, generationId, versionId) are logged as
//     fields so a single generation can be followed across requests.
//
// Severity follows the outcome: info, warn for 4xx, error for 5xx.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are extra header names (case-insensitive) whose values are
	// replaced with "[REDACTED]".
	MaskHeaders []string
}

var (
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits only, so hex ids are left alone.
	phoneRE   = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
	dataURIRE = regexp.MustCompile(`(?i)data:[a-z]+/[a-z0-9.+\-]+;base64,[a-z0-9+/=%]+`)
	// Signed storage URLs and Firebase download tokens.
	signedParamRE = regexp.MustCompile(`(?i)\b(token|x-goog-signature|x-goog-credential|signature|key)=[^&\s]+`)
)

func redact(s string) string {
	if s == "" {
		return s
	}
	s = dataURIRE.ReplaceAllString(s, "[REDACTED:data-uri]")
	s = signedParamRE.ReplaceAllString(s, "$1=[REDACTED]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return phoneRE.ReplaceAllString(s, "[REDACTED:phone]")
}

// RedactingLogger returns the access-log middleware. Place it after
// RequestID so every line carries the correlation id.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			maskHeaders[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		rid, _ := c.Get(requestIDKey)

		lc := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path)
		for _, p := range []string{"userId", "generationId", "versionId"} {
			if v := c.Param(p); v != "" {
				lc = lc.Str(p, v)
			}
		}
		l := lc.Logger()
		c.Set("logger", &l)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := maskHeaders[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = redact(strings.Join(vv, ", "))
		}
		query := redact(truncate(c.Request.URL.RawQuery, maxQueryLogLength))

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case status >= 500 || len(c.Errors) > 0:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		if uid, ok := AuthenticatedUser(c); ok {
			ev = ev.Str("uid", uid)
		}
		if IsReplay(c) {
			ev = ev.Bool("replay", true)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.
			Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
