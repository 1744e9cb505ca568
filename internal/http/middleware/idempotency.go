// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency for the generation endpoints. A create or
// edit runs the image model once and takes up to minutes, so a client retry
// after a dropped connection must not start a second generation. When a
// request carries an Idempotency-Key header:
//   - a stored 2xx response for (user, route, key) is replayed verbatim with
//     Idempotency-Replayed: true and the handler is skipped;
//   - otherwise the handler runs and a 2xx response is stored for replay.
//
// Only successful responses are stored. A failed generation reverts its
// record, so retrying it with the same key is a legitimate new attempt.
package middleware

import (
	"bytes"
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header that carries the key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotencyReplayed marks a response served from the ledger.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: true when a stored replay was served
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
)

// GetIdempotencyKey returns the validated key stashed by Idempotency.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the response was served from the ledger.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// StoredResponse is one response kept in the ledger.
type StoredResponse struct {
	Status int
	Body   []byte
}

// IdempotencyStore persists responses by (userID, scope, key). Lookup returns
// (nil, nil) when nothing valid is stored; expiry is the store's concern.
type IdempotencyStore interface {
	Lookup(ctx context.Context, userID, scope, key string, now time.Time) (*StoredResponse, error)
	Save(ctx context.Context, userID, scope, key string, resp StoredResponse) error
}

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// Idempotency validates the header, replays stored responses, and records new
// successful ones. Ledger failures are logged and never fail the request.
func Idempotency(opts IdempotencyOptions, store IdempotencyStore) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" || !unsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
				"data":    gin.H{"error": "invalid Idempotency-Key"},
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)
		if store == nil {
			c.Next()
			return
		}

		uid := userIDFromCtx(c)
		scope := c.FullPath()
		lg := LoggerFrom(c)

		prev, err := store.Lookup(c.Request.Context(), uid, scope, key, time.Now().UTC())
		if err != nil {
			lg.Warn().Err(err).Msg("idempotency lookup failed")
		}
		if prev != nil {
			c.Set(ctxKeyIdemReplay, true)
			c.Set(ctxKeyRateBypass, true)
			c.Header(HeaderIdempotencyReplayed, "true")
			c.Data(prev.Status, "application/json; charset=utf-8", prev.Body)
			c.Abort()
			return
		}

		rec := &recordingWriter{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status < 200 || status >= 300 {
			return
		}
		// The request context may already be cancelled by a departed client.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 5*time.Second)
		defer cancel()
		if err := store.Save(sctx, uid, scope, key, StoredResponse{Status: status, Body: rec.body.Bytes()}); err != nil {
			lg.Warn().Err(err).Msg("idempotency save failed")
		}
	}
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// recordingWriter tees the response body so it can be stored.
type recordingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *recordingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// userIDFromCtx returns the authenticated uid, or "anonymous" when the
// request was not authenticated.
func userIDFromCtx(c *gin.Context) string {
	if uid, ok := AuthenticatedUser(c); ok {
		return uid
	}
	return "anonymous"
}
