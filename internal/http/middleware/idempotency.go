package middleware

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey names the request header carrying the client's key.
const HeaderIdempotencyKey = "Idempotency-Key"

const defaultMaxKeyLen = 50

// idemStateKey holds the *idemState of the current request.
const idemStateKey = "idempotency"

type idemState struct {
	key    string
	replay bool
}

func stateOf(c *gin.Context) *idemState {
	if v, ok := c.Get(idemStateKey); ok {
		if st, ok := v.(*idemState); ok {
			return st
		}
	}
	return nil
}

// GetIdempotencyKey returns the validated key, if the request carried one.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	st := stateOf(c)
	if st == nil || st.key == "" {
		return "", false
	}
	return st.key, true
}

// IsReplay reports whether a completed response is already stored for this
// principal and key. Such requests also skip the rate limiter.
func IsReplay(c *gin.Context) bool {
	st := stateOf(c)
	return st != nil && st.replay
}

var (
	errKeyTooLong = errors.New("idempotency key is too long")
	errKeyControl = errors.New("idempotency key contains control characters")
	errKeyPattern = errors.New("idempotency key has unsupported characters")
)

// IdempotencyOptions tunes IdempotencyValidator.
type IdempotencyOptions struct {
	MaxLen  int            // in characters; <= 0 means 50
	Pattern *regexp.Regexp // optional allow-list
	Now     func() time.Time
}

// IdempotencyLookup reports whether a completed, unexpired response exists
// for (principalID, key) at now.
type IdempotencyLookup func(ctx context.Context, principalID, key string, now time.Time) (exists bool, err error)

func (o IdempotencyOptions) check(key string) error {
	limit := o.MaxLen
	if limit <= 0 {
		limit = defaultMaxKeyLen
	}
	switch {
	case utf8.RuneCountInString(key) > limit:
		return errKeyTooLong
	case strings.IndexFunc(key, unicode.IsControl) >= 0:
		return errKeyControl
	case o.Pattern != nil && !o.Pattern.MatchString(key):
		return errKeyPattern
	}
	return nil
}

// IdempotencyValidator checks the Idempotency-Key header when present and
// records it for handlers. Invalid keys get a 400. When lookup finds a
// stored response the request is flagged as a replay. Lookup errors are
// logged and otherwise ignored; the service-level guard still decides.
//
// Storing and replaying responses is not done here.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if err := opts.check(key); err != nil {
			httpRejected.WithLabelValues(rejectBadIdempotencyKey).Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_idempotency_key",
				"message":    err.Error(),
			})
			return
		}

		st := &idemState{key: key}
		c.Set(idemStateKey, st)

		if pid := PrincipalID(c); lookup != nil && pid != "" {
			exists, err := lookup(c.Request.Context(), pid, key, now().UTC())
			if err != nil {
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			}
			st.replay = exists && err == nil
		}

		c.Next()
	}
}
