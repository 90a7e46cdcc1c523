package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAdminID carries the operator identity when no upstream
// authentication middleware has set one (development and tests).
const HeaderAdminID = "X-Admin-ID"

// principalKey is where upstream authentication leaves the caller's ID.
const principalKey = "userID"

// AuthenticatedID returns the identity set by upstream authentication, or "".
// Unlike PrincipalID it never trusts a request header.
func AuthenticatedID(c *gin.Context) string {
	return c.GetString(principalKey)
}

// PrincipalID returns the identity that idempotency keys are scoped to, or ""
// for anonymous requests.
func PrincipalID(c *gin.Context) string {
	if s := AuthenticatedID(c); s != "" {
		return s
	}
	if c.Request == nil {
		return ""
	}
	return strings.TrimSpace(c.Request.Header.Get(HeaderAdminID))
}
