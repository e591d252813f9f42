package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"dumende-payments/service"
)

// SessionCookie scopes ledger entries and checkout flows to one browser
const SessionCookie = "dumende_checkout_session"

const sessionContextKey = "checkout_session"

// SessionMiddleware issues the checkout session cookie when the request
// carries none (or a malformed one). The cookie is SameSite=Lax so it is
// still sent on the top-level navigation back from the bank.
func SessionMiddleware(secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(SessionCookie)
		if err != nil || !validSession(id) {
			id = uuid.NewString()
			c.SetSameSite(http.SameSiteLaxMode)
			c.SetCookie(SessionCookie, id, 0, "/", "", secure, true)
		}
		c.Set(sessionContextKey, id)
		c.Next()
	}
}

func validSession(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.Version() == 4
}

func sessionID(c *gin.Context) string {
	return c.GetString(sessionContextKey)
}

// AuthorizationMiddleware forwards the caller's Authorization header to
// backend calls made for this request.
func AuthorizationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth := c.GetHeader("Authorization"); auth != "" {
			c.Request = c.Request.WithContext(service.WithAuthorization(c.Request.Context(), auth))
		}
		c.Next()
	}
}
