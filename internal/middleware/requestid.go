package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-ID"
	requestIDKey    = "request_id"
)

// RequestID tags every request with a UUID, reusing the client's
// X-Request-ID only when it is itself a valid UUID. The ID ends up in
// temp file names, so arbitrary client strings are never trusted.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := ""
		if incoming, err := uuid.Parse(c.GetHeader(RequestIDHeader)); err == nil {
			id = incoming.String()
		} else {
			id = uuid.NewString()
		}

		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the ID set by RequestID, or "" outside of it.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
