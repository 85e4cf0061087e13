package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/lab-booking/pkg/httputil"
)

const (
	HeaderXRequestID = httputil.HeaderRequestID
	ContextRequestID = "request_id"
)

// RequestID adds a unique request ID to each request and carries it on the
// request context so backend calls forward it.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderXRequestID)
		if rid == "" {
			rid = uuid.New().String()
		}

		c.Set(ContextRequestID, rid)
		c.Header(HeaderXRequestID, rid)
		c.Request = c.Request.WithContext(httputil.WithRequestID(c.Request.Context(), rid))
		c.Next()
	}
}
