package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/lab-booking/pkg/auth"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/httputil"
)

const (
	ContextPatientID   = "patientID"
	ContextPatientName = "patientName"
)

type AuthMiddleware struct {
	jwt auth.JWTService
}

// NewAuthMiddleware returns a middleware that verifies patient tokens. With
// a nil service every request passes as an anonymous patient.
func NewAuthMiddleware(jwt auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{jwt: jwt}
}

// Authenticate verifies the JWT token and sets the patient in context
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.jwt == nil {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			m.reject(c, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.reject(c, "invalid authorization format")
			return
		}

		claims, err := m.jwt.ValidateToken(parts[1])
		if err != nil {
			m.reject(c, "invalid token")
			return
		}

		c.Set(ContextPatientID, claims.PatientID)
		c.Set(ContextPatientName, claims.Name)
		c.Request = c.Request.WithContext(httputil.WithPatientID(c.Request.Context(), claims.PatientID))
		c.Next()
	}
}

func (m *AuthMiddleware) reject(c *gin.Context, reason string) {
	appErr := errors.Unauthorized(nil)
	appErr.Message = reason
	httputil.RespondWithError(c, appErr)
	c.Abort()
}

// PatientID returns the authenticated patient, or "" when auth is off.
func PatientID(c *gin.Context) string {
	return c.GetString(ContextPatientID)
}
