package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("secret", "lab-booking")
	token, err := svc.GenerateAccessToken("patient-1", "Asha", time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "patient-1", claims.PatientID)
	assert.Equal(t, "Asha", claims.Name)
}

func TestValidateRejects(t *testing.T) {
	svc := NewJWTService("secret", "lab-booking")

	expired, err := svc.GenerateAccessToken("patient-1", "", -time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	otherKey, err := NewJWTService("other", "lab-booking").GenerateAccessToken("patient-1", "", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(otherKey)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewJWTService("secret", "someone-else").GenerateAccessToken("patient-1", "", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSubjectFallbackAndMissingSubject(t *testing.T) {
	svc := NewJWTService("secret", "")

	sign := func(c jwt.Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte("secret"))
		require.NoError(t, err)
		return s
	}

	claims, err := svc.ValidateToken(sign(jwt.RegisteredClaims{Subject: "patient-7"}))
	require.NoError(t, err)
	assert.Equal(t, "patient-7", claims.PatientID)

	_, err = svc.ValidateToken(sign(jwt.RegisteredClaims{}))
	assert.ErrorIs(t, err, ErrMissingSubject)
}
