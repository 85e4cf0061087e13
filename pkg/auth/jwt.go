package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrMissingSubject = errors.New("token has no patient id")
)

// Claims identify the patient a booking session acts for.
type Claims struct {
	jwt.RegisteredClaims
	PatientID string `json:"patient_id"`
	Name      string `json:"name,omitempty"`
}

type JWTService interface {
	GenerateAccessToken(patientID, name string, ttl time.Duration) (string, error)
	ValidateToken(token string) (*Claims, error)
}

type hmacService struct {
	secret []byte
	issuer string
}

// NewJWTService signs and verifies HS256 tokens.
func NewJWTService(secret, issuer string) JWTService {
	return &hmacService{secret: []byte(secret), issuer: issuer}
}

func (s *hmacService) GenerateAccessToken(patientID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   patientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PatientID: patientID,
		Name:      name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *hmacService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.PatientID == "" {
		claims.PatientID = claims.Subject
	}
	if claims.PatientID == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
