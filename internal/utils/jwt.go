package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rajivgeraev/aski-chat/internal/models"
)

// ErrNoUserID is returned when a token carries no user identifier
var ErrNoUserID = errors.New("token has no user id")

// JWTService issues and validates local API tokens
type JWTService struct {
	secretKey string
	ttl       time.Duration
}

// NewJWTService creates a JWTService
func NewJWTService(secretKey string) *JWTService {
	return &JWTService{secretKey: secretKey, ttl: 24 * time.Hour}
}

// GenerateToken issues a token for userID
func (s *JWTService) GenerateToken(userID string) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(s.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secretKey))
}

// ValidateToken checks the signature and expiry of a token
func (s *JWTService) ValidateToken(tokenString string) (*jwt.Token, error) {
	return jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.secretKey), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
}

// ExtractUserID validates a token and returns its user_id claim
func (s *JWTService) ExtractUserID(tokenString string) (string, error) {
	token, err := s.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrNoUserID
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", ErrNoUserID
	}
	return userID, nil
}

// IdentityFromToken reads the session user from the backend token claims.
// The token is signed with the backend key, so only its claims are read.
func IdentityFromToken(tokenString string) (models.User, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return models.User{}, fmt.Errorf("parse session token: %w", err)
	}

	user := models.User{
		ID:     firstClaim(claims, "user_id", "userId", "id", "_id", "sub"),
		Name:   firstClaim(claims, "name", "username"),
		Email:  firstClaim(claims, "email"),
		Avatar: firstClaim(claims, "avatar"),
	}
	if user.ID == "" {
		return models.User{}, ErrNoUserID
	}
	return user, nil
}

func firstClaim(claims jwt.MapClaims, keys ...string) string {
	for _, key := range keys {
		if value, ok := claims[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}
