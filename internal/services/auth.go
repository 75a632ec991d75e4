package services

import (
	"fmt"
	"time"

	"together-backend/internal/clock"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenTTL = 365 * 24 * time.Hour

// Identity is an anonymous user id with its bearer token
type Identity struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// AuthService issues and validates HS256 bearer tokens carrying the user id
type AuthService struct {
	secret []byte
	clock  clock.Clock
}

// NewAuthService creates a new auth service
func NewAuthService(secret string, clk clock.Clock) *AuthService {
	return &AuthService{secret: []byte(secret), clock: clk}
}

// NewIdentity creates a fresh anonymous user
func (s *AuthService) NewIdentity() (*Identity, error) {
	userID := uuid.New().String()
	token, err := s.GenerateToken(userID)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: userID, Token: token}, nil
}

// GenerateToken signs a token for userID
func (s *AuthService) GenerateToken(userID string) (string, error) {
	now := s.clock.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(tokenTTL).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token and returns the user id
func (s *AuthService) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now))
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user_id not found in token")
	}
	return userID, nil
}
