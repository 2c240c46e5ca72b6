package jwt

import (
	"errors"
	"time"

	"github.com/amoylab/imgate/internal/common/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidAlgorithm = errors.New("invalid signing algorithm")
	ErrEmptySecretKey   = errors.New("secret key cannot be empty")
	ErrWeakSecretKey    = errors.New("secret key must be at least 32 characters")
	ErrInvalidDuration  = errors.New("duration must be positive")
)

// Issuer is stamped on every operator token
const Issuer = "imgate"

// Claims identifies the operator calling the admin API
type Claims struct {
	Operator string `json:"operator"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// Service mints and checks operator tokens
type Service struct {
	config config.JWTConfig
	now    func() time.Time
}

// NewService creates a new JWT service
func NewService(cfg config.JWTConfig) (*Service, error) {
	if cfg.SecretKey == "" {
		return nil, ErrEmptySecretKey
	}
	if len(cfg.SecretKey) < 32 {
		return nil, ErrWeakSecretKey
	}
	if cfg.Duration <= 0 {
		return nil, ErrInvalidDuration
	}
	return &Service{config: cfg, now: time.Now}, nil
}

// GenerateToken signs a token for operator with the given scope
func (s *Service) GenerateToken(operator, scope string) (string, error) {
	now := s.now()
	claims := &Claims{
		Operator: operator,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   operator,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.Duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.config.SecretKey))
}

// ValidateToken parses tokenString and returns its claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidAlgorithm
		}
		return []byte(s.config.SecretKey), nil
	}, jwt.WithIssuer(Issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
