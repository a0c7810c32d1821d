// Package auth validates operator credentials: HS256 JWTs and a
// bcrypt-hashed static API key.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/notifyq/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Authentication errors.
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrInvalidRole   = errors.New("invalid role")
)

const apiKeyPrincipal = "api-key"

// Config holds authenticator configuration.
type Config struct {
	JWTSecret  string
	APIKeyHash string
	// APIKeyRole is granted to requests presenting the API key.
	APIKeyRole domain.Role
	Issuer     string
}

// Claims are the JWT claims accepted by the control API.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator implements httputil.TokenValidator.
type Authenticator struct {
	config Config
	now    func() time.Time
}

// NewAuthenticator creates an authenticator. At least one credential must be set.
func NewAuthenticator(config Config) (*Authenticator, error) {
	if config.JWTSecret == "" && config.APIKeyHash == "" {
		return nil, errors.New("auth: jwt secret or api key hash is required")
	}
	if config.APIKeyRole == "" {
		config.APIKeyRole = domain.RoleOperator
	}
	if !config.APIKeyRole.IsValid() {
		return nil, fmt.Errorf("auth: %w: %s", ErrInvalidRole, config.APIKeyRole)
	}
	return &Authenticator{config: config, now: time.Now}, nil
}

// ValidateToken parses and verifies an HS256 token and returns its subject and role.
func (a *Authenticator) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	if a.config.JWTSecret == "" {
		return "", "", ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.config.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(a.config.JWTSecret), nil
	}, opts...)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !claims.Role.IsValid() {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRole, claims.Role)
	}

	return claims.Subject, claims.Role, nil
}

// ValidateAPIKey compares key with the configured bcrypt hash.
func (a *Authenticator) ValidateAPIKey(_ context.Context, key string) (string, domain.Role, error) {
	if a.config.APIKeyHash == "" {
		return "", "", ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.config.APIKeyHash), []byte(key)); err != nil {
		return "", "", ErrInvalidAPIKey
	}
	return apiKeyPrincipal, a.config.APIKeyRole, nil
}

// IssueToken signs a token for subject with role, valid for ttl.
func (a *Authenticator) IssueToken(subject string, role domain.Role, ttl time.Duration) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("auth: jwt secret not configured")
	}
	if !role.IsValid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}

	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// HashAPIKey returns the bcrypt hash to put in auth.api_key_hash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}
