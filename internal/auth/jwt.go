package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/pkg/crypto"
)

const issuer = "lorawan-node"

// ErrInvalidCredentials is returned by Login for a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// JWTManager issues and checks operator tokens for the diagnostics API.
type JWTManager struct {
	config       *config.JWTConfig
	passwordHash string
	now          func() time.Time
}

// NewJWTManager creates a new JWT manager. passwordHash is the bcrypt hash
// of the operator password.
func NewJWTManager(cfg *config.JWTConfig, passwordHash string) *JWTManager {
	return &JWTManager{
		config:       cfg,
		passwordHash: passwordHash,
		now:          time.Now,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	DevEUI string `json:"dev_eui"`
}

// Login checks password and returns a signed access token.
func (m *JWTManager) Login(password, devEUI string) (string, error) {
	if m.passwordHash == "" || !crypto.VerifyPassword(password, m.passwordHash) {
		return "", ErrInvalidCredentials
	}
	return m.GenerateToken(devEUI)
}

// GenerateToken signs an access token for the operator.
func (m *JWTManager) GenerateToken(devEUI string) (string, error) {
	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		DevEUI: devEUI,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return s, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// TTL returns the access token lifetime.
func (m *JWTManager) TTL() time.Duration {
	return m.config.AccessTokenTTL
}
