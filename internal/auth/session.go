// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role claim required for operator endpoints.
const RoleAdmin = "admin"

// ErrNoVerifier is returned when a token is checked before Init.
var ErrNoVerifier = errors.New("auth: verification key not initialised")

// privateKey and publicKey are used for signing and verifying JWT tokens.
// privateKey is nil when only a public key was loaded.
var (
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// tokenTTL is how long tokens minted by CreateJWT stay valid (0 => no exp).
	tokenTTL time.Duration
)

// Identity is what a verified token says about its bearer.
type Identity struct {
	Subject string
	Name    string
	Role    string
}

// IsAdmin reports whether the bearer may use operator endpoints.
func (id Identity) IsAdmin() bool {
	return id.Role == RoleAdmin
}

// parseTokenTTL reads TOKEN_EXPIRE_TIME ("never", "0", "" or a Go duration).
func parseTokenTTL() error {
	duration := os.Getenv("TOKEN_EXPIRE_TIME")
	if duration == "never" || duration == "0" || duration == "" {
		tokenTTL = 0
		return nil
	}
	d, err := time.ParseDuration(duration)
	if err != nil {
		return fmt.Errorf("failed to parse token expire time: %w", err)
	}
	tokenTTL = d
	return nil
}

// Init generates a fresh ed25519 key pair at runtime. Tokens minted with
// CreateJWT are then the only ones accepted, which suits local development.
func Init() error {
	var err error
	publicKey, privateKey, err = ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return parseTokenTTL()
}

// InitFromPath loads the token issuer's ed25519 public key from publicPath,
// either PEM encoded or as the raw 32 key bytes. Tokens can be verified but
// not minted afterwards.
func InitFromPath(publicPath string) error {
	data, err := os.ReadFile(publicPath)
	if err != nil {
		return fmt.Errorf("failed to read public key file: %w", err)
	}

	if len(data) == ed25519.PublicKeySize {
		publicKey = ed25519.PublicKey(data)
	} else {
		key, err := jwt.ParseEdPublicKeyFromPEM(data)
		if err != nil {
			return fmt.Errorf("failed to parse public key: %w", err)
		}
		edKey, ok := key.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("public key is not ed25519")
		}
		publicKey = edKey
	}
	privateKey = nil
	return parseTokenTTL()
}

// CreateJWT signs a token with "sub" = subject plus any extra claims
// (for example "name" or "role").
func CreateJWT(subject string, extra map[string]interface{}) (string, error) {
	if privateKey == nil {
		return "", fmt.Errorf("auth: no signing key loaded")
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	if tokenTTL > 0 {
		claims["exp"] = time.Now().Add(tokenTTL).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// AuthenticateJWT verifies a JWT string and returns the identity it carries.
func AuthenticateJWT(tokenString string) (Identity, error) {
	if publicKey == nil {
		return Identity{}, ErrNoVerifier
	}
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, fmt.Errorf("empty token")
	}

	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("invalid jwt claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Identity{}, fmt.Errorf("missing sub in jwt")
	}
	id := Identity{Subject: sub}
	id.Name, _ = claims["name"].(string)
	id.Role, _ = claims["role"].(string)
	return id, nil
}
