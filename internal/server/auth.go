// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/archflow/archflow/pkg/errors"
)

// ScopeRunsWrite is the scope every mutating endpoint requires.
const ScopeRunsWrite = "runs:write"

// AuthConfig configures JWT bearer authentication. Exactly one of Secret
// and PublicKey is consulted per token, selected by the token's alg.
type AuthConfig struct {
	// Enabled turns the auth middleware on. When off, every request
	// passes with no claims attached.
	Enabled bool

	// Secret is the HS256 signing secret.
	Secret []byte

	// PublicKey verifies EdDSA tokens.
	PublicKey ed25519.PublicKey

	// Issuer, when set, must match the token's iss claim.
	Issuer string

	// Audience, when set, must appear in the token's aud claim.
	Audience string

	// ClockSkew is the tolerance applied to exp and nbf validation.
	ClockSkew time.Duration
}

// Claims is the token payload the daemon understands.
type Claims struct {
	jwt.RegisteredClaims

	// UserID identifies the authenticated caller.
	UserID string `json:"user_id,omitempty"`

	// Scopes lists what the token may do. Empty means full access.
	Scopes []string `json:"scopes,omitempty"`
}

// ParseAuthKey interprets the configured secret string. A PEM public key
// block selects EdDSA verification; anything else is an HS256 secret.
func ParseAuthKey(secret string) ([]byte, ed25519.PublicKey, error) {
	if !strings.Contains(secret, "BEGIN PUBLIC KEY") {
		return []byte(secret), nil, nil
	}

	block, _ := pem.Decode([]byte(secret))
	if block == nil {
		return nil, nil, &errors.ConfigError{
			Key:    "server.auth.secret",
			Reason: "invalid PEM block",
		}
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, nil, &errors.ConfigError{
			Key:    "server.auth.secret",
			Reason: "failed to parse public key",
			Cause:  err,
		}
	}
	pub, ok := keyAny.(ed25519.PublicKey)
	if !ok {
		return nil, nil, &errors.ConfigError{
			Key:    "server.auth.secret",
			Reason: fmt.Sprintf("unsupported public key type %T (want ed25519)", keyAny),
		}
	}
	return nil, pub, nil
}

// validateToken parses and verifies a bearer token against the config.
func validateToken(tokenString string, cfg AuthConfig) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(jwt.WithLeeway(cfg.ClockSkew))
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires a secret key")
			}
			return cfg.Secret, nil
		case "EdDSA":
			if cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires a public key")
			}
			return cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", cfg.Issuer, claims.Issuer)
	}
	if cfg.Audience != "" {
		valid := false
		for _, aud := range claims.Audience {
			if aud == cfg.Audience {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("invalid audience: expected %s", cfg.Audience)
		}
	}

	return claims, nil
}

// bearerToken extracts the token from the Authorization header. The
// scheme comparison is case-insensitive per RFC 6750.
func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	const bearerPrefix = "bearer "
	if len(auth) < len(bearerPrefix) || !strings.EqualFold(auth[:len(bearerPrefix)], bearerPrefix) {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}
	token := strings.TrimSpace(auth[len(bearerPrefix):])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

// hasScope reports whether the scopes allow the named action. Empty
// scopes mean full access (admin tokens). A trailing * in a scope
// matches any suffix.
func hasScope(scopes []string, action string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, scope := range scopes {
		if scope == action {
			return true
		}
		if strings.HasSuffix(scope, "*") && strings.HasPrefix(action, strings.TrimSuffix(scope, "*")) {
			return true
		}
	}
	return false
}

// GenerateToken signs a token for the given claims, used by tests and
// the secrets CLI to mint local credentials. HS256 when a secret is
// configured; EdDSA needs the private key passed explicitly.
func GenerateToken(claims Claims, secret []byte) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("no signing key configured")
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(24 * time.Hour))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
