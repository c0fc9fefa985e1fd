// Package auth issues and verifies the HS256 bearer tokens that carry a
// caller's user, organization and roles.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	devSecret     = "dev-secret"
	defaultTTL    = 12 * time.Hour
	defaultLeeway = 30 * time.Second
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = fmt.Errorf("%w: expired", ErrInvalidToken)

	errMissingSecret = errors.New("JWT_SECRET required in production")
)

// Claims is the identity carried by a token. Org scopes every analysis and
// config lookup, so tokens without it are rejected.
type Claims struct {
	Sub   string   `json:"sub"`
	Org   string   `json:"org"`
	Roles []string `json:"roles,omitempty"`
	Iss   string   `json:"iss,omitempty"`
	Iat   int64    `json:"iat,omitempty"`
	Nbf   int64    `json:"nbf,omitempty"`
	Exp   int64    `json:"exp,omitempty"`
}

// HasRole reports whether the claims grant role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Verifier signs and checks tokens with one shared secret.
type Verifier struct {
	secret []byte

	Issuer string
	TTL    time.Duration
	Leeway time.Duration
	Now    func() time.Time
}

// NewVerifier builds a Verifier. Outside production an empty secret falls
// back to a fixed development key.
func NewVerifier(secret, env string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		switch strings.ToLower(strings.TrimSpace(env)) {
		case "production", "prod":
			return nil, errMissingSecret
		}
		secret = devSecret
	}
	return &Verifier{
		secret: []byte(secret),
		TTL:    defaultTTL,
		Leeway: defaultLeeway,
		Now:    time.Now,
	}, nil
}

// Sign fills iat/exp (and iss when configured) and returns the compact token.
func (v *Verifier) Sign(claims Claims) (string, error) {
	if claims.Sub == "" || claims.Org == "" {
		return "", errors.New("sub and org are required")
	}
	now := v.now()
	if claims.Iat == 0 {
		claims.Iat = now.Unix()
	}
	if claims.Exp == 0 {
		claims.Exp = now.Add(v.TTL).Unix()
	}
	if claims.Iss == "" {
		claims.Iss = v.Issuer
	}

	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	input := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	return input + "." + v.mac(input), nil
}

// Verify checks signature, algorithm, issuer and the time window.
func (v *Verifier) Verify(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, ErrInvalidToken
	}
	input := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(parts[2]), []byte(v.mac(input))) {
		return Claims{}, ErrInvalidToken
	}

	var header struct {
		Alg string `json:"alg"`
	}
	if err := decodeSegment(parts[0], &header); err != nil || header.Alg != "HS256" {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Org == "" {
		return Claims{}, ErrInvalidToken
	}
	if v.Issuer != "" && claims.Iss != v.Issuer {
		return Claims{}, ErrInvalidToken
	}

	now := v.now()
	if claims.Nbf > 0 && now.Add(v.Leeway).Unix() < claims.Nbf {
		return Claims{}, ErrInvalidToken
	}
	if claims.Exp > 0 && now.Add(-v.Leeway).Unix() > claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (v *Verifier) now() time.Time {
	if v.Now == nil {
		return time.Now().UTC()
	}
	return v.Now().UTC()
}

func (v *Verifier) mac(input string) string {
	m := hmac.New(sha256.New, v.secret)
	m.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

func decodeSegment(seg string, out any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
