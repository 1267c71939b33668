// Package middleware provides the HTTP middleware of the query server:
// bearer authentication with team claims, request ids, access logging and
// per-client rate limiting.
package middleware

import (
	"context"
	"fmt"
	"math"

	"github.com/golang-jwt/jwt/v5"

	"duck-analytics/internal/domain"
)

// Team claims carried by bearer tokens.
const (
	ClaimTeams    = "teams"
	ClaimAllTeams = "all_teams"
)

// TokenValidator verifies a bearer token and returns the principal it grants.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (domain.ContextPrincipal, error)
}

// SharedSecretValidator validates HS256 tokens signed with a shared secret.
type SharedSecretValidator struct {
	secret []byte
}

// NewSharedSecretValidator creates a validator for secret.
func NewSharedSecretValidator(secret string) *SharedSecretValidator {
	return &SharedSecretValidator{secret: []byte(secret)}
}

// Validate verifies tokenString and extracts the subject and team claims.
// A token without a subject is rejected.
func (v *SharedSecretValidator) Validate(_ context.Context, tokenString string) (domain.ContextPrincipal, error) {
	tok, err := jwt.Parse(tokenString, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.ContextPrincipal{}, fmt.Errorf("token verification failed: %w", err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return domain.ContextPrincipal{}, fmt.Errorf("parse claims: unsupported claim type %T", tok.Claims)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return domain.ContextPrincipal{}, fmt.Errorf("token has no subject")
	}
	p := domain.ContextPrincipal{Subject: sub}
	p.AllTeams, _ = claims[ClaimAllTeams].(bool)

	switch teams := claims[ClaimTeams].(type) {
	case nil:
	case []interface{}:
		for _, t := range teams {
			id, err := teamID(t)
			if err != nil {
				return domain.ContextPrincipal{}, err
			}
			p.Teams = append(p.Teams, id)
		}
	default:
		id, err := teamID(teams)
		if err != nil {
			return domain.ContextPrincipal{}, err
		}
		p.Teams = []int64{id}
	}
	return p, nil
}

func teamID(v interface{}) (int64, error) {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || f <= 0 {
		return 0, fmt.Errorf("invalid %s claim value %v", ClaimTeams, v)
	}
	return int64(f), nil
}
