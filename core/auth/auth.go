// Package auth issues and verifies the bearer tokens used by store admins,
// both in bot sessions and on the admin HTTP API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/m3rciful/shopfleet/core/config"
)

// Role is the authority a token grants.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleStoreAdmin Role = "store_admin"
	RoleOwner      Role = "owner"
	RoleSuperadmin Role = "superadmin"
)

// CanManage reports whether role may act on orders of a store.
func (r Role) CanManage() bool {
	switch r {
	case RoleStoreAdmin, RoleOwner, RoleSuperadmin:
		return true
	}
	return false
}

var (
	ErrInvalid = errors.New("auth: invalid token")
	ErrExpired = errors.New("auth: token expired")
	ErrRevoked = errors.New("auth: token revoked")
)

// Claims is the token payload.
type Claims struct {
	Role    Role   `json:"role"`
	StoreID string `json:"store,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant management of storeID.
func (c *Claims) Allows(storeID string) bool {
	if c == nil || !c.Role.CanManage() {
		return false
	}
	return c.Role == RoleSuperadmin || c.StoreID == storeID
}

// Revocations is the subset of the revocation registry auth consults.
type Revocations interface {
	IsRevoked(token string) bool
}

// Service signs and verifies HS256 tokens.
type Service struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	revoked Revocations
	now     func() time.Time
}

// NewService builds a Service. revoked may be nil.
func NewService(cfg config.AuthConfig, revoked Revocations) *Service {
	return &Service{
		secret:  []byte(cfg.Secret),
		issuer:  cfg.Issuer,
		ttl:     cfg.TokenTTL,
		revoked: revoked,
		now:     time.Now,
	}
}

// SetRevocations attaches the registry after construction. The registry needs
// ExpiryOf, so the two are wired in two steps.
func (s *Service) SetRevocations(r Revocations) {
	s.revoked = r
}

// Issue signs a token for userRef.
func (s *Service) Issue(userRef string, role Role, storeID string) (string, error) {
	now := s.now()
	claims := Claims{
		Role:    role,
		StoreID: storeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userRef,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry, then the revocation registry.
func (s *Service) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, s.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if s.revoked != nil && s.revoked.IsRevoked(token) {
		return nil, ErrRevoked
	}
	return claims, nil
}

// ExpiryOf returns the exp claim of a correctly signed token without
// requiring it to still be valid.
func (s *Service) ExpiryOf(token string) (time.Time, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, claims, s.key); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrInvalid)
	}
	return claims.ExpiresAt.Time, nil
}

func (s *Service) key(*jwt.Token) (any, error) {
	return s.secret, nil
}
