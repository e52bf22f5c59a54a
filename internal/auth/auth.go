// Package auth verifies the bearer tokens presented by devices and parents.
// Account login is handled elsewhere; this package only mints and checks
// HMAC-signed JWTs that name the child a caller may act for.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultDeviceTokenTTL is the lifetime of device tokens.
	DefaultDeviceTokenTTL = 365 * 24 * time.Hour

	// DefaultParentTokenTTL is the lifetime of parent tokens.
	DefaultParentTokenTTL = 24 * time.Hour
)

var (
	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrForbidden is returned when a valid token does not cover the requested child.
	ErrForbidden = errors.New("forbidden")
)

// Role is the kind of caller a token was issued to.
type Role string

const (
	RoleDevice Role = "device"
	RoleParent Role = "parent"
)

// Claims represents the JWT claims of a device or parent.
type Claims struct {
	Role     Role     `json:"role"`
	ChildID  string   `json:"child_id,omitempty"`
	DeviceID string   `json:"device_id,omitempty"`
	Children []string `json:"children,omitempty"`
	jwt.RegisteredClaims
}

// CanAccessChild reports whether the caller may act for childID.
func (c *Claims) CanAccessChild(childID string) bool {
	switch c.Role {
	case RoleDevice:
		return c.ChildID == childID
	case RoleParent:
		for _, id := range c.Children {
			if id == childID {
				return true
			}
		}
	}
	return false
}

// Authenticator verifies bearer tokens.
type Authenticator interface {
	Authenticate(token string) (*Claims, error)
}

// Service signs and verifies tokens with a shared secret
type Service struct {
	secret    []byte
	issuer    string
	deviceTTL time.Duration
	parentTTL time.Duration
	now       func() time.Time
}

// NewService creates a new token service
func NewService(secret, issuer string, deviceTTL, parentTTL time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if deviceTTL <= 0 {
		deviceTTL = DefaultDeviceTokenTTL
	}
	if parentTTL <= 0 {
		parentTTL = DefaultParentTokenTTL
	}

	return &Service{
		secret:    []byte(secret),
		issuer:    issuer,
		deviceTTL: deviceTTL,
		parentTTL: parentTTL,
		now:       time.Now,
	}, nil
}

// SetNow overrides the time source (for testing)
func (s *Service) SetNow(now func() time.Time) {
	s.now = now
}

// IssueDeviceToken mints a token for a device of a child
func (s *Service) IssueDeviceToken(childID, deviceID string) (string, error) {
	if childID == "" || deviceID == "" {
		return "", fmt.Errorf("child and device are required")
	}
	return s.sign(&Claims{
		Role:     RoleDevice,
		ChildID:  childID,
		DeviceID: deviceID,
	}, childID+"/"+deviceID, s.deviceTTL)
}

// IssueParentToken mints a token for a parent managing the given children
func (s *Service) IssueParentToken(parentID string, children []string) (string, error) {
	if parentID == "" {
		return "", fmt.Errorf("parent is required")
	}
	return s.sign(&Claims{
		Role:     RoleParent,
		Children: children,
	}, parentID, s.parentTTL)
}

// Authenticate validates a token and returns its claims
func (s *Service) Authenticate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	switch claims.Role {
	case RoleDevice:
		if claims.ChildID == "" || claims.DeviceID == "" {
			return nil, ErrInvalidToken
		}
	case RoleParent:
	default:
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (s *Service) sign(claims *Claims, subject string, ttl time.Duration) (string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
