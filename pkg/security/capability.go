package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Operations named in grants.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpDelete = "delete"
	OpSearch = "search"
)

// ResourceRelationship is the resource type for graph edges.
const ResourceRelationship = "relationship"

// CollectionResource names the elevated grant needed to search another
// arm's vector collection.
func CollectionResource(owner string) string {
	return "collection:" + owner
}

// Grant is a single (operation, resource type) permission.
type Grant struct {
	Operation string
	Resource  string
}

func (g Grant) String() string { return g.Operation + ":" + g.Resource }

// ParseGrant parses "operation:resource".
func ParseGrant(s string) (Grant, error) {
	op, res, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || op == "" || res == "" {
		return Grant{}, fmt.Errorf("grant %q must look like operation:resource", s)
	}
	return Grant{Operation: op, Resource: res}, nil
}

// Claims is the signed body of a capability token.
type Claims struct {
	Grants []string `json:"grants"`
	jwt.RegisteredClaims
}

// Allows reports whether the exact (op, resource) pair was granted.
// Grants containing wildcards never match.
func (c *Claims) Allows(op, resource string) bool {
	want := Grant{Operation: op, Resource: resource}.String()
	for _, g := range c.Grants {
		if strings.Contains(g, "*") {
			continue
		}
		if g == want {
			return true
		}
	}
	return false
}

// Resources lists the resource types granted for op.
func (c *Claims) Resources(op string) []string {
	var out []string
	for _, raw := range c.Grants {
		g, err := ParseGrant(raw)
		if err != nil || g.Operation != op || strings.Contains(raw, "*") {
			continue
		}
		out = append(out, g.Resource)
	}
	return out
}

// Issuer mints capability tokens.
type Issuer struct {
	key    []byte
	issuer string
	now    func() time.Time
}

const minKeyBytes = 16

func NewIssuer(key []byte, issuer string) (*Issuer, error) {
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("signing key must be at least %d bytes", minKeyBytes)
	}
	return &Issuer{key: key, issuer: issuer, now: time.Now}, nil
}

// Mint signs a token for arm carrying grants, valid for ttl.
func (i *Issuer) Mint(arm string, grants []Grant, ttl time.Duration) (string, error) {
	if strings.TrimSpace(arm) == "" {
		return "", errors.New("arm id is required")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	now := i.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   arm,
			Issuer:    i.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	for _, g := range grants {
		claims.Grants = append(claims.Grants, g.String())
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign capability token: %w", err)
	}
	return signed, nil
}

// Decision is the outcome of a capability check.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(reason string) Decision { return Decision{Reason: reason} }

// Verifier checks capability tokens. Every failure denies.
type Verifier struct {
	key    []byte
	issuer string
	now    func() time.Time
}

func NewVerifier(key []byte, issuer string) (*Verifier, error) {
	if len(key) < minKeyBytes {
		return nil, fmt.Errorf("signing key must be at least %d bytes", minKeyBytes)
	}
	return &Verifier{key: key, issuer: issuer, now: time.Now}, nil
}

// Authenticate validates signature, algorithm, issuer, expiry and subject.
func (v *Verifier) Authenticate(token, arm string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("missing capability token")
	}
	if strings.TrimSpace(arm) == "" {
		return nil, errors.New("missing arm id")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithSubject(arm),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid capability token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid capability token claims")
	}
	return claims, nil
}

// Verify allows only if the token is valid for arm and carries the exact
// (operation, resourceType) grant.
func (v *Verifier) Verify(token, arm, operation, resourceType string) Decision {
	claims, err := v.Authenticate(token, arm)
	if err != nil {
		return deny(err.Error())
	}
	if operation == "" || resourceType == "" {
		return deny("operation and resource type are required")
	}
	if !claims.Allows(operation, resourceType) {
		return deny(fmt.Sprintf("token does not grant %s:%s", operation, resourceType))
	}
	return Decision{Allowed: true}
}
