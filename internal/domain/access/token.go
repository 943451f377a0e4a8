package access

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for access tokens that fail signature, expiry
// or claim checks.
var ErrInvalidToken = errors.New("invalid access token")

const (
	tokenIssuer   = "portal-access-gate"
	tokenAudience = "portal-records"
	// DefaultTokenTTL bounds how long a grant can be used to fetch records.
	DefaultTokenTTL = 5 * time.Minute
)

// Claims carried by an access token. Subject is the provider id.
type Claims struct {
	jwt.RegisteredClaims
	PatientID string   `json:"patient_id"`
	Tenant    string   `json:"tenant,omitempty"`
	Scope     []string `json:"scope"`
}

// Token is a parsed, validated access token.
type Token struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	PatientID  uuid.UUID
	Tenant     string
	Scope      []string
	ExpiresAt  time.Time
}

// Covers reports whether the token grants scope.
func (t *Token) Covers(scope string) bool {
	return slices.Contains(t.Scope, scope)
}

// TokenIssuer mints and validates HS256 access tokens scoped to one
// provider/patient pair.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokenIssuer(key []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{key: key, ttl: ttl, now: time.Now}
}

func (t *TokenIssuer) SetClock(now func() time.Time) {
	t.now = now
}

// Mint signs a token for the pair within tenant. The returned string is the
// compact JWT.
func (t *TokenIssuer) Mint(providerID, patientID uuid.UUID, tenant string, scope []string) (string, *Token, error) {
	if len(t.key) == 0 {
		return "", nil, errors.New("access token key not configured")
	}
	now := t.now()
	tok := &Token{
		ID:         uuid.New(),
		ProviderID: providerID,
		PatientID:  patientID,
		Tenant:     tenant,
		Scope:      append([]string(nil), scope...),
		ExpiresAt:  now.Add(t.ttl).Truncate(time.Second),
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tok.ID.String(),
			Issuer:    tokenIssuer,
			Subject:   providerID.String(),
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
		PatientID: patientID.String(),
		Tenant:    tenant,
		Scope:     tok.Scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign access token: %w", err)
	}
	return signed, tok, nil
}

// Parse validates raw and returns its token. Every failure wraps
// ErrInvalidToken.
func (t *TokenIssuer) Parse(raw string) (*Token, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad jti", ErrInvalidToken)
	}
	providerID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	patientID, err := uuid.Parse(claims.PatientID)
	if err != nil {
		return nil, fmt.Errorf("%w: bad patient_id", ErrInvalidToken)
	}
	return &Token{
		ID:         id,
		ProviderID: providerID,
		PatientID:  patientID,
		Tenant:     claims.Tenant,
		Scope:      claims.Scope,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}
