package token

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims carried by an issued session credential. Claims are immutable once
// signed; validation is a pure function of signature and expiry.
type Claims struct {
	AccountID string   `json:"sub"`
	Username  string   `json:"username"`
	Role      string   `json:"role"`
	Tabs      []string `json:"tabs"`
	jwt.RegisteredClaims
}

// Issued pairs a signed credential with the fingerprint stored on the
// account row for the single-active-session check.
type Issued struct {
	Token       string
	Fingerprint string
	ExpiresAt   time.Time
}

// Issuer mints and verifies HS256-signed session credentials.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewIssuer(secret []byte, issuer string, now func() time.Time) *Issuer {
	if len(secret) < 32 {
		panic("jwt secret must be at least 32 bytes")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: secret, issuer: issuer, now: now}
}

// Issue signs a credential for the given identity with the given TTL.
func (i *Issuer) Issue(accountID, username, role string, tabs []string, ttl time.Duration) (*Issued, error) {
	issuedAt := i.now()
	expiresAt := issuedAt.Add(ttl)

	claims := Claims{
		AccountID: accountID,
		Username:  username,
		Role:      role,
		Tabs:      tabs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &Issued{
		Token:       signed,
		Fingerprint: Fingerprint(signed),
		ExpiresAt:   expiresAt,
	}, nil
}

// Verify parses and validates a credential. Only signature and expiry are
// checked here; the single-active-session fingerprint comparison is layered
// on top by the caller.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithIssuer(i.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Fingerprint returns the hex SHA-256 of a signed credential.
func Fingerprint(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return hex.EncodeToString(sum[:])
}
