package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const secretBytes = 20

var (
	ErrEmptySecret   = errors.New("empty totp secret")
	ErrInvalidSecret = errors.New("totp secret is not valid base32")
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Manager generates and verifies RFC 6238 time-based codes. The same
// manager instance produces provisioning URIs and validates submissions, so
// the time step and digit count cannot drift apart between the two sides.
type Manager struct {
	period int
	digits int
	skew   int
	issuer string
}

func NewManager(period, digits, skew int, issuer string) *Manager {
	if period <= 0 {
		period = 30
	}
	if digits <= 0 {
		digits = 6
	}
	return &Manager{period: period, digits: digits, skew: skew, issuer: issuer}
}

// GenerateSecret draws a fresh 160-bit secret and returns its base32 form.
func (m *Manager) GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}
	return b32.EncodeToString(raw), nil
}

// ProvisionURI builds the otpauth:// URI consumed by authenticator apps.
func (m *Manager) ProvisionURI(secretBase32, account string) string {
	label := url.PathEscape(m.issuer + ":" + account)

	v := url.Values{}
	v.Set("secret", secretBase32)
	v.Set("issuer", m.issuer)
	v.Set("period", strconv.Itoa(m.period))
	v.Set("digits", strconv.Itoa(m.digits))
	v.Set("algorithm", "SHA1")

	return "otpauth://totp/" + label + "?" + v.Encode()
}

// VerifyCode checks a submitted code against the secret for the current
// time step and the configured drift window around it.
func (m *Manager) VerifyCode(secretBase32, code string, now time.Time) (bool, error) {
	trimmed := strings.TrimSpace(code)
	if len(trimmed) != m.digits || !isNumeric(trimmed) {
		return false, nil
	}

	secret, err := decodeSecret(secretBase32)
	if err != nil {
		return false, err
	}

	baseCounter := now.Unix() / int64(m.period)
	for step := -m.skew; step <= m.skew; step++ {
		counter := baseCounter + int64(step)
		if counter < 0 {
			continue
		}
		generated := hotpCode(secret, counter, m.digits)
		if subtle.ConstantTimeCompare([]byte(generated), []byte(trimmed)) == 1 {
			return true, nil
		}
	}

	return false, nil
}

// GenerateCode computes the code for the time step containing t.
func (m *Manager) GenerateCode(secretBase32 string, t time.Time) (string, error) {
	secret, err := decodeSecret(secretBase32)
	if err != nil {
		return "", err
	}
	return hotpCode(secret, t.Unix()/int64(m.period), m.digits), nil
}

func decodeSecret(secretBase32 string) ([]byte, error) {
	normalized := strings.ToUpper(strings.TrimSpace(secretBase32))
	if normalized == "" {
		return nil, ErrEmptySecret
	}
	secret, err := b32.DecodeString(normalized)
	if err != nil {
		return nil, ErrInvalidSecret
	}
	return secret, nil
}

// hotpCode implements RFC 4226 dynamic truncation over HMAC-SHA1.
func hotpCode(secret []byte, counter int64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))

	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)

	mod := 1
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, bin%mod)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
