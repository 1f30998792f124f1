package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"parishhub-auth/internal/config"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
)

const algorithmID = "argon2id"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher produces and verifies argon2id hashes in PHC string format:
//
//	$argon2id$v=19$m=65536,t=3,p=2$<salt-b64>$<hash-b64>
//
// The hash string is self-describing, so parameter changes only affect new
// hashes. An optional pepper from configuration is mixed into the input
// together with a per-purpose context string, so a password hash can never
// verify as a PIN hash.
type Hasher struct {
	params Argon2Params
	pepper string
}

func NewHasher(cfg *config.Config) *Hasher {
	return &Hasher{
		params: Argon2Params{
			Memory:      uint32(cfg.Auth.Argon2Memory),
			Iterations:  uint32(cfg.Auth.Argon2Time),
			Parallelism: uint8(cfg.Auth.Argon2Threads),
			SaltLength:  uint32(cfg.Auth.Argon2SaltLen),
			KeyLength:   uint32(cfg.Auth.Argon2KeyLen),
		},
		pepper: cfg.Auth.PasswordPepper,
	}
}

func (h *Hasher) HashPassword(password string) (string, error) {
	return h.hash(password, "password")
}

func (h *Hasher) VerifyPassword(password, encodedHash string) (bool, error) {
	return h.verify(password, encodedHash, "password")
}

func (h *Hasher) HashPIN(pin string) (string, error) {
	return h.hash(pin, "pin")
}

func (h *Hasher) VerifyPIN(pin, encodedHash string) (bool, error) {
	return h.verify(pin, encodedHash, "pin")
}

func (h *Hasher) hash(data, context string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		[]byte(data+h.pepper+context),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		algorithmID,
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (h *Hasher) verify(data, encodedHash, context string) (bool, error) {
	memory, iterations, parallelism, salt, expected, err := parsePHC(encodedHash)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		[]byte(data+h.pepper+context),
		salt,
		iterations,
		memory,
		parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func parsePHC(encoded string) (memory, iterations uint32, parallelism uint8, salt, hash []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != algorithmID {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return 0, 0, 0, nil, nil, ErrIncompatibleVersion
	}

	params := strings.Split(parts[3], ",")
	if len(params) != 3 {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	m, err1 := parseParam(params[0], "m")
	t, err2 := parseParam(params[1], "t")
	p, err3 := parseParam(params[2], "p")
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, ErrInvalidHash
	}

	return uint32(m), uint32(t), uint8(p), salt, hash, nil
}

func parseParam(s, name string) (uint64, error) {
	prefix := name + "="
	if !strings.HasPrefix(s, prefix) {
		return 0, ErrInvalidHash
	}
	return strconv.ParseUint(strings.TrimPrefix(s, prefix), 10, 32)
}
