package recovery

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"parishhub-auth/internal/model"
)

var (
	// ErrNoRequest means no recovery request is in flight for the account.
	ErrNoRequest = errors.New("no recovery request in flight")
	// ErrExpired means the request deadline has passed; no transition occurred.
	ErrExpired = errors.New("recovery request expired")
	// ErrInvalidCode is the generic mismatch/expired/absent outcome surfaced
	// to end users. It deliberately carries no detail.
	ErrInvalidCode = errors.New("incorrect or expired code")
	// ErrNotVerified means Consume was attempted before a successful Verify.
	ErrNotVerified = errors.New("recovery request not verified")
)

// VerifyOutcome distinguishes the two non-error results of Verify.
type VerifyOutcome int

const (
	// OutcomeApproved: code matched an admin-approved request; the request
	// is now verified and ready for Consume.
	OutcomeApproved VerifyOutcome = iota
	// OutcomePending: code matched but the request still awaits admin
	// approval. Expected workflow state, not a failure.
	OutcomePending
)

const codeDigits = 6

// Machine implements the recovery lifecycle
//
//	NONE -> WAITING_APPROVAL -> ADMIN_APPROVED -> verified -> NONE
//
// as pure transitions over the typed sub-record. All transitions take the
// caller's clock so that every expiry read uses a single time source.
// Persistence and concurrency control live in the repository layer.
type Machine struct {
	ttl time.Duration
}

func NewMachine(ttl time.Duration) *Machine {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Machine{ttl: ttl}
}

// Generate starts a fresh request, unconditionally replacing any prior one.
// The code is uniformly random over 000000-999999 with leading zeros kept.
func (m *Machine) Generate(now time.Time) (model.RecoveryRequest, error) {
	code, err := randomCode()
	if err != nil {
		return model.RecoveryRequest{}, err
	}

	expires := now.Add(m.ttl)
	return model.RecoveryRequest{
		Status:    model.RecoveryWaitingApproval,
		OTPCode:   code,
		ExpiresAt: &expires,
	}, nil
}

// Approve moves a waiting request to admin-approved. Approving an expired
// or absent request fails without mutating anything.
func (m *Machine) Approve(req model.RecoveryRequest, now time.Time) (model.RecoveryRequest, error) {
	if !req.Active() {
		return req, ErrNoRequest
	}
	if req.Status != model.RecoveryWaitingApproval {
		if req.Status == model.RecoveryAdminApproved {
			// Re-approval is a no-op rather than an error.
			return req, nil
		}
		return req, ErrNoRequest
	}
	if req.Expired(now) {
		return req, ErrExpired
	}

	approved := now
	req.Status = model.RecoveryAdminApproved
	req.ApprovedAt = &approved
	return req, nil
}

// Verify compares the submitted code against the stored one.
//   - match + admin-approved + unexpired: request becomes verified.
//   - match + waiting approval + unexpired: OutcomePending, no mutation.
//   - anything else: ErrInvalidCode with no detail about which check failed.
func (m *Machine) Verify(req model.RecoveryRequest, code string, now time.Time) (VerifyOutcome, model.RecoveryRequest, error) {
	if !req.Active() || req.Expired(now) {
		return 0, req, ErrInvalidCode
	}
	if subtle.ConstantTimeCompare([]byte(req.OTPCode), []byte(code)) != 1 {
		return 0, req, ErrInvalidCode
	}

	switch req.Status {
	case model.RecoveryAdminApproved:
		verified := now
		req.Verified = true
		req.VerifiedAt = &verified
		return OutcomeApproved, req, nil
	case model.RecoveryWaitingApproval:
		return OutcomePending, req, nil
	default:
		return 0, req, ErrInvalidCode
	}
}

// Consume finalizes a verified request, returning the cleared sub-record.
// The code is erased, not flagged, so a cleared request cannot replay.
// The caller persists the new password hash and this cleared record in a
// single update.
func (m *Machine) Consume(req model.RecoveryRequest) (model.RecoveryRequest, error) {
	if !req.Verified {
		return req, ErrNotVerified
	}
	return model.RecoveryRequest{Status: model.RecoveryNone}, nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to draw recovery code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
