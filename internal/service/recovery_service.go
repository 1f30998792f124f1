package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"parishhub-auth/internal/model"
	"parishhub-auth/internal/recovery"
	"parishhub-auth/internal/repository/postgres"
	"parishhub-auth/internal/util"
)

// Recovery verification outcomes surfaced to the caller. Pending is an
// expected workflow state, not a failure.
const (
	RecoveryOutcomeApproved = "approved"
	RecoveryOutcomePending  = "pending_approval"
)

type RecoveryVerifyResult struct {
	Status string `json:"status"`
}

// ApproveRecoveryResult carries the code back to the approving
// administrator, who relays it to the member out of band (code delivery is
// outside this core).
type ApproveRecoveryResult struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

// RequestRecovery starts (or restarts) the recovery workflow for the
// account behind the identifier. It always acks to the caller so that
// account existence stays hidden; only the store being down is an error.
func (s *AuthService) RequestRecovery(ctx context.Context, identifier string, meta RequestMeta) error {
	account, err := s.lookupByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			// Ack without side effects; no existence signal.
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if _, err := s.applyRecovery(ctx, account, func(model.RecoveryRequest) (model.RecoveryRequest, error) {
		return s.machine.Generate(s.now())
	}); err != nil {
		return err
	}

	s.record(ctx, account, model.EventRecoveryRequest, meta, "")
	util.Info("Recovery request opened", util.String("account_id", account.ID))
	return nil
}

// ApproveRecovery is the administrator's half of the workflow. Approving an
// expired request fails and mutates nothing.
func (s *AuthService) ApproveRecovery(ctx context.Context, identifier string, meta RequestMeta) (*ApproveRecoveryResult, error) {
	account, err := s.lookupByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// On a lost race the approval re-runs against whatever request is
	// current; the returned code is always the one actually approved.
	approved, err := s.applyRecovery(ctx, account, func(cur model.RecoveryRequest) (model.RecoveryRequest, error) {
		return s.machine.Approve(cur, s.now())
	})
	if err != nil {
		switch {
		case errors.Is(err, recovery.ErrExpired):
			return nil, ErrRecoveryExpired
		case errors.Is(err, recovery.ErrNoRequest):
			return nil, ErrNotFound
		default:
			return nil, err
		}
	}

	s.record(ctx, account, model.EventRecoveryApproved, meta, "")
	return &ApproveRecoveryResult{Username: account.Username, Code: approved.OTPCode}, nil
}

// VerifyRecoveryCode checks the member's submitted code. A matching code on
// an unapproved request reports pending rather than failing, so the member
// knows to wait instead of requesting a new code.
func (s *AuthService) VerifyRecoveryCode(ctx context.Context, identifier, code string, meta RequestMeta) (*RecoveryVerifyResult, error) {
	if err := s.checkRateLimit(ctx, scopeRecovery, identifier); err != nil {
		return nil, err
	}

	account, err := s.lookupByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			s.bumpRecoveryAttempts(ctx, identifier)
			return nil, ErrInvalidRecoveryCode
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	code = strings.TrimSpace(code)
	outcome, _, err := s.machine.Verify(account.Recovery, code, s.now())
	if err != nil {
		s.bumpRecoveryAttempts(ctx, identifier)
		return nil, ErrInvalidRecoveryCode
	}
	if outcome == recovery.OutcomePending {
		return &RecoveryVerifyResult{Status: RecoveryOutcomePending}, nil
	}

	// Re-run the verification inside the CAS so a lost race checks the
	// submitted code against the request that actually won.
	_, err = s.applyRecovery(ctx, account, func(cur model.RecoveryRequest) (model.RecoveryRequest, error) {
		o, rec, verr := s.machine.Verify(cur, code, s.now())
		if verr != nil {
			return rec, verr
		}
		if o != recovery.OutcomeApproved {
			return rec, recovery.ErrInvalidCode
		}
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, recovery.ErrInvalidCode) {
			s.bumpRecoveryAttempts(ctx, identifier)
			return nil, ErrInvalidRecoveryCode
		}
		return nil, err
	}

	s.record(ctx, account, model.EventRecoveryVerified, meta, "")
	return &RecoveryVerifyResult{Status: RecoveryOutcomeApproved}, nil
}

// CompleteRecovery swaps in the new password and clears the recovery
// sub-record in one store update. This is the only path that changes
// password_hash outside explicit administrative action.
func (s *AuthService) CompleteRecovery(ctx context.Context, identifier, newPassword string, meta RequestMeta) error {
	account, err := s.lookupByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return ErrRecoveryNotVerified
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if _, err := s.machine.Consume(account.Recovery); err != nil {
		return ErrRecoveryNotVerified
	}
	if err := s.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	hash, err := s.hasher.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.accounts.CompleteRecovery(ctx, account.ID, hash, account.Version); err != nil {
		if errors.Is(err, postgres.ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.resetAttempts(ctx, scopeRecovery, identifier)
	s.record(ctx, account, model.EventRecoveryComplete, meta, "")
	util.Info("Recovery completed", util.String("account_id", account.ID))
	return nil
}

// applyRecovery computes a recovery transition from the account's current
// sub-record and persists it with a compare-and-swap on the version column.
// Losing the race retries once: the row is re-read and the transition is
// recomputed against the record that won, never replayed from the stale
// snapshot. A second loss surfaces the conflict to the caller.
func (s *AuthService) applyRecovery(
	ctx context.Context,
	account *model.Account,
	transition func(model.RecoveryRequest) (model.RecoveryRequest, error),
) (model.RecoveryRequest, error) {
	next, err := transition(account.Recovery)
	if err != nil {
		return model.RecoveryRequest{}, err
	}

	uerr := s.accounts.UpdateRecovery(ctx, account.ID, next, account.Version)
	if uerr == nil {
		return next, nil
	}
	if !errors.Is(uerr, postgres.ErrConflict) {
		return model.RecoveryRequest{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, uerr)
	}

	fresh, ferr := s.accounts.GetByID(ctx, account.ID)
	if ferr != nil {
		return model.RecoveryRequest{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, ferr)
	}
	next, err = transition(fresh.Recovery)
	if err != nil {
		return model.RecoveryRequest{}, err
	}
	if err := s.accounts.UpdateRecovery(ctx, fresh.ID, next, fresh.Version); err != nil {
		if errors.Is(err, postgres.ErrConflict) {
			return model.RecoveryRequest{}, ErrConflict
		}
		return model.RecoveryRequest{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return next, nil
}

func (s *AuthService) lookupByIdentifier(ctx context.Context, identifier string) (*model.Account, error) {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		return s.accounts.GetByEmail(ctx, strings.ToLower(identifier))
	}
	return s.accounts.GetByUsername(ctx, identifier)
}

func (s *AuthService) bumpRecoveryAttempts(ctx context.Context, identifier string) {
	s.bumpAttempts(ctx, scopeRecovery, identifier, s.cfg.RateLimit.RecoveryMaxAttempts,
		s.cfg.RateLimit.RecoveryWindow, s.cfg.RateLimit.RecoveryWindow)
}
