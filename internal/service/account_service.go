package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"parishhub-auth/internal/model"
	"parishhub-auth/internal/repository/postgres"
	"parishhub-auth/internal/util"
)

type CreateAccountRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	PIN      string `json:"pin,omitempty"`
}

// CreateAccountResult echoes the new identity. For admin accounts it also
// carries the one-time TOTP provisioning material; the secret is shown here
// and never again.
type CreateAccountResult struct {
	AccountID    string `json:"account_id"`
	Username     string `json:"username"`
	Role         string `json:"role"`
	TOTPSecret   string `json:"totp_secret,omitempty"`
	ProvisionURI string `json:"provision_uri,omitempty"`
}

// CreateAccount registers a new account. The role is fixed at creation
// time; admin creation additionally provisions the PIN hash and a TOTP
// secret, which are populated together or not at all.
func (s *AuthService) CreateAccount(ctx context.Context, req CreateAccountRequest) (*CreateAccountResult, error) {
	username := util.SanitizeInput(req.Username)
	email := strings.ToLower(util.SanitizeInput(req.Email))
	role := util.SanitizeInput(req.Role)

	if username == "" || email == "" || role == "" {
		return nil, fmt.Errorf("%w: username, email and role are required", ErrInvalidCredentials)
	}
	if util.ContainsSuspicious(req.Username) || util.ContainsSuspicious(req.Email) {
		return nil, fmt.Errorf("%w: rejected input", ErrInvalidCredentials)
	}
	if err := s.checkPasswordPolicy(req.Password); err != nil {
		return nil, err
	}

	account := &model.Account{
		ID:        newAccountID(),
		Username:  username,
		Email:     email,
		Role:      role,
		IsActive:  true,
		CreatedAt: s.now(),
	}

	hash, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	account.PasswordHash = hash

	result := &CreateAccountResult{
		AccountID: account.ID,
		Username:  username,
		Role:      role,
	}

	if role == model.RoleAdmin {
		if req.PIN == "" {
			return nil, ErrPinRequired
		}
		pinHash, err := s.hasher.HashPIN(req.PIN)
		if err != nil {
			return nil, fmt.Errorf("hash pin: %w", err)
		}
		account.AdminPINHash = pinHash

		secret, err := s.totp.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("provision second factor: %w", err)
		}
		sealed, err := s.secrets.EncryptSecret(ctx, secret)
		if err != nil {
			return nil, fmt.Errorf("seal second factor: %w", err)
		}
		account.TOTPSecretEnc = sealed.Value
		account.TOTPSecretDEK = sealed.DEK
		account.TOTPKeyID = sealed.KeyID

		result.TOTPSecret = secret
		result.ProvisionURI = s.totp.ProvisionURI(secret, username)
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, postgres.ErrDuplicate) {
			return nil, ErrDuplicateAccount
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	util.Info("Account created",
		util.String("account_id", account.ID),
		util.String("role", role))

	return result, nil
}

// checkPasswordPolicy enforces the minimum bar for new passwords: length
// plus at least one letter and one digit.
func (s *AuthService) checkPasswordPolicy(password string) error {
	if len(password) < s.cfg.Auth.MinPasswordLen {
		return ErrWeakPassword
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			hasLetter = true
		}
	}
	if !hasLetter || !hasDigit {
		return ErrWeakPassword
	}
	return nil
}
