package model

import "time"

// RecoveryStatus is the lifecycle state of an account's outstanding
// password-recovery request. At most one request is in flight per account;
// a new Generate overwrites any prior one.
type RecoveryStatus string

const (
	RecoveryNone            RecoveryStatus = "none"
	RecoveryWaitingApproval RecoveryStatus = "waiting_approval"
	RecoveryAdminApproved   RecoveryStatus = "admin_approved"
)

// RecoveryRequest is the typed recovery sub-record of an Account.
// Zero value means no request in flight.
type RecoveryRequest struct {
	Status     RecoveryStatus `db:"recovery_status"`
	OTPCode    string         `db:"recovery_otp_code"`
	ExpiresAt  *time.Time     `db:"recovery_expires_at"`
	ApprovedAt *time.Time     `db:"recovery_approved_at"`
	Verified   bool           `db:"recovery_verified"`
	VerifiedAt *time.Time     `db:"recovery_verified_at"`
}

// Active reports whether a request is in flight.
func (r RecoveryRequest) Active() bool {
	return r.Status != "" && r.Status != RecoveryNone
}

// Expired reports whether the request deadline has passed. The boundary is
// inclusive: a request expires at the expiry instant itself.
func (r RecoveryRequest) Expired(now time.Time) bool {
	return r.ExpiresAt == nil || !now.Before(*r.ExpiresAt)
}
