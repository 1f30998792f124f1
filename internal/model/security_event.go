package model

import "time"

// Security event types recorded by the audit trail.
const (
	EventLoginSuccess     = "login_success"
	EventLoginFailure     = "login_failure"
	EventSecondFactorOK   = "second_factor_success"
	EventSecondFactorFail = "second_factor_failure"
	EventRecoveryRequest  = "recovery_requested"
	EventRecoveryApproved = "recovery_approved"
	EventRecoveryVerified = "recovery_verified"
	EventRecoveryComplete = "recovery_completed"
	EventGateRejected     = "gate_rejected"
	EventSessionRevoked   = "session_revoked"
)

// SecurityEvent is one audit record. EventBucket spreads rows across
// ClickHouse partitions.
type SecurityEvent struct {
	EventID     string    `db:"event_id" json:"event_id"`
	EventBucket int       `db:"event_bucket" json:"event_bucket"`
	AccountID   string    `db:"account_id" json:"account_id"`
	Username    string    `db:"username" json:"username"`
	EventType   string    `db:"event_type" json:"event_type"`
	EventTime   time.Time `db:"event_time" json:"event_time"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	ClientEnv   string    `db:"client_env" json:"client_env"`
	Details     string    `db:"details" json:"details"`
}
