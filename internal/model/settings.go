package model

import "time"

// Setting keys consulted by the access gate.
const (
	SettingSystemLocked = "system_locked"
	SettingLoginEnabled = "login_enabled"
)

// Setting is a single global flag row.
type Setting struct {
	Key       string     `db:"key"`
	Value     string     `db:"value"`
	UpdatedBy string     `db:"updated_by"`
	UpdatedAt *time.Time `db:"updated_at"`
}
