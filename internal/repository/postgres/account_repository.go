package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"parishhub-auth/internal/model"
)

const accountColumns = `id, username, email, role, is_active, password_hash,
	admin_pin_hash, totp_secret_enc, totp_secret_dek, totp_key_id,
	allowed_tabs_override, session_fingerprint, last_login,
	recovery_status, recovery_otp_code, recovery_expires_at,
	recovery_approved_at, recovery_verified, recovery_verified_at,
	version, created_at, updated_at`

// AccountPostgresRepository implements AccountRepository over a relational
// accounts table.
type AccountPostgresRepository struct {
	db DBTX
}

func NewAccountRepository(db DBTX) *AccountPostgresRepository {
	return &AccountPostgresRepository{db: db}
}

func (r *AccountPostgresRepository) Create(ctx context.Context, account *model.Account) error {
	override, err := marshalOverride(account.AllowedTabsOverride)
	if err != nil {
		return err
	}

	query := `INSERT INTO accounts
		(id, username, email, role, is_active, password_hash,
		 admin_pin_hash, totp_secret_enc, totp_secret_dek, totp_key_id,
		 allowed_tabs_override, recovery_status, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'none', 1, $12)`

	var overrideArg any
	if override != nil {
		overrideArg = override
	}

	_, err = r.db.ExecContext(ctx, query,
		account.ID, account.Username, account.Email, account.Role,
		account.IsActive, account.PasswordHash,
		nullIfEmpty(account.AdminPINHash),
		nullIfEmpty(account.TOTPSecretEnc),
		nullIfEmpty(account.TOTPSecretDEK),
		nullIfEmpty(account.TOTPKeyID),
		overrideArg, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("db error: %w", err)
	}

	account.Version = 1
	return nil
}

func (r *AccountPostgresRepository) GetByID(ctx context.Context, id string) (*model.Account, error) {
	return r.getBy(ctx, "id", id)
}

func (r *AccountPostgresRepository) GetByUsername(ctx context.Context, username string) (*model.Account, error) {
	return r.getBy(ctx, "username", username)
}

func (r *AccountPostgresRepository) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	return r.getBy(ctx, "email", email)
}

func (r *AccountPostgresRepository) getBy(ctx context.Context, column, value string) (*model.Account, error) {
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE %s = $1`, accountColumns, column)
	row := r.db.QueryRowContext(ctx, query, value)
	return scanAccount(row)
}

// UpdateRecovery writes a recovery transition guarded by the version
// column. Zero rows affected means another writer won the race.
func (r *AccountPostgresRepository) UpdateRecovery(ctx context.Context, id string, rec model.RecoveryRequest, expectedVersion int64) error {
	query := `UPDATE accounts SET
		recovery_status = $1,
		recovery_otp_code = $2,
		recovery_expires_at = $3,
		recovery_approved_at = $4,
		recovery_verified = $5,
		recovery_verified_at = $6,
		version = version + 1,
		updated_at = now()
		WHERE id = $7 AND version = $8`

	res, err := r.db.ExecContext(ctx, query,
		string(statusOrNone(rec.Status)),
		nullIfEmpty(rec.OTPCode),
		rec.ExpiresAt, rec.ApprovedAt, rec.Verified, rec.VerifiedAt,
		id, expectedVersion)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return casOutcome(res)
}

// CompleteRecovery is the sole mutation path for password_hash outside
// administrative override. The hash swap and the recovery clear happen in
// one statement.
func (r *AccountPostgresRepository) CompleteRecovery(ctx context.Context, id, newPasswordHash string, expectedVersion int64) error {
	query := `UPDATE accounts SET
		password_hash = $1,
		recovery_status = 'none',
		recovery_otp_code = NULL,
		recovery_expires_at = NULL,
		recovery_approved_at = NULL,
		recovery_verified = FALSE,
		recovery_verified_at = NULL,
		version = version + 1,
		updated_at = now()
		WHERE id = $2 AND version = $3`

	res, err := r.db.ExecContext(ctx, query, newPasswordHash, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return casOutcome(res)
}

func (r *AccountPostgresRepository) StampLogin(ctx context.Context, id, fingerprint string, at time.Time) error {
	query := `UPDATE accounts SET
		session_fingerprint = $1,
		last_login = $2,
		updated_at = now()
		WHERE id = $3`

	res, err := r.db.ExecContext(ctx, query, fingerprint, at, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *AccountPostgresRepository) HealthCheck(ctx context.Context) error {
	var one int
	if err := r.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func casOutcome(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*model.Account, error) {
	var (
		a           model.Account
		pinHash     sql.NullString
		secretEnc   sql.NullString
		secretDEK   sql.NullString
		keyID       sql.NullString
		override    []byte
		fingerprint sql.NullString
		lastLogin   sql.NullTime
		recStatus   string
		recCode     sql.NullString
		recExpires  sql.NullTime
		recApproved sql.NullTime
		recVerAt    sql.NullTime
		updatedAt   sql.NullTime
	)

	err := row.Scan(
		&a.ID, &a.Username, &a.Email, &a.Role, &a.IsActive, &a.PasswordHash,
		&pinHash, &secretEnc, &secretDEK, &keyID,
		&override, &fingerprint, &lastLogin,
		&recStatus, &recCode, &recExpires,
		&recApproved, &a.Recovery.Verified, &recVerAt,
		&a.Version, &a.CreatedAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	a.AdminPINHash = pinHash.String
	a.TOTPSecretEnc = secretEnc.String
	a.TOTPSecretDEK = secretDEK.String
	a.TOTPKeyID = keyID.String
	a.SessionFingerprint = fingerprint.String
	if lastLogin.Valid {
		a.LastLogin = &lastLogin.Time
	}
	if updatedAt.Valid {
		a.UpdatedAt = &updatedAt.Time
	}

	a.Recovery.Status = model.RecoveryStatus(recStatus)
	a.Recovery.OTPCode = recCode.String
	if recExpires.Valid {
		t := recExpires.Time
		a.Recovery.ExpiresAt = &t
	}
	if recApproved.Valid {
		t := recApproved.Time
		a.Recovery.ApprovedAt = &t
	}
	if recVerAt.Valid {
		t := recVerAt.Time
		a.Recovery.VerifiedAt = &t
	}

	if len(override) > 0 {
		if err := json.Unmarshal(override, &a.AllowedTabsOverride); err != nil {
			return nil, fmt.Errorf("decode allowed_tabs_override: %w", err)
		}
	}

	return &a, nil
}

func marshalOverride(tabs []string) ([]byte, error) {
	if len(tabs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(tabs)
	if err != nil {
		return nil, fmt.Errorf("encode allowed_tabs_override: %w", err)
	}
	return data, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func statusOrNone(s model.RecoveryStatus) model.RecoveryStatus {
	if s == "" {
		return model.RecoveryNone
	}
	return s
}
