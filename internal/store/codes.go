package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/paychecklabs/paycheck/internal/errors"
)

// ActivationCodeTTL bounds how long a plaintext code stays exchangeable.
const ActivationCodeTTL = 30 * time.Minute

const activationCodeColumns = "id, code_hash, license_id, expires_at, used, created_at"

// CreateActivationCode stores the hash of a freshly generated code. The
// plaintext never reaches the store.
func (s *Store) CreateActivationCode(ctx context.Context, licenseID, codeHash string) (*ActivationCode, error) {
	ts := now()
	code := &ActivationCode{
		ID:        NewID(),
		CodeHash:  codeHash,
		LicenseID: licenseID,
		ExpiresAt: ts.Add(ActivationCodeTTL),
		CreatedAt: ts,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activation_codes (id, code_hash, license_id, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		code.ID, code.CodeHash, code.LicenseID, code.ExpiresAt.Unix(), code.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Conflict("Activation code collision")
		}
		return nil, fmt.Errorf("create activation code: %w", err)
	}
	return code, nil
}

// GetActivationCodeByHash resolves a presented code. Returns (nil, nil)
// when unknown; the caller maps that to the uniform invalid-code error.
func (s *Store) GetActivationCodeByHash(ctx context.Context, codeHash string) (*ActivationCode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+activationCodeColumns+` FROM activation_codes WHERE code_hash = ?`, codeHash)
	return scanActivationCode(row)
}

// ConsumeActivationCode flips used 0->1 exactly once. Reports false when
// another request already burned the code.
func (s *Store) ConsumeActivationCode(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE activation_codes SET used = 1 WHERE id = ? AND used = 0`, id)
	if err != nil {
		return false, fmt.Errorf("consume activation code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume activation code: %w", err)
	}
	return affected > 0, nil
}

// CleanupActivationCodes deletes burned and expired codes. Runs on a
// background ticker.
func (s *Store) CleanupActivationCodes(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM activation_codes WHERE expires_at < ? OR used = 1`, now().Unix())
	if err != nil {
		return 0, fmt.Errorf("cleanup activation codes: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup activation codes: %w", err)
	}
	return deleted, nil
}

func scanActivationCode(sc scanner) (*ActivationCode, error) {
	var c ActivationCode
	var used int
	var expiresAt, createdAt int64

	err := sc.Scan(&c.ID, &c.CodeHash, &c.LicenseID, &expiresAt, &used, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan activation code: %w", err)
	}

	c.ExpiresAt = timeFromUnix(expiresAt)
	c.Used = used != 0
	c.CreatedAt = timeFromUnix(createdAt)
	return &c, nil
}
