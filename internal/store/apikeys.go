package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
)

const apiKeyColumns = `id, user_id, name, prefix, key_hash, user_manageable,
	created_at, last_used_at, expires_at, revoked_at`

const apiKeyScopeColumns = "api_key_id, org_id, project_id, access"

// GenerateAPIKey returns a fresh plaintext management key: "pc_" plus 32
// lowercase hex characters.
func GenerateAPIKey() string {
	return "pc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CreateAPIKey persists a new key with its scopes and returns the plaintext
// exactly once. Zero scopes means the key is unscoped and inherits the
// user's memberships.
func (s *Store) CreateAPIKey(ctx context.Context, userID, name string,
	expiresInDays *int, userManageable bool, scopes []APIKeyScope) (*APIKey, string, error) {

	if strings.TrimSpace(name) == "" {
		return nil, "", errors.Validation("API key name is required")
	}
	for _, scope := range scopes {
		if !scope.Access.Valid() {
			return nil, "", errors.Validationf("Invalid access level %q", scope.Access)
		}
		if scope.OrgID == "" {
			return nil, "", errors.Validation("Scope org_id is required")
		}
	}

	raw := GenerateAPIKey()
	ts := now()
	key := &APIKey{
		ID:             NewID(),
		UserID:         userID,
		Name:           strings.TrimSpace(name),
		Prefix:         raw[:8],
		KeyHash:        crypto.HashSecret(raw),
		UserManageable: userManageable,
		CreatedAt:      ts,
	}
	if expiresInDays != nil {
		exp := ts.Add(time.Duration(*expiresInDays) * 24 * time.Hour)
		key.ExpiresAt = &exp
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO api_keys (id, user_id, name, prefix, key_hash,
				user_manageable, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			key.ID, key.UserID, key.Name, key.Prefix, key.KeyHash,
			boolToInt(key.UserManageable), key.CreatedAt.Unix(),
			nullableTimeUnix(key.ExpiresAt)); err != nil {
			return fmt.Errorf("insert api key: %w", err)
		}
		for _, scope := range scopes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO api_key_scopes (api_key_id, org_id, project_id, access)
				VALUES (?, ?, ?, ?)`,
				key.ID, scope.OrgID, nullableString(scope.ProjectID),
				string(scope.Access)); err != nil {
				return fmt.Errorf("insert api key scope: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return key, raw, nil
}

// GetAPIKey returns a key row by id, revoked or not.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	key, err := scanAPIKey(row)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errors.NotFound("API key not found")
	}
	return key, nil
}

// GetAPIKeyByHash resolves a presented key. Returns (nil, nil) when no key
// matches; the caller checks Active() before trusting the row.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, keyHash)
	return scanAPIKey(row)
}

// ListAPIKeys returns a user's non-revoked keys, newest first. Self-service
// callers see only user-manageable keys.
func (s *Store) ListAPIKeys(ctx context.Context, userID string, userManageableOnly bool, page Page) ([]*APIKey, int, error) {
	page = page.Normalize()

	cond := "user_id = ? AND revoked_at IS NULL"
	if userManageableOnly {
		cond += " AND user_manageable = 1"
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE `+cond, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count api keys: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE `+cond+`
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, 0, err
		}
		keys = append(keys, key)
	}
	return keys, total, rows.Err()
}

// RevokeAPIKey marks a key revoked. Reports NotFound when the key does not
// exist or was already revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		now().Unix(), id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.NotFound("API key not found")
	}
	return nil
}

// TouchAPIKey bumps last_used_at. Called fire-and-forget after successful
// authentication.
func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, now().Unix(), id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

// ListAPIKeyScopes returns a key's scopes. An empty slice means unscoped.
func (s *Store) ListAPIKeyScopes(ctx context.Context, apiKeyID string) ([]*APIKeyScope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyScopeColumns+` FROM api_key_scopes WHERE api_key_id = ?`, apiKeyID)
	if err != nil {
		return nil, fmt.Errorf("list api key scopes: %w", err)
	}
	defer rows.Close()

	var scopes []*APIKeyScope
	for rows.Next() {
		scope, err := scanAPIKeyScope(rows)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// APIKeyAccessLevel resolves the access a scoped key has on an org, or on
// one project within it. An exact project scope wins over the org-wide
// row; among matching rows the strongest grant wins. Returns nil when no
// scope matches.
func (s *Store) APIKeyAccessLevel(ctx context.Context, apiKeyID, orgID string, projectID *string) (*AccessLevel, error) {
	const strongestFirst = ` ORDER BY CASE access WHEN 'admin' THEN 0 ELSE 1 END LIMIT 1`

	var row *sql.Row
	if projectID != nil {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+apiKeyScopeColumns+` FROM api_key_scopes
			 WHERE api_key_id = ? AND org_id = ? AND project_id = ?`+strongestFirst,
			apiKeyID, orgID, *projectID)
		scope, err := scanAPIKeyScope(row)
		if err != nil {
			return nil, err
		}
		if scope != nil {
			return &scope.Access, nil
		}
		row = s.db.QueryRowContext(ctx,
			`SELECT `+apiKeyScopeColumns+` FROM api_key_scopes
			 WHERE api_key_id = ? AND org_id = ? AND project_id IS NULL`+strongestFirst,
			apiKeyID, orgID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+apiKeyScopeColumns+` FROM api_key_scopes
			 WHERE api_key_id = ? AND org_id = ?`+strongestFirst,
			apiKeyID, orgID)
	}
	scope, err := scanAPIKeyScope(row)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		return nil, nil
	}
	return &scope.Access, nil
}

func scanAPIKey(sc scanner) (*APIKey, error) {
	var k APIKey
	var userManageable int
	var createdAt int64
	var lastUsedAt, expiresAt, revokedAt sql.NullInt64

	err := sc.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.KeyHash,
		&userManageable, &createdAt, &lastUsedAt, &expiresAt, &revokedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan api key: %w", err)
	}

	k.UserManageable = userManageable != 0
	k.CreatedAt = timeFromUnix(createdAt)
	k.LastUsedAt = timePtrFromNull(lastUsedAt)
	k.ExpiresAt = timePtrFromNull(expiresAt)
	k.RevokedAt = timePtrFromNull(revokedAt)
	return &k, nil
}

func scanAPIKeyScope(sc scanner) (*APIKeyScope, error) {
	var scope APIKeyScope
	var projectID sql.NullString
	var access string

	err := sc.Scan(&scope.APIKeyID, &scope.OrgID, &projectID, &access)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan api key scope: %w", err)
	}

	scope.ProjectID = strPtrFromNull(projectID)
	scope.Access = AccessLevel(access)
	return &scope, nil
}
