package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paychecklabs/paycheck/internal/errors"
)

const orgColumns = `id, name, payment_provider_default, stripe_config_ciphertext,
	ls_config_ciphertext, resend_key_ciphertext, created_at, updated_at, deleted_at`

// CreateOrganization inserts a new organization.
func (s *Store) CreateOrganization(ctx context.Context, name string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Validation("Organization name is required")
	}

	org := &Organization{
		ID:        NewID(),
		Name:      name,
		CreatedAt: now(),
	}
	org.UpdatedAt = org.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		org.ID, org.Name, org.CreatedAt.Unix(), org.UpdatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return org, nil
}

// GetOrganization returns a non-deleted organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = ? AND deleted_at IS NULL`, id)
	org, err := scanOrganization(row)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, errors.NotFound("Organization not found")
	}
	return org, nil
}

// ListOrganizations returns non-deleted organizations, newest first.
func (s *Store) ListOrganizations(ctx context.Context, page Page) ([]*Organization, int, error) {
	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM organizations WHERE deleted_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count organizations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE deleted_at IS NULL
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var orgs []*Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, 0, err
		}
		orgs = append(orgs, org)
	}
	return orgs, total, rows.Err()
}

// OrgUpdate is a three-state update record. Config ciphertexts arrive
// already encrypted; SetNull clears the provider configuration.
type OrgUpdate struct {
	Name                   Field[string] `json:"name"`
	PaymentProviderDefault Field[string] `json:"payment_provider_default"`
	StripeConfigCiphertext Field[string] `json:"-"`
	LSConfigCiphertext     Field[string] `json:"-"`
	ResendKeyCiphertext    Field[string] `json:"-"`
}

// UpdateOrganization applies a partial update and returns the fresh row.
func (s *Store) UpdateOrganization(ctx context.Context, id string, update OrgUpdate) (*Organization, error) {
	if update.Name.Present && (update.Name.Null || strings.TrimSpace(update.Name.Value) == "") {
		return nil, errors.Validation("Organization name cannot be empty")
	}
	if update.PaymentProviderDefault.Present && !update.PaymentProviderDefault.Null {
		if !Provider(update.PaymentProviderDefault.Value).Valid() {
			return nil, errors.Validationf("Invalid payment provider %q", update.PaymentProviderDefault.Value)
		}
	}

	sets := []string{"updated_at = ?"}
	args := []any{now().Unix()}
	if update.Name.Present {
		sets = append(sets, "name = ?")
		args = append(args, strings.TrimSpace(update.Name.Value))
	}
	appendField := func(column string, f Field[string]) {
		if !f.Present {
			return
		}
		sets = append(sets, column+" = ?")
		if f.Null {
			args = append(args, nil)
		} else {
			args = append(args, f.Value)
		}
	}
	appendField("payment_provider_default", update.PaymentProviderDefault)
	appendField("stripe_config_ciphertext", update.StripeConfigCiphertext)
	appendField("ls_config_ciphertext", update.LSConfigCiphertext)
	appendField("resend_key_ciphertext", update.ResendKeyCiphertext)
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET `+strings.Join(sets, ", ")+` WHERE id = ? AND deleted_at IS NULL`, args...)
	if err != nil {
		return nil, fmt.Errorf("update organization: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errors.NotFound("Organization not found")
	}
	return s.GetOrganization(ctx, id)
}

func scanOrganization(sc scanner) (*Organization, error) {
	var org Organization
	var provider, stripeCfg, lsCfg, resendKey sql.NullString
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	err := sc.Scan(&org.ID, &org.Name, &provider, &stripeCfg, &lsCfg, &resendKey,
		&createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	if provider.Valid {
		p := Provider(provider.String)
		org.PaymentProviderDefault = &p
	}
	org.StripeConfigCiphertext = strPtrFromNull(stripeCfg)
	org.LSConfigCiphertext = strPtrFromNull(lsCfg)
	org.ResendKeyCiphertext = strPtrFromNull(resendKey)
	org.CreatedAt = timeFromUnix(createdAt)
	org.UpdatedAt = timeFromUnix(updatedAt)
	org.DeletedAt = timePtrFromNull(deletedAt)
	return &org, nil
}

const orgMemberColumns = "id, user_id, org_id, role, created_at, deleted_at"

// CreateOrgMember adds a user to an organization.
func (s *Store) CreateOrgMember(ctx context.Context, orgID, userID string, role OrgRole) (*OrgMember, error) {
	if !role.Valid() {
		return nil, errors.Validationf("Invalid member role %q", role)
	}

	m := &OrgMember{
		ID:        NewID(),
		UserID:    userID,
		OrgID:     orgID,
		Role:      role,
		CreatedAt: now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_members (id, user_id, org_id, role, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.OrgID, string(m.Role), m.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Conflict("User is already a member of this organization")
		}
		return nil, fmt.Errorf("create org member: %w", err)
	}
	return m, nil
}

// GetOrgMember returns a non-deleted membership by id.
func (s *Store) GetOrgMember(ctx context.Context, id string) (*OrgMember, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgMemberColumns+` FROM org_members WHERE id = ? AND deleted_at IS NULL`, id)
	m, err := scanOrgMember(row)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.NotFound("Member not found")
	}
	return m, nil
}

// GetOrgMemberByUser returns the membership of a user in an org.
func (s *Store) GetOrgMemberByUser(ctx context.Context, orgID, userID string) (*OrgMember, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgMemberColumns+` FROM org_members
		 WHERE org_id = ? AND user_id = ? AND deleted_at IS NULL`, orgID, userID)
	m, err := scanOrgMember(row)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.NotFound("Member not found")
	}
	return m, nil
}

// ListOrgMembers returns memberships joined with users, oldest first so
// the owner created at bootstrap lists first.
func (s *Store) ListOrgMembers(ctx context.Context, orgID string, page Page) ([]*OrgMemberWithUser, int, error) {
	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM org_members WHERE org_id = ? AND deleted_at IS NULL`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count org members: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.user_id, m.org_id, m.role, m.created_at, m.deleted_at,
		       u.id, u.email, u.name, u.created_at, u.updated_at, u.deleted_at
		FROM org_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.org_id = ? AND m.deleted_at IS NULL
		ORDER BY m.created_at ASC, m.id LIMIT ? OFFSET ?`,
		orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list org members: %w", err)
	}
	defer rows.Close()

	var out []*OrgMemberWithUser
	for rows.Next() {
		var mw OrgMemberWithUser
		var role string
		var mCreated int64
		var mDeleted sql.NullInt64
		var uCreated, uUpdated int64
		var uDeleted sql.NullInt64
		if err := rows.Scan(
			&mw.OrgMember.ID, &mw.OrgMember.UserID, &mw.OrgMember.OrgID, &role, &mCreated, &mDeleted,
			&mw.User.ID, &mw.User.Email, &mw.User.Name, &uCreated, &uUpdated, &uDeleted,
		); err != nil {
			return nil, 0, fmt.Errorf("scan org member row: %w", err)
		}
		mw.OrgMember.Role = OrgRole(role)
		mw.OrgMember.CreatedAt = timeFromUnix(mCreated)
		mw.OrgMember.DeletedAt = timePtrFromNull(mDeleted)
		mw.User.CreatedAt = timeFromUnix(uCreated)
		mw.User.UpdatedAt = timeFromUnix(uUpdated)
		mw.User.DeletedAt = timePtrFromNull(uDeleted)
		out = append(out, &mw)
	}
	return out, total, rows.Err()
}

// UpdateOrgMemberRole changes a membership's role.
func (s *Store) UpdateOrgMemberRole(ctx context.Context, id string, role OrgRole) (*OrgMember, error) {
	if !role.Valid() {
		return nil, errors.Validationf("Invalid member role %q", role)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE org_members SET role = ? WHERE id = ? AND deleted_at IS NULL`, string(role), id)
	if err != nil {
		return nil, fmt.Errorf("update org member role: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errors.NotFound("Member not found")
	}
	return s.GetOrgMember(ctx, id)
}

func scanOrgMember(sc scanner) (*OrgMember, error) {
	var m OrgMember
	var role string
	var createdAt int64
	var deletedAt sql.NullInt64

	err := sc.Scan(&m.ID, &m.UserID, &m.OrgID, &role, &createdAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan org member: %w", err)
	}
	m.Role = OrgRole(role)
	m.CreatedAt = timeFromUnix(createdAt)
	m.DeletedAt = timePtrFromNull(deletedAt)
	return &m, nil
}
