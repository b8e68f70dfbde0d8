package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paychecklabs/paycheck/internal/errors"
)

const projectColumns = `id, org_id, name, license_key_prefix, signing_alg,
	private_key_ciphertext, public_key_pem, key_id, retired_keys, redirect_url,
	allowed_redirect_urls, email_enabled, email_webhook_url, email_from,
	created_at, updated_at, deleted_at`

// CreateProject inserts a fully assembled project row. The caller supplies
// the generated keypair fields.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.Validation("Project name is required")
	}
	if strings.TrimSpace(p.LicenseKeyPrefix) == "" {
		return errors.Validation("License key prefix is required")
	}
	if !p.SigningAlg.Valid() {
		return errors.Validationf("Invalid signing algorithm %q", p.SigningAlg)
	}

	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}
	p.UpdatedAt = p.CreatedAt

	retired, err := encodeJSON(p.RetiredKeys)
	if err != nil {
		return err
	}
	allowed, err := encodeJSON(p.AllowedRedirectURLs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (
			id, org_id, name, license_key_prefix, signing_alg,
			private_key_ciphertext, public_key_pem, key_id, retired_keys,
			redirect_url, allowed_redirect_urls, email_enabled,
			email_webhook_url, email_from, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrgID, p.Name, p.LicenseKeyPrefix, string(p.SigningAlg),
		p.PrivateKeyCiphertext, p.PublicKeyPEM, p.KeyID, retired,
		nullableString(p.RedirectURL), allowed, boolToInt(p.EmailEnabled),
		nullableString(p.EmailWebhookURL), nullableString(p.EmailFrom),
		p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetProject returns a non-deleted project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanProject(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.NotFound("Project not found")
	}
	return p, nil
}

// ProjectOrgID returns the owning org of a project, deleted or not.
// Restore endpoints need the owner before the row is visible again.
func (s *Store) ProjectOrgID(ctx context.Context, id string) (string, error) {
	var orgID string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id FROM projects WHERE id = ?`, id).Scan(&orgID)
	if err == sql.ErrNoRows {
		return "", errors.NotFound("Project not found")
	}
	if err != nil {
		return "", fmt.Errorf("project org: %w", err)
	}
	return orgID, nil
}

// ListProjects returns an org's non-deleted projects, newest first.
func (s *Store) ListProjects(ctx context.Context, orgID string, page Page) ([]*Project, int, error) {
	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE org_id = ? AND deleted_at IS NULL`, orgID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count projects: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE org_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, orgID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, err
		}
		projects = append(projects, p)
	}
	return projects, total, rows.Err()
}

// ListProjectsForMember returns only the projects the org member holds an
// explicit grant on. Owners and admins see the whole org and never need it.
func (s *Store) ListProjectsForMember(ctx context.Context, orgID, orgMemberID string, page Page) ([]*Project, int, error) {
	page = page.Normalize()

	const granted = `id IN (SELECT project_id FROM project_members WHERE org_member_id = ?)`

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE org_id = ? AND deleted_at IS NULL AND `+granted,
		orgID, orgMemberID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count member projects: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects
		 WHERE org_id = ? AND deleted_at IS NULL AND `+granted+`
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		orgID, orgMemberID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list member projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, 0, err
		}
		projects = append(projects, p)
	}
	return projects, total, rows.Err()
}

// ProjectUpdate is a three-state update record for PUT .../projects/{id}.
type ProjectUpdate struct {
	Name                Field[string]   `json:"name"`
	RedirectURL         Field[string]   `json:"redirect_url"`
	AllowedRedirectURLs Field[[]string] `json:"allowed_redirect_urls"`
	EmailEnabled        Field[bool]     `json:"email_enabled"`
	EmailWebhookURL     Field[string]   `json:"email_webhook_url"`
	EmailFrom           Field[string]   `json:"email_from"`
}

// UpdateProject applies a partial update and returns the fresh row.
func (s *Store) UpdateProject(ctx context.Context, id string, update ProjectUpdate) (*Project, error) {
	if update.Name.Present && (update.Name.Null || strings.TrimSpace(update.Name.Value) == "") {
		return nil, errors.Validation("Project name cannot be empty")
	}

	sets := []string{"updated_at = ?"}
	args := []any{now().Unix()}
	if update.Name.Present {
		sets = append(sets, "name = ?")
		args = append(args, strings.TrimSpace(update.Name.Value))
	}
	appendNullable := func(column string, f Field[string]) {
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
	appendNullable("redirect_url", update.RedirectURL)
	appendNullable("email_webhook_url", update.EmailWebhookURL)
	appendNullable("email_from", update.EmailFrom)
	if update.AllowedRedirectURLs.Present {
		urls := update.AllowedRedirectURLs.Value
		if update.AllowedRedirectURLs.Null {
			urls = nil
		}
		encoded, err := encodeJSON(urls)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "allowed_redirect_urls = ?")
		args = append(args, encoded)
	}
	if update.EmailEnabled.Present && !update.EmailEnabled.Null {
		sets = append(sets, "email_enabled = ?")
		args = append(args, boolToInt(update.EmailEnabled.Value))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET `+strings.Join(sets, ", ")+` WHERE id = ? AND deleted_at IS NULL`, args...)
	if err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errors.NotFound("Project not found")
	}
	return s.GetProject(ctx, id)
}

// RotateProjectKey swaps in a fresh signing keypair and appends the old
// public key to the retired set.
func (s *Store) RotateProjectKey(ctx context.Context, id string, alg SigningAlg,
	privateKeyCiphertext, publicKeyPEM, keyID string, retired []RetiredKey) error {

	encoded, err := encodeJSON(retired)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET signing_alg = ?, private_key_ciphertext = ?,
			public_key_pem = ?, key_id = ?, retired_keys = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		string(alg), privateKeyCiphertext, publicKeyPEM, keyID, encoded, now().Unix(), id)
	if err != nil {
		return fmt.Errorf("rotate project key: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.NotFound("Project not found")
	}
	return nil
}

func scanProject(sc scanner) (*Project, error) {
	var p Project
	var alg string
	var retired, allowed string
	var redirectURL, webhookURL, emailFrom sql.NullString
	var emailEnabled int
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	err := sc.Scan(&p.ID, &p.OrgID, &p.Name, &p.LicenseKeyPrefix, &alg,
		&p.PrivateKeyCiphertext, &p.PublicKeyPEM, &p.KeyID, &retired,
		&redirectURL, &allowed, &emailEnabled, &webhookURL, &emailFrom,
		&createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}

	p.SigningAlg = SigningAlg(alg)
	if p.RetiredKeys, err = decodeRetiredKeys(retired); err != nil {
		return nil, err
	}
	if p.AllowedRedirectURLs, err = decodeStrings(allowed); err != nil {
		return nil, err
	}
	p.RedirectURL = strPtrFromNull(redirectURL)
	p.EmailEnabled = emailEnabled != 0
	p.EmailWebhookURL = strPtrFromNull(webhookURL)
	p.EmailFrom = strPtrFromNull(emailFrom)
	p.CreatedAt = timeFromUnix(createdAt)
	p.UpdatedAt = timeFromUnix(updatedAt)
	p.DeletedAt = timePtrFromNull(deletedAt)
	return &p, nil
}

const projectMemberColumns = "id, org_member_id, project_id, role, created_at"

// CreateProjectMember grants an org member access to a project.
func (s *Store) CreateProjectMember(ctx context.Context, projectID, orgMemberID string, role ProjectRole) (*ProjectMember, error) {
	if !role.Valid() {
		return nil, errors.Validationf("Invalid project role %q", role)
	}

	pm := &ProjectMember{
		ID:          NewID(),
		OrgMemberID: orgMemberID,
		ProjectID:   projectID,
		Role:        role,
		CreatedAt:   now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (id, org_member_id, project_id, role, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		pm.ID, pm.OrgMemberID, pm.ProjectID, string(pm.Role), pm.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Conflict("Member already has access to this project")
		}
		return nil, fmt.Errorf("create project member: %w", err)
	}
	return pm, nil
}

// GetProjectMember returns a grant by id.
func (s *Store) GetProjectMember(ctx context.Context, id string) (*ProjectMember, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectMemberColumns+` FROM project_members WHERE id = ?`, id)
	pm, err := scanProjectMember(row)
	if err != nil {
		return nil, err
	}
	if pm == nil {
		return nil, errors.NotFound("Project member not found")
	}
	return pm, nil
}

// GetProjectMemberByOrgMember returns the grant for one org member on one
// project, or NotFound.
func (s *Store) GetProjectMemberByOrgMember(ctx context.Context, projectID, orgMemberID string) (*ProjectMember, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectMemberColumns+` FROM project_members
		 WHERE project_id = ? AND org_member_id = ?`, projectID, orgMemberID)
	pm, err := scanProjectMember(row)
	if err != nil {
		return nil, err
	}
	if pm == nil {
		return nil, errors.NotFound("Project member not found")
	}
	return pm, nil
}

// ListProjectMembers returns all grants on a project.
func (s *Store) ListProjectMembers(ctx context.Context, projectID string) ([]*ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectMemberColumns+` FROM project_members
		 WHERE project_id = ? ORDER BY created_at ASC, id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	var members []*ProjectMember
	for rows.Next() {
		pm, err := scanProjectMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, pm)
	}
	return members, rows.Err()
}

// UpdateProjectMemberRole changes a grant's role.
func (s *Store) UpdateProjectMemberRole(ctx context.Context, id string, role ProjectRole) (*ProjectMember, error) {
	if !role.Valid() {
		return nil, errors.Validationf("Invalid project role %q", role)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE project_members SET role = ? WHERE id = ?`, string(role), id)
	if err != nil {
		return nil, fmt.Errorf("update project member role: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errors.NotFound("Project member not found")
	}
	return s.GetProjectMember(ctx, id)
}

// DeleteProjectMember removes a grant. Grants are pure access rows, so
// this is a hard delete.
func (s *Store) DeleteProjectMember(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project member: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.NotFound("Project member not found")
	}
	return nil
}

func scanProjectMember(sc scanner) (*ProjectMember, error) {
	var pm ProjectMember
	var role string
	var createdAt int64

	err := sc.Scan(&pm.ID, &pm.OrgMemberID, &pm.ProjectID, &role, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan project member: %w", err)
	}
	pm.Role = ProjectRole(role)
	pm.CreatedAt = timeFromUnix(createdAt)
	return &pm, nil
}
