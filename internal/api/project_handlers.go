package api

import (
	"net/http"

	"github.com/paychecklabs/paycheck/internal/authz"
	"github.com/paychecklabs/paycheck/internal/crypto"
	"github.com/paychecklabs/paycheck/internal/errors"
	"github.com/paychecklabs/paycheck/internal/store"
	"github.com/paychecklabs/paycheck/internal/token"
	"github.com/paychecklabs/paycheck/pkg/audit"
)

// ProjectHandlers serves project CRUD, signing-key rotation and
// project-member grants.
type ProjectHandlers struct {
	store  *store.Store
	vault  *crypto.Vault
	minter *token.Minter
	trail  trail
}

func NewProjectHandlers(st *store.Store, vault *crypto.Vault, minter *token.Minter, tr trail) *ProjectHandlers {
	return &ProjectHandlers{store: st, vault: vault, minter: minter, trail: tr}
}

type createProjectRequest struct {
	Name                string   `json:"name"`
	LicenseKeyPrefix    string   `json:"license_key_prefix"`
	SigningAlg          string   `json:"signing_alg,omitempty"`
	RedirectURL         *string  `json:"redirect_url,omitempty"`
	AllowedRedirectURLs []string `json:"allowed_redirect_urls,omitempty"`
	EmailEnabled        bool     `json:"email_enabled,omitempty"`
	EmailWebhookURL     *string  `json:"email_webhook_url,omitempty"`
	EmailFrom           *string  `json:"email_from,omitempty"`
}

// Create generates the project's signing keypair and persists the private
// key as an envelope ciphertext bound to the new project id.
func (h *ProjectHandlers) Create(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var body createProjectRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	alg := store.SigningAlg(body.SigningAlg)
	if body.SigningAlg != "" && !alg.Valid() {
		writeError(w, r, errors.Validationf("Invalid signing algorithm %q", body.SigningAlg))
		return
	}

	material, err := token.Generate(alg)
	if err != nil {
		writeError(w, r, errors.Internal("api.CreateProject", err))
		return
	}
	id := store.NewID()
	ciphertext, err := h.vault.EncryptString(id, material.PrivateKeyPEM)
	if err != nil {
		writeError(w, r, errors.Internal("api.CreateProject", err))
		return
	}

	project := &store.Project{
		ID:                   id,
		OrgID:                mc.Member.OrgID,
		Name:                 body.Name,
		LicenseKeyPrefix:     body.LicenseKeyPrefix,
		SigningAlg:           material.Alg,
		PrivateKeyCiphertext: ciphertext,
		PublicKeyPEM:         material.PublicKeyPEM,
		KeyID:                material.KeyID,
		RedirectURL:          body.RedirectURL,
		AllowedRedirectURLs:  body.AllowedRedirectURLs,
		EmailEnabled:         body.EmailEnabled,
		EmailWebhookURL:      body.EmailWebhookURL,
		EmailFrom:            body.EmailFrom,
	}
	if err := h.store.CreateProject(r.Context(), project); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "create_project",
		ResourceType: "project",
		ResourceID:   project.ID,
		ResourceName: project.Name,
		ProjectID:    project.ID,
		ProjectName:  project.Name,
		Details:      audit.JSON(map[string]any{"name": project.Name, "signing_alg": project.SigningAlg}),
	})

	writeJSON(w, http.StatusCreated, project)
}

// List pages through the projects the caller can see.
func (h *ProjectHandlers) List(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	page := pageFromQuery(r)

	// Plain members get their granted projects only; ungranted ones must
	// not even show up by name.
	var (
		projects []*store.Project
		total    int
		err      error
	)
	if mc.Member.Role.HasImplicitProjectAccess() {
		projects, total, err = h.store.ListProjects(r.Context(), mc.Member.OrgID, page)
	} else {
		projects, total, err = h.store.ListProjectsForMember(r.Context(), mc.Member.OrgID, mc.Member.ID, page)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projects": projects,
		"total":    total,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// Get returns the resolved project. The JSON shape exposes the public key
// and never the private ciphertext.
func (h *ProjectHandlers) Get(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	writeJSON(w, http.StatusOK, mc.Project)
}

// Update applies a partial update. Fields absent from the payload stay
// untouched; explicit nulls clear.
func (h *ProjectHandlers) Update(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var update store.ProjectUpdate
	if err := decodeJSON(w, r, &update); err != nil {
		writeError(w, r, err)
		return
	}

	project, err := h.store.UpdateProject(r.Context(), mc.Project.ID, update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.minter.Invalidate(project.ID)

	h.trail.Member(r, mc, audit.Event{
		Action:       "update_project",
		ResourceType: "project",
		ResourceID:   project.ID,
		ResourceName: project.Name,
		Details:      audit.JSON(map[string]any{"name": project.Name}),
	})

	writeJSON(w, http.StatusOK, project)
}

// Delete soft-deletes the project and cascades to its products, licenses
// and sessions.
func (h *ProjectHandlers) Delete(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	if err := h.store.SoftDeleteProject(r.Context(), mc.Project.ID); err != nil {
		writeError(w, r, err)
		return
	}
	h.minter.Invalidate(mc.Project.ID)

	h.trail.Member(r, mc, audit.Event{
		Action:       "delete_project",
		ResourceType: "project",
		ResourceID:   mc.Project.ID,
		ResourceName: mc.Project.Name,
		Details:      audit.JSON(map[string]any{"name": mc.Project.Name}),
	})

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

type restoreRequest struct {
	Force bool `json:"force"`
}

// Restore undoes a soft delete. Force restores even when the parent chain
// was deleted in a separate operation.
func (h *ProjectHandlers) Restore(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var body restoreRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}

	ctx := r.Context()
	projectID := r.PathValue("project")
	orgID, err := h.store.ProjectOrgID(ctx, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if orgID != mc.Member.OrgID {
		writeError(w, r, errors.NotFound("Project not found"))
		return
	}

	if err := h.store.RestoreProject(ctx, projectID, body.Force); err != nil {
		writeError(w, r, err)
		return
	}
	project, err := h.store.GetProject(ctx, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "restore_project",
		ResourceType: "project",
		ResourceID:   project.ID,
		ResourceName: project.Name,
		Details:      audit.JSON(map[string]any{"name": project.Name, "force": body.Force}),
	})

	writeJSON(w, http.StatusOK, project)
}

type rotateKeyRequest struct {
	SigningAlg string `json:"signing_alg,omitempty"`
}

// RotateSigningKey swaps in a fresh keypair. The old public key stays in
// the JWKS for the grace window so live tokens keep validating.
func (h *ProjectHandlers) RotateSigningKey(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var body rotateKeyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	alg := store.SigningAlg(body.SigningAlg)
	if body.SigningAlg != "" && !alg.Valid() {
		writeError(w, r, errors.Validationf("Invalid signing algorithm %q", body.SigningAlg))
		return
	}

	project, err := h.minter.Rotate(r.Context(), mc.Project, alg)
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "rotate_signing_key",
		ResourceType: "project",
		ResourceID:   project.ID,
		ResourceName: project.Name,
		Details:      audit.JSON(map[string]any{"signing_alg": project.SigningAlg, "key_id": project.KeyID}),
	})

	writeJSON(w, http.StatusOK, project)
}

type createProjectMemberRequest struct {
	OrgMemberID string `json:"org_member_id"`
	Role        string `json:"role"`
}

// CreateMember grants an org member explicit access to this project.
func (h *ProjectHandlers) CreateMember(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var body createProjectMemberRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.OrgMemberID == "" {
		writeError(w, r, errors.Validation("org_member_id is required"))
		return
	}

	ctx := r.Context()
	orgMember, err := h.store.GetOrgMember(ctx, body.OrgMemberID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if orgMember.OrgID != mc.Member.OrgID {
		writeError(w, r, errors.NotFound("Member not found"))
		return
	}

	member, err := h.store.CreateProjectMember(ctx, mc.Project.ID, orgMember.ID, store.ProjectRole(body.Role))
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "create_project_member",
		ResourceType: "project_member",
		ResourceID:   member.ID,
		Details:      audit.JSON(map[string]any{"org_member_id": orgMember.ID, "role": member.Role}),
	})

	writeJSON(w, http.StatusCreated, member)
}

// ListMembers returns the project's explicit grants.
func (h *ProjectHandlers) ListMembers(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	members, err := h.store.ListProjectMembers(r.Context(), mc.Project.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

type updateProjectMemberRequest struct {
	Role string `json:"role"`
}

// UpdateMember changes a grant's role.
func (h *ProjectHandlers) UpdateMember(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	var body updateProjectMemberRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, err)
		return
	}

	member, err := h.projectMemberIn(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	updated, err := h.store.UpdateProjectMemberRole(r.Context(), member.ID, store.ProjectRole(body.Role))
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "update_project_member",
		ResourceType: "project_member",
		ResourceID:   updated.ID,
		Details:      audit.JSON(map[string]any{"org_member_id": updated.OrgMemberID, "role": updated.Role}),
	})

	writeJSON(w, http.StatusOK, updated)
}

// DeleteMember revokes a grant. The member keeps whatever access their org
// role already implies.
func (h *ProjectHandlers) DeleteMember(w http.ResponseWriter, r *http.Request, mc *authz.MemberContext) {
	member, err := h.projectMemberIn(r, mc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.store.DeleteProjectMember(r.Context(), member.ID); err != nil {
		writeError(w, r, err)
		return
	}

	h.trail.Member(r, mc, audit.Event{
		Action:       "delete_project_member",
		ResourceType: "project_member",
		ResourceID:   member.ID,
		Details:      audit.JSON(map[string]any{"org_member_id": member.OrgMemberID}),
	})

	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *ProjectHandlers) projectMemberIn(r *http.Request, mc *authz.MemberContext) (*store.ProjectMember, error) {
	member, err := h.store.GetProjectMember(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if member.ProjectID != mc.Project.ID {
		return nil, errors.NotFound("Member not found")
	}
	return member, nil
}
