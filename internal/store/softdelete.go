package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paychecklabs/paycheck/internal/errors"
)

// Soft deletes cascade down two trees:
//
//	users         -> operators, org_members
//	organizations -> org_members, projects -> products -> licenses
//
// The root of a delete gets deleted_cascade_depth = 0 and the children get
// increasing depths, all sharing the root's deleted_at. Restore reverses
// exactly one delete: the root row plus every child whose deleted_at
// matches, leaving children that were deleted separately alone. A cascaded
// row (depth > 0) only restores directly with force.

func markDeleted(ctx context.Context, tx *sql.Tx, table, id string, deletedAt int64) (bool, error) {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = ?, deleted_cascade_depth = 0 WHERE id = ? AND deleted_at IS NULL`,
		table), deletedAt, id)
	if err != nil {
		return false, fmt.Errorf("soft delete %s: %w", table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("soft delete %s: %w", table, err)
	}
	return affected > 0, nil
}

func cascadeDelete(ctx context.Context, tx *sql.Tx, table, fkColumn, parentID string, deletedAt int64, depth int) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = ?, deleted_cascade_depth = ? WHERE %s = ? AND deleted_at IS NULL`,
		table, fkColumn), deletedAt, depth, parentID)
	if err != nil {
		return fmt.Errorf("cascade delete %s: %w", table, err)
	}
	return nil
}

func cascadeDeleteSubquery(ctx context.Context, tx *sql.Tx, table, fkColumn, subquery, parentID string, deletedAt int64, depth int) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = ?, deleted_cascade_depth = ? WHERE %s IN (%s) AND deleted_at IS NULL`,
		table, fkColumn, subquery), deletedAt, depth, parentID)
	if err != nil {
		return fmt.Errorf("cascade delete %s: %w", table, err)
	}
	return nil
}

// loadDeleteState returns (deletedAt, depth) for a row, or NotFound.
func loadDeleteState(ctx context.Context, tx *sql.Tx, table, entity, id string) (sql.NullInt64, int, error) {
	var deletedAt sql.NullInt64
	var depth int
	err := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT deleted_at, deleted_cascade_depth FROM %s WHERE id = ?`, table), id).
		Scan(&deletedAt, &depth)
	if err == sql.ErrNoRows {
		return deletedAt, 0, errors.NotFound(entity + " not found")
	}
	if err != nil {
		return deletedAt, 0, fmt.Errorf("load delete state: %w", err)
	}
	return deletedAt, depth, nil
}

func restoreRoot(ctx context.Context, tx *sql.Tx, table, entity, id string, force bool) (int64, error) {
	deletedAt, depth, err := loadDeleteState(ctx, tx, table, entity, id)
	if err != nil {
		return 0, err
	}
	if !deletedAt.Valid {
		return 0, errors.Validation(entity + " is not deleted")
	}
	if depth > 0 && !force {
		return 0, errors.Validation(entity + " was deleted via cascade. Use force=true or restore the parent entity first.")
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = NULL, deleted_cascade_depth = 0 WHERE id = ?`, table), id); err != nil {
		return 0, fmt.Errorf("restore %s: %w", table, err)
	}
	return deletedAt.Int64, nil
}

func restoreCascaded(ctx context.Context, tx *sql.Tx, table, fkColumn, parentID string, deletedAt int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = NULL, deleted_cascade_depth = 0
		 WHERE %s = ? AND deleted_at = ? AND deleted_cascade_depth > 0`,
		table, fkColumn), parentID, deletedAt)
	if err != nil {
		return fmt.Errorf("restore cascaded %s: %w", table, err)
	}
	return nil
}

func restoreCascadedSubquery(ctx context.Context, tx *sql.Tx, table, fkColumn, subquery, parentID string, deletedAt int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted_at = NULL, deleted_cascade_depth = 0
		 WHERE %s IN (%s) AND deleted_at = ? AND deleted_cascade_depth > 0`,
		table, fkColumn, subquery), parentID, deletedAt)
	if err != nil {
		return fmt.Errorf("restore cascaded %s: %w", table, err)
	}
	return nil
}

// SoftDeleteUser deletes a user and cascades to their operator record and
// org memberships.
func (s *Store) SoftDeleteUser(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now().Unix()
		deleted, err := markDeleted(ctx, tx, "users", id, ts)
		if err != nil {
			return err
		}
		if !deleted {
			return errors.NotFound("User not found")
		}
		if err := cascadeDelete(ctx, tx, "operators", "user_id", id, ts, 1); err != nil {
			return err
		}
		return cascadeDelete(ctx, tx, "org_members", "user_id", id, ts, 1)
	})
}

// RestoreUser undoes one user delete along with the memberships it took
// down.
func (s *Store) RestoreUser(ctx context.Context, id string, force bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts, err := restoreRoot(ctx, tx, "users", "User", id, force)
		if err != nil {
			return err
		}
		if err := restoreCascaded(ctx, tx, "operators", "user_id", id, ts); err != nil {
			return err
		}
		return restoreCascaded(ctx, tx, "org_members", "user_id", id, ts)
	})
}

const projectsInOrg = `SELECT id FROM projects WHERE org_id = ?`

// SoftDeleteOrganization deletes the whole tenant subtree: memberships,
// projects, products, and licenses.
func (s *Store) SoftDeleteOrganization(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now().Unix()
		deleted, err := markDeleted(ctx, tx, "organizations", id, ts)
		if err != nil {
			return err
		}
		if !deleted {
			return errors.NotFound("Organization not found")
		}
		if err := cascadeDelete(ctx, tx, "org_members", "org_id", id, ts, 1); err != nil {
			return err
		}
		// Cascade before the projects rows themselves are marked, so the
		// subqueries still see them as live.
		if err := cascadeDeleteSubquery(ctx, tx, "products", "project_id", projectsInOrg, id, ts, 2); err != nil {
			return err
		}
		if err := cascadeDeleteSubquery(ctx, tx, "licenses", "project_id", projectsInOrg, id, ts, 3); err != nil {
			return err
		}
		return cascadeDelete(ctx, tx, "projects", "org_id", id, ts, 1)
	})
}

// RestoreOrganization undoes one organization delete and every row that
// went down in the same cascade.
func (s *Store) RestoreOrganization(ctx context.Context, id string, force bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts, err := restoreRoot(ctx, tx, "organizations", "Organization", id, force)
		if err != nil {
			return err
		}
		if err := restoreCascaded(ctx, tx, "org_members", "org_id", id, ts); err != nil {
			return err
		}
		// Restore projects first so the subqueries see them again.
		if err := restoreCascaded(ctx, tx, "projects", "org_id", id, ts); err != nil {
			return err
		}
		if err := restoreCascadedSubquery(ctx, tx, "products", "project_id", projectsInOrg, id, ts); err != nil {
			return err
		}
		return restoreCascadedSubquery(ctx, tx, "licenses", "project_id", projectsInOrg, id, ts)
	})
}

// SoftDeleteProject deletes a project with its products and licenses.
func (s *Store) SoftDeleteProject(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now().Unix()
		deleted, err := markDeleted(ctx, tx, "projects", id, ts)
		if err != nil {
			return err
		}
		if !deleted {
			return errors.NotFound("Project not found")
		}
		if err := cascadeDelete(ctx, tx, "products", "project_id", id, ts, 1); err != nil {
			return err
		}
		return cascadeDelete(ctx, tx, "licenses", "project_id", id, ts, 2)
	})
}

// RestoreProject undoes one project delete with its products and licenses.
func (s *Store) RestoreProject(ctx context.Context, id string, force bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts, err := restoreRoot(ctx, tx, "projects", "Project", id, force)
		if err != nil {
			return err
		}
		if err := restoreCascaded(ctx, tx, "products", "project_id", id, ts); err != nil {
			return err
		}
		return restoreCascaded(ctx, tx, "licenses", "project_id", id, ts)
	})
}

// SoftDeleteProduct deletes a product and its licenses.
func (s *Store) SoftDeleteProduct(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now().Unix()
		deleted, err := markDeleted(ctx, tx, "products", id, ts)
		if err != nil {
			return err
		}
		if !deleted {
			return errors.NotFound("Product not found")
		}
		return cascadeDelete(ctx, tx, "licenses", "product_id", id, ts, 1)
	})
}

// RestoreProduct undoes one product delete and its licenses.
func (s *Store) RestoreProduct(ctx context.Context, id string, force bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts, err := restoreRoot(ctx, tx, "products", "Product", id, force)
		if err != nil {
			return err
		}
		return restoreCascaded(ctx, tx, "licenses", "product_id", id, ts)
	})
}

// SoftDeleteLicense deletes a single license. Leaf entity: no cascade.
func (s *Store) SoftDeleteLicense(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now().Unix()
		deleted, err := markDeleted(ctx, tx, "licenses", id, ts)
		if err != nil {
			return err
		}
		if !deleted {
			return errors.NotFound("License not found")
		}
		return nil
	})
}

// RestoreLicense undoes one license delete.
func (s *Store) RestoreLicense(ctx context.Context, id string, force bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := restoreRoot(ctx, tx, "licenses", "License", id, force)
		return err
	})
}

// SoftDeleteOrgMember removes a membership. Leaf entity: no cascade.
func (s *Store) SoftDeleteOrgMember(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now().Unix()
		deleted, err := markDeleted(ctx, tx, "org_members", id, ts)
		if err != nil {
			return err
		}
		if !deleted {
			return errors.NotFound("Org member not found")
		}
		return nil
	})
}

// SoftDeleteOperator removes an operator grant. Leaf entity: no cascade.
func (s *Store) SoftDeleteOperator(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		ts := now().Unix()
		deleted, err := markDeleted(ctx, tx, "operators", id, ts)
		if err != nil {
			return err
		}
		if !deleted {
			return errors.NotFound("Operator not found")
		}
		return nil
	})
}

// purgeSteps run in dependency order: rows that merely reference a
// soft-deleted parent (and carry no deleted_at of their own) go first, then
// the soft-deleted tables leaf to root.
var purgeSteps = []struct {
	table string
	where string
}{
	{"api_key_scopes", `api_key_id IN (SELECT id FROM api_keys WHERE user_id IN (SELECT id FROM users WHERE deleted_at IS NOT NULL AND deleted_at < ?))
		OR org_id IN (SELECT id FROM organizations WHERE deleted_at IS NOT NULL AND deleted_at < ?)`},
	{"api_keys", `user_id IN (SELECT id FROM users WHERE deleted_at IS NOT NULL AND deleted_at < ?)`},
	{"activation_codes", `license_id IN (SELECT id FROM licenses WHERE deleted_at IS NOT NULL AND deleted_at < ?)`},
	{"devices", `license_id IN (SELECT id FROM licenses WHERE deleted_at IS NOT NULL AND deleted_at < ?)`},
	{"licenses", `deleted_at IS NOT NULL AND deleted_at < ?`},
	{"product_payment_configs", `product_id IN (SELECT id FROM products WHERE deleted_at IS NOT NULL AND deleted_at < ?)`},
	{"products", `deleted_at IS NOT NULL AND deleted_at < ?`},
	{"project_members", `project_id IN (SELECT id FROM projects WHERE deleted_at IS NOT NULL AND deleted_at < ?)
		OR org_member_id IN (SELECT id FROM org_members WHERE deleted_at IS NOT NULL AND deleted_at < ?)`},
	{"projects", `deleted_at IS NOT NULL AND deleted_at < ?`},
	{"org_members", `deleted_at IS NOT NULL AND deleted_at < ?`},
	{"operators", `deleted_at IS NOT NULL AND deleted_at < ?`},
	{"organizations", `deleted_at IS NOT NULL AND deleted_at < ?`},
	{"users", `deleted_at IS NOT NULL AND deleted_at < ?`},
}

// PurgeSoftDeleted hard-deletes rows whose deleted_at is older than the
// cutoff, dependents first so foreign keys stay satisfied. Returns the
// total number of rows removed.
func (s *Store) PurgeSoftDeleted(ctx context.Context, cutoff int64) (int64, error) {
	var total int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, step := range purgeSteps {
			args := make([]any, strings.Count(step.where, "?"))
			for i := range args {
				args[i] = cutoff
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM `+step.table+` WHERE `+step.where, args...)
			if err != nil {
				return fmt.Errorf("purge %s: %w", step.table, err)
			}
			deleted, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("purge %s: %w", step.table, err)
			}
			total += deleted
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
