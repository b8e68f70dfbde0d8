package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paychecklabs/paycheck/internal/errors"
)

const userColumns = "id, email, name, created_at, updated_at, deleted_at"

// CreateUser inserts a new user. Email uniqueness is enforced among
// non-deleted rows.
func (s *Store) CreateUser(ctx context.Context, email, name string) (*User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.Validation("Email is required")
	}

	u := &User{
		ID:        NewID(),
		Email:     email,
		Name:      strings.TrimSpace(name),
		CreatedAt: now(),
	}
	u.UpdatedAt = u.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.CreatedAt.Unix(), u.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Conflict("Email already exists")
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetUser returns a non-deleted user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ? AND deleted_at IS NULL`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.NotFound("User not found")
	}
	return u, nil
}

// GetUserByEmail returns a non-deleted user by exact email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ? AND deleted_at IS NULL`, strings.TrimSpace(email))
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.NotFound("User not found")
	}
	return u, nil
}

// ListUsers returns non-deleted users, optionally filtered by an email
// substring, newest first.
func (s *Store) ListUsers(ctx context.Context, emailFilter string, page Page) ([]*User, int, error) {
	page = page.Normalize()

	where := "deleted_at IS NULL"
	args := []any{}
	if emailFilter = strings.TrimSpace(emailFilter); emailFilter != "" {
		where += " AND email LIKE ?"
		args = append(args, "%"+emailFilter+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+where+`
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, u)
	}
	return users, total, rows.Err()
}

// UserUpdate is a three-state update record for PUT /users/{id}.
type UserUpdate struct {
	Email Field[string] `json:"email"`
	Name  Field[string] `json:"name"`
}

// UpdateUser applies a partial update and returns the fresh row.
func (s *Store) UpdateUser(ctx context.Context, id string, update UserUpdate) (*User, error) {
	if update.Email.Present && (update.Email.Null || strings.TrimSpace(update.Email.Value) == "") {
		return nil, errors.Validation("Email cannot be empty")
	}

	sets := []string{"updated_at = ?"}
	args := []any{now().Unix()}
	if update.Email.Present {
		sets = append(sets, "email = ?")
		args = append(args, strings.TrimSpace(update.Email.Value))
	}
	if update.Name.Present {
		sets = append(sets, "name = ?")
		if update.Name.Null {
			args = append(args, "")
		} else {
			args = append(args, strings.TrimSpace(update.Name.Value))
		}
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ? AND deleted_at IS NULL`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Conflict("Email already exists")
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errors.NotFound("User not found")
	}
	return s.GetUser(ctx, id)
}

func scanUser(sc scanner) (*User, error) {
	var u User
	var createdAt, updatedAt int64
	var deletedAt sql.NullInt64

	err := sc.Scan(&u.ID, &u.Email, &u.Name, &createdAt, &updatedAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = timeFromUnix(createdAt)
	u.UpdatedAt = timeFromUnix(updatedAt)
	u.DeletedAt = timePtrFromNull(deletedAt)
	return &u, nil
}

const operatorColumns = "id, user_id, role, created_at, deleted_at"

// CreateOperator grants a user system-wide access. At most one operator
// row per user.
func (s *Store) CreateOperator(ctx context.Context, userID string, role OperatorRole) (*Operator, error) {
	if !role.Valid() {
		return nil, errors.Validationf("Invalid operator role %q", role)
	}

	op := &Operator{
		ID:        NewID(),
		UserID:    userID,
		Role:      role,
		CreatedAt: now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operators (id, user_id, role, created_at)
		VALUES (?, ?, ?, ?)`,
		op.ID, op.UserID, string(op.Role), op.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Conflict("User is already an operator")
		}
		return nil, fmt.Errorf("create operator: %w", err)
	}
	return op, nil
}

// GetOperator returns a non-deleted operator by id.
func (s *Store) GetOperator(ctx context.Context, id string) (*Operator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE id = ? AND deleted_at IS NULL`, id)
	op, err := scanOperator(row)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, errors.NotFound("Operator not found")
	}
	return op, nil
}

// GetOperatorByUser returns the operator row for a user, or NotFound.
func (s *Store) GetOperatorByUser(ctx context.Context, userID string) (*Operator, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operatorColumns+` FROM operators WHERE user_id = ? AND deleted_at IS NULL`, userID)
	op, err := scanOperator(row)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, errors.NotFound("Operator not found")
	}
	return op, nil
}

// CountOperators counts non-deleted operators; used for first-run bootstrap.
func (s *Store) CountOperators(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operators WHERE deleted_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operators: %w", err)
	}
	return n, nil
}

// ListOperators returns operators joined with their users, newest first.
func (s *Store) ListOperators(ctx context.Context, page Page) ([]*OperatorWithUser, int, error) {
	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operators WHERE deleted_at IS NULL`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count operators: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.user_id, o.role, o.created_at, o.deleted_at,
		       u.id, u.email, u.name, u.created_at, u.updated_at, u.deleted_at
		FROM operators o
		JOIN users u ON u.id = o.user_id
		WHERE o.deleted_at IS NULL
		ORDER BY o.created_at DESC, o.id LIMIT ? OFFSET ?`,
		page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list operators: %w", err)
	}
	defer rows.Close()

	var out []*OperatorWithUser
	for rows.Next() {
		var ow OperatorWithUser
		var role string
		var opCreated int64
		var opDeleted sql.NullInt64
		var uCreated, uUpdated int64
		var uDeleted sql.NullInt64
		if err := rows.Scan(
			&ow.Operator.ID, &ow.Operator.UserID, &role, &opCreated, &opDeleted,
			&ow.User.ID, &ow.User.Email, &ow.User.Name, &uCreated, &uUpdated, &uDeleted,
		); err != nil {
			return nil, 0, fmt.Errorf("scan operator row: %w", err)
		}
		ow.Operator.Role = OperatorRole(role)
		ow.Operator.CreatedAt = timeFromUnix(opCreated)
		ow.Operator.DeletedAt = timePtrFromNull(opDeleted)
		ow.User.CreatedAt = timeFromUnix(uCreated)
		ow.User.UpdatedAt = timeFromUnix(uUpdated)
		ow.User.DeletedAt = timePtrFromNull(uDeleted)
		out = append(out, &ow)
	}
	return out, total, rows.Err()
}

// UpdateOperatorRole changes an operator's role.
func (s *Store) UpdateOperatorRole(ctx context.Context, id string, role OperatorRole) (*Operator, error) {
	if !role.Valid() {
		return nil, errors.Validationf("Invalid operator role %q", role)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE operators SET role = ? WHERE id = ? AND deleted_at IS NULL`, string(role), id)
	if err != nil {
		return nil, fmt.Errorf("update operator role: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errors.NotFound("Operator not found")
	}
	return s.GetOperator(ctx, id)
}

func scanOperator(sc scanner) (*Operator, error) {
	var op Operator
	var role string
	var createdAt int64
	var deletedAt sql.NullInt64

	err := sc.Scan(&op.ID, &op.UserID, &role, &createdAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan operator: %w", err)
	}
	op.Role = OperatorRole(role)
	op.CreatedAt = timeFromUnix(createdAt)
	op.DeletedAt = timePtrFromNull(deletedAt)
	return &op, nil
}
