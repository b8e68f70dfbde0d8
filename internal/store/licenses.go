package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paychecklabs/paycheck/internal/errors"
)

const licenseColumns = `id, project_id, product_id, email_hash, customer_id,
	key_hash, key_ciphertext, activation_count, revoked, revoked_jtis,
	expires_at, updates_expires_at, payment_provider, payment_customer_id,
	payment_subscription_id, payment_order_id, created_at, deleted_at`

// CreateLicense inserts a license. The caller supplies the key hash and the
// encrypted key; the store never sees the plaintext.
func (s *Store) CreateLicense(ctx context.Context, l *License) error {
	if l.KeyHash == "" || l.KeyCiphertext == "" {
		return errors.Validation("License key material is required")
	}
	if l.PaymentProvider != nil && !l.PaymentProvider.Valid() {
		return errors.Validationf("Invalid payment provider %q", *l.PaymentProvider)
	}

	if l.ID == "" {
		l.ID = NewID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now()
	}
	if l.RevokedJTIs == nil {
		l.RevokedJTIs = []string{}
	}

	jtis, err := encodeJSON(l.RevokedJTIs)
	if err != nil {
		return err
	}
	var provider any
	if l.PaymentProvider != nil {
		provider = string(*l.PaymentProvider)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO licenses (id, project_id, product_id, email_hash, customer_id,
			key_hash, key_ciphertext, activation_count, revoked, revoked_jtis,
			expires_at, updates_expires_at, payment_provider, payment_customer_id,
			payment_subscription_id, payment_order_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ProjectID, l.ProductID, nullableString(l.EmailHash),
		nullableString(l.CustomerID), l.KeyHash, l.KeyCiphertext,
		l.ActivationCount, boolToInt(l.Revoked), jtis,
		nullableTimeUnix(l.ExpiresAt), nullableTimeUnix(l.UpdatesExpiresAt),
		provider, nullableString(l.PaymentCustomerID),
		nullableString(l.PaymentSubscriptionID), nullableString(l.PaymentOrderID),
		l.CreatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflict("License key already exists")
		}
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetLicense returns a non-deleted license by id.
func (s *Store) GetLicense(ctx context.Context, id string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = ? AND deleted_at IS NULL`, id)
	l, err := scanLicense(row)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.NotFound("License not found")
	}
	return l, nil
}

// GetLicenseByKeyHash resolves a presented license key. Returns (nil, nil)
// when no license matches, so credential failures stay indistinguishable
// from absent rows at this layer.
func (s *Store) GetLicenseByKeyHash(ctx context.Context, keyHash string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE key_hash = ? AND deleted_at IS NULL`, keyHash)
	return scanLicense(row)
}

// GetLicenseBySubscription resolves subscription renewals back to the
// license they extend. Returns (nil, nil) when unknown.
func (s *Store) GetLicenseBySubscription(ctx context.Context, provider Provider, subscriptionID string) (*License, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses
		 WHERE payment_provider = ? AND payment_subscription_id = ? AND deleted_at IS NULL`,
		string(provider), subscriptionID)
	return scanLicense(row)
}

// ListActiveLicensesByEmail returns a project's usable (non-revoked,
// non-expired) licenses for one email hash, newest first. Recovery sends a
// code for each.
func (s *Store) ListActiveLicensesByEmail(ctx context.Context, projectID, emailHash string) ([]*License, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses
		 WHERE project_id = ? AND email_hash = ? AND revoked = 0 AND deleted_at IS NULL
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at DESC, id`, projectID, emailHash, now().Unix())
	if err != nil {
		return nil, fmt.Errorf("list licenses by email: %w", err)
	}
	defer rows.Close()

	var licenses []*License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, l)
	}
	return licenses, rows.Err()
}

// LicenseWithProduct joins the product name in for list views.
type LicenseWithProduct struct {
	License
	ProductName string `json:"product_name"`
}

// LicenseFilter narrows ListLicenses. The email filter is a support lookup
// and deliberately includes expired and revoked rows.
type LicenseFilter struct {
	EmailHash string
	OrderID   string
}

// ListLicenses returns a project's licenses with product names, newest
// first, optionally filtered for support lookups.
func (s *Store) ListLicenses(ctx context.Context, projectID string, filter LicenseFilter, page Page) ([]*LicenseWithProduct, int, error) {
	page = page.Normalize()

	where := []string{"l.project_id = ?", "l.deleted_at IS NULL"}
	args := []any{projectID}
	if filter.EmailHash != "" {
		where = append(where, "l.email_hash = ?")
		args = append(args, filter.EmailHash)
	}
	if filter.OrderID != "" {
		where = append(where, "l.payment_order_id = ?")
		args = append(args, filter.OrderID)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM licenses l WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count licenses: %w", err)
	}

	cols := "l." + strings.ReplaceAll(licenseColumns, ", ", ", l.")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cols+`, p.name FROM licenses l
		 JOIN products p ON l.product_id = p.id
		 WHERE `+cond+` ORDER BY l.created_at DESC, l.id LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()

	var licenses []*LicenseWithProduct
	for rows.Next() {
		lw, err := scanLicenseWithProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		licenses = append(licenses, lw)
	}
	return licenses, total, rows.Err()
}

// RevokeLicense marks a license revoked. Idempotent.
func (s *Store) RevokeLicense(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET revoked = 1 WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.NotFound("License not found")
	}
	return nil
}

// AddRevokedJTI appends a token id to the license's revocation list. Runs
// in a transaction so concurrent deactivations cannot drop each other's
// entries.
func (s *Store) AddRevokedJTI(ctx context.Context, licenseID, jti string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT revoked_jtis FROM licenses WHERE id = ? AND deleted_at IS NULL`, licenseID).Scan(&raw)
		if err == sql.ErrNoRows {
			return errors.NotFound("License not found")
		}
		if err != nil {
			return fmt.Errorf("load revoked jtis: %w", err)
		}
		jtis, err := decodeStrings(raw)
		if err != nil {
			return err
		}
		jtis = append(jtis, jti)
		encoded, err := encodeJSON(jtis)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE licenses SET revoked_jtis = ? WHERE id = ?`, encoded, licenseID); err != nil {
			return fmt.Errorf("update revoked jtis: %w", err)
		}
		return nil
	})
}

// ExtendLicenseExpiration replaces both expiration timestamps; renewals
// recompute them from the product's day windows.
func (s *Store) ExtendLicenseExpiration(ctx context.Context, id string, expiresAt, updatesExpiresAt *int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET expires_at = ?, updates_expires_at = ? WHERE id = ? AND deleted_at IS NULL`,
		nullableInt64(expiresAt), nullableInt64(updatesExpiresAt), id)
	if err != nil {
		return fmt.Errorf("extend license expiration: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.NotFound("License not found")
	}
	return nil
}

// UpdateLicenseEmailHash rebinds a license to a corrected email hash so
// self-service recovery works after a purchase typo.
func (s *Store) UpdateLicenseEmailHash(ctx context.Context, id, emailHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET email_hash = ? WHERE id = ? AND deleted_at IS NULL`, emailHash, id)
	if err != nil {
		return fmt.Errorf("update license email: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.NotFound("License not found")
	}
	return nil
}

func scanLicense(sc scanner) (*License, error) {
	var l License
	var emailHash, customerID sql.NullString
	var revoked int
	var jtis string
	var expiresAt, updatesExpiresAt sql.NullInt64
	var provider, payCustomer, paySubscription, payOrder sql.NullString
	var createdAt int64
	var deletedAt sql.NullInt64

	err := sc.Scan(&l.ID, &l.ProjectID, &l.ProductID, &emailHash, &customerID,
		&l.KeyHash, &l.KeyCiphertext, &l.ActivationCount, &revoked, &jtis,
		&expiresAt, &updatesExpiresAt, &provider, &payCustomer,
		&paySubscription, &payOrder, &createdAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}

	l.EmailHash = strPtrFromNull(emailHash)
	l.CustomerID = strPtrFromNull(customerID)
	l.Revoked = revoked != 0
	if l.RevokedJTIs, err = decodeStrings(jtis); err != nil {
		return nil, err
	}
	l.ExpiresAt = timePtrFromNull(expiresAt)
	l.UpdatesExpiresAt = timePtrFromNull(updatesExpiresAt)
	if provider.Valid {
		p := Provider(provider.String)
		l.PaymentProvider = &p
	}
	l.PaymentCustomerID = strPtrFromNull(payCustomer)
	l.PaymentSubscriptionID = strPtrFromNull(paySubscription)
	l.PaymentOrderID = strPtrFromNull(payOrder)
	l.CreatedAt = timeFromUnix(createdAt)
	l.DeletedAt = timePtrFromNull(deletedAt)
	return &l, nil
}

func scanLicenseWithProduct(sc scanner) (*LicenseWithProduct, error) {
	var lw LicenseWithProduct
	var emailHash, customerID sql.NullString
	var revoked int
	var jtis string
	var expiresAt, updatesExpiresAt sql.NullInt64
	var provider, payCustomer, paySubscription, payOrder sql.NullString
	var createdAt int64
	var deletedAt sql.NullInt64

	err := sc.Scan(&lw.ID, &lw.ProjectID, &lw.ProductID, &emailHash, &customerID,
		&lw.KeyHash, &lw.KeyCiphertext, &lw.ActivationCount, &revoked, &jtis,
		&expiresAt, &updatesExpiresAt, &provider, &payCustomer,
		&paySubscription, &payOrder, &createdAt, &deletedAt, &lw.ProductName)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}

	lw.EmailHash = strPtrFromNull(emailHash)
	lw.CustomerID = strPtrFromNull(customerID)
	lw.Revoked = revoked != 0
	if lw.RevokedJTIs, err = decodeStrings(jtis); err != nil {
		return nil, err
	}
	lw.ExpiresAt = timePtrFromNull(expiresAt)
	lw.UpdatesExpiresAt = timePtrFromNull(updatesExpiresAt)
	if provider.Valid {
		p := Provider(provider.String)
		lw.PaymentProvider = &p
	}
	lw.PaymentCustomerID = strPtrFromNull(payCustomer)
	lw.PaymentSubscriptionID = strPtrFromNull(paySubscription)
	lw.PaymentOrderID = strPtrFromNull(payOrder)
	lw.CreatedAt = timeFromUnix(createdAt)
	lw.DeletedAt = timePtrFromNull(deletedAt)
	return &lw, nil
}
