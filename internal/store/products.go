package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paychecklabs/paycheck/internal/errors"
)

const productColumns = `id, project_id, name, tier, license_exp_days,
	updates_exp_days, activation_limit, device_limit, features, created_at, deleted_at`

// CreateProduct inserts a sellable SKU under a project.
func (s *Store) CreateProduct(ctx context.Context, p *Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.Validation("Product name is required")
	}

	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now()
	}

	features, err := encodeJSON(p.Features)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, project_id, name, tier, license_exp_days,
			updates_exp_days, activation_limit, device_limit, features, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.Name, p.Tier, nullableInt(p.LicenseExpDays),
		nullableInt(p.UpdatesExpDays), p.ActivationLimit, p.DeviceLimit,
		features, p.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// GetProduct returns a non-deleted product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (*Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanProduct(row)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.NotFound("Product not found")
	}
	return p, nil
}

// ProductProjectID returns the owning project of a product, deleted or
// not. Restore endpoints need the owner before the row is visible again.
func (s *Store) ProductProjectID(ctx context.Context, id string) (string, error) {
	var projectID string
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id FROM products WHERE id = ?`, id).Scan(&projectID)
	if err == sql.ErrNoRows {
		return "", errors.NotFound("Product not found")
	}
	if err != nil {
		return "", fmt.Errorf("product project: %w", err)
	}
	return projectID, nil
}

// ListProducts returns a project's non-deleted products, newest first.
func (s *Store) ListProducts(ctx context.Context, projectID string, page Page) ([]*Product, int, error) {
	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE project_id = ? AND deleted_at IS NULL`, projectID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count products: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE project_id = ? AND deleted_at IS NULL
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, projectID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

// ProductUpdate is a three-state update record for PUT .../products/{id}.
type ProductUpdate struct {
	Name            Field[string]   `json:"name"`
	Tier            Field[string]   `json:"tier"`
	LicenseExpDays  Field[int]      `json:"license_exp_days"`
	UpdatesExpDays  Field[int]      `json:"updates_exp_days"`
	ActivationLimit Field[int]      `json:"activation_limit"`
	DeviceLimit     Field[int]      `json:"device_limit"`
	Features        Field[[]string] `json:"features"`
}

// UpdateProduct applies a partial update and returns the fresh row.
func (s *Store) UpdateProduct(ctx context.Context, id string, update ProductUpdate) (*Product, error) {
	if update.Name.Present && (update.Name.Null || strings.TrimSpace(update.Name.Value) == "") {
		return nil, errors.Validation("Product name cannot be empty")
	}

	var sets []string
	var args []any
	if update.Name.Present {
		sets = append(sets, "name = ?")
		args = append(args, strings.TrimSpace(update.Name.Value))
	}
	if update.Tier.Present && !update.Tier.Null {
		sets = append(sets, "tier = ?")
		args = append(args, update.Tier.Value)
	}
	appendDays := func(column string, f Field[int]) {
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
	appendDays("license_exp_days", update.LicenseExpDays)
	appendDays("updates_exp_days", update.UpdatesExpDays)
	if update.ActivationLimit.Present && !update.ActivationLimit.Null {
		sets = append(sets, "activation_limit = ?")
		args = append(args, update.ActivationLimit.Value)
	}
	if update.DeviceLimit.Present && !update.DeviceLimit.Null {
		sets = append(sets, "device_limit = ?")
		args = append(args, update.DeviceLimit.Value)
	}
	if update.Features.Present {
		features := update.Features.Value
		if update.Features.Null {
			features = nil
		}
		encoded, err := encodeJSON(features)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "features = ?")
		args = append(args, encoded)
	}
	if len(sets) == 0 {
		return s.GetProduct(ctx, id)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET `+strings.Join(sets, ", ")+` WHERE id = ? AND deleted_at IS NULL`, args...)
	if err != nil {
		return nil, fmt.Errorf("update product: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errors.NotFound("Product not found")
	}
	return s.GetProduct(ctx, id)
}

func scanProduct(sc scanner) (*Product, error) {
	var p Product
	var licenseDays, updatesDays sql.NullInt64
	var features string
	var createdAt int64
	var deletedAt sql.NullInt64

	err := sc.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Tier, &licenseDays,
		&updatesDays, &p.ActivationLimit, &p.DeviceLimit, &features,
		&createdAt, &deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan product: %w", err)
	}

	p.LicenseExpDays = intPtrFromNull(licenseDays)
	p.UpdatesExpDays = intPtrFromNull(updatesDays)
	if p.Features, err = decodeStrings(features); err != nil {
		return nil, err
	}
	p.CreatedAt = timeFromUnix(createdAt)
	p.DeletedAt = timePtrFromNull(deletedAt)
	return &p, nil
}

const paymentConfigColumns = `id, product_id, provider, stripe_price_id,
	price_cents, currency, ls_variant_id, created_at, updated_at`

// CreatePaymentConfig attaches per-provider pricing to a product. One row
// per (product, provider).
func (s *Store) CreatePaymentConfig(ctx context.Context, pc *PaymentConfig) error {
	if !pc.Provider.Valid() {
		return errors.Validationf("Invalid payment provider %q", pc.Provider)
	}

	if pc.ID == "" {
		pc.ID = NewID()
	}
	if pc.CreatedAt.IsZero() {
		pc.CreatedAt = now()
	}
	pc.UpdatedAt = pc.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product_payment_configs (id, product_id, provider,
			stripe_price_id, price_cents, currency, ls_variant_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pc.ID, pc.ProductID, string(pc.Provider), nullableString(pc.StripePriceID),
		nullableInt64(pc.PriceCents), nullableString(pc.Currency),
		nullableString(pc.LSVariantID), pc.CreatedAt.Unix(), pc.UpdatedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Conflict("Payment config for this provider already exists")
		}
		return fmt.Errorf("create payment config: %w", err)
	}
	return nil
}

// GetPaymentConfig returns the pricing row for one (product, provider) pair,
// or NotFound when the product is not sellable through that provider.
func (s *Store) GetPaymentConfig(ctx context.Context, productID string, provider Provider) (*PaymentConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentConfigColumns+` FROM product_payment_configs
		 WHERE product_id = ? AND provider = ?`, productID, string(provider))
	pc, err := scanPaymentConfig(row)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, errors.NotFound("Payment config not found")
	}
	return pc, nil
}

// GetPaymentConfigByID returns a pricing row by id.
func (s *Store) GetPaymentConfigByID(ctx context.Context, id string) (*PaymentConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentConfigColumns+` FROM product_payment_configs WHERE id = ?`, id)
	pc, err := scanPaymentConfig(row)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, errors.NotFound("Payment config not found")
	}
	return pc, nil
}

// ListPaymentConfigs returns all pricing rows for a product, oldest first.
func (s *Store) ListPaymentConfigs(ctx context.Context, productID string) ([]*PaymentConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentConfigColumns+` FROM product_payment_configs
		 WHERE product_id = ? ORDER BY created_at ASC, id`, productID)
	if err != nil {
		return nil, fmt.Errorf("list payment configs: %w", err)
	}
	defer rows.Close()

	var configs []*PaymentConfig
	for rows.Next() {
		pc, err := scanPaymentConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, pc)
	}
	return configs, rows.Err()
}

// PaymentConfigUpdate is a three-state update record.
type PaymentConfigUpdate struct {
	StripePriceID Field[string] `json:"stripe_price_id"`
	PriceCents    Field[int64]  `json:"price_cents"`
	Currency      Field[string] `json:"currency"`
	LSVariantID   Field[string] `json:"ls_variant_id"`
}

// UpdatePaymentConfig applies a partial update and returns the fresh row.
func (s *Store) UpdatePaymentConfig(ctx context.Context, id string, update PaymentConfigUpdate) (*PaymentConfig, error) {
	sets := []string{"updated_at = ?"}
	args := []any{now().Unix()}
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
	appendNullable("stripe_price_id", update.StripePriceID)
	appendNullable("currency", update.Currency)
	appendNullable("ls_variant_id", update.LSVariantID)
	if update.PriceCents.Present {
		sets = append(sets, "price_cents = ?")
		if update.PriceCents.Null {
			args = append(args, nil)
		} else {
			args = append(args, update.PriceCents.Value)
		}
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE product_payment_configs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update payment config: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, errors.NotFound("Payment config not found")
	}
	return s.GetPaymentConfigByID(ctx, id)
}

// DeletePaymentConfig removes a pricing row. Pricing has no dependents, so
// this is a hard delete.
func (s *Store) DeletePaymentConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM product_payment_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete payment config: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.NotFound("Payment config not found")
	}
	return nil
}

func scanPaymentConfig(sc scanner) (*PaymentConfig, error) {
	var pc PaymentConfig
	var provider string
	var priceID, currency, variantID sql.NullString
	var priceCents sql.NullInt64
	var createdAt, updatedAt int64

	err := sc.Scan(&pc.ID, &pc.ProductID, &provider, &priceID, &priceCents,
		&currency, &variantID, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment config: %w", err)
	}

	pc.Provider = Provider(provider)
	pc.StripePriceID = strPtrFromNull(priceID)
	pc.PriceCents = int64PtrFromNull(priceCents)
	pc.Currency = strPtrFromNull(currency)
	pc.LSVariantID = strPtrFromNull(variantID)
	pc.CreatedAt = timeFromUnix(createdAt)
	pc.UpdatedAt = timeFromUnix(updatedAt)
	return &pc, nil
}
