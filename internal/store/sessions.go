package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paychecklabs/paycheck/internal/errors"
)

const paymentSessionColumns = `id, product_id, provider, customer_id,
	redirect_url, completed, license_id, created_at, completed_at`

// CreatePaymentSession records an intent-to-buy before the provider is
// called. Session ids are ULIDs so provider dashboards keep them in
// creation order.
func (s *Store) CreatePaymentSession(ctx context.Context, session *PaymentSession) error {
	if !session.Provider.Valid() {
		return errors.Validationf("Invalid payment provider %q", session.Provider)
	}

	if session.ID == "" {
		session.ID = NewEventID()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_sessions (id, product_id, provider, customer_id,
			redirect_url, completed, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		session.ID, session.ProductID, string(session.Provider),
		nullableString(session.CustomerID), nullableString(session.RedirectURL),
		session.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create payment session: %w", err)
	}
	return nil
}

// GetPaymentSession returns a session by id.
func (s *Store) GetPaymentSession(ctx context.Context, id string) (*PaymentSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+paymentSessionColumns+` FROM payment_sessions WHERE id = ?`, id)
	session, err := scanPaymentSession(row)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errors.NotFound("Session not found")
	}
	return session, nil
}

// TryClaimPaymentSession flips completed 0->1 exactly once. The winner of
// the compare-and-swap creates the license; everyone else reports the event
// already processed. Reports false for unknown session ids too: the caller
// cannot distinguish a lost race from a session it never issued, and
// neither may create a license.
func (s *Store) TryClaimPaymentSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_sessions SET completed = 1, completed_at = ? WHERE id = ? AND completed = 0`,
		now().Unix(), id)
	if err != nil {
		return false, fmt.Errorf("claim payment session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim payment session: %w", err)
	}
	return affected > 0, nil
}

// SetPaymentSessionLicense links the created license back to the session so
// the callback can find it.
func (s *Store) SetPaymentSessionLicense(ctx context.Context, id, licenseID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_sessions SET license_id = ? WHERE id = ?`, licenseID, id)
	if err != nil {
		return fmt.Errorf("set session license: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return errors.NotFound("Session not found")
	}
	return nil
}

func scanPaymentSession(sc scanner) (*PaymentSession, error) {
	var ps PaymentSession
	var provider string
	var customerID, redirectURL, licenseID sql.NullString
	var completed int
	var createdAt int64
	var completedAt sql.NullInt64

	err := sc.Scan(&ps.ID, &ps.ProductID, &provider, &customerID, &redirectURL,
		&completed, &licenseID, &createdAt, &completedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan payment session: %w", err)
	}

	ps.Provider = Provider(provider)
	ps.CustomerID = strPtrFromNull(customerID)
	ps.RedirectURL = strPtrFromNull(redirectURL)
	ps.Completed = completed != 0
	ps.LicenseID = strPtrFromNull(licenseID)
	ps.CreatedAt = timeFromUnix(createdAt)
	ps.CompletedAt = timePtrFromNull(completedAt)
	return &ps, nil
}
