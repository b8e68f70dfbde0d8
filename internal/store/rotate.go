package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paychecklabs/paycheck/internal/crypto"
)

// RotateMasterKey re-encrypts every ciphertext column under the new vault,
// in one transaction: either the whole database moves to the new master key
// or none of it does. Soft-deleted rows rotate too, so a later restore
// still decrypts.
func (s *Store) RotateMasterKey(ctx context.Context, old, next *crypto.Vault) (int, error) {
	var rotated int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := rotateColumns(ctx, tx, old, next,
			`SELECT id, id, stripe_config_ciphertext FROM organizations WHERE stripe_config_ciphertext IS NOT NULL`,
			`UPDATE organizations SET stripe_config_ciphertext = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		rotated += n

		n, err = rotateColumns(ctx, tx, old, next,
			`SELECT id, id, ls_config_ciphertext FROM organizations WHERE ls_config_ciphertext IS NOT NULL`,
			`UPDATE organizations SET ls_config_ciphertext = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		rotated += n

		n, err = rotateColumns(ctx, tx, old, next,
			`SELECT id, id, resend_key_ciphertext FROM organizations WHERE resend_key_ciphertext IS NOT NULL`,
			`UPDATE organizations SET resend_key_ciphertext = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		rotated += n

		n, err = rotateColumns(ctx, tx, old, next,
			`SELECT id, id, private_key_ciphertext FROM projects`,
			`UPDATE projects SET private_key_ciphertext = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		rotated += n

		// License keys are bound to their project id, not their own.
		n, err = rotateColumns(ctx, tx, old, next,
			`SELECT id, project_id, key_ciphertext FROM licenses`,
			`UPDATE licenses SET key_ciphertext = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		rotated += n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rotated, nil
}

// rotateColumns reads (id, aad context, ciphertext) rows from selectSQL and
// writes each re-encrypted value back through updateSQL.
func rotateColumns(ctx context.Context, tx *sql.Tx, old, next *crypto.Vault, selectSQL, updateSQL string) (int, error) {
	rows, err := tx.QueryContext(ctx, selectSQL)
	if err != nil {
		return 0, fmt.Errorf("rotate query: %w", err)
	}
	defer rows.Close()

	type pending struct {
		id, ciphertext string
	}
	var work []pending
	for rows.Next() {
		var id, aad, ciphertext string
		if err := rows.Scan(&id, &aad, &ciphertext); err != nil {
			return 0, fmt.Errorf("rotate scan: %w", err)
		}
		reencrypted, err := old.ReencryptString(next, aad, ciphertext)
		if err != nil {
			return 0, fmt.Errorf("reencrypt row %s: %w", id, err)
		}
		work = append(work, pending{id: id, ciphertext: reencrypted})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rotate rows: %w", err)
	}
	// The single connection cannot interleave UPDATEs with an open cursor.
	for _, w := range work {
		if _, err := tx.ExecContext(ctx, updateSQL, w.ciphertext, w.id); err != nil {
			return 0, fmt.Errorf("rotate update: %w", err)
		}
	}
	return len(work), nil
}
