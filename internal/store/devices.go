package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/paychecklabs/paycheck/internal/errors"
)

const deviceColumns = `id, license_id, device_id, device_type, name, jti,
	activated_at, last_seen_at`

// AcquireDevice runs the activation protocol inside one immediate
// transaction, so concurrent redemptions against the same license cannot
// slip past the limits:
//
//  1. The device already exists for this license: rotate its jti, bump
//     last_seen_at, return it. Re-activation never consumes an activation.
//  2. New device over the device limit: reject.
//  3. New device over the lifetime activation limit: reject.
//  4. Otherwise insert the device and increment activation_count.
//
// A limit of zero or below means unlimited.
func (s *Store) AcquireDevice(ctx context.Context, licenseID, deviceID string,
	deviceType DeviceType, jti string, name *string, deviceLimit, activationLimit int) (*Device, bool, error) {

	if !deviceType.Valid() {
		return nil, false, errors.Validationf("Invalid device type %q", deviceType)
	}

	var device *Device
	var created bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM devices WHERE license_id = ? AND device_id = ?`,
			licenseID, deviceID)
		existing, err := scanDevice(row)
		if err != nil {
			return err
		}
		if existing != nil {
			seen := now()
			if _, err := tx.ExecContext(ctx,
				`UPDATE devices SET jti = ?, last_seen_at = ? WHERE id = ?`,
				jti, seen.Unix(), existing.ID); err != nil {
				return fmt.Errorf("rotate device jti: %w", err)
			}
			existing.JTI = jti
			existing.LastSeenAt = &seen
			device = existing
			return nil
		}

		var deviceCount int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM devices WHERE license_id = ?`, licenseID).Scan(&deviceCount); err != nil {
			return fmt.Errorf("count devices: %w", err)
		}
		if deviceLimit > 0 && deviceCount >= deviceLimit {
			return errors.DeviceLimit(deviceCount, deviceLimit)
		}

		var activationCount int
		err = tx.QueryRowContext(ctx,
			`SELECT activation_count FROM licenses WHERE id = ?`, licenseID).Scan(&activationCount)
		if err == sql.ErrNoRows {
			return errors.NotFound("License not found")
		}
		if err != nil {
			return fmt.Errorf("load activation count: %w", err)
		}
		if activationLimit > 0 && activationCount >= activationLimit {
			return errors.ActivationLimit(activationCount, activationLimit)
		}

		ts := now()
		d := &Device{
			ID:          NewID(),
			LicenseID:   licenseID,
			DeviceID:    deviceID,
			DeviceType:  deviceType,
			Name:        name,
			JTI:         jti,
			ActivatedAt: ts,
			LastSeenAt:  &ts,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO devices (id, license_id, device_id, device_type, name, jti, activated_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.LicenseID, d.DeviceID, string(d.DeviceType),
			nullableString(d.Name), d.JTI, d.ActivatedAt.Unix(), ts.Unix()); err != nil {
			return fmt.Errorf("insert device: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE licenses SET activation_count = activation_count + 1 WHERE id = ?`, licenseID); err != nil {
			return fmt.Errorf("increment activation count: %w", err)
		}
		device = d
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return device, created, nil
}

// GetDevice returns one of a license's devices by the caller-supplied
// device id, or NotFound.
func (s *Store) GetDevice(ctx context.Context, licenseID, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE license_id = ? AND device_id = ?`,
		licenseID, deviceID)
	d, err := scanDevice(row)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, errors.NotFound("Device not found")
	}
	return d, nil
}

// GetDeviceByJTI maps a token id back to its device. Returns (nil, nil)
// when the jti is unknown (rotated away or deactivated).
func (s *Store) GetDeviceByJTI(ctx context.Context, jti string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE jti = ?`, jti)
	return scanDevice(row)
}

// ListDevices returns a license's devices, most recently activated first.
func (s *Store) ListDevices(ctx context.Context, licenseID string) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE license_id = ?
		 ORDER BY activated_at DESC, id`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// CountDevices returns the number of active devices on a license.
func (s *Store) CountDevices(ctx context.Context, licenseID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM devices WHERE license_id = ?`, licenseID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count devices: %w", err)
	}
	return count, nil
}

// TouchDevice bumps last_seen_at. Validation calls this fire-and-forget.
func (s *Store) TouchDevice(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE id = ?`, now().Unix(), id); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// DeactivateDevice frees the slot: the device's jti joins the license's
// revocation list and the row is deleted. activation_count stays where it
// is; deactivation never refunds activations. Returns the remaining device
// count.
func (s *Store) DeactivateDevice(ctx context.Context, licenseID, deviceID string) (int, error) {
	var remaining int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM devices WHERE license_id = ? AND device_id = ?`,
			licenseID, deviceID)
		d, err := scanDevice(row)
		if err != nil {
			return err
		}
		if d == nil {
			return errors.NotFound("Device not found")
		}

		var raw string
		if err := tx.QueryRowContext(ctx,
			`SELECT revoked_jtis FROM licenses WHERE id = ?`, licenseID).Scan(&raw); err != nil {
			return fmt.Errorf("load revoked jtis: %w", err)
		}
		jtis, err := decodeStrings(raw)
		if err != nil {
			return err
		}
		jtis = append(jtis, d.JTI)
		encoded, err := encodeJSON(jtis)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE licenses SET revoked_jtis = ? WHERE id = ?`, encoded, licenseID); err != nil {
			return fmt.Errorf("update revoked jtis: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM devices WHERE id = ?`, d.ID); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM devices WHERE license_id = ?`, licenseID).Scan(&remaining); err != nil {
			return fmt.Errorf("count devices: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

func scanDevice(sc scanner) (*Device, error) {
	var d Device
	var deviceType string
	var name sql.NullString
	var activatedAt int64
	var lastSeenAt sql.NullInt64

	err := sc.Scan(&d.ID, &d.LicenseID, &d.DeviceID, &deviceType, &name,
		&d.JTI, &activatedAt, &lastSeenAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}

	d.DeviceType = DeviceType(deviceType)
	d.Name = strPtrFromNull(name)
	d.ActivatedAt = timeFromUnix(activatedAt)
	d.LastSeenAt = timePtrFromNull(lastSeenAt)
	return &d, nil
}
