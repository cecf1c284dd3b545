package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetDeviceToken returns the device's push-token row, if any (spec.md
// §4.1).
func (s *Store) GetDeviceToken(ctx context.Context, deviceID string) (*DeviceToken, error) {
	timer := newTimer("get_device_token", "postgres")
	defer timer()

	var t DeviceToken
	t.DeviceID = deviceID
	var platform sql.NullString
	err := s.pg.QueryRowContext(ctx,
		`SELECT device_token, platform, token_invalid FROM device_tokens WHERE device_id = $1`,
		deviceID,
	).Scan(&t.Token, &platform, &t.TokenInvalid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError("get_device_token", KindTransient, err)
	}
	t.Platform = platform.String
	return &t, nil
}

// SetDeviceToken registers/overwrites a device's push token. Per spec.md
// §3's invariant, a token value is owned by at most one device at a time:
// any other device currently holding this token value has its row deleted
// first.
func (s *Store) SetDeviceToken(ctx context.Context, deviceID, token, platform string) error {
	timer := newTimer("set_device_token", "postgres")
	defer timer()

	tx, err := s.pg.BeginTx(ctx, nil)
	if err != nil {
		return newStoreError("set_device_token", KindTransient, err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT device_id FROM device_tokens WHERE device_token = $1 AND device_id != $2`,
		token, deviceID,
	)
	if err != nil {
		return newStoreError("set_device_token", KindTransient, err)
	}
	var priorOwners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return newStoreError("set_device_token", KindTransient, err)
		}
		priorOwners = append(priorOwners, id)
	}
	rows.Close()

	for _, owner := range priorOwners {
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_tokens WHERE device_id = $1`, owner); err != nil {
			return newStoreError("set_device_token", KindTransient, err)
		}
	}

	var platformVal interface{}
	if platform != "" {
		platformVal = platform
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO device_tokens (device_id, device_token, platform, token_invalid)
		 VALUES ($1, $2, $3, FALSE)
		 ON CONFLICT (device_id) DO UPDATE
		   SET device_token = EXCLUDED.device_token,
		       platform = EXCLUDED.platform,
		       token_invalid = FALSE`,
		deviceID, token, platformVal,
	)
	if err != nil {
		return newStoreError("set_device_token", KindTransient, err)
	}

	if err := tx.Commit(); err != nil {
		return newStoreError("set_device_token", KindTransient, err)
	}
	return nil
}

// RemoveDeviceToken deletes the device's push-token row.
func (s *Store) RemoveDeviceToken(ctx context.Context, deviceID string) error {
	timer := newTimer("remove_device_token", "postgres")
	defer timer()

	_, err := s.pg.ExecContext(ctx, `DELETE FROM device_tokens WHERE device_id = $1`, deviceID)
	if err != nil {
		return newStoreError("remove_device_token", KindTransient, err)
	}
	return nil
}

// MarkDeviceTokenAsInvalid flips the invalid flag so the token is never
// used for sends again until overwritten by a new registration.
func (s *Store) MarkDeviceTokenAsInvalid(ctx context.Context, deviceID string) error {
	timer := newTimer("mark_device_token_as_invalid", "postgres")
	defer timer()

	_, err := s.pg.ExecContext(ctx,
		`UPDATE device_tokens SET token_invalid = TRUE WHERE device_id = $1`, deviceID)
	if err != nil {
		return newStoreError("mark_device_token_as_invalid", KindTransient, err)
	}
	return nil
}
