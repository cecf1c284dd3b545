package store

import (
	"context"
	"database/sql"
)

// ScanOrphanedTokens returns the union of rows claimable because they are
// explicitly unassigned, and rows claimable because their heartbeat is
// older than cutoff — deduplicated (spec.md §4.1 "scan_orphaned_tokens").
// The two source queries map onto the sparse `unassigned` partial index
// and the composite `(assigned_instance, last_heartbeat)` index described
// in spec.md §3.
func (s *Store) ScanOrphanedTokens(ctx context.Context, cutoff int64) ([]ExternalToken, error) {
	timer := newTimer("scan_orphaned_tokens", "postgres")
	defer timer()

	rows, err := s.pg.QueryContext(ctx,
		`SELECT user_id, token_data FROM external_tokens WHERE unassigned
		 UNION
		 SELECT user_id, token_data FROM external_tokens
		  WHERE assigned_instance IS NOT NULL AND last_heartbeat < $1`,
		cutoff,
	)
	if err != nil {
		return nil, newStoreError("scan_orphaned_tokens", KindTransient, err)
	}
	defer rows.Close()

	var out []ExternalToken
	for rows.Next() {
		var t ExternalToken
		if err := rows.Scan(&t.UserID, &t.TokenData); err != nil {
			return nil, newStoreError("scan_orphaned_tokens", KindTransient, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimToken conditionally transfers ownership of a row to instanceID. It
// succeeds (returns true) only when the row is unassigned or its
// last_heartbeat is older than cutoff — the single-writer invariant of
// spec.md §3/§8 ("Single instance owner").
func (s *Store) ClaimToken(ctx context.Context, userID, instanceID string, cutoff, now int64) (bool, error) {
	timer := newTimer("claim_token", "postgres")
	defer timer()

	res, err := s.pg.ExecContext(ctx,
		`UPDATE external_tokens
		   SET assigned_instance = $1,
		       assignment_timestamp = $2,
		       last_heartbeat = $2,
		       unassigned = FALSE
		 WHERE user_id = $3
		   AND (unassigned OR assigned_instance IS NULL OR last_heartbeat < $4)`,
		instanceID, now, userID, cutoff,
	)
	if err != nil {
		return false, newStoreError("claim_token", KindTransient, err)
	}
	return rowsAffected(res)
}

// UpdateTokenHeartbeat refreshes last_heartbeat, conditional on instanceID
// still owning the row.
func (s *Store) UpdateTokenHeartbeat(ctx context.Context, userID, instanceID string, now int64) (bool, error) {
	timer := newTimer("update_token_heartbeat", "postgres")
	defer timer()

	res, err := s.pg.ExecContext(ctx,
		`UPDATE external_tokens SET last_heartbeat = $1
		 WHERE user_id = $2 AND assigned_instance = $3`,
		now, userID, instanceID,
	)
	if err != nil {
		return false, newStoreError("update_token_heartbeat", KindTransient, err)
	}
	return rowsAffected(res)
}

// ReleaseToken conditionally restores the unassigned marker, clearing
// assignment fields, provided instanceID still owns the row.
func (s *Store) ReleaseToken(ctx context.Context, userID, instanceID string) (bool, error) {
	timer := newTimer("release_token", "postgres")
	defer timer()

	res, err := s.pg.ExecContext(ctx,
		`UPDATE external_tokens
		   SET unassigned = TRUE, assigned_instance = NULL,
		       assignment_timestamp = NULL, last_heartbeat = NULL
		 WHERE user_id = $1 AND assigned_instance = $2`,
		userID, instanceID,
	)
	if err != nil {
		return false, newStoreError("release_token", KindTransient, err)
	}
	return rowsAffected(res)
}

// GetTotalTokensCount returns the row count of the external_tokens table.
func (s *Store) GetTotalTokensCount(ctx context.Context) (int, error) {
	timer := newTimer("get_total_tokens_count", "postgres")
	defer timer()

	var n int
	err := s.pg.QueryRowContext(ctx, `SELECT COUNT(*) FROM external_tokens`).Scan(&n)
	if err != nil {
		return 0, newStoreError("get_total_tokens_count", KindTransient, err)
	}
	return n, nil
}

// VacuumExpiredExternalTokens deletes unassigned rows whose
// assignment_timestamp predates cutoff — storage hygiene run by
// internal/maintenance, never touching an owned row.
func (s *Store) VacuumExpiredExternalTokens(ctx context.Context, cutoff int64) (int64, error) {
	timer := newTimer("vacuum_external_tokens", "postgres")
	defer timer()

	res, err := s.pg.ExecContext(ctx,
		`DELETE FROM external_tokens
		 WHERE unassigned AND (assignment_timestamp IS NULL OR assignment_timestamp < $1)`,
		cutoff,
	)
	if err != nil {
		return 0, newStoreError("vacuum_external_tokens", KindTransient, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, newStoreError("vacuum_external_tokens", KindTransient, err)
	}
	return n, nil
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, newStoreError("rows_affected", KindTransient, err)
	}
	if n == 0 {
		return false, newStoreError("condition", KindConditionFailed, sql.ErrNoRows)
	}
	return true, nil
}
