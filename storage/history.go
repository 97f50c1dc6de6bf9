package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peerdrop/models"
)

// AppendTransferRecord inserts one terminal transfer outcome. Rows are
// append-only; a retried transfer that terminates again produces a
// second row under the same transfer id.
func (s *Store) AppendTransferRecord(record models.TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.ResourceName == "" {
		return errors.New("resource_name is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if err := validateFinalState(record.FinalState); err != nil {
		return err
	}
	if record.BytesTransferred < 0 {
		return errors.New("bytes_transferred must be >= 0")
	}

	startedAt := record.StartedAt.UnixMilli()
	endedAt := record.EndedAt.UnixMilli()
	if record.EndedAt.IsZero() {
		endedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_history (
			transfer_id,
			peer_id,
			direction,
			resource_name,
			total_size_bytes,
			content_kind,
			final_state,
			bytes_transferred,
			last_error,
			started_at,
			ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.TransferID,
		record.PeerID,
		record.Direction,
		record.ResourceName,
		record.TotalSizeBytes,
		nullString(record.ContentKind),
		record.FinalState,
		record.BytesTransferred,
		nullString(record.LastError),
		startedAt,
		endedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transfer record %q: %w", record.TransferID, err)
	}

	return nil
}

// Append implements the coordinator's history sink.
func (s *Store) Append(record models.TransferRecord) error {
	return s.AppendTransferRecord(record)
}

// GetTransferRecord fetches the most recent row for one transfer id.
func (s *Store) GetTransferRecord(transferID string) (*models.TransferRecord, error) {
	if transferID == "" {
		return nil, errors.New("transfer_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			transfer_id,
			peer_id,
			direction,
			resource_name,
			total_size_bytes,
			content_kind,
			final_state,
			bytes_transferred,
			last_error,
			started_at,
			ended_at
		FROM transfer_history
		WHERE transfer_id = ?
		ORDER BY ended_at DESC, id DESC
		LIMIT 1`,
		transferID,
	)

	record, err := scanTransferRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer record %q: %w", transferID, err)
	}

	return record, nil
}

// ListTransferRecords returns history rows, newest first, optionally
// filtered by peer, direction, or final state.
func (s *Store) ListTransferRecords(filter TransferRecordFilter) ([]models.TransferRecord, error) {
	query := `SELECT
		transfer_id,
		peer_id,
		direction,
		resource_name,
		total_size_bytes,
		content_kind,
		final_state,
		bytes_transferred,
		last_error,
		started_at,
		ended_at
	FROM transfer_history`

	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.PeerID != "" {
		clauses = append(clauses, "peer_id = ?")
		args = append(args, filter.PeerID)
	}
	if filter.Direction != "" {
		if err := validateDirection(filter.Direction); err != nil {
			return nil, err
		}
		clauses = append(clauses, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.FinalState != "" {
		if err := validateFinalState(filter.FinalState); err != nil {
			return nil, err
		}
		clauses = append(clauses, "final_state = ?")
		args = append(args, filter.FinalState)
	}

	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY ended_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfer records: %w", err)
	}
	defer rows.Close()

	records := make([]models.TransferRecord, 0)
	for rows.Next() {
		record, scanErr := scanTransferRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer record row: %w", scanErr)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer record rows: %w", err)
	}
	return records, nil
}

func scanTransferRecord(row scanner) (*models.TransferRecord, error) {
	var (
		record      models.TransferRecord
		contentKind sql.NullString
		lastError   sql.NullString
		startedAt   int64
		endedAt     int64
	)

	if err := row.Scan(
		&record.TransferID,
		&record.PeerID,
		&record.Direction,
		&record.ResourceName,
		&record.TotalSizeBytes,
		&contentKind,
		&record.FinalState,
		&record.BytesTransferred,
		&lastError,
		&startedAt,
		&endedAt,
	); err != nil {
		return nil, err
	}

	record.ContentKind = stringValue(contentKind)
	record.LastError = stringValue(lastError)
	record.StartedAt = time.UnixMilli(startedAt)
	record.EndedAt = time.UnixMilli(endedAt)

	return &record, nil
}
