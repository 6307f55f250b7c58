package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sharewave/models"
)

// UpsertTransfer records the latest state of one transfer.
func (s *Store) UpsertTransfer(ctx context.Context, record TransferRecord) error {
	if record.FileID == "" {
		return errors.New("file_id is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if record.Status == "" {
		record.Status = models.TransferPending
	}
	if err := validateTransferStatus(record.Status); err != nil {
		return err
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (
			file_id,
			direction,
			room_id,
			file_name,
			file_size,
			file_type,
			status,
			bytes_transferred,
			stored_path,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id, direction) DO UPDATE SET
			room_id = excluded.room_id,
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			file_type = excluded.file_type,
			status = excluded.status,
			bytes_transferred = excluded.bytes_transferred,
			stored_path = CASE WHEN excluded.stored_path = '' THEN transfers.stored_path ELSE excluded.stored_path END,
			updated_at = excluded.updated_at`,
		record.FileID,
		string(record.Direction),
		record.RoomID,
		record.FileName,
		record.FileSize,
		record.FileType,
		string(record.Status),
		record.BytesTransferred,
		record.StoredPath,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert transfer %q: %w", record.FileID, err)
	}
	return nil
}

// GetTransfer returns one transfer record.
func (s *Store) GetTransfer(ctx context.Context, fileID string, direction models.TransferDirection) (TransferRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+`
		FROM transfers
		WHERE file_id = ? AND direction = ?`,
		fileID,
		string(direction),
	)
	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TransferRecord{}, ErrNotFound
	}
	if err != nil {
		return TransferRecord{}, fmt.Errorf("get transfer %q: %w", fileID, err)
	}
	return record, nil
}

// ListTransfers returns the most recently updated transfers, optionally for one room.
func (s *Store) ListTransfers(ctx context.Context, roomID string, limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + transferColumns + ` FROM transfers`
	args := make([]any, 0, 2)
	if roomID != "" {
		query += ` WHERE room_id = ?`
		args = append(args, roomID)
	}
	query += ` ORDER BY updated_at DESC, file_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	out := make([]TransferRecord, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

const transferColumns = `file_id, direction, room_id, file_name, file_size, file_type, status, bytes_transferred, stored_path, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (TransferRecord, error) {
	var (
		record    TransferRecord
		direction string
		status    string
	)
	err := row.Scan(
		&record.FileID,
		&direction,
		&record.RoomID,
		&record.FileName,
		&record.FileSize,
		&record.FileType,
		&status,
		&record.BytesTransferred,
		&record.StoredPath,
		&record.UpdatedAt,
	)
	if err != nil {
		return TransferRecord{}, err
	}
	record.Direction = models.TransferDirection(direction)
	record.Status = models.TransferStatus(status)
	return record, nil
}
