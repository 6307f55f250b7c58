package storage

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"sharewave/models"
	"sharewave/signaling"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// TransferRecord is the SQLite representation of one file transfer's last known state.
type TransferRecord struct {
	FileID           string
	Direction        models.TransferDirection
	RoomID           string
	FileName         string
	FileSize         int64
	FileType         string
	Status           models.TransferStatus
	BytesTransferred int64
	StoredPath       string
	UpdatedAt        int64
}

func validateTransferStatus(status models.TransferStatus) error {
	switch status {
	case models.TransferPending, models.TransferTransferring, models.TransferCompleted, models.TransferFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateDirection(direction models.TransferDirection) error {
	switch direction {
	case models.DirectionSend, models.DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// unavailable marks a driver failure as a signaling store outage.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", signaling.ErrStoreUnavailable, op, err)
}
