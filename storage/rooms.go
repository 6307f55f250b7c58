package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sharewave/models"
	"sharewave/signaling"
)

var _ signaling.Backend = (*Store)(nil)

// CreateRoom inserts a new room with status waiting.
func (s *Store) CreateRoom(ctx context.Context, roomID string, createdAt time.Time) error {
	if roomID == "" {
		return errors.New("room_id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (room_id, created_at, status) VALUES (?, ?, ?)`,
		roomID,
		createdAt.UnixMilli(),
		string(models.RoomStatusWaiting),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %q", signaling.ErrRoomExists, roomID)
	}
	if err != nil {
		return unavailable(fmt.Sprintf("insert room %q", roomID), err)
	}
	return nil
}

// GetRoom returns the room header (id, creation time, status).
func (s *Store) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	var (
		createdAt int64
		status    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, status FROM rooms WHERE room_id = ?`,
		roomID,
	).Scan(&createdAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, fmt.Errorf("%w: %q", signaling.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return models.Room{}, unavailable(fmt.Sprintf("get room %q", roomID), err)
	}

	return models.Room{
		ID:        roomID,
		CreatedAt: time.UnixMilli(createdAt),
		Status:    models.RoomStatus(status),
	}, nil
}

// SetDescription stores the offer or answer; it can be written only once.
func (s *Store) SetDescription(ctx context.Context, roomID string, category signaling.Category, value []byte) error {
	if category.IsCandidates() || !category.Valid() {
		return fmt.Errorf("%w: %q is not a description", signaling.ErrInvalidCategory, category)
	}
	err := s.insertArtifact(ctx, roomID, category, string(category), value)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s for room %q", signaling.ErrAlreadySet, category, roomID)
	}
	return err
}

// AppendCandidate adds one candidate entry under key.
func (s *Store) AppendCandidate(ctx context.Context, roomID string, category signaling.Category, key string, value []byte) error {
	if !category.IsCandidates() {
		return fmt.Errorf("%w: %q is not a candidate collection", signaling.ErrInvalidCategory, category)
	}
	if key == "" {
		return errors.New("entry_key is required")
	}
	err := s.insertArtifact(ctx, roomID, category, key, value)
	if isUniqueViolation(err) {
		// Same auto-id written twice; the entry is already present.
		return nil
	}
	return err
}

func (s *Store) insertArtifact(ctx context.Context, roomID string, category signaling.Category, key string, value []byte) error {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_artifacts (room_id, category, entry_key, value, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		roomID,
		string(category),
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil && !isUniqueViolation(err) {
		return unavailable(fmt.Sprintf("insert %s for room %q", category, roomID), err)
	}
	return err
}

// Entries returns the artifacts of one category in write order.
func (s *Store) Entries(ctx context.Context, roomID string, category signaling.Category) ([]signaling.Update, error) {
	if err := s.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_key, value
		FROM room_artifacts
		WHERE room_id = ? AND category = ?
		ORDER BY id ASC`,
		roomID,
		string(category),
	)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("list %s for room %q", category, roomID), err)
	}
	defer rows.Close()

	updates := make([]signaling.Update, 0)
	for rows.Next() {
		var update signaling.Update
		if err := rows.Scan(&update.Key, &update.Value); err != nil {
			return nil, fmt.Errorf("scan room artifact: %w", err)
		}
		updates = append(updates, update)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room artifacts: %w", err)
	}
	return updates, nil
}

// SetStatus updates the advisory room status.
func (s *Store) SetStatus(ctx context.Context, roomID string, status models.RoomStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET status = ? WHERE room_id = ?`,
		string(status),
		roomID,
	)
	if err != nil {
		return unavailable(fmt.Sprintf("update room status %q", roomID), err)
	}
	return requireAffected(res, roomID)
}

// DeleteRoom removes the room; its artifacts cascade.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE room_id = ?`, roomID)
	if err != nil {
		return unavailable(fmt.Sprintf("delete room %q", roomID), err)
	}
	return requireAffected(res, roomID)
}

// RoomsCreatedBefore lists rooms created strictly before cutoff, oldest first.
func (s *Store) RoomsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM rooms WHERE created_at < ? ORDER BY created_at ASC, room_id ASC`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return nil, unavailable("list expired rooms", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scan room id: %w", err)
		}
		out = append(out, roomID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return out, nil
}

func (s *Store) requireRoom(ctx context.Context, roomID string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE room_id = ?`, roomID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %q", signaling.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return unavailable(fmt.Sprintf("check room %q", roomID), err)
	}
	return nil
}

func requireAffected(res sql.Result, roomID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %q", signaling.ErrRoomNotFound, roomID)
	}
	return nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
