package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JohnLrp/Shiksha-files-backend/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.Role, user.Active, user.CreatedAt, user.UpdatedAt)
	return err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, email, password_hash, role, active, created_at, updated_at
		FROM users
		WHERE username = $1
	`, username)
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	var user model.User
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, email, password_hash, role, active, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID)
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.Active,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	return user, err
}

// GetRole reads the current role from the users table. It is the only
// authorization source; role claims carried in tokens are never trusted.
func (s *Store) GetRole(ctx context.Context, userID string) (model.Role, error) {
	var role model.Role
	row := s.pool.QueryRow(ctx, `SELECT role FROM users WHERE id = $1 AND active = true`, userID)
	if err := row.Scan(&role); err != nil {
		return "", err
	}
	return role, nil
}

func (s *Store) CreateRefreshSession(ctx context.Context, session model.RefreshSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_sessions (id, user_id, token_hash, created_at, expires_at, rotated_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, session.ID, session.UserID, session.TokenHash, session.CreatedAt, session.ExpiresAt, session.RotatedAt, session.RevokedAt)
	return err
}

func (s *Store) GetRefreshSession(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	var session model.RefreshSession
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, rotated_at, revoked_at
		FROM refresh_sessions
		WHERE token_hash = $1
	`, tokenHash)
	err := row.Scan(&session.ID, &session.UserID, &session.TokenHash, &session.CreatedAt, &session.ExpiresAt, &session.RotatedAt, &session.RevokedAt)
	return session, err
}

// MarkRefreshSessionRotated flips an active session to rotated. The guard
// on rotated_at/revoked_at makes concurrent rotations of the same
// credential admit exactly one winner; losers see pgx.ErrNoRows.
func (s *Store) MarkRefreshSessionRotated(ctx context.Context, sessionID string, rotatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_sessions
		SET rotated_at = $1
		WHERE id = $2 AND rotated_at IS NULL AND revoked_at IS NULL
	`, rotatedAt, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) RevokeRefreshSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE refresh_sessions
		SET revoked_at = $1
		WHERE id = $2 AND rotated_at IS NULL AND revoked_at IS NULL
	`, revokedAt, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *Store) CreateRoom(ctx context.Context, room model.Room) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (id, name, display_name, host_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, room.ID, room.Name, room.DisplayName, room.HostID, room.IsActive, room.CreatedAt, room.UpdatedAt)
	return err
}

func (s *Store) ListActiveRooms(ctx context.Context) ([]model.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.display_name, r.host_id, u.username, r.is_active, r.created_at, r.updated_at
		FROM rooms r
		LEFT JOIN users u ON u.id = r.host_id
		WHERE r.is_active = true
		ORDER BY r.created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.Room
	for rows.Next() {
		var room model.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.DisplayName, &room.HostID, &room.HostUsername, &room.IsActive, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, room)
	}
	return list, rows.Err()
}

func (s *Store) GetActiveRoom(ctx context.Context, name string) (model.Room, error) {
	var room model.Room
	row := s.pool.QueryRow(ctx, `
		SELECT r.id, r.name, r.display_name, r.host_id, u.username, r.is_active, r.created_at, r.updated_at
		FROM rooms r
		LEFT JOIN users u ON u.id = r.host_id
		WHERE r.name = $1 AND r.is_active = true
	`, name)
	err := row.Scan(&room.ID, &room.Name, &room.DisplayName, &room.HostID, &room.HostUsername, &room.IsActive, &room.CreatedAt, &room.UpdatedAt)
	return room, err
}

// DeactivateRoom soft-disables a room. Rooms are never deleted.
func (s *Store) DeactivateRoom(ctx context.Context, name string, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms
		SET is_active = false, updated_at = $1
		WHERE name = $2 AND is_active = true
	`, updatedAt, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
