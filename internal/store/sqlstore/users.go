package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pliu/chatcore/internal/chaterr"
	"github.com/pliu/chatcore/internal/models"
)

// UpsertUser mirrors a directory record into the local users table. The
// external directory owns user identity; ids are never generated here.
func (s *SQLStore) UpsertUser(ctx context.Context, user *models.User) error {
	query := s.rebind(`
		INSERT INTO users (id, name, avatar, role) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, avatar = excluded.avatar, role = excluded.role
	`)
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Name, user.Avatar, user.Role)
	return err
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var user models.User
	query := s.rebind("SELECT id, name, avatar, role, last_seen FROM users WHERE id = ?")

	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Name, &user.Avatar, &user.Role, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chaterr.NotFoundf("user %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		user.LastSeen = &lastSeen.Time
	}
	return &user, nil
}

func (s *SQLStore) SearchUsers(ctx context.Context, queryStr string) ([]models.User, error) {
	query := s.rebind("SELECT id, name, avatar, role FROM users WHERE name LIKE ? ORDER BY name LIMIT 10")
	rows, err := s.db.QueryContext(ctx, query, "%"+queryStr+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Name, &user.Avatar, &user.Role); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// TouchLastSeen durably records when a user was last connected. Presence
// itself is ephemeral; only this timestamp survives restarts.
func (s *SQLStore) TouchLastSeen(ctx context.Context, userID int64, at time.Time) error {
	query := s.rebind("UPDATE users SET last_seen = ? WHERE id = ?")
	_, err := s.db.ExecContext(ctx, query, at.UTC(), userID)
	return err
}
