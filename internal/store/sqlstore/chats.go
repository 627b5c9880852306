package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pliu/chatcore/internal/chaterr"
	"github.com/pliu/chatcore/internal/models"
)

// pairKey normalizes an unordered private-chat pair into the unique key
// stored on the chats row.
func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// CreateChat creates a chat with the given participants, forcing the creator
// into the set. For private chats the existence check and the insert run in
// one transaction; the unique pair_key index makes the loser of a concurrent
// create observe the winner's chat instead of erroring.
func (s *SQLStore) CreateChat(ctx context.Context, creatorID int64, participantIDs []int64, name string, isGroup bool) (*models.Chat, error) {
	seen := map[int64]bool{creatorID: true}
	ids := []int64{creatorID}
	for _, id := range participantIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if len(ids) < 1 || creatorID == 0 {
		return nil, chaterr.Validationf("a chat needs at least one participant")
	}
	if !isGroup && len(ids) != 2 {
		return nil, chaterr.Validationf("a private chat needs exactly 2 participants, got %d", len(ids))
	}
	if !isGroup {
		name = ""
	}

	var key sql.NullString
	if !isGroup {
		key = sql.NullString{String: pairKey(ids[0], ids[1]), Valid: true}
	}

	var chatID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var exists bool
			q := s.rebind("SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)")
			if err := tx.QueryRowContext(ctx, q, id).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return chaterr.NotFoundf("user %d not found", id)
			}
		}

		if key.Valid {
			q := s.rebind("SELECT id FROM chats WHERE pair_key = ?")
			err := tx.QueryRowContext(ctx, q, key.String).Scan(&chatID)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		q := s.rebind("INSERT INTO chats (name, is_group, pair_key) VALUES (?, ?, ?) RETURNING id")
		if err := tx.QueryRowContext(ctx, q, name, isGroup, key).Scan(&chatID); err != nil {
			return err
		}

		q = s.rebind("INSERT INTO participants (chat_id, user_id) VALUES (?, ?)")
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, q, chatID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if key.Valid {
			// Lost the race: the unique index rejected our insert, so the
			// winner's chat must exist now.
			q := s.rebind("SELECT id FROM chats WHERE pair_key = ?")
			if selErr := s.db.QueryRowContext(ctx, q, key.String).Scan(&chatID); selErr == nil {
				return s.GetChat(ctx, chatID, creatorID)
			}
		}
		return nil, err
	}

	return s.GetChat(ctx, chatID, creatorID)
}

// GetChat returns a chat with its participants. The requester must be a
// participant; private chats resolve their display name to the counterpart.
func (s *SQLStore) GetChat(ctx context.Context, chatID, requesterID int64) (*models.Chat, error) {
	chat, err := s.getChatRow(ctx, chatID)
	if err != nil {
		return nil, err
	}

	isMember, err := s.IsParticipant(ctx, chatID, requesterID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, chaterr.Forbiddenf("user %d is not a participant of chat %d", requesterID, chatID)
	}

	chat.Participants, err = s.GetChatParticipants(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsGroup {
		for _, p := range chat.Participants {
			if p.ID != requesterID {
				chat.Name = p.Name
				break
			}
		}
	}

	q := s.rebind("SELECT COUNT(*) FROM messages WHERE chat_id = ? AND read = FALSE AND sender_id <> ? AND sender_id <> 0")
	if err := s.db.QueryRowContext(ctx, q, chatID, requesterID).Scan(&chat.UnreadCount); err != nil {
		return nil, err
	}
	return chat, nil
}

func (s *SQLStore) getChatRow(ctx context.Context, chatID int64) (*models.Chat, error) {
	var chat models.Chat
	var lastMsgAt sql.NullTime
	q := s.rebind("SELECT id, name, is_group, last_message_at, created_at FROM chats WHERE id = ?")
	err := s.db.QueryRowContext(ctx, q, chatID).Scan(&chat.ID, &chat.Name, &chat.IsGroup, &lastMsgAt, &chat.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chaterr.NotFoundf("chat %d not found", chatID)
	}
	if err != nil {
		return nil, err
	}
	if lastMsgAt.Valid {
		chat.LastMessageAt = &lastMsgAt.Time
	}
	return &chat, nil
}

// GetUserChats lists the chats the user belongs to, most recently active
// first, with unread counts and the last message of each chat.
func (s *SQLStore) GetUserChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	query := s.rebind(`
		SELECT c.id, c.is_group, c.last_message_at, c.created_at,
			CASE WHEN c.is_group THEN c.name ELSE COALESCE(
				(SELECT u.name FROM participants p2 JOIN users u ON u.id = p2.user_id
				 WHERE p2.chat_id = c.id AND p2.user_id <> ?), '') END,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.chat_id = c.id AND m.read = FALSE AND m.sender_id <> ? AND m.sender_id <> 0)
		FROM chats c
		JOIN participants p ON c.id = p.chat_id
		WHERE p.user_id = ?
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
	`)
	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var chat models.Chat
		var lastMsgAt sql.NullTime
		if err := rows.Scan(&chat.ID, &chat.IsGroup, &lastMsgAt, &chat.CreatedAt, &chat.Name, &chat.UnreadCount); err != nil {
			return nil, err
		}
		if lastMsgAt.Valid {
			chat.LastMessageAt = &lastMsgAt.Time
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range chats {
		msg, err := s.lastMessage(ctx, chats[i].ID)
		if err != nil {
			return nil, err
		}
		chats[i].LastMessage = msg
	}
	return chats, nil
}

// GetChatIDs returns just the ids of the user's chats, used for room joins
// and presence fan-out.
func (s *SQLStore) GetChatIDs(ctx context.Context, userID int64) ([]int64, error) {
	query := s.rebind("SELECT chat_id FROM participants WHERE user_id = ?")
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddParticipant adds a user to a group chat and records a system join
// notice. Private chats reject membership changes.
func (s *SQLStore) AddParticipant(ctx context.Context, chatID, userID int64) (*models.Message, error) {
	var notice *models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var isGroup bool
		q := s.rebind("SELECT is_group FROM chats WHERE id = ?")
		err := tx.QueryRowContext(ctx, q, chatID).Scan(&isGroup)
		if errors.Is(err, sql.ErrNoRows) {
			return chaterr.NotFoundf("chat %d not found", chatID)
		}
		if err != nil {
			return err
		}
		if !isGroup {
			return chaterr.InvalidOpf("cannot add participants to a private chat")
		}

		var name string
		q = s.rebind("SELECT name FROM users WHERE id = ?")
		err = tx.QueryRowContext(ctx, q, userID).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return chaterr.NotFoundf("user %d not found", userID)
		}
		if err != nil {
			return err
		}

		var exists bool
		q = s.rebind("SELECT EXISTS(SELECT 1 FROM participants WHERE chat_id = ? AND user_id = ?)")
		if err := tx.QueryRowContext(ctx, q, chatID, userID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return chaterr.Conflictf("user %d is already a participant of chat %d", userID, chatID)
		}

		q = s.rebind("INSERT INTO participants (chat_id, user_id) VALUES (?, ?)")
		if _, err := tx.ExecContext(ctx, q, chatID, userID); err != nil {
			return err
		}

		notice, err = s.insertSystemMessage(ctx, tx, chatID, name+" joined")
		return err
	})
	if err != nil {
		return nil, err
	}
	return notice, nil
}

// RemoveParticipant removes a user from a group chat. Deleting the last
// participant cascades to the chat and its messages; otherwise a system
// leave notice is recorded.
func (s *SQLStore) RemoveParticipant(ctx context.Context, chatID, userID int64) (*models.Message, error) {
	var notice *models.Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var isGroup bool
		q := s.rebind("SELECT is_group FROM chats WHERE id = ?")
		err := tx.QueryRowContext(ctx, q, chatID).Scan(&isGroup)
		if errors.Is(err, sql.ErrNoRows) {
			return chaterr.NotFoundf("chat %d not found", chatID)
		}
		if err != nil {
			return err
		}
		if !isGroup {
			return chaterr.InvalidOpf("private chats are deleted, not left")
		}

		q = s.rebind("DELETE FROM participants WHERE chat_id = ? AND user_id = ?")
		res, err := tx.ExecContext(ctx, q, chatID, userID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return chaterr.NotFoundf("user %d is not a participant of chat %d", userID, chatID)
		}

		var remaining int
		q = s.rebind("SELECT COUNT(*) FROM participants WHERE chat_id = ?")
		if err := tx.QueryRowContext(ctx, q, chatID).Scan(&remaining); err != nil {
			return err
		}
		if remaining == 0 {
			return s.deleteChatTx(ctx, tx, chatID)
		}

		var name string
		q = s.rebind("SELECT name FROM users WHERE id = ?")
		if err := tx.QueryRowContext(ctx, q, userID).Scan(&name); err != nil {
			return err
		}
		notice, err = s.insertSystemMessage(ctx, tx, chatID, name+" left")
		return err
	})
	if err != nil {
		return nil, err
	}
	return notice, nil
}

func (s *SQLStore) deleteChatTx(ctx context.Context, tx *sql.Tx, chatID int64) error {
	// Delete messages first (foreign key constraint)
	q := s.rebind("DELETE FROM messages WHERE chat_id = ?")
	if _, err := tx.ExecContext(ctx, q, chatID); err != nil {
		return err
	}
	q = s.rebind("DELETE FROM chats WHERE id = ?")
	_, err := tx.ExecContext(ctx, q, chatID)
	return err
}

func (s *SQLStore) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var exists bool
	query := s.rebind("SELECT EXISTS(SELECT 1 FROM participants WHERE chat_id = ? AND user_id = ?)")
	err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&exists)
	return exists, err
}

func (s *SQLStore) GetChatParticipants(ctx context.Context, chatID int64) ([]models.User, error) {
	query := s.rebind(`
		SELECT u.id, u.name, u.avatar, u.role, u.last_seen
		FROM users u
		JOIN participants p ON u.id = p.user_id
		WHERE p.chat_id = ?
		ORDER BY u.id
	`)
	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var lastSeen sql.NullTime
		if err := rows.Scan(&u.ID, &u.Name, &u.Avatar, &u.Role, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			u.LastSeen = &lastSeen.Time
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *SQLStore) insertSystemMessage(ctx context.Context, tx *sql.Tx, chatID int64, content string) (*models.Message, error) {
	now := time.Now().UTC()
	var id int64
	q := s.rebind("INSERT INTO messages (chat_id, sender_id, content, read, created_at) VALUES (?, 0, ?, TRUE, ?) RETURNING id")
	if err := tx.QueryRowContext(ctx, q, chatID, content, now).Scan(&id); err != nil {
		return nil, err
	}
	q = s.rebind("UPDATE chats SET last_message_at = ? WHERE id = ?")
	if _, err := tx.ExecContext(ctx, q, now, chatID); err != nil {
		return nil, err
	}
	return &models.Message{
		ID:         id,
		ChatID:     chatID,
		SenderID:   models.SystemSenderID,
		SenderName: models.SystemSenderName,
		Content:    content,
		Read:       true,
		CreatedAt:  now,
	}, nil
}
