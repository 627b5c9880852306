package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/pliu/chatcore/internal/chaterr"
	"github.com/pliu/chatcore/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// SaveMessage appends a message to a chat's log and bumps last_message_at.
// The returned message is the canonical entry, sender display info resolved.
func (s *SQLStore) SaveMessage(ctx context.Context, chatID, senderID int64, content string) (*models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, chaterr.Validationf("message content is empty")
	}

	msg := &models.Message{
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		q := s.rebind("SELECT EXISTS(SELECT 1 FROM chats WHERE id = ?)")
		if err := tx.QueryRowContext(ctx, q, chatID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return chaterr.NotFoundf("chat %d not found", chatID)
		}

		q = s.rebind("SELECT EXISTS(SELECT 1 FROM participants WHERE chat_id = ? AND user_id = ?)")
		if err := tx.QueryRowContext(ctx, q, chatID, senderID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return chaterr.Forbiddenf("user %d is not a participant of chat %d", senderID, chatID)
		}

		q = s.rebind("SELECT name, avatar FROM users WHERE id = ?")
		if err := tx.QueryRowContext(ctx, q, senderID).Scan(&msg.SenderName, &msg.Avatar); err != nil {
			return err
		}

		q = s.rebind("INSERT INTO messages (chat_id, sender_id, content, read, created_at) VALUES (?, ?, ?, FALSE, ?) RETURNING id")
		if err := tx.QueryRowContext(ctx, q, chatID, senderID, content, msg.CreatedAt).Scan(&msg.ID); err != nil {
			return err
		}

		q = s.rebind("UPDATE chats SET last_message_at = ? WHERE id = ?")
		_, err := tx.ExecContext(ctx, q, msg.CreatedAt, chatID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetChatMessages returns one page of the chat's log, newest first. Fetching
// a page marks every message not authored by the requester as read, so other
// participants' read receipts stay accurate.
func (s *SQLStore) GetChatMessages(ctx context.Context, chatID, requesterID int64, page, limit int) ([]models.Message, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if _, err := s.getChatRow(ctx, chatID); err != nil {
		return nil, err
	}
	isMember, err := s.IsParticipant(ctx, chatID, requesterID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, chaterr.Forbiddenf("user %d is not a participant of chat %d", requesterID, chatID)
	}

	if _, err := s.MarkMessagesRead(ctx, chatID, requesterID); err != nil {
		return nil, err
	}

	query := s.rebind(`
		SELECT m.id, m.chat_id, m.sender_id, COALESCE(u.name, ?), COALESCE(u.avatar, ''), m.content, m.read, m.created_at
		FROM messages m
		LEFT JOIN users u ON m.sender_id = u.id
		WHERE m.chat_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ? OFFSET ?
	`)
	rows, err := s.db.QueryContext(ctx, query, models.SystemSenderName, chatID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Avatar, &m.Content, &m.Read, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkMessagesRead flips read to true on every message in the chat not
// authored by the reader. The transition is monotonic and idempotent; system
// notices and the reader's own messages are never touched.
func (s *SQLStore) MarkMessagesRead(ctx context.Context, chatID, readerID int64) (int64, error) {
	isMember, err := s.IsParticipant(ctx, chatID, readerID)
	if err != nil {
		return 0, err
	}
	if !isMember {
		return 0, chaterr.Forbiddenf("user %d is not a participant of chat %d", readerID, chatID)
	}

	query := s.rebind("UPDATE messages SET read = TRUE WHERE chat_id = ? AND read = FALSE AND sender_id <> ? AND sender_id <> 0")
	res, err := s.db.ExecContext(ctx, query, chatID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) lastMessage(ctx context.Context, chatID int64) (*models.Message, error) {
	query := s.rebind(`
		SELECT m.id, m.chat_id, m.sender_id, COALESCE(u.name, ?), COALESCE(u.avatar, ''), m.content, m.read, m.created_at
		FROM messages m
		LEFT JOIN users u ON m.sender_id = u.id
		WHERE m.chat_id = ?
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT 1
	`)
	var m models.Message
	err := s.db.QueryRowContext(ctx, query, models.SystemSenderName, chatID).Scan(
		&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Avatar, &m.Content, &m.Read, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
