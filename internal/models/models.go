package models

import "time"

// SystemSenderID marks messages authored by the server itself (join and
// leave notices). There is no user row behind it and read-marking skips it.
const SystemSenderID = 0

// SystemSenderName is the display name resolved for system messages.
const SystemSenderName = "system"

type User struct {
	ID       int64      `json:"id"`
	Name     string     `json:"name"`
	Avatar   string     `json:"avatar,omitempty"`
	Role     string     `json:"role,omitempty"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type Chat struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	IsGroup       bool       `json:"is_group"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`

	// Populated on detail and list queries, not stored on the chats row.
	Participants []User   `json:"participants,omitempty"`
	LastMessage  *Message `json:"last_message,omitempty"`
	UnreadCount  int      `json:"unread_count"`
}

type Message struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Avatar     string    `json:"avatar,omitempty"`
	Content    string    `json:"content"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsSystem reports whether the message is a server-authored notice.
func (m *Message) IsSystem() bool {
	return m.SenderID == SystemSenderID
}

// PresenceEntry is the payload of a user_status_change event.
type PresenceEntry struct {
	UserID   int64      `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
