package ws

import "github.com/pliu/chatcore/internal/models"

// Client → server event types.
const (
	EventSendMessage = "send_message"
	EventMarkRead    = "mark_read"
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
)

// Server → client event types.
const (
	EventNewMessage   = "new_message"
	EventMessageAck   = "message_ack"
	EventUserStatus   = "user_status_change"
	EventMessagesRead = "messages_read"
	EventError        = "error"
)

// Event is the single frame shape exchanged over the channel. TempID is the
// client-generated id of an optimistic entry; it rides along on the ack and
// on the echoed new_message so the sender can reconcile without content
// matching.
type Event struct {
	Type     string                `json:"type"`
	ChatID   int64                 `json:"chat_id,omitempty"`
	TempID   string                `json:"temp_id,omitempty"`
	Content  string                `json:"content,omitempty"`
	ReaderID int64                 `json:"reader_id,omitempty"`
	Message  *models.Message       `json:"message,omitempty"`
	Presence *models.PresenceEntry `json:"presence,omitempty"`
	Error    string                `json:"error,omitempty"`
}
