package store

import (
	"context"
	"time"

	"github.com/pliu/chatcore/internal/models"
)

type Store interface {
	// User directory
	UpsertUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)
	TouchLastSeen(ctx context.Context, userID int64, at time.Time) error

	// Chat and participant operations
	CreateChat(ctx context.Context, creatorID int64, participantIDs []int64, name string, isGroup bool) (*models.Chat, error)
	GetChat(ctx context.Context, chatID, requesterID int64) (*models.Chat, error)
	GetUserChats(ctx context.Context, userID int64) ([]models.Chat, error)
	GetChatIDs(ctx context.Context, userID int64) ([]int64, error)
	AddParticipant(ctx context.Context, chatID, userID int64) (*models.Message, error)
	RemoveParticipant(ctx context.Context, chatID, userID int64) (*models.Message, error)
	IsParticipant(ctx context.Context, chatID, userID int64) (bool, error)
	GetChatParticipants(ctx context.Context, chatID int64) ([]models.User, error)

	// Message log
	SaveMessage(ctx context.Context, chatID, senderID int64, content string) (*models.Message, error)
	GetChatMessages(ctx context.Context, chatID, requesterID int64, page, limit int) ([]models.Message, error)
	MarkMessagesRead(ctx context.Context, chatID, readerID int64) (int64, error)
}
