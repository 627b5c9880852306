package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/chatcore/internal/chaterr"
	"github.com/pliu/chatcore/internal/middleware"
	"github.com/pliu/chatcore/internal/models"
	"github.com/pliu/chatcore/internal/store"
	"github.com/pliu/chatcore/internal/ws"
)

type ChatHandler struct {
	Store store.Store
	Hub   *ws.Hub
	Log   *zap.SugaredLogger
}

type CreateChatRequest struct {
	ParticipantIDs []int64 `json:"participant_ids"`
	Name           string  `json:"name"`
	IsGroup        bool    `json:"is_group"`
}

type AddParticipantRequest struct {
	UserID int64 `json:"user_id"`
}

// CreateChat creates a group chat or finds-or-creates the private chat for
// the caller and the given counterpart.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	var req CreateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, chaterr.Validationf("invalid request body"))
		return
	}

	chat, err := h.Store.CreateChat(r.Context(), identity.ID, req.ParticipantIDs, req.Name, req.IsGroup)
	if err != nil {
		respondError(w, err)
		return
	}

	h.fillPresence(chat.Participants)
	respondJSON(w, http.StatusCreated, chat)
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())

	chats, err := h.Store.GetUserChats(r.Context(), identity.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())
	chatID, err := chatIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	chat, err := h.Store.GetChat(r.Context(), chatID, identity.ID)
	if err != nil {
		respondError(w, err)
		return
	}

	h.fillPresence(chat.Participants)
	respondJSON(w, http.StatusOK, chat)
}

// AddParticipant adds a user to a group chat and pushes the join notice to
// the room.
func (h *ChatHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())
	chatID, err := chatIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	isMember, err := h.Store.IsParticipant(r.Context(), chatID, identity.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	if !isMember {
		respondError(w, chaterr.Forbiddenf("only participants can add members"))
		return
	}

	var req AddParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, chaterr.Validationf("invalid request body"))
		return
	}

	notice, err := h.Store.AddParticipant(r.Context(), chatID, req.UserID)
	if err != nil {
		respondError(w, err)
		return
	}

	h.Hub.BroadcastNewMessage(chatID, notice, "")
	respondJSON(w, http.StatusOK, notice)
}

// Leave removes the caller from a group chat.
func (h *ChatHandler) Leave(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())
	chatID, err := chatIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	notice, err := h.Store.RemoveParticipant(r.Context(), chatID, identity.ID)
	if err != nil {
		respondError(w, err)
		return
	}

	if notice != nil {
		h.Hub.BroadcastNewMessage(chatID, notice, "")
	}
	respondJSON(w, http.StatusOK, notice)
}

// fillPresence overlays the hub's ephemeral online state onto participant
// records before they leave the process.
func (h *ChatHandler) fillPresence(users []models.User) {
	if h.Hub == nil {
		return
	}
	for i := range users {
		users[i].Online = h.Hub.IsOnline(users[i].ID)
	}
}

func chatIDFromPath(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, chaterr.Validationf("invalid chat id")
	}
	return id, nil
}
