package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pliu/chatcore/internal/chaterr"
	"github.com/pliu/chatcore/internal/middleware"
)

type PostMessageRequest struct {
	Content string `json:"content"`
	// TempID is the optimistic entry's id when this request is the fallback
	// path for a message the live channel failed to deliver.
	TempID string `json:"temp_id,omitempty"`
}

// PostMessage appends a message over plain request/response. It is both the
// primary REST path and the fallback when the live channel is down; either
// way the canonical message is fanned out to the room.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())
	chatID, err := chatIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, chaterr.Validationf("invalid request body"))
		return
	}

	msg, err := h.Store.SaveMessage(r.Context(), chatID, identity.ID, req.Content)
	if err != nil {
		respondError(w, err)
		return
	}

	h.Hub.BroadcastNewMessage(chatID, msg, req.TempID)
	respondJSON(w, http.StatusCreated, msg)
}

// GetMessages returns one newest-first page of the chat's log and, as a side
// effect, marks foreign messages read; other participants learn about it via
// a messages_read event.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())
	chatID, err := chatIDFromPath(r)
	if err != nil {
		respondError(w, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	messages, err := h.Store.GetChatMessages(r.Context(), chatID, identity.ID, page, limit)
	if err != nil {
		respondError(w, err)
		return
	}

	h.Hub.BroadcastMessagesRead(chatID, identity.ID)
	respondJSON(w, http.StatusOK, messages)
}
