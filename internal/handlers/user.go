package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/pliu/chatcore/internal/models"
	"github.com/pliu/chatcore/internal/store"
	"github.com/pliu/chatcore/internal/ws"
)

// UserHandler exposes the directory lookup used for participant selection.
type UserHandler struct {
	Store store.Store
	Hub   *ws.Hub
	Log   *zap.SugaredLogger
}

func (h *UserHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondJSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query)
	if err != nil {
		respondError(w, err)
		return
	}
	for i := range users {
		users[i].Online = h.Hub.IsOnline(users[i].ID)
	}
	respondJSON(w, http.StatusOK, users)
}
