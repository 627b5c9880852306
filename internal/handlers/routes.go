package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/chatcore/internal/auth"
	"github.com/pliu/chatcore/internal/middleware"
	"github.com/pliu/chatcore/internal/store"
	"github.com/pliu/chatcore/internal/ws"
)

// NewRouter wires the REST surface and the websocket endpoint.
func NewRouter(st store.Store, hub *ws.Hub, verifier *auth.Verifier, log *zap.SugaredLogger) *mux.Router {
	chatHandler := &ChatHandler{Store: st, Hub: hub, Log: log}
	userHandler := &UserHandler{Store: st, Hub: hub, Log: log}

	r := mux.NewRouter()
	r.Use(middleware.Logging(log))

	api := r.NewRoute().Subrouter()
	api.Use(middleware.Auth(verifier))
	api.HandleFunc("/users/search", userHandler.SearchUsers).Methods("GET")
	api.HandleFunc("/chats", chatHandler.CreateChat).Methods("POST")
	api.HandleFunc("/chats", chatHandler.GetChats).Methods("GET")
	api.HandleFunc("/chats/{id}", chatHandler.GetChat).Methods("GET")
	api.HandleFunc("/chats/{id}/messages", chatHandler.PostMessage).Methods("POST")
	api.HandleFunc("/chats/{id}/messages", chatHandler.GetMessages).Methods("GET")
	api.HandleFunc("/chats/{id}/participants", chatHandler.AddParticipant).Methods("POST")
	api.HandleFunc("/chats/{id}/leave", chatHandler.Leave).Methods("DELETE")

	// The handshake verifies the credential before any upgrade; an invalid
	// token never reaches the hub.
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		identity, err := verifier.Verify(middleware.TokenFromRequest(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ws.ServeWs(hub, w, r, identity)
	})

	return r
}
