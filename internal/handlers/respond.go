package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/pliu/chatcore/internal/chaterr"
)

// Every endpoint answers with this envelope: a success flag plus either the
// payload or an error message.
type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(chaterr.HTTPStatus(err))
	json.NewEncoder(w).Encode(response{Success: false, Error: err.Error()})
}
