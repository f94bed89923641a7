package handlers

import (
	"encoding/json"
	"net/http"

	"langexchange-backend/internal/languages"
)

type LanguagesResponse struct {
	Languages []languages.Language `json:"languages"`
}

// Languages lists the catalogue join_queue accepts.
func Languages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(LanguagesResponse{Languages: languages.Supported})
}
