package controllerapi

import (
	"encoding/json"
	"net/http"

	"github.com/mclarkelauer/mastercontrol/internal/fleeterrors"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeHTTPError(w http.ResponseWriter, e *fleeterrors.HttpError) {
	writeJSON(w, e.StatusCode, map[string]string{"detail": e.Detail})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}
