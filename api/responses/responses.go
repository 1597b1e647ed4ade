package responses

import (
	"encoding/json"
	"net/http"
)

type statusBody struct {
	Status string `json:"status"`
}

// WriteStatus emits the health envelope with the given HTTP status.
func WriteStatus(w http.ResponseWriter, httpStatus int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_ = json.NewEncoder(w).Encode(statusBody{Status: status})
}
