package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/cluster"
	"catalyst-go/internal/staging"
)

type errorBody struct {
	Error    string                     `json:"error"`
	Problems []string                   `json:"problems,omitempty"`
	Conflict []catalyst.PointerConflict `json:"conflicts,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *catalyst.ValidationError
		conflict   *catalyst.ConflictError
		peer       *catalyst.TransientPeerError
		tooLarge   *http.MaxBytesError
	)
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		body.Problems = validation.Problems
	case errors.As(err, &conflict):
		status = http.StatusConflict
		body.Conflict = conflict.Conflicts
	case errors.Is(err, catalyst.ErrCapacity):
		status = http.StatusTooManyRequests
	case errors.Is(err, staging.ErrUploadTooLarge), errors.As(err, &tooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, catalyst.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, catalyst.ErrDenylisted), errors.Is(err, catalyst.ErrContentNotFound),
		errors.Is(err, cluster.ErrNoFailedDeployment):
		status = http.StatusNotFound
	case errors.As(err, &peer):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, body)
}

func badRequest(msg string) error {
	return &catalyst.ValidationError{Problems: []string{msg}}
}
