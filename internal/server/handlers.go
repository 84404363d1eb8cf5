package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/cluster"
)

// maxFieldSize caps a non-file multipart field such as the auth chain.
const maxFieldSize = 64 << 10

// handleDeploy accepts a multipart upload with an entityId field, an
// authChain field holding the JSON chain, and one file part per uploaded
// file, the entity file included. Files are staged as they stream in.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.staging.MaxSize()+uploadOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, badRequest("expected a multipart upload"))
		return
	}

	upload := s.staging.NewUpload()
	defer upload.Close()

	var (
		entityID string
		chain    catalyst.AuthChain
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.writeError(w, r, fmt.Errorf("reading upload: %w", err))
			return
		}

		if part.FileName() != "" {
			_, _, err := upload.Add(part)
			part.Close()
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			continue
		}

		value, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
		part.Close()
		if err != nil {
			s.writeError(w, r, fmt.Errorf("reading field %s: %w", part.FormName(), err))
			return
		}
		switch part.FormName() {
		case "entityId":
			entityID = strings.ToLower(strings.TrimSpace(string(value)))
		case "authChain":
			if err := json.Unmarshal(value, &chain); err != nil {
				s.writeError(w, r, badRequest("authChain is not a valid JSON auth chain"))
				return
			}
		}
	}

	if entityID == "" {
		s.writeError(w, r, badRequest("entityId is required"))
		return
	}
	entityFile, err := upload.ReadFile(r.Context(), entityID)
	if errors.Is(err, catalyst.ErrContentNotFound) {
		s.writeError(w, r, badRequest("the entity file was not uploaded"))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.service.Deploy(r.Context(), catalyst.DeployRequest{
		EntityID:   entityID,
		EntityFile: entityFile,
		AuthChain:  chain,
		Files:      upload.Files(),
		Source:     upload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetEntities(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		s.writeError(w, r, badRequest("at least one id is required"))
		return
	}
	entities, err := s.service.GetEntities(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entities))
}

func (s *Server) handleGetActiveEntities(w http.ResponseWriter, r *http.Request) {
	pointers := r.URL.Query()["pointer"]
	if len(pointers) == 0 {
		s.writeError(w, r, badRequest("at least one pointer is required"))
		return
	}
	entities, err := s.service.GetActiveEntities(r.Context(), pointers)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entities))
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(chi.URLParam(r, "hash"))
	if !catalyst.ValidHash(hash) {
		s.writeError(w, r, badRequest("invalid content hash"))
		return
	}
	rc, err := s.service.GetContent(r.Context(), hash)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+hash+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("serving content interrupted", "hash", hash, "error", err)
	}
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	filter, err := catalyst.ParseDeploymentFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	page, err := s.service.ListDeployments(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page.Deployments = nonNil(page.Deployments)
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.service.ListSnapshots(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(snaps))
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.service.ListFailedDeployments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(failed))
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	entityType, id, err := entityParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.service.ClearFailedDeployment(r.Context(), id, entityType); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "sync is disabled on this node"})
		return
	}
	entityType, id, err := entityParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.sync.RetryFailed(r.Context(), id, entityType)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func entityParams(r *http.Request) (catalyst.EntityType, string, error) {
	entityType := catalyst.EntityType(strings.ToLower(chi.URLParam(r, "type")))
	if !entityType.Valid() {
		return "", "", badRequest(fmt.Sprintf("unknown entity type %q", entityType))
	}
	return entityType, strings.ToLower(chi.URLParam(r, "id")), nil
}

func (s *Server) handleListDenylist(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListDenylist(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func (s *Server) handleIsDenylisted(w http.ResponseWriter, r *http.Request) {
	target := denylistTarget(r)
	denied, err := s.service.IsDenylisted(r.Context(), target)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target, "denylisted": denied})
}

// DenylistChange is the body of PUT and DELETE /denylist/{type}/{id}. The
// final link of AuthChain signs catalyst.DenylistPayload.
type DenylistChange struct {
	Timestamp int64              `json:"timestamp"`
	AuthChain catalyst.AuthChain `json:"authChain"`
}

func (s *Server) handleChangeDenylist(action catalyst.DenylistAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body DenylistChange
		if err := json.NewDecoder(io.LimitReader(r.Body, maxFieldSize)).Decode(&body); err != nil {
			s.writeError(w, r, badRequest("expected a JSON body with timestamp and authChain"))
			return
		}
		if err := s.service.ChangeDenylist(r.Context(), action, denylistTarget(r), body.Timestamp, body.AuthChain); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func denylistTarget(r *http.Request) catalyst.DenylistTarget {
	return catalyst.DenylistTarget{
		Type: catalyst.DenylistTargetType(strings.ToLower(chi.URLParam(r, "type"))),
		ID:   strings.ToLower(chi.URLParam(r, "id")),
	}
}

type statusResponse struct {
	catalyst.Status
	StagingUploads int                  `json:"stagingUploads"`
	Peers          []cluster.PeerStatus `json:"peers,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: s.service.Status(), StagingUploads: s.staging.Active()}
	if s.sync != nil {
		resp.Peers = s.sync.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
