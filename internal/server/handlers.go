package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhubert/canopy/internal/errors"
	"github.com/zhubert/canopy/internal/jobs"
	"github.com/zhubert/canopy/internal/node"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"active_jobs":          len(s.engine.Registry().Active()),
		"progress_subscribers": s.engine.Bus().SubscriberCount(),
	})
}

type addRepositoryRequest struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

func (s *Server) handleAddRepository(w http.ResponseWriter, r *http.Request) {
	var req addRepositoryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, errors.E(errors.Op("server.AddRepository"), errors.KindInvalid, "path is required"))
		return
	}
	repo, err := s.nodes.AddRepository(r.Context(), req.Path, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := s.nodes.Repositories()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

type createNodeRequest struct {
	RepositoryID string `json:"repository_id"`
	BaseBranch   string `json:"base_branch,omitempty"`
	Name         string `json:"name,omitempty"`
	// Branch checks out an existing local branch instead of creating one.
	Branch string `json:"branch,omitempty"`
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var req createNodeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RepositoryID == "" {
		writeError(w, errors.E(errors.Op("server.CreateNode"), errors.KindInvalid, "repository_id is required"))
		return
	}

	var err error
	var n any
	if req.Branch != "" {
		n, err = s.nodes.CreateFromBranch(r.Context(), req.RepositoryID, req.Branch)
	} else {
		n, err = s.nodes.Create(r.Context(), node.CreateOptions{
			RepositoryID: req.RepositoryID,
			BaseBranch:   req.BaseBranch,
			Name:         req.Name,
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.nodes.List(r.URL.Query().Get("repository_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.nodes.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleRetryNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.nodes.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, n)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.nodes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNodeProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := s.engine.GetProgress(id)
	if !ok {
		writeError(w, errors.JobNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type waitResponse struct {
	NodeID  string       `json:"node_id"`
	Outcome jobs.Outcome `json:"outcome"`
}

// handleWait blocks until the node's job finishes or the timeout query
// parameter elapses. A timed out wait reports outcome "unknown".
func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeout := s.waitTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, errors.E(errors.Op("server.Wait"), errors.KindInvalid, "invalid timeout "+raw))
			return
		}
		timeout = d
	}
	writeJSON(w, http.StatusOK, waitResponse{NodeID: id, Outcome: s.engine.WaitForInit(id, timeout)})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, errors.E(errors.Op("server.decode"), errors.KindInvalid, "invalid request body", err))
		return false
	}
	return true
}
