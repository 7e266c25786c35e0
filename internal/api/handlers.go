package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/mattjoyce/envgate/internal/activation"
	"github.com/mattjoyce/envgate/internal/catalog"
	"github.com/mattjoyce/envgate/internal/workspace"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workspaces:    len(s.scopes),
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleWorkspaces handles GET /workspaces.
func (s *Server) handleWorkspaces(w http.ResponseWriter, r *http.Request) {
	infos := make([]WorkspaceInfo, 0, len(s.scopes))
	for name, scope := range s.scopes {
		infos = append(infos, WorkspaceInfo{Name: name, Root: scope.Root, Key: scope.Key()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	respondJSON(w, http.StatusOK, WorkspacesResponse{Workspaces: infos})
}

// handleListEnvs handles GET /workspace/{workspace}/envs.
// ?refresh=true forces a catalog fetch instead of serving the cache.
func (s *Server) handleListEnvs(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}

	refresh := r.URL.Query().Get("refresh")
	force := refresh == "true" || refresh == "1"
	envs, err := s.orchestrator.List(r.Context(), scope, force)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "catalog fetch interrupted")
		return
	}
	respondJSON(w, http.StatusOK, EnvsResponse{Workspace: scope.Name, Envs: envs})
}

// handleRefresh handles POST /workspace/{workspace}/refresh.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}

	if err := s.orchestrator.Refresh(r.Context(), scope); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "refresh interrupted")
		return
	}
	envs, err := s.orchestrator.List(r.Context(), scope, false)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "catalog fetch interrupted")
		return
	}
	respondJSON(w, http.StatusOK, EnvsResponse{Workspace: scope.Name, Envs: envs})
}

// handleResolve handles GET /workspace/{workspace}/resolve?path=...
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}

	candidate, err := s.orchestrator.Resolve(r.Context(), scope, path)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "catalog fetch interrupted")
		return
	}
	if candidate == nil {
		s.writeError(w, http.StatusNotFound, "no environment matches path")
		return
	}
	respondJSON(w, http.StatusOK, candidate)
}

// handleGetCurrent handles GET /workspace/{workspace}/current.
func (s *Server) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}

	current, err := s.orchestrator.Get(r.Context(), scope)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "restoration interrupted")
		return
	}
	respondJSON(w, http.StatusOK, CurrentResponse{Workspace: scope.Name, Current: current})
}

// handleSetCurrent handles PUT /workspace/{workspace}/current.
func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}

	var req SetCurrentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		s.writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	candidate, err := s.lookupCandidate(r.Context(), scope, req.ID)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "catalog fetch interrupted")
		return
	}
	if candidate == nil {
		s.writeError(w, http.StatusNotFound, "unknown environment id")
		return
	}

	if err := s.orchestrator.Set(r.Context(), scope, *candidate, req.ForceReinstall); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// Superseded by a newer request; not a failure.
			s.writeError(w, http.StatusConflict, "activation superseded")
		case errors.Is(err, activation.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "environment vanished during activation")
		case errors.Is(err, activation.ErrNotUsable):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("activation failed", "workspace", scope.Name, "id", req.ID, "error", err)
			s.writeError(w, http.StatusBadGateway, "activation failed: "+err.Error())
		}
		return
	}

	current, err := s.orchestrator.Get(r.Context(), scope)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "restoration interrupted")
		return
	}
	respondJSON(w, http.StatusOK, CurrentResponse{Workspace: scope.Name, Current: current})
}

// handleClearCurrent handles DELETE /workspace/{workspace}/current.
func (s *Server) handleClearCurrent(w http.ResponseWriter, r *http.Request) {
	scope, ok := s.scope(w, r)
	if !ok {
		return
	}

	if err := s.orchestrator.Clear(r.Context(), scope); err != nil {
		s.logger.Error("clear failed", "workspace", scope.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "clear failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, CurrentResponse{Workspace: scope.Name, Current: nil})
}

// lookupCandidate finds id in the cached catalog, falling back to one
// forced fetch when the id is not cached yet.
func (s *Server) lookupCandidate(ctx context.Context, scope workspace.Scope, id string) (*catalog.Candidate, error) {
	envs, err := s.orchestrator.List(ctx, scope, false)
	if err != nil {
		return nil, err
	}
	if candidate := catalog.Find(envs, id); candidate != nil {
		return candidate, nil
	}

	envs, err = s.orchestrator.List(ctx, scope, true)
	if err != nil {
		return nil, err
	}
	return catalog.Find(envs, id), nil
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
