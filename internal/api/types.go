package api

import (
	"github.com/mattjoyce/envgate/internal/catalog"
)

// SetCurrentRequest is the JSON body for PUT /workspace/{workspace}/current.
type SetCurrentRequest struct {
	ID             string `json:"id"`
	ForceReinstall bool   `json:"force_reinstall,omitempty"`
}

// CurrentResponse is returned by GET and PUT /workspace/{workspace}/current.
// Current is null when no environment is active.
type CurrentResponse struct {
	Workspace string             `json:"workspace"`
	Current   *catalog.Candidate `json:"current"`
}

// EnvsResponse is returned by GET /workspace/{workspace}/envs.
type EnvsResponse struct {
	Workspace string              `json:"workspace"`
	Envs      []catalog.Candidate `json:"envs"`
}

// WorkspaceInfo describes one configured workspace.
type WorkspaceInfo struct {
	Name string `json:"name"`
	Root string `json:"root"`
	Key  string `json:"key"`
}

// WorkspacesResponse is returned by GET /workspaces.
type WorkspacesResponse struct {
	Workspaces []WorkspaceInfo `json:"workspaces"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workspaces    int    `json:"workspaces"`
}
