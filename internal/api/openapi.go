package api

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/mattjoyce/envgate/internal/workspace"
)

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.scopes))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering every configured workspace.
func buildOpenAPIDoc(scopes map[string]workspace.Scope) map[string]any {
	paths := map[string]any{}

	names := make([]string, 0, len(scopes))
	for name := range scopes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		for path, item := range buildWorkspacePaths(name) {
			paths[path] = item
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "envgate",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

// buildWorkspacePaths builds OpenAPI path items for a single workspace.
func buildWorkspacePaths(name string) map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}
	base := fmt.Sprintf("/workspace/%s", name)

	return map[string]any{
		base + "/envs": map[string]any{
			"get": map[string]any{
				"operationId": name + "__envs",
				"summary":     fmt.Sprintf("%s: list activation candidates", name),
				"tags":        []string{name},
				"responses": map[string]any{
					"200": map[string]any{"description": "Candidate list"},
				},
				"security": secured,
			},
		},
		base + "/refresh": map[string]any{
			"post": map[string]any{
				"operationId": name + "__refresh",
				"summary":     fmt.Sprintf("%s: force a catalog refresh", name),
				"tags":        []string{name},
				"responses": map[string]any{
					"200": map[string]any{"description": "Refreshed candidate list"},
				},
				"security": secured,
			},
		},
		base + "/current": map[string]any{
			"get": map[string]any{
				"operationId": name + "__current",
				"summary":     fmt.Sprintf("%s: current environment", name),
				"tags":        []string{name},
				"responses": map[string]any{
					"200": map[string]any{"description": "Current environment, null when none"},
				},
				"security": secured,
			},
			"put": map[string]any{
				"operationId": name + "__activate",
				"summary":     fmt.Sprintf("%s: activate an environment", name),
				"tags":        []string{name},
				"responses": map[string]any{
					"200": map[string]any{"description": "Environment activated"},
					"404": map[string]any{"description": "Unknown environment id"},
					"409": map[string]any{"description": "Superseded or not usable"},
				},
				"security": secured,
			},
			"delete": map[string]any{
				"operationId": name + "__deactivate",
				"summary":     fmt.Sprintf("%s: deactivate", name),
				"tags":        []string{name},
				"responses": map[string]any{
					"200": map[string]any{"description": "Environment cleared"},
				},
				"security": secured,
			},
		},
	}
}
