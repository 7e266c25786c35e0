// Package doctor validates envgate configuration and the surrounding
// host setup before the service starts.
package doctor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/envgate/internal/config"
)

// VersionProber reports the external tool's version, confirming the
// binary is present and runnable.
type VersionProber interface {
	Version(ctx context.Context) (string, error)
}

// Result holds the outcome of a validation run.
type Result struct {
	Valid       bool    `json:"valid"`
	ToolVersion string  `json:"tool_version,omitempty"`
	Errors      []Issue `json:"errors,omitempty"`
	Warnings    []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the host.
type Doctor struct {
	cfg    *config.Config
	prober VersionProber
}

// New creates a Doctor from a loaded config. prober may be nil to skip
// the tool probe.
func New(cfg *config.Config, prober VersionProber) *Doctor {
	return &Doctor{cfg: cfg, prober: prober}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.checkState(r)
	d.checkTool(ctx, r)
	d.checkWorkspaces(r)
	d.checkAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkState verifies the state database directory exists or can be
// created, and is writable.
func (d *Doctor) checkState(r *Result) {
	dir := filepath.Dir(d.cfg.State.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addError(r, "state", "state.path", "cannot create state directory: "+err.Error())
		return
	}

	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		d.addError(r, "state", "state.path", "state directory is not writable: "+err.Error())
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
}

// checkTool probes the external tool binary.
func (d *Doctor) checkTool(ctx context.Context, r *Result) {
	if d.prober == nil {
		d.addWarning(r, "tool", "tool.path", "tool probe skipped")
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	version, err := d.prober.Version(probeCtx)
	if err != nil {
		d.addError(r, "tool", "tool.path", "tool is not runnable: "+err.Error())
		return
	}
	r.ToolVersion = version
}

// checkWorkspaces verifies every configured workspace root is an
// existing directory.
func (d *Doctor) checkWorkspaces(r *Result) {
	if len(d.cfg.Workspaces) == 0 {
		d.addWarning(r, "workspaces", "workspaces", "no workspaces configured")
		return
	}

	for _, name := range d.cfg.WorkspaceNames() {
		root := d.cfg.Workspaces[name]
		info, err := os.Stat(root)
		if err != nil {
			d.addError(r, "workspaces", "workspaces."+name, "root does not exist: "+root)
			continue
		}
		if !info.IsDir() {
			d.addError(r, "workspaces", "workspaces."+name, "root is not a directory: "+root)
		}
	}
}

// checkAPI warns about weak API setups.
func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if len(d.cfg.API.Auth.APIKey) < 16 {
		d.addWarning(r, "api", "api.auth.api_key", "api key is shorter than 16 characters")
	}
}
