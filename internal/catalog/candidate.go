// Package catalog turns raw tool descriptors into activation candidates
// and keeps the most recent per-workspace snapshot around so a transient
// discovery failure never blanks out a workspace's environment list.
package catalog

import (
	"path/filepath"

	"github.com/mattjoyce/envgate/internal/display"
	"github.com/mattjoyce/envgate/internal/rt"
)

// Candidate is the orchestrator's materialized projection of one
// (descriptor, context) pair. Candidates are immutable values: they are
// rebuilt from scratch on every catalog fetch and never mutated in place.
type Candidate struct {
	// ID is the context hash, the stable identity used for diffing,
	// persistence, and build requests.
	ID             string            `json:"id"`
	DescriptorHash string            `json:"descriptor_hash"`
	Name           string            `json:"name"`
	Python         string            `json:"python"`
	DisplayName    string            `json:"display_name"`
	ShortName      string            `json:"short_name"`
	VenvPath       string            `json:"venv_path"`
	Interpreter    string            `json:"interpreter"`
	Command        string            `json:"command,omitempty"`
	PytestTarget   string            `json:"pytest_target,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	Services       []string          `json:"services,omitempty"`
	Create         bool              `json:"create"`
	SkipDevInstall bool              `json:"skip_dev_install"`
	ActivateCmd    string            `json:"activate_cmd"`
	DeactivateCmd  string            `json:"deactivate_cmd"`
}

// Materialize expands every execution context of every descriptor into a
// candidate. Descriptor python versions are normalized to the canonical
// three-component form before names are rendered. Descriptors without
// contexts are not activatable and produce nothing.
func Materialize(descriptors []rt.Descriptor) []Candidate {
	var candidates []Candidate
	for _, d := range descriptors {
		d.Python = NormalizeVersion(d.Python)
		for _, c := range d.Contexts {
			names := display.BuildNames(d, c)
			candidates = append(candidates, Candidate{
				ID:             c.Hash,
				DescriptorHash: d.Hash,
				Name:           d.Name,
				Python:         d.Python,
				DisplayName:    names.Display,
				ShortName:      names.Short,
				VenvPath:       c.VenvPath,
				Interpreter:    filepath.Join(c.VenvPath, "bin", "python"),
				Command:        c.Command,
				PytestTarget:   c.PytestTarget,
				Env:            c.Env,
				Services:       d.Services,
				Create:         c.Create,
				SkipDevInstall: c.SkipDevInstall,
				ActivateCmd:    "source " + filepath.Join(c.VenvPath, "bin", "activate"),
				DeactivateCmd:  "deactivate",
			})
		}
	}
	return candidates
}

// Find returns the candidate with the given identity, or nil.
func Find(candidates []Candidate, id string) *Candidate {
	for i := range candidates {
		if candidates[i].ID == id {
			return &candidates[i]
		}
	}
	return nil
}

// FindByPath returns the first candidate whose venv path or interpreter
// matches path, or nil.
func FindByPath(candidates []Candidate, path string) *Candidate {
	cleaned := filepath.Clean(path)
	for i := range candidates {
		if filepath.Clean(candidates[i].VenvPath) == cleaned ||
			filepath.Clean(candidates[i].Interpreter) == cleaned {
			return &candidates[i]
		}
	}
	return nil
}
