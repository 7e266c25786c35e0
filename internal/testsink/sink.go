// Package testsink applies a candidate's test scoping to the host: when
// the activated context carries a pytest target, test runs in that
// workspace should be limited to it.
package testsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/envgate/internal/catalog"
	"github.com/mattjoyce/envgate/internal/workspace"
)

// Sink receives the test-configuration side effect of activation.
// Apply with a nil candidate, or one without a pytest target, clears the
// configuration. Implementations must be idempotent.
type Sink interface {
	Apply(scope workspace.Scope, candidate *catalog.Candidate) error
}

const (
	stateDir   = ".envgate"
	targetFile = "pytest_target"
)

// FileSink records the pytest target in a small per-workspace file that
// test tooling reads at startup.
type FileSink struct{}

func NewFileSink() *FileSink {
	return &FileSink{}
}

func (s *FileSink) Apply(scope workspace.Scope, candidate *catalog.Candidate) error {
	path := filepath.Join(scope.Root, stateDir, targetFile)

	if candidate == nil || candidate.PytestTarget == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear pytest target: %w", err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	content := candidate.PytestTarget + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write pytest target: %w", err)
	}
	return nil
}

// Target reads the currently configured pytest target, or "" if none.
func (s *FileSink) Target(scope workspace.Scope) (string, error) {
	data, err := os.ReadFile(filepath.Join(scope.Root, stateDir, targetFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read pytest target: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
