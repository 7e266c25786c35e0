// Package workspace defines the identity under which all orchestrator
// state is partitioned.
//
// A Scope is one project root tracked independently of every other. The
// derived Key is what gets written into durable storage, so it must stay
// stable across restarts and across path spellings of the same root.
package workspace

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// keyLen is the number of hex characters kept from the root digest.
// Matches the short-hash width used elsewhere in the catalog wire format.
const keyLen = 16

// Scope identifies one tracked project root.
type Scope struct {
	// Name is the human label from configuration ("svc-repo").
	Name string
	// Root is the cleaned absolute path of the project directory.
	Root string
}

// NewScope builds a Scope from a configured name and root path.
// The root is resolved to an absolute, cleaned path so that two spellings
// of the same directory always produce the same Key.
func NewScope(name, root string) (Scope, error) {
	trimmed := strings.TrimSpace(root)
	if trimmed == "" {
		return Scope{}, fmt.Errorf("workspace root is empty")
	}

	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return Scope{}, fmt.Errorf("resolve workspace root %q: %w", root, err)
	}

	if strings.TrimSpace(name) == "" {
		name = filepath.Base(abs)
	}

	return Scope{Name: name, Root: filepath.Clean(abs)}, nil
}

// Key returns the stable storage key for this scope: a short BLAKE3
// digest of the cleaned root path.
func (s Scope) Key() string {
	sum := blake3.Sum256([]byte(s.Root))
	return hex.EncodeToString(sum[:])[:keyLen]
}

// String returns the scope name for log output.
func (s Scope) String() string {
	return s.Name
}
