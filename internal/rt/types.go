package rt

// Descriptor is one environment family as reported by the discovery
// command: a named dependency baseline expanded into one or more
// concrete execution contexts.
type Descriptor struct {
	Hash       string            `json:"hash"`
	VenvPath   string            `json:"venv_path"`
	Name       string            `json:"name"`
	Python     string            `json:"python"`
	Services   []string          `json:"services"`
	Pkgs       map[string]string `json:"pkgs"`
	SharedPkgs map[string]string `json:"shared_pkgs"`
	SharedEnv  map[string]string `json:"shared_env"`
	Contexts   []Context         `json:"execution_contexts"`
}

// Context is one concretely activatable variant of a Descriptor.
// Create and SkipDevInstall are passed through to the build command
// opaquely; the orchestrator never interprets them.
type Context struct {
	Hash         string            `json:"hash"`
	VenvPath     string            `json:"venv_path"`
	Command      string            `json:"command"`
	PytestTarget string            `json:"pytest_target"`
	Env            map[string]string `json:"env"`
	Create         bool              `json:"create"`
	SkipDevInstall bool              `json:"skip_dev_install"`
}

const shortHashLen = 7

// IsShortHash reports whether s is a 7-character hex hash, the identity
// form the tool uses for descriptors.
func IsShortHash(s string) bool {
	if len(s) != shortHashLen {
		return false
	}
	for _, c := range s {
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

// SplitContextHash splits a full context identity "<base>@<ctx>" into
// its descriptor and context halves. ok is false when the shape is
// anything else.
func SplitContextHash(id string) (base, ctx string, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] != '@' {
			continue
		}
		base, ctx = id[:i], id[i+1:]
		if IsShortHash(base) && IsShortHash(ctx) {
			return base, ctx, true
		}
		return "", "", false
	}
	return "", "", false
}

func isHexDigit(c rune) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	case c >= 'A' && c <= 'F':
		return true
	}
	return false
}
