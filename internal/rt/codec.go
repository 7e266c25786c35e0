package rt

import (
	"encoding/json"
	"fmt"
	"io"
)

// DecodeCatalog reads the discovery command's stdout and deserializes it
// into descriptors. The root must be a JSON array; unknown fields and
// malformed identities are rejected here so consumers never have to
// defend against partial shapes.
func DecodeCatalog(r io.Reader) ([]Descriptor, error) {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields() // Strict parsing

	var descriptors []Descriptor
	if err := decoder.Decode(&descriptors); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	if descriptors == nil {
		return nil, fmt.Errorf("catalog root is not a JSON array")
	}

	// Only one JSON value is allowed on stdout.
	if decoder.More() {
		return nil, fmt.Errorf("trailing data after catalog array")
	}

	for i, d := range descriptors {
		if err := validateDescriptor(d); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
	}

	return descriptors, nil
}

func validateDescriptor(d Descriptor) error {
	if !IsShortHash(d.Hash) {
		return fmt.Errorf("invalid descriptor hash %q", d.Hash)
	}
	if d.Name == "" {
		return fmt.Errorf("descriptor %s missing required field: name", d.Hash)
	}
	if d.Python == "" {
		return fmt.Errorf("descriptor %s missing required field: python", d.Hash)
	}

	seen := make(map[string]bool, len(d.Contexts))
	for _, c := range d.Contexts {
		base, _, ok := SplitContextHash(c.Hash)
		if !ok {
			return fmt.Errorf("descriptor %s: invalid context hash %q", d.Hash, c.Hash)
		}
		if base != d.Hash {
			return fmt.Errorf("descriptor %s: context %q belongs to a different descriptor", d.Hash, c.Hash)
		}
		if c.VenvPath == "" {
			return fmt.Errorf("descriptor %s: context %s missing venv_path", d.Hash, c.Hash)
		}
		if seen[c.Hash] {
			return fmt.Errorf("descriptor %s: duplicate context hash %q", d.Hash, c.Hash)
		}
		seen[c.Hash] = true
	}

	return nil
}
