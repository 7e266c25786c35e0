package events

// Event types published by the orchestrator.
const (
	TypeCatalogAdded     = "catalog.added"
	TypeCatalogRemoved   = "catalog.removed"
	TypeSelectionChanged = "selection.changed"
)

// CatalogChange is the payload for catalog.added / catalog.removed.
type CatalogChange struct {
	Workspace   string `json:"workspace"`
	CandidateID string `json:"candidate_id"`
	DisplayName string `json:"display_name"`
}

// SelectionChange is the payload for selection.changed. Old and New are
// candidate identities; either may be empty for "none".
type SelectionChange struct {
	Workspace string `json:"workspace"`
	Old       string `json:"old,omitempty"`
	New       string `json:"new,omitempty"`
	OpID      string `json:"op_id,omitempty"`
}
