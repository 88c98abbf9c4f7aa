package session

// Workflow event types accepted by Dispatch. The REST and WebSocket surfaces
// both decode into this envelope after schema validation.
const (
	EventSetMode          = "setMode"
	EventEditReference    = "editReference"
	EventLookupReference  = "lookupReference"
	EventEditMeter        = "editMeter"
	EventLookupMeter      = "lookupMeter"
	EventSearchCandidates = "searchCandidates"
	EventSetPage          = "setPage"
	EventSelectCandidate  = "selectCandidate"
	EventEditReason       = "editReason"
	EventSubmit           = "submit"
	EventReset            = "reset"
)

// Event is the wire envelope for one workflow event
type Event struct {
	Type        string `json:"type"`
	Mode        string `json:"mode,omitempty"`
	Text        string `json:"text,omitempty"`
	Search      string `json:"search,omitempty"`
	Page        int    `json:"page,omitempty"`
	CandidateID string `json:"candidateId,omitempty"`
}
