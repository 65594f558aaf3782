package schemas

import "time"

// -- Fix Proposal Schemas --

// Edit is a single surgical line replacement. Value type; never mutated after
// creation.
type Edit struct {
	File      string `json:"file"`
	StartLine int    `json:"line"`
	EndLine   int    `json:"end_line,omitempty"`
	OldText   string `json:"old_line_content"`
	NewText   string `json:"new_line_content"`
}

// FixProposal is a candidate set of edits plus an explanation, awaiting
// validation and editor confirmation. The validator is the only component
// permitted to set Validated/RejectionReason; after the proposal is sent to
// the editor it is treated as immutable.
type FixProposal struct {
	ID              string    `json:"id"`
	IncidentKey     ErrorKey  `json:"incident_key"`
	Explanation     string    `json:"explanation"`
	Edits           []Edit    `json:"edits"`
	Validated       bool      `json:"validated"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Rejected reports whether the proposal failed validation.
func (p *FixProposal) Rejected() bool {
	return !p.Validated && p.RejectionReason != ""
}

// FixResponse is the strict response contract of the remote reasoning
// endpoint. The requester parses it out of an arbitrary prose envelope.
type FixResponse struct {
	Explanation string `json:"explanation"`
	Edits       []Edit `json:"edits"`
}
