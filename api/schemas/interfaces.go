package schemas

import "context"

// -- Reasoning Service Interface --

// ChatMessage is one turn of the conversation sent to the reasoning endpoint.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationOptions provides parameters controlling the remote generation.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`
	ForceJSONFormat bool    `json:"force_json_format"`
}

// GenerationRequest encapsulates a complete request to the reasoning service.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Options      GenerationOptions `json:"options"`
}

// ReasonerClient is the contract for the black-box reasoning/completion
// service. Implementations must honor ctx cancellation on the wait, but are
// not required to abort the underlying remote call.
type ReasonerClient interface {
	// Generate sends the prompts and returns the raw text of the response.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// -- Validation Interface --

// ProposalValidator rejects unsafe or analysis-failing proposals before they
// reach the editor. A rejection is recorded on the proposal itself
// (Validated=false, RejectionReason set); the error return is reserved for
// infrastructure failures such as an unreadable project tree.
type ProposalValidator interface {
	Validate(ctx context.Context, proposal *FixProposal) error
}

// -- Bridge Interface --

// EditBridge is the engine-side view of the editor collaborator connection.
type EditBridge interface {
	// NotifyError sends an informational error_detected message.
	NotifyError(event ErrorEvent)
	// PreviewFix offers a validated proposal to the editor and registers it
	// as the single outstanding proposal.
	PreviewFix(proposal *FixProposal, event ErrorEvent) error
	// ApplyEdits sends one or more edits to be applied atomically.
	ApplyEdits(proposal *FixProposal) error
}
