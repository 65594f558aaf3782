package schemas

// -- Edit Bridge Wire Format --
//
// Every frame on the editor connection is a single JSON object carrying a
// "type" discriminator. Engine → editor kinds: error_detected, preview_fix,
// apply_edit, apply_workspace_edit, bridge_status, monitoring_status.
// Editor → engine kinds: fix_applied_confirmation, fix_accepted,
// fix_rejected, resource_sample.

// MessageType discriminates bridge frames.
type MessageType string

const (
	MsgErrorDetected      MessageType = "error_detected"
	MsgPreviewFix         MessageType = "preview_fix"
	MsgApplyEdit          MessageType = "apply_edit"
	MsgApplyWorkspaceEdit MessageType = "apply_workspace_edit"
	MsgFixConfirmation    MessageType = "fix_applied_confirmation"
	MsgFixAccepted        MessageType = "fix_accepted"
	MsgFixRejected        MessageType = "fix_rejected"
	MsgBridgeStatus       MessageType = "bridge_status"
	MsgMonitoringStatus   MessageType = "monitoring_status"
	MsgResourceSample     MessageType = "resource_sample"
)

// Envelope is the minimal frame used to sniff the type before decoding the
// full payload.
type Envelope struct {
	Type MessageType `json:"type"`
}

// ErrorDetectedMessage is informational; the editor may surface it in an
// activity log but no reply is expected.
type ErrorDetectedMessage struct {
	Type           MessageType    `json:"type"`
	FileName       string         `json:"file_name"`
	LineNumber     int            `json:"line_number"`
	Message        string         `json:"message"`
	Classification Classification `json:"classification"`
	Severity       Severity       `json:"severity"`
}

// PreviewFixMessage carries before/after code, a natural-language change
// description, and the original proposal for later application.
type PreviewFixMessage struct {
	Type              MessageType `json:"type"`
	ProposalID        string      `json:"proposal_id"`
	FileName          string      `json:"file_name"`
	LineNumber        int         `json:"line_number"`
	BeforeCode        string      `json:"before_code"`
	AfterCode         string      `json:"after_code"`
	ChangeDescription string      `json:"change_description"`
	OriginalFix       FixPayload  `json:"original_fix"`
}

// FixPayload nests the raw edits inside a preview so the editor can apply
// them verbatim once the user accepts.
type FixPayload struct {
	Edits []Edit `json:"edits"`
}

// ApplyEditMessage instructs the editor to apply one or more edits
// atomically. apply_workspace_edit uses the same shape with multiple files.
type ApplyEditMessage struct {
	Type       MessageType `json:"type"`
	ProposalID string      `json:"proposal_id"`
	Edits      []Edit      `json:"edits"`
}

// FixConfirmationMessage is the editor's report after attempting to apply.
type FixConfirmationMessage struct {
	Type    MessageType `json:"type"`
	Success bool        `json:"success"`
	Files   []string    `json:"files,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// FixDecisionMessage is the user's verdict on a preview (fix_accepted or
// fix_rejected).
type FixDecisionMessage struct {
	Type       MessageType `json:"type"`
	ProposalID string      `json:"proposal_id"`
	Reason     string      `json:"reason,omitempty"`
}

// StatusMessage reports engine lifecycle transitions to the editor.
type StatusMessage struct {
	Type    MessageType `json:"type"`
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
}

// ResourceSampleMessage lets an external metrics collaborator push
// {ramPercent, cpuPercent} samples over the bridge.
type ResourceSampleMessage struct {
	Type          MessageType `json:"type"`
	RAMPercent    float64     `json:"ram_percent"`
	CPUPercent    float64     `json:"cpu_percent"`
	CloudFallback bool        `json:"cloud_fallback,omitempty"`
}
