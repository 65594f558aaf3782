// Package requester turns a classified error into a fix proposal by asking
// the remote reasoning endpoint. It owns prompt construction, the soft
// response deadline, and the tolerant parsing of whatever the model returns.
package requester

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
)

var (
	// ErrTimedOut means the reasoning endpoint did not answer within the soft
	// deadline. Any late answer is discarded, never applied.
	ErrTimedOut = errors.New("reasoning request timed out")
	// ErrMalformedResponse means the endpoint answered but no usable fix
	// could be parsed out of the text.
	ErrMalformedResponse = errors.New("malformed reasoning response")
	// ErrContextUnavailable means the incident's source file could not be
	// read, so no request was ever issued. Callers must not count it against
	// the endpoint.
	ErrContextUnavailable = errors.New("incident context unavailable")
)

const systemPrompt = `You are an expert Flutter/Dart developer embedded in a live development loop.
You receive one error from a running application together with the surrounding source code.
Produce the minimal edit that fixes the root cause. Do not refactor, do not reformat, do not touch unrelated lines.
Respond with strict JSON only, no prose outside the JSON object:
{
  "explanation": "One or two sentences describing the bug and the fix.",
  "edits": [
    {
      "file": "relative/path/from/project/root.dart",
      "line": 6,
      "old_line_content": "the exact current content of the line",
      "new_line_content": "the corrected content of the line"
    }
  ]
}`

// Requester orchestrates one fix request end to end.
type Requester struct {
	logger  *zap.Logger
	cfg     config.ReasonerConfig
	client  schemas.ReasonerClient
	context *ContextBuilder
}

// New builds a Requester using client for generation.
func New(logger *zap.Logger, cfg config.ReasonerConfig, client schemas.ReasonerClient, projectRoot string) *Requester {
	return &Requester{
		logger:  logger.Named("requester"),
		cfg:     cfg,
		client:  client,
		context: NewContextBuilder(logger, projectRoot, cfg.ContextLines),
	}
}

// RequestFix asks the endpoint for a fix for the event. It returns ErrTimedOut
// if no answer arrives within the configured soft deadline; the in-flight call
// keeps its own context so a late answer is logged and dropped rather than
// leaking a blocked goroutine.
func (r *Requester) RequestFix(ctx context.Context, event schemas.ErrorEvent) (*schemas.FixProposal, error) {
	incident, err := r.context.Build(event.FilePath, event.Line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextUnavailable, err)
	}

	req := schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   r.buildPrompt(event, incident),
		Options: schemas.GenerationOptions{
			Temperature:     r.cfg.Temperature,
			ForceJSONFormat: true,
		},
	}

	// The generation goroutine gets a context that outlives the soft
	// deadline by a grace period, so a slightly late answer can still be
	// observed (and discarded) instead of hanging forever.
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Timeout+r.cfg.MaxElapsedTime)

	ch := make(chan outcome, 1)
	started := time.Now()
	go func() {
		defer cancel()
		text, err := r.client.Generate(genCtx, req)
		ch <- outcome{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.cfg.Timeout):
		go r.logLateResult(ch, started)
		return nil, fmt.Errorf("%w after %s", ErrTimedOut, r.cfg.Timeout)
	case out := <-ch:
		if out.err != nil {
			return nil, fmt.Errorf("generation failed: %w", out.err)
		}
		return r.buildProposal(event, out.text)
	}
}

// outcome carries one generation result across the soft-deadline boundary.
type outcome struct {
	text string
	err  error
}

// logLateResult drains the generation channel after a timeout so the
// goroutine can finish, and records that the discarded answer existed.
func (r *Requester) logLateResult(ch <-chan outcome, started time.Time) {
	out := <-ch
	r.logger.Warn("Discarding late reasoning response",
		zap.Duration("elapsed", time.Since(started)),
		zap.Bool("errored", out.err != nil))
}

func (r *Requester) buildPrompt(event schemas.ErrorEvent, incident IncidentContext) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "A %s error occurred in a running Flutter application.\n\n", event.Classification)
	fmt.Fprintf(&sb, "**Error Message:**\n%s\n\n", event.Message)
	fmt.Fprintf(&sb, "**Location:** %s line %d (%s)\n\n", incident.File, incident.Line, incident.Role)
	if len(incident.Imports) > 0 {
		fmt.Fprintf(&sb, "**File Imports:**\n%s\n\n", strings.Join(incident.Imports, "\n"))
	}
	fmt.Fprintf(&sb, "**Source Context (-> marks the error line):**\n```dart\n%s\n```\n\n", incident.Snippet)
	sb.WriteString("Return the corrective edits as strict JSON per the required format. Use the relative file path shown above.")
	return sb.String()
}

// buildProposal parses the raw model output into a proposal.
func (r *Requester) buildProposal(event schemas.ErrorEvent, raw string) (*schemas.FixProposal, error) {
	payload, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}

	var fix schemas.FixResponse
	if err := json.Unmarshal([]byte(payload), &fix); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(fix.Edits) == 0 {
		return nil, fmt.Errorf("%w: no edits in response", ErrMalformedResponse)
	}
	for i, edit := range fix.Edits {
		if edit.File == "" || edit.StartLine <= 0 {
			return nil, fmt.Errorf("%w: edit %d missing file or line", ErrMalformedResponse, i)
		}
	}

	return &schemas.FixProposal{
		ID:          uuid.New().String(),
		IncidentKey: event.Key(),
		Explanation: strings.TrimSpace(fix.Explanation),
		Edits:       fix.Edits,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// extractJSON pulls the JSON object out of an arbitrary prose envelope: it
// takes everything from the first '{' to the last '}'. Models routinely wrap
// the payload in markdown fences or commentary despite instructions.
func extractJSON(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("%w: no JSON object found in %.120q", ErrMalformedResponse, raw)
	}
	return raw[start : end+1], nil
}
