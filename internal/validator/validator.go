// Package validator decides whether a fix proposal is safe to show to the
// editor. Cheap textual heuristics run first; only proposals that survive
// them pay for a sandbox copy and a static analyzer run. Rejections are
// recorded on the proposal itself, the error return is reserved for
// infrastructure failures.
package validator

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
)

// Validator implements schemas.ProposalValidator.
type Validator struct {
	logger      *zap.Logger
	cfg         config.ValidatorConfig
	projectRoot string
}

var _ schemas.ProposalValidator = (*Validator)(nil)

// New builds a validator for the project at projectRoot.
func New(logger *zap.Logger, cfg config.ValidatorConfig, projectRoot string) *Validator {
	return &Validator{
		logger:      logger.Named("validator"),
		cfg:         cfg,
		projectRoot: projectRoot,
	}
}

// Validate runs the full pipeline and sets Validated or RejectionReason on
// the proposal.
func (v *Validator) Validate(ctx context.Context, proposal *schemas.FixProposal) error {
	if reason := v.runHeuristics(proposal); reason != "" {
		v.reject(proposal, reason)
		return nil
	}
	if reason, err := v.runSandbox(ctx, proposal); err != nil {
		return err
	} else if reason != "" {
		v.reject(proposal, reason)
		return nil
	}

	proposal.Validated = true
	proposal.RejectionReason = ""
	v.logger.Info("Proposal validated",
		zap.String("proposal_id", proposal.ID),
		zap.String("incident", proposal.IncidentKey.String()))
	return nil
}

func (v *Validator) reject(proposal *schemas.FixProposal, reason string) {
	proposal.Validated = false
	proposal.RejectionReason = reason
	v.logger.Warn("Proposal rejected",
		zap.String("proposal_id", proposal.ID),
		zap.String("reason", reason))
}

// runHeuristics returns the first failing check's reason, or "".
func (v *Validator) runHeuristics(proposal *schemas.FixProposal) string {
	if reason := checkBlacklist(proposal.Edits, v.cfg.ExtraBlacklist); reason != "" {
		return reason
	}
	if reason := checkChurn(proposal.Edits, v.cfg.MaxChurnRatio); reason != "" {
		return reason
	}

	sources := v.loadSources(proposal.Edits)
	if reason := checkWidgetShape(proposal.Edits, sources); reason != "" {
		return reason
	}
	return checkStateConflict(proposal.Edits, sources)
}

// loadSources reads the current content of each edited file. Unreadable
// files are skipped; the sandbox application will surface those properly.
func (v *Validator) loadSources(edits []schemas.Edit) map[string]string {
	sources := make(map[string]string, len(edits))
	for _, edit := range edits {
		if _, ok := sources[edit.File]; ok {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(v.projectRoot, filepath.FromSlash(edit.File)))
		if err != nil {
			v.logger.Debug("Could not read edited file for heuristics",
				zap.String("file", edit.File), zap.Error(err))
			continue
		}
		sources[edit.File] = string(raw)
	}
	return sources
}

// runSandbox trial-applies the proposal in a scratch copy and runs the
// analyzer. The returned reason is a validation verdict; the error is an
// infrastructure failure (could not even build the sandbox).
func (v *Validator) runSandbox(ctx context.Context, proposal *schemas.FixProposal) (string, error) {
	sb, err := newSandbox(v.logger, v.projectRoot)
	if err != nil {
		return "", err
	}

	rejected := false
	defer func() {
		if rejected && v.cfg.KeepSandboxOnFailure {
			v.logger.Info("Keeping sandbox for inspection", zap.String("path", sb.root))
			return
		}
		sb.Remove()
	}()

	if err := sb.Apply(proposal.Edits); err != nil {
		rejected = true
		return err.Error(), nil
	}

	analyzeCtx, cancel := context.WithTimeout(ctx, v.cfg.AnalyzerTimeout)
	defer cancel()
	if err := sb.Analyze(analyzeCtx, v.cfg.AnalyzerCommand); err != nil {
		rejected = true
		return err.Error(), nil
	}
	return "", nil
}
