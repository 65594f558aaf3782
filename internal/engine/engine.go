// Package engine wires the full pipeline together: monitor, classifier, lock
// manager, admission controller, requester, validator, and editor bridge. One
// Engine instance owns one monitored process.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/admission"
	"github.com/oraflow/mend/internal/bridge"
	"github.com/oraflow/mend/internal/classifier"
	"github.com/oraflow/mend/internal/config"
	"github.com/oraflow/mend/internal/events"
	"github.com/oraflow/mend/internal/lockmgr"
	"github.com/oraflow/mend/internal/requester"
	"github.com/oraflow/mend/internal/resource"
	"github.com/oraflow/mend/internal/schedule"
	"github.com/oraflow/mend/internal/validator"
)

// FixOutcome is the fix_lifecycle payload published on the bus.
type FixOutcome struct {
	ProposalID string           `json:"proposal_id"`
	Incident   schemas.ErrorKey `json:"incident"`
	Stage      string           `json:"stage"`
	Detail     string           `json:"detail,omitempty"`
}

// Engine is the top-level orchestrator.
type Engine struct {
	logger *zap.Logger
	cfg    config.Interface

	bus        *events.Bus
	sched      *schedule.Scheduler
	classifier *classifier.Classifier
	lock       *lockmgr.Manager
	store      *resource.Store
	sampler    *resource.Sampler
	admit      *admission.Controller
	requester  *requester.Requester
	validator  schemas.ProposalValidator
	bridge     *bridge.Server
	monitor    *Monitor

	eventCh chan schemas.ErrorEvent
}

// New assembles an engine from configuration. client is the reasoning
// endpoint; pass requester.NewHTTPReasoner for production use.
func New(logger *zap.Logger, cfg config.Interface, client schemas.ReasonerClient) *Engine {
	e := &Engine{
		logger:  logger.Named("engine"),
		cfg:     cfg,
		eventCh: make(chan schemas.ErrorEvent, cfg.Monitor().EventQueueSize),
	}

	root := cfg.Monitor().ProjectRoot
	e.bus = events.NewBus(logger, 64)
	e.sched = schedule.NewScheduler()
	e.classifier = classifier.New(logger, root, cfg.Monitor().RingBufferSize)
	e.lock = lockmgr.New(logger, cfg.Lock(), e.bus, e.sched)
	e.store = resource.NewStore()
	e.sampler = resource.NewSampler(logger, e.store, e.bus,
		cfg.Admission().SampleInterval, cfg.Admission().RAMCriticalPercent)
	e.admit = admission.NewController(logger, cfg.Admission(), e.store)
	e.requester = requester.New(logger, cfg.Reasoner(), client, root)
	e.validator = validator.New(logger, cfg.Validator(), root)
	e.bridge = bridge.NewServer(logger, cfg.Bridge(), e.store, bridge.Handlers{
		OnConfirmation: e.onConfirmation,
		OnDecision:     e.onDecision,
	})
	e.monitor = NewMonitor(logger, cfg.Monitor(), e.dispatchLine)
	return e
}

// Bus exposes the notification bus for external observers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Run drives everything until ctx is cancelled or the monitored process
// ends. A failure exit triggers one post-mortem scan before returning.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := e.bridge.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := e.sampler.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		e.consumeEvents(runCtx)
		return nil
	})
	g.Go(func() error {
		defer stop()
		e.bridge.SendMonitoringStatus("started", "")
		err := e.monitor.Run(runCtx)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, ErrProcessExited):
			e.bridge.SendMonitoringStatus("crashed", err.Error())
			e.postMortem(ctx)
			e.awaitVerdict(ctx)
			return err
		case err != nil:
			return err
		}
		e.bridge.SendMonitoringStatus("exited", "")
		return nil
	})

	err := g.Wait()
	e.sched.CancelAll()
	e.bus.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dispatchLine runs on the monitor's scan goroutines. Classification is
// cheap; anything classified is handed to the pipeline without blocking the
// stream. A full queue drops the event, the post-mortem buffer still holds
// the raw line.
func (e *Engine) dispatchLine(source schemas.LogSource, line string) {
	event, ok := e.classifier.Classify(source, line)
	if !ok {
		return
	}
	select {
	case e.eventCh <- event:
	default:
		e.logger.Warn("Event queue full; dropping classified event",
			zap.String("key", event.Key().String()))
	}
}

func (e *Engine) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-e.eventCh:
			e.handleEvent(ctx, event)
		}
	}
}

// handleEvent runs the pipeline for one classified error: notify, lock,
// admit, request, validate, preview. The lock is held until the editor's
// verdict arrives via the bridge handlers.
func (e *Engine) handleEvent(ctx context.Context, event schemas.ErrorEvent) {
	e.bridge.NotifyError(event)
	e.bus.Publish(events.TypeErrorDetected, event)

	if ok, reason := e.lock.TryAcquire(event); !ok {
		e.logger.Debug("Event not admitted to pipeline",
			zap.String("key", event.Key().String()),
			zap.String("reason", reason))
		return
	}

	permit, decision := e.admit.Admit(ctx)
	if !decision.Allowed {
		e.logger.Info("Fix request denied by admission control",
			zap.String("reason", string(decision.Reason)),
			zap.String("detail", decision.Detail))
		e.bridge.SendStatus("request_denied", decision.Detail)
		e.lock.Abort()
		return
	}

	proposal, err := e.requester.RequestFix(ctx, event)
	permit.Release()
	if err != nil {
		// Only failures that involved the endpoint feed the breaker. A
		// missing source file aborts the proposal without a request ever
		// being issued.
		if !errors.Is(err, requester.ErrContextUnavailable) {
			e.admit.RecordFailure()
		}
		e.logger.Warn("Fix request failed",
			zap.String("key", event.Key().String()), zap.Error(err))
		e.publishOutcome("", event.Key(), "request_failed", err.Error())
		e.lock.Abort()
		return
	}
	e.admit.RecordSuccess()

	if err := e.validator.Validate(ctx, proposal); err != nil {
		e.logger.Error("Validation infrastructure failure", zap.Error(err))
		e.publishOutcome(proposal.ID, event.Key(), "validation_error", err.Error())
		e.lock.Abort()
		return
	}
	if proposal.Rejected() {
		e.publishOutcome(proposal.ID, event.Key(), "rejected_by_validator", proposal.RejectionReason)
		e.lock.Abort()
		return
	}

	if err := e.bridge.PreviewFix(proposal, event); err != nil {
		e.logger.Warn("Could not preview fix", zap.Error(err))
		e.publishOutcome(proposal.ID, event.Key(), "preview_failed", err.Error())
		e.lock.Abort()
		return
	}
	e.publishOutcome(proposal.ID, event.Key(), "previewed", "")
}

// onDecision handles the editor's verdict on the outstanding proposal.
func (e *Engine) onDecision(accepted bool, msg schemas.FixDecisionMessage) {
	if !accepted {
		e.logger.Info("Fix rejected by user",
			zap.String("proposal_id", msg.ProposalID),
			zap.String("reason", msg.Reason))
		e.publishOutcome(msg.ProposalID, schemas.ErrorKey{}, "rejected_by_user", msg.Reason)
		e.lock.Abort()
		return
	}

	proposal := e.bridge.Outstanding()
	if proposal == nil || proposal.ID != msg.ProposalID {
		e.logger.Warn("Acceptance for unknown proposal",
			zap.String("proposal_id", msg.ProposalID))
		return
	}
	if err := e.bridge.ApplyEdits(proposal); err != nil {
		e.logger.Error("Failed to send edits for application", zap.Error(err))
		e.bridge.ClearOutstanding()
		e.lock.Abort()
		return
	}
	e.publishOutcome(proposal.ID, proposal.IncidentKey, "accepted", "")
}

// onConfirmation handles the editor's apply report and ends the attempt.
func (e *Engine) onConfirmation(msg schemas.FixConfirmationMessage) {
	if msg.Success {
		e.logger.Info("Fix applied", zap.Strings("files", msg.Files))
		e.publishOutcome("", schemas.ErrorKey{}, "applied", "")
		e.lock.Release()
		return
	}
	e.logger.Warn("Editor failed to apply fix", zap.String("error", msg.Error))
	e.publishOutcome("", schemas.ErrorKey{}, "apply_failed", msg.Error)
	e.lock.Abort()
}

// postMortem scans the retained log tail after an abnormal exit. Generic
// error lines that were dropped live become actionable here.
func (e *Engine) postMortem(ctx context.Context) {
	event, ok := e.classifier.PostMortem(schemas.SourceStderr)
	if !ok {
		e.logger.Info("Post-mortem scan found nothing actionable")
		return
	}
	e.logger.Info("Post-mortem identified root cause",
		zap.String("key", event.Key().String()),
		zap.String("classification", string(event.Classification)))
	e.handleEvent(ctx, event)
}

// verdictGrace bounds how long the engine stays up after a crash exit so the
// editor can still answer a post-mortem preview.
const verdictGrace = 2 * time.Minute

// awaitVerdict blocks until the attempt previewed by the post-mortem scan is
// resolved by the editor, the grace window elapses, or ctx is cancelled. The
// bridge stays up for the duration; without this the preview would be sent
// and immediately orphaned by shutdown.
func (e *Engine) awaitVerdict(ctx context.Context) {
	if e.bridge.Outstanding() == nil && e.lock.State() != lockmgr.StateLocked {
		return
	}
	e.logger.Info("Holding shutdown for editor verdict on post-mortem fix")

	deadline := time.NewTimer(verdictGrace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			e.logger.Warn("No editor verdict before shutdown; dropping proposal")
			e.bridge.ClearOutstanding()
			return
		case <-tick.C:
			if e.bridge.Outstanding() == nil && e.lock.State() != lockmgr.StateLocked {
				return
			}
		}
	}
}

// EmergencyReset forces every stateful component back to idle: pending
// timers cancelled, lock and dedupe history cleared, circuit closed, and the
// outstanding proposal dropped.
func (e *Engine) EmergencyReset() {
	e.logger.Warn("Emergency reset requested")
	e.sched.CancelAll()
	e.lock.EmergencyReset()
	e.admit.Reset()
	e.bridge.ClearOutstanding()
	e.bridge.SendStatus("reset", "engine state cleared")
}

func (e *Engine) publishOutcome(proposalID string, key schemas.ErrorKey, stage, detail string) {
	e.bus.Publish(events.TypeFixLifecycle, FixOutcome{
		ProposalID: proposalID,
		Incident:   key,
		Stage:      stage,
		Detail:     detail,
	})
}
