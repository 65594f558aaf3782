// Package bridge exposes the engine to the editor over a WebSocket JSON
// protocol. Outbound frames notify the editor of errors, previews, and edits
// to apply; inbound frames carry the user's verdicts, apply confirmations,
// and resource samples. At most one proposal is ever outstanding with the
// editor.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
	"github.com/oraflow/mend/internal/resource"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrProposalOutstanding is returned by PreviewFix while a previous proposal
// still awaits the editor's verdict.
var ErrProposalOutstanding = errors.New("a proposal is already outstanding")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The bridge binds to localhost; the editor is a local process.
		return true
	},
}

// Handlers are the engine callbacks invoked from the read pump. Nil fields
// are skipped.
type Handlers struct {
	// OnConfirmation fires for fix_applied_confirmation frames.
	OnConfirmation func(msg schemas.FixConfirmationMessage)
	// OnDecision fires for fix_accepted and fix_rejected frames.
	OnDecision func(accepted bool, msg schemas.FixDecisionMessage)
}

// Server is the WebSocket endpoint for editor collaborators.
type Server struct {
	logger   *zap.Logger
	cfg      config.BridgeConfig
	store    *resource.Store
	handlers Handlers

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*client]bool

	outMu       sync.Mutex
	outstanding *schemas.FixProposal
}

var _ schemas.EditBridge = (*Server)(nil)

// NewServer builds the bridge server. handlers wires inbound frames back into
// the engine; store receives resource samples pushed by the editor.
func NewServer(logger *zap.Logger, cfg config.BridgeConfig, store *resource.Store, handlers Handlers) *Server {
	return &Server{
		logger:     logger.Named("bridge"),
		cfg:        cfg,
		store:      store,
		handlers:   handlers,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		clients:    make(map[*client]bool),
	}
}

// Run serves the WebSocket endpoint and the hub loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Bridge listening", zap.String("addr", s.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.runHub(ctx)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("bridge server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-hubDone
	return ctx.Err()
}

// runHub owns the client set; registration, teardown, and fan-out all flow
// through here so no lock is held while writing.
func (s *Server) runHub(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for c := range s.clients {
				close(c.send)
				delete(s.clients, c)
			}
			s.mu.Unlock()
			return
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			s.mu.Unlock()
			s.logger.Info("Editor connected", zap.String("client_id", c.id))
		case c := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
				s.logger.Info("Editor disconnected", zap.String("client_id", c.id))
			}
			s.mu.Unlock()
		case frame := <-s.broadcast:
			s.mu.RLock()
			for c := range s.clients {
				select {
				case c.send <- frame:
				default:
					// Slow consumer: drop the frame rather than stall the
					// hub. The editor resyncs from the next status frame.
					s.logger.Warn("Dropping frame for slow editor", zap.String("client_id", c.id))
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		id:     uuid.New().String(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, s.cfg.SendBuffer),
	}
	s.register <- c

	go c.writePump()
	go c.readPump()
}

// send marshals a frame and hands it to the hub for fan-out.
func (s *Server) send(frame interface{}) {
	raw, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("Failed to marshal bridge frame", zap.Error(err))
		return
	}
	select {
	case s.broadcast <- raw:
	default:
		s.logger.Warn("Bridge broadcast queue full; dropping frame")
	}
}

// -- Outbound API (schemas.EditBridge) --

// NotifyError tells the editor an error was detected. Informational only.
func (s *Server) NotifyError(event schemas.ErrorEvent) {
	s.send(schemas.ErrorDetectedMessage{
		Type:           schemas.MsgErrorDetected,
		FileName:       event.FilePath,
		LineNumber:     event.Line,
		Message:        event.Message,
		Classification: event.Classification,
		Severity:       event.Severity,
	})
}

// PreviewFix offers a validated proposal and marks it outstanding. It fails
// if another proposal is already awaiting a verdict.
func (s *Server) PreviewFix(proposal *schemas.FixProposal, event schemas.ErrorEvent) error {
	s.outMu.Lock()
	if s.outstanding != nil {
		s.outMu.Unlock()
		return fmt.Errorf("%w: %s", ErrProposalOutstanding, s.outstanding.ID)
	}
	s.outstanding = proposal
	s.outMu.Unlock()

	before := make([]string, 0, len(proposal.Edits))
	after := make([]string, 0, len(proposal.Edits))
	for _, edit := range proposal.Edits {
		before = append(before, edit.OldText)
		after = append(after, edit.NewText)
	}

	s.send(schemas.PreviewFixMessage{
		Type:              schemas.MsgPreviewFix,
		ProposalID:        proposal.ID,
		FileName:          event.FilePath,
		LineNumber:        event.Line,
		BeforeCode:        strings.Join(before, "\n"),
		AfterCode:         strings.Join(after, "\n"),
		ChangeDescription: proposal.Explanation,
		OriginalFix:       schemas.FixPayload{Edits: proposal.Edits},
	})
	return nil
}

// ApplyEdits instructs the editor to apply the proposal. Single-file edits go
// out as apply_edit; anything spanning files as apply_workspace_edit.
func (s *Server) ApplyEdits(proposal *schemas.FixProposal) error {
	if len(proposal.Edits) == 0 {
		return fmt.Errorf("proposal %s has no edits", proposal.ID)
	}

	kind := schemas.MsgApplyEdit
	for _, edit := range proposal.Edits[1:] {
		if edit.File != proposal.Edits[0].File {
			kind = schemas.MsgApplyWorkspaceEdit
			break
		}
	}

	s.send(schemas.ApplyEditMessage{
		Type:       kind,
		ProposalID: proposal.ID,
		Edits:      proposal.Edits,
	})
	return nil
}

// SendStatus reports an engine lifecycle transition (bridge_status frame).
func (s *Server) SendStatus(status, detail string) {
	s.send(schemas.StatusMessage{Type: schemas.MsgBridgeStatus, Status: status, Message: detail})
}

// SendMonitoringStatus reports monitor lifecycle (monitoring_status frame).
func (s *Server) SendMonitoringStatus(status, detail string) {
	s.send(schemas.StatusMessage{Type: schemas.MsgMonitoringStatus, Status: status, Message: detail})
}

// Outstanding returns the proposal currently awaiting a verdict, or nil.
func (s *Server) Outstanding() *schemas.FixProposal {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	return s.outstanding
}

// ClearOutstanding drops the outstanding proposal, if any. Called when a
// verdict or confirmation arrives, and by the emergency reset.
func (s *Server) ClearOutstanding() {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.outstanding = nil
}

// -- Inbound dispatch (called from read pumps) --

func (s *Server) handleInbound(raw []byte) {
	var env schemas.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("Discarding unparseable bridge frame", zap.Error(err))
		return
	}

	switch env.Type {
	case schemas.MsgFixConfirmation:
		var msg schemas.FixConfirmationMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("Malformed fix_applied_confirmation frame", zap.Error(err))
			return
		}
		s.ClearOutstanding()
		if s.handlers.OnConfirmation != nil {
			s.handlers.OnConfirmation(msg)
		}

	case schemas.MsgFixAccepted, schemas.MsgFixRejected:
		var msg schemas.FixDecisionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("Malformed fix decision frame", zap.Error(err))
			return
		}
		accepted := env.Type == schemas.MsgFixAccepted
		if !accepted {
			// A rejection ends the exchange; an acceptance keeps the
			// proposal outstanding until the apply confirmation.
			s.ClearOutstanding()
		}
		if s.handlers.OnDecision != nil {
			s.handlers.OnDecision(accepted, msg)
		}

	case schemas.MsgResourceSample:
		var msg schemas.ResourceSampleMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("Malformed resource_sample frame", zap.Error(err))
			return
		}
		s.store.SetHostSample(resource.HostSample{
			RAMPercent: msg.RAMPercent,
			CPUPercent: msg.CPUPercent,
			SampledAt:  time.Now().UTC(),
		})
		s.store.SetCloudFallback(msg.CloudFallback)

	default:
		s.logger.Debug("Ignoring bridge frame of unknown type", zap.String("type", string(env.Type)))
	}
}
