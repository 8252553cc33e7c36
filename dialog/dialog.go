// Package dialog coordinates clarification questions between running plans
// and the user. At most one dialog is active at a time; concurrent requests
// queue on a mutex and run one after another. A dialog nobody answers times
// out and is reported as closed by the user.
package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a dialog waits for an answer.
const DefaultTimeout = 15 * time.Minute

// Request is an outbound question shown to the user. ID is assigned by the
// coordinator; CorrelationID is the caller's reference, echoed back by the
// UI so stale callbacks can be told apart from answers to the live dialog.
type Request struct {
	ID             string `json:"id"`
	CorrelationID  string `json:"correlation_id"`
	ClientID       string `json:"client_id"`
	ProjectID      string `json:"project_id,omitempty"`
	Question       string `json:"question"`
	ProposedAnswer string `json:"proposed_answer,omitempty"`
}

// Result is the outcome of a dialog.
type Result struct {
	// Accepted is true when the user answered.
	Accepted bool `json:"accepted"`

	// Answer is the user's reply, empty unless Accepted.
	Answer string `json:"answer,omitempty"`

	// ClosedByUser is true when the dialog was dismissed or timed out.
	ClosedByUser bool `json:"closed_by_user"`
}

// session is one active dialog.
type session struct {
	id          string
	correlation string
	result      chan Result
}

// Coordinator serializes dialogs and routes answers to the waiting asker.
type Coordinator struct {
	// askMu serializes Ask callers: the next question is not shown until
	// the current dialog resolves.
	askMu sync.Mutex

	mu      sync.Mutex
	active  *session
	onAsk   func(Request)
	onClose func(clientID, dialogID string)
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithTimeout overrides the answer timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithOnClose sets the close broadcast, invoked once per dialog when it
// resolves for any reason so every connected transport can dismiss it. It
// must not block.
func WithOnClose(fn func(clientID, dialogID string)) Option {
	return func(c *Coordinator) { c.onClose = fn }
}

// NewCoordinator creates a dialog coordinator. onAsk is invoked with each
// outbound question; it must not block.
func NewCoordinator(onAsk func(Request), opts ...Option) *Coordinator {
	c := &Coordinator{
		onAsk:   onAsk,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask shows a question to the user and blocks until an answer, a close, the
// timeout, or context cancellation. Concurrent callers are served one at a
// time in arrival order. The coordinator assigns req.ID.
func (c *Coordinator) Ask(ctx context.Context, req Request) (Result, error) {
	c.askMu.Lock()
	defer c.askMu.Unlock()

	s := &session{
		id:          uuid.New().String(),
		correlation: req.CorrelationID,
		result:      make(chan Result, 1),
	}
	req.ID = s.id

	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.active == s {
			c.active = nil
		}
		c.mu.Unlock()
		if c.onClose != nil {
			c.onClose(req.ClientID, s.id)
		}
	}()

	c.logger.Info("Dialog opened", "dialog", s.id, "client", req.ClientID)
	c.onAsk(req)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case result := <-s.result:
		return result, nil
	case <-timer.C:
		c.logger.Info("Dialog timed out", "dialog", s.id)
		return Result{ClosedByUser: true}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// HandleResponse delivers the user's answer for a dialog. A response whose
// dialog or correlation id does not match the active dialog is rejected and
// leaves the dialog open.
func (c *Coordinator) HandleResponse(dialogID, correlationID, answer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActive(dialogID, correlationID, "response"); err != nil {
		return err
	}
	c.active.result <- Result{Accepted: true, Answer: answer}
	c.active = nil
	return nil
}

// HandleClose records that the user dismissed a dialog without answering.
// Mismatched ids are rejected the same way as in HandleResponse.
func (c *Coordinator) HandleClose(dialogID, correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkActive(dialogID, correlationID, "close"); err != nil {
		return err
	}
	c.active.result <- Result{ClosedByUser: true}
	c.active = nil
	return nil
}

// checkActive validates a callback against the active dialog. Callers hold
// c.mu.
func (c *Coordinator) checkActive(dialogID, correlationID, kind string) error {
	if c.active == nil || c.active.id != dialogID {
		c.logger.Warn("Callback for unknown dialog", "kind", kind, "dialog", dialogID)
		return fmt.Errorf("no active dialog with id %s", dialogID)
	}
	if c.active.correlation != correlationID {
		c.logger.Warn("Callback with mismatched correlation id",
			"kind", kind, "dialog", dialogID, "correlation", correlationID)
		return fmt.Errorf("correlation id mismatch for dialog %s", dialogID)
	}
	return nil
}

// ActiveID returns the id of the currently open dialog, or empty.
func (c *Coordinator) ActiveID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.id
}
