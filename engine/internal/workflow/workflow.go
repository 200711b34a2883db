// Package workflow sequences installation tasks for active boot sessions:
// forward-only progression, retry with backoff, timeouts, and cancellation.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/oklog/ulid/v2"

	"github.com/pureboot/pureboot/engine/internal/lifecycle"
	"github.com/pureboot/pureboot/pkg/data"
)

// Defaults for the retry, timeout and cancellation policies.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 2 * time.Second
	// backoffMultiplier yields the 2s, 8s, 32s retry ladder.
	backoffMultiplier  = 4
	DefaultTaskTimeout = 30 * time.Minute
	DefaultCancelGrace = 60 * time.Second
)

// ErrNoActiveSession means the node has no session that can accept reports.
var ErrNoActiveSession = errors.New("no active session")

// Store is the subset of the node store the workflow engine needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*data.Node, error)
	GetWorkflow(ctx context.Context, id string) (*data.Workflow, error)
	GetSession(ctx context.Context, id string) (*data.BootSession, error)
	ActiveSession(ctx context.Context, nodeID string) (*data.BootSession, error)
	ListActiveSessions(ctx context.Context) ([]data.BootSession, error)
	UpdateSession(ctx context.Context, s *data.BootSession) error
	Commit(ctx context.Context, b data.CommitBundle) error
}

// Locker hands out per-node locks.
type Locker interface {
	Lock(ctx context.Context, nodeID string) (func(), error)
}

// Engine owns ordered progression through a workflow's tasks. Tasks execute
// in declared ordinal order with no parallelism within a session.
type Engine struct {
	Store   Store
	Machine *lifecycle.Machine
	Locks   Locker
	Audit   func(event data.AuditEvent)
	Log     logr.Logger

	MaxAttempts        int
	InitialBackoff     time.Duration
	DefaultTaskTimeout time.Duration
	CancelGrace        time.Duration

	NowFunc func() time.Time
	NewID   func() string
}

func (e *Engine) now() time.Time {
	if e.NowFunc != nil {
		return e.NowFunc()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return ulid.Make().String()
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (e *Engine) cancelGrace() time.Duration {
	if e.CancelGrace > 0 {
		return e.CancelGrace
	}
	return DefaultCancelGrace
}

func (e *Engine) audit(ev data.AuditEvent) {
	if e.Audit != nil {
		ev.At = e.now()
		e.Audit(ev)
	}
}

// nextBackoff returns the wait before retry number attempt (1-based),
// following the exponential ladder.
func (e *Engine) nextBackoff(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     e.InitialBackoff,
		Multiplier:          backoffMultiplier,
		RandomizationFactor: 0,
		MaxInterval:         time.Hour,
	}
	if b.InitialInterval == 0 {
		b.InitialInterval = DefaultInitialBackoff
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// taskTimeout returns the timeout for the session's current task.
func (e *Engine) taskTimeout(wf *data.Workflow, ordinal int) time.Duration {
	for _, t := range wf.Tasks {
		if t.Ordinal == ordinal && t.Timeout > 0 {
			return t.Timeout
		}
	}
	if e.DefaultTaskTimeout > 0 {
		return e.DefaultTaskTimeout
	}
	return DefaultTaskTimeout
}

// Open creates the boot session for a node entering installation or wiping.
// The caller holds the node lock. For pending nodes the pending->installing
// transition and session open commit in one bundle; wiping nodes get a
// session without a transition.
func (e *Engine) Open(ctx context.Context, node *data.Node, wf *data.Workflow, actor string) (*data.BootSession, error) {
	if s, err := e.Store.ActiveSession(ctx, node.ID); err == nil {
		return s, nil
	} else if !errors.Is(err, data.ErrNotFound) {
		return nil, err
	}

	now := e.now()
	session := &data.BootSession{
		ID:             e.newID(),
		NodeID:         node.ID,
		WorkflowID:     wf.ID,
		StartedAt:      now,
		LastProgressAt: now,
		CurrentTask:    firstOrdinal(wf),
		Status:         data.SessionActive,
	}

	switch node.State {
	case data.StatePending:
		res, err := e.Machine.TransitionWithSession(ctx, node, data.StateInstalling, actor, "installation started", session, "", "")
		if err != nil {
			return nil, err
		}
		if res.Outcome != lifecycle.Committed {
			return nil, fmt.Errorf("opening session: %s", res.Reason)
		}
	case data.StateWiping:
		if err := e.Store.Commit(ctx, data.CommitBundle{OpenSession: session}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("cannot open session in state %s", node.State)
	}

	e.audit(data.AuditEvent{
		NodeID:  node.ID,
		Actor:   actor,
		Action:  "session_open",
		Outcome: "ok",
		Detail:  map[string]any{"session_id": session.ID, "workflow_id": wf.ID},
	})
	return session, nil
}

func firstOrdinal(wf *data.Workflow) int {
	if len(wf.Tasks) == 0 {
		return 0
	}
	first := wf.Tasks[0].Ordinal
	for _, t := range wf.Tasks[1:] {
		if t.Ordinal < first {
			first = t.Ordinal
		}
	}
	return first
}

// HandleReport applies one agent report to its session. Returns the updated
// session and whether the agent should abort. Sequencing rules:
// reports at or below the applied sequence are acknowledged but ignored;
// on duplicate concurrent reports the earliest timestamp wins, ties broken
// by lexicographic report id, later duplicates are dropped.
func (e *Engine) HandleReport(ctx context.Context, report data.AgentReport) (*data.BootSession, bool, error) {
	session, err := e.Store.GetSession(ctx, report.SessionID)
	if err != nil {
		return nil, false, err
	}

	unlock, err := e.Locks.Lock(ctx, session.NodeID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	// re-read under the lock
	session, err = e.Store.GetSession(ctx, report.SessionID)
	if err != nil {
		return nil, false, err
	}

	if session.Status == data.SessionCancelled {
		// the poll answering this report is the abort instruction; the
		// report itself acknowledges the cancel
		if err := e.finalizeCancel(ctx, session); err != nil {
			return nil, false, err
		}
		return session, true, nil
	}
	if report.Kind == data.ReportFirstBootOK {
		// arrives after the install session closed; only the node state
		// matters here
		return e.applyFirstBoot(ctx, session)
	}
	if session.Status.Closed() {
		// completion reports are idempotent by session id
		return session, false, nil
	}

	if stale(session, report) {
		e.Log.V(1).Info("dropping stale report", "session", session.ID, "sequence", report.Sequence, "report", report.ID)
		return session, false, nil
	}

	node, err := e.Store.GetByID(ctx, session.NodeID)
	if err != nil {
		return nil, false, err
	}

	session.LastSequence = report.Sequence
	session.LastReportID = report.ID
	session.LastReportAt = report.At
	session.LastProgressAt = e.now()

	switch report.Kind {
	case data.ReportProgress:
		// current_task only moves forward; reports for earlier tasks are
		// acknowledged but ignored
		if report.TaskOrdinal > session.CurrentTask {
			session.CurrentTask = report.TaskOrdinal
			session.Attempts = 0
			session.RetryAt = time.Time{}
		}
		return session, false, e.Store.UpdateSession(ctx, session)
	case data.ReportFailed:
		return e.applyFailure(ctx, node, session, report)
	case data.ReportCompleted:
		return e.applyCompletion(ctx, node, session)
	default:
		return nil, false, fmt.Errorf("unknown report kind %q", report.Kind)
	}
}

// applyFirstBoot moves an installed node to active. The transition happens
// only on this explicit report, never on a timer.
func (e *Engine) applyFirstBoot(ctx context.Context, session *data.BootSession) (*data.BootSession, bool, error) {
	node, err := e.Store.GetByID(ctx, session.NodeID)
	if err != nil {
		return nil, false, err
	}
	if node.State != data.StateInstalled {
		// replay or out-of-order report; acknowledged without effect
		return session, false, nil
	}
	res, err := e.Machine.Transition(ctx, node, data.StateActive, "agent", "first boot ok")
	if err != nil {
		return nil, false, err
	}
	if res.Outcome == lifecycle.Rejected {
		return nil, false, fmt.Errorf("first boot: %s", res.Reason)
	}
	return session, false, nil
}

// stale reports whether the report must be dropped under the sequencing and
// tie-break rules.
func stale(session *data.BootSession, report data.AgentReport) bool {
	if report.Sequence < session.LastSequence {
		return true
	}
	if report.Sequence > session.LastSequence || session.LastReportID == "" {
		return false
	}
	// duplicate sequence: earliest timestamp wins, ties broken by
	// lexicographic report id; a later duplicate displaces the applied
	// report only when it would have won the race
	if report.At.Before(session.LastReportAt) {
		return false
	}
	if report.At.Equal(session.LastReportAt) && report.ID < session.LastReportID {
		return false
	}
	return true
}

func (e *Engine) applyFailure(ctx context.Context, node *data.Node, session *data.BootSession, report data.AgentReport) (*data.BootSession, bool, error) {
	session.Attempts++
	// the first maxAttempts failures each schedule a retry; only the
	// failure after the last retry closes the session
	if session.Attempts <= e.maxAttempts() {
		session.RetryAt = e.now().Add(e.nextBackoff(session.Attempts))
		e.audit(data.AuditEvent{
			NodeID:  node.ID,
			Actor:   "agent",
			Action:  "task_retry",
			Outcome: "scheduled",
			Detail:  map[string]any{"session_id": session.ID, "task": session.CurrentTask, "attempt": session.Attempts, "message": report.Message},
		})
		return session, false, e.Store.UpdateSession(ctx, session)
	}
	return session, false, e.failSession(ctx, node, session, data.SessionFailed, report.Message)
}

func (e *Engine) applyCompletion(ctx context.Context, node *data.Node, session *data.BootSession) (*data.BootSession, bool, error) {
	session.Status = data.SessionSucceeded
	var (
		res lifecycle.Result
		err error
	)
	switch node.State {
	case data.StateInstalling:
		res, err = e.Machine.TransitionWithSession(ctx, node, data.StateInstalled, "agent", "installation completed", nil, session.ID, data.SessionSucceeded)
	case data.StateWiping:
		res, err = e.Machine.TransitionWithSession(ctx, node, data.StateDecommissioned, "agent", "wipe completed", nil, session.ID, data.SessionSucceeded)
	default:
		// session already reconciled with node state
		return session, false, e.Store.UpdateSession(ctx, session)
	}
	if err != nil {
		return nil, false, err
	}
	if res.Outcome == lifecycle.Rejected {
		return nil, false, fmt.Errorf("completing session: %s", res.Reason)
	}
	return session, false, nil
}

// failSession closes the session and moves an installing node to
// install_failed in one commit.
func (e *Engine) failSession(ctx context.Context, node *data.Node, session *data.BootSession, status data.SessionStatus, reason string) error {
	session.Status = status
	if node.State != data.StateInstalling {
		return e.Store.UpdateSession(ctx, session)
	}
	res, err := e.Machine.TransitionWithSession(ctx, node, data.StateInstallFailed, "engine", reason, nil, session.ID, status)
	if err != nil {
		return err
	}
	if res.Outcome == lifecycle.Rejected {
		return fmt.Errorf("failing session: %s", res.Reason)
	}
	e.audit(data.AuditEvent{
		NodeID:  node.ID,
		Actor:   "engine",
		Action:  "session_" + string(status),
		Outcome: "closed",
		Detail:  map[string]any{"session_id": session.ID, "reason": reason},
	})
	return nil
}

// Cancel marks the session cancelled. The next agent poll is answered with
// an abort instruction; if the agent stays silent past the grace period the
// sweeper finalizes the rollback regardless.
func (e *Engine) Cancel(ctx context.Context, sessionID, actor string) error {
	session, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	unlock, err := e.Locks.Lock(ctx, session.NodeID)
	if err != nil {
		return err
	}
	defer unlock()

	session, err = e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Closed() {
		return nil
	}
	session.Status = data.SessionCancelled
	session.CancelledAt = e.now()
	if err := e.Store.UpdateSession(ctx, session); err != nil {
		return err
	}
	e.audit(data.AuditEvent{
		NodeID:  session.NodeID,
		Actor:   actor,
		Action:  "session_cancel",
		Outcome: "requested",
		Detail:  map[string]any{"session_id": session.ID},
	})
	return nil
}

// finalizeCancel rolls the node back to pending after a cancel. The rollback
// runs through install_failed so every history pair stays inside the legal
// transition table. Idempotent via the Finalized flag.
func (e *Engine) finalizeCancel(ctx context.Context, session *data.BootSession) error {
	if session.Finalized {
		return nil
	}
	node, err := e.Store.GetByID(ctx, session.NodeID)
	if err != nil {
		return err
	}
	session.Finalized = true
	if err := e.Store.UpdateSession(ctx, session); err != nil {
		return err
	}
	if node.State != data.StateInstalling {
		return nil
	}
	if _, err := e.Machine.Transition(ctx, node, data.StateInstallFailed, "engine", "session cancelled"); err != nil {
		return err
	}
	if _, err := e.Machine.Transition(ctx, node, data.StatePending, "engine", "rollback after cancel"); err != nil {
		return err
	}
	return nil
}

// Sweep scans open sessions for task timeouts and unacknowledged cancels.
// Called on the engine's monitor interval.
func (e *Engine) Sweep(ctx context.Context) error {
	sessions, err := e.Store.ListActiveSessions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for i := range sessions {
		if err := e.sweepOne(ctx, sessions[i].ID); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sessions[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) sweepOne(ctx context.Context, sessionID string) error {
	session, err := e.Store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil
		}
		return err
	}

	unlock, err := e.Locks.Lock(ctx, session.NodeID)
	if err != nil {
		// contended node; the next sweep retries
		return nil
	}
	defer unlock()

	session, err = e.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	now := e.now()
	switch session.Status {
	case data.SessionCancelled:
		if !session.Finalized && now.Sub(session.CancelledAt) >= e.cancelGrace() {
			return e.finalizeCancel(ctx, session)
		}
		return nil
	case data.SessionActive:
		wf, err := e.Store.GetWorkflow(ctx, session.WorkflowID)
		if err != nil {
			return err
		}
		timeout := e.taskTimeout(wf, session.CurrentTask)
		if now.Sub(session.LastProgressAt) >= timeout {
			node, err := e.Store.GetByID(ctx, session.NodeID)
			if err != nil {
				return err
			}
			return e.failSession(ctx, node, session, data.SessionTimedOut, "task timeout")
		}
		return nil
	default:
		return nil
	}
}
