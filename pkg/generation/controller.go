// Package generation drives the lifecycle of a backend generation job: one
// active job at a time, staged forward-only progress, best-effort cancel, and
// a watchdog that fails jobs whose progress stalls.
package generation

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/sitesmith/pkg/bus"
	"github.com/odvcencio/sitesmith/pkg/conversation"
	smitherrors "github.com/odvcencio/sitesmith/pkg/errors"
	"github.com/odvcencio/sitesmith/pkg/logging"
	"github.com/odvcencio/sitesmith/pkg/telemetry"
	"github.com/odvcencio/sitesmith/pkg/wire"
)

// State is the controller's lifecycle state. The stage states mirror the
// backend pipeline; terminal states are transient and settle back to idle.
type State string

const (
	StateIdle         State = "idle"
	StateSubmitting   State = "submitting"
	StateInitializing State = "initializing"
	StateGenerating   State = "generating"
	StateStyling      State = "styling"
	StateResponsive   State = "responsive"
	StateFinalizing   State = "finalizing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

var stageStates = map[wire.Stage]State{
	wire.StageInitializing: StateInitializing,
	wire.StageGenerating:   StateGenerating,
	wire.StageStyling:      StateStyling,
	wire.StageResponsive:   StateResponsive,
	wire.StageFinalizing:   StateFinalizing,
}

// Sender writes outbound envelopes; the transport channel satisfies it.
type Sender interface {
	Send(env wire.Envelope) error
}

// Request describes a generation submission.
type Request struct {
	ProjectID       string
	Text            string
	Mode            wire.Mode
	ArtifactContext string
	Attachment      string
}

// Snapshot is a read-only view of the active (or just-concluded) job.
type Snapshot struct {
	RequestID          string
	JobID              string
	ProjectID          string
	UserMessageID      string
	AssistantMessageID string
	Text               string
	Mode               wire.Mode
	Stage              wire.Stage
	Percent            int
	StartedAt          time.Time
}

// Elapsed returns how long the job has been running.
func (s Snapshot) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// ETA extrapolates remaining time from elapsed time and percent complete.
// Display-only; it carries no scheduling semantics.
func (s Snapshot) ETA() (time.Duration, bool) {
	if s.Percent <= 0 || s.Percent >= 100 {
		return 0, false
	}
	elapsed := s.Elapsed()
	if elapsed <= 0 {
		return 0, false
	}
	remaining := time.Duration(float64(elapsed) * float64(100-s.Percent) / float64(s.Percent))
	return remaining, true
}

// ChangeListener observes controller state transitions.
type ChangeListener func(state State, snap Snapshot)

// StateChange is the bus payload published on every transition.
type StateChange struct {
	State   State                 `json:"state"`
	JobID   string                `json:"jobId,omitempty"`
	Stage   wire.Stage            `json:"stage,omitempty"`
	Percent int                   `json:"percent"`
	Code    smitherrors.ErrorCode `json:"code,omitempty"`
	Reason  string                `json:"reason,omitempty"`
}

type job struct {
	requestID          string
	jobID              string
	projectID          string
	userMessageID      string
	assistantMessageID string
	text               string
	mode               wire.Mode
	stage              wire.Stage
	percent            int
	startedAt          time.Time
}

// Controller owns at most one active generation job.
type Controller struct {
	sender  Sender
	conv    *conversation.Store
	timeout time.Duration
	logger  *logging.Logger
	bus     bus.MessageBus
	metrics *telemetry.Metrics

	mu       sync.Mutex
	state    State
	job      *job
	watchdog *time.Timer
	listener ChangeListener
}

// New creates an idle controller. timeout is the maximum quiet period between
// progress events before the job is failed with a generation timeout.
func New(sender Sender, conv *conversation.Store, timeout time.Duration) *Controller {
	return &Controller{
		sender:  sender,
		conv:    conv,
		timeout: timeout,
		state:   StateIdle,
	}
}

// WithLogger attaches a structured logger.
func (c *Controller) WithLogger(logger *logging.Logger) *Controller {
	c.logger = logger
	return c
}

// WithBus attaches the event bus for state-change publication.
func (c *Controller) WithBus(b bus.MessageBus) *Controller {
	c.bus = b
	return c
}

// WithMetrics attaches job outcome counters.
func (c *Controller) WithMetrics(m *telemetry.Metrics) *Controller {
	c.metrics = m
	return c
}

// WithListener attaches a state-change listener.
func (c *Controller) WithListener(fn ChangeListener) *Controller {
	c.listener = fn
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active returns a snapshot of the running job, if any.
func (c *Controller) Active() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return Snapshot{}, false
	}
	return c.job.snapshot(), true
}

// Submit starts a generation job. It appends the user message and a pending
// assistant placeholder to the conversation, sends the request, and arms the
// progress watchdog. A second submit while a job is active is rejected with
// JobAlreadyActive; the running job is untouched.
func (c *Controller) Submit(req Request) (Snapshot, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Snapshot{}, smitherrors.New(smitherrors.ErrCodeInvalidRequest, "request text is empty").
			WithUserMessage("Type a request before sending.")
	}
	if req.ProjectID == "" {
		return Snapshot{}, smitherrors.New(smitherrors.ErrCodeNoActiveProject, "no project bound to this session")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		activeJobID := ""
		if c.job != nil {
			activeJobID = c.job.jobID
		}
		c.mu.Unlock()
		return Snapshot{}, smitherrors.New(smitherrors.ErrCodeJobAlreadyActive, "a generation job is already active").
			WithContext("activeJobId", activeJobID).
			WithUserMessage("Wait for the current generation to finish or cancel it first.")
	}
	j := &job{
		requestID: uuid.NewString(),
		projectID: req.ProjectID,
		text:      req.Text,
		mode:      req.Mode,
		startedAt: time.Now(),
	}
	c.job = j
	c.state = StateSubmitting
	c.mu.Unlock()

	user := c.conv.AppendUserMessage(req.Text, req.Mode)
	c.mu.Lock()
	j.userMessageID = user.ID
	c.mu.Unlock()

	placeholder, err := c.conv.AppendAssistantPlaceholder(user.ID)
	if err != nil {
		c.conclude(j.requestID, StateFailed, smitherrors.ErrCodeInternal, "internal: placeholder append failed", nil)
		return Snapshot{}, smitherrors.Wrap(err, smitherrors.ErrCodeInternal, "failed to stage conversation messages")
	}

	c.mu.Lock()
	j.assistantMessageID = placeholder.ID
	snap := j.snapshot()
	c.mu.Unlock()

	env, err := wire.NewEnvelope(wire.EventGenerate, "", wire.GeneratePayload{
		RequestID:       j.requestID,
		ProjectID:       req.ProjectID,
		Text:            req.Text,
		Mode:            req.Mode,
		ArtifactContext: req.ArtifactContext,
		Attachment:      req.Attachment,
	})
	if err != nil {
		c.conclude(j.requestID, StateFailed, smitherrors.ErrCodeInternal, "internal: request encode failed", nil)
		return Snapshot{}, smitherrors.Wrap(err, smitherrors.ErrCodeInternal, "failed to encode generation request")
	}
	if err := c.sender.Send(env); err != nil {
		c.conclude(j.requestID, StateFailed, smitherrors.ErrCodeTransportUnavailable, "connection unavailable", nil)
		return Snapshot{}, smitherrors.Wrap(err, smitherrors.ErrCodeTransportUnavailable, "failed to send generation request").
			WithRetryable(true)
	}

	c.mu.Lock()
	if c.job == j {
		c.watchdog = time.AfterFunc(c.timeout, func() { c.timeoutExpired(j.requestID) })
	}
	c.mu.Unlock()

	c.metrics.JobStarted()
	c.logJob(logging.LevelInfo, "job_submitted", snap.JobID, map[string]any{
		"requestId": j.requestID,
		"mode":      string(req.Mode),
	})
	c.notify(StateSubmitting, snap, "", "")
	return snap, nil
}

// HandleEvent routes an inbound stream envelope to the active job. Events for
// any other job id are discarded; in particular, a terminal event arriving
// after a local cancel does not resurrect the exchange.
func (c *Controller) HandleEvent(env wire.Envelope) {
	switch env.Type {
	case wire.EventJobAccepted:
		c.handleAccepted(env)
	case wire.EventJobProgress:
		c.handleProgress(env)
	case wire.EventJobResult:
		c.handleResult(env)
	case wire.EventJobError:
		c.handleError(env)
	default:
		c.logJob(logging.LevelDebug, "event_ignored", env.JobID, map[string]any{"type": string(env.Type)})
	}
}

// Cancel sends a best-effort cancellation for the active job and immediately
// settles the exchange as cancelled locally. No-op when no job is active.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	j := c.job
	c.mu.Unlock()
	if j == nil {
		return nil
	}

	// Notify-and-forget: the backend may or may not honor it, and any late
	// terminal event for this job id will be discarded.
	if env, err := wire.NewEnvelope(wire.EventCancel, j.jobID, wire.CancelPayload{JobID: j.jobID, Reason: "user_cancelled"}); err == nil {
		if err := c.sender.Send(env); err != nil {
			c.logJob(logging.LevelWarn, "cancel_send_failed", j.jobID, map[string]any{"error": err.Error()})
		}
	}

	c.conclude(j.requestID, StateCancelled, smitherrors.ErrCodeGenerationCancelled, "cancelled by user", nil)
	return nil
}

// HandleTransportDown fails the active job when the transport gives up
// reconnecting. Called by the session when the channel closes for good.
func (c *Controller) HandleTransportDown() {
	c.mu.Lock()
	j := c.job
	c.mu.Unlock()
	if j == nil {
		return
	}
	c.conclude(j.requestID, StateFailed, smitherrors.ErrCodeTransportUnavailable, "connection to the generation backend was lost", nil)
}

func (c *Controller) handleAccepted(env wire.Envelope) {
	var p wire.AcceptedPayload
	if err := env.DecodePayload(&p); err != nil {
		c.logJob(logging.LevelWarn, "accept_decode_failed", env.JobID, map[string]any{"error": err.Error()})
		return
	}

	c.mu.Lock()
	j := c.job
	if j == nil || j.requestID != p.RequestID {
		c.mu.Unlock()
		c.logJob(logging.LevelDebug, "stale_accept_discarded", p.JobID, nil)
		return
	}
	j.jobID = p.JobID
	j.stage = wire.StageInitializing
	c.state = StateInitializing
	if c.watchdog != nil {
		c.watchdog.Reset(c.timeout)
	}
	snap := j.snapshot()
	c.mu.Unlock()

	c.logJob(logging.LevelInfo, "job_accepted", p.JobID, map[string]any{"requestId": p.RequestID})
	c.notify(StateInitializing, snap, "", "")
}

func (c *Controller) handleProgress(env wire.Envelope) {
	var p wire.ProgressPayload
	if err := env.DecodePayload(&p); err != nil {
		c.logJob(logging.LevelWarn, "progress_decode_failed", env.JobID, map[string]any{"error": err.Error()})
		return
	}

	c.mu.Lock()
	j := c.job
	if j == nil || env.JobID == "" || env.JobID != j.jobID {
		c.mu.Unlock()
		c.logJob(logging.LevelDebug, "stale_progress_discarded", env.JobID, nil)
		return
	}
	// Progress never regresses. Out-of-order or duplicated events are logged
	// and dropped whole; the stage does not move either.
	if p.Percent < j.percent {
		c.mu.Unlock()
		c.logJob(logging.LevelWarn, "progress_regression_ignored", env.JobID, map[string]any{
			"reported": p.Percent,
			"current":  j.percent,
		})
		return
	}
	j.percent = p.Percent
	if p.Stage.Valid() && p.Stage.Rank() >= j.stage.Rank() {
		j.stage = p.Stage
		c.state = stageStates[p.Stage]
	}
	if c.watchdog != nil {
		c.watchdog.Reset(c.timeout)
	}
	state := c.state
	snap := j.snapshot()
	c.mu.Unlock()

	c.notify(state, snap, "", "")
}

func (c *Controller) handleResult(env wire.Envelope) {
	var p wire.ResultPayload
	if err := env.DecodePayload(&p); err != nil {
		c.logJob(logging.LevelWarn, "result_decode_failed", env.JobID, map[string]any{"error": err.Error()})
		return
	}

	c.mu.Lock()
	j := c.job
	if j == nil || env.JobID == "" || env.JobID != j.jobID {
		c.mu.Unlock()
		c.logJob(logging.LevelDebug, "stale_result_discarded", env.JobID, nil)
		return
	}
	requestID := j.requestID
	c.mu.Unlock()

	switch p.Status {
	case wire.ResultComplete:
		res := &conversation.Resolution{
			Content:   completionContent(p),
			Artifact:  p.Artifact,
			FromCache: p.FromCache,
		}
		if p.Metrics != nil {
			res.Metrics = &conversation.Metrics{
				TokensUsed:     p.Metrics.TokensUsed,
				ResponseTimeMs: p.Metrics.ResponseTimeMs,
			}
		}
		c.conclude(requestID, StateCompleted, "", "", res)
	case wire.ResultCancelled:
		c.conclude(requestID, StateCancelled, smitherrors.ErrCodeGenerationCancelled, "cancelled by the backend", nil)
	default:
		reason := p.ErrorMessage
		if reason == "" {
			reason = "generation failed"
		}
		c.conclude(requestID, StateFailed, smitherrors.ErrCodeGenerationFailed, reason, nil)
	}
}

func (c *Controller) handleError(env wire.Envelope) {
	var p wire.ResultPayload
	reason := "generation failed"
	if err := env.DecodePayload(&p); err == nil && p.ErrorMessage != "" {
		reason = p.ErrorMessage
	}

	c.mu.Lock()
	j := c.job
	if j == nil || (env.JobID != "" && env.JobID != j.jobID) {
		c.mu.Unlock()
		c.logJob(logging.LevelDebug, "stale_error_discarded", env.JobID, nil)
		return
	}
	requestID := j.requestID
	c.mu.Unlock()

	c.conclude(requestID, StateFailed, smitherrors.ErrCodeGenerationFailed, reason, nil)
}

func (c *Controller) timeoutExpired(requestID string) {
	c.mu.Lock()
	j := c.job
	if j == nil || j.requestID != requestID {
		c.mu.Unlock()
		return
	}
	jobID := j.jobID
	c.mu.Unlock()

	c.logJob(logging.LevelError, "job_timeout", jobID, map[string]any{"timeout": c.timeout.String()})
	c.conclude(requestID, StateFailed, smitherrors.ErrCodeGenerationTimeout, "generation timed out waiting for progress", nil)
}

// conclude moves the identified job to a terminal state, settles the
// conversation, and returns the controller to idle. Safe to call from any
// goroutine; only the job that is still current is concluded.
func (c *Controller) conclude(requestID string, outcome State, code smitherrors.ErrorCode, reason string, res *conversation.Resolution) {
	c.mu.Lock()
	j := c.job
	if j == nil || j.requestID != requestID {
		c.mu.Unlock()
		return
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	c.job = nil
	c.state = outcome
	snap := j.snapshot()
	c.mu.Unlock()

	switch outcome {
	case StateCompleted:
		if res != nil {
			_ = c.conv.ResolveAssistant(j.assistantMessageID, *res)
		}
		c.metrics.JobCompleted()
		c.logJob(logging.LevelInfo, "job_completed", j.jobID, map[string]any{"percent": snap.Percent})
	case StateCancelled:
		c.failExchange(j, code, reason)
		c.metrics.JobCancelled()
		c.logJob(logging.LevelInfo, "job_cancelled", j.jobID, map[string]any{"reason": reason})
	default:
		c.failExchange(j, code, reason)
		c.metrics.JobFailed()
		c.logJob(logging.LevelError, "job_failed", j.jobID, map[string]any{"code": string(code), "reason": reason})
	}

	c.notify(outcome, snap, code, reason)

	c.mu.Lock()
	idle := c.job == nil && c.state == outcome
	if idle {
		c.state = StateIdle
	}
	c.mu.Unlock()
	if idle {
		c.notify(StateIdle, Snapshot{}, "", "")
	}
}

// failExchange settles both halves of the exchange so a retry can target
// either message of the failed pair.
func (c *Controller) failExchange(j *job, code smitherrors.ErrorCode, reason string) {
	if j.assistantMessageID != "" {
		_ = c.conv.MarkFailed(j.assistantMessageID, code, reason)
	}
	if j.userMessageID != "" {
		_ = c.conv.MarkFailed(j.userMessageID, code, reason)
	}
}

func (c *Controller) notify(state State, snap Snapshot, code smitherrors.ErrorCode, reason string) {
	if c.listener != nil {
		c.listener(state, snap)
	}
	if c.bus != nil {
		data, err := json.Marshal(StateChange{
			State:   state,
			JobID:   snap.JobID,
			Stage:   snap.Stage,
			Percent: snap.Percent,
			Code:    code,
			Reason:  reason,
		})
		if err == nil {
			_ = c.bus.Publish(context.Background(), bus.SubjectJob+".state", data)
		}
	}
}

func (c *Controller) logJob(level logging.Level, eventType, jobID string, details map[string]any) {
	if c.logger == nil {
		return
	}
	switch level {
	case logging.LevelDebug:
		_ = c.logger.Debug(logging.CategoryJob, eventType, "", mergeJobID(details, jobID))
	case logging.LevelWarn:
		_ = c.logger.Warn(logging.CategoryJob, eventType, "", mergeJobID(details, jobID))
	case logging.LevelError:
		_ = c.logger.Error(logging.CategoryJob, eventType, "", mergeJobID(details, jobID))
	default:
		_ = c.logger.Info(logging.CategoryJob, eventType, "", mergeJobID(details, jobID))
	}
}

func mergeJobID(details map[string]any, jobID string) map[string]any {
	if jobID == "" {
		return details
	}
	if details == nil {
		details = make(map[string]any, 1)
	}
	details["jobId"] = jobID
	return details
}

func completionContent(p wire.ResultPayload) string {
	if strings.TrimSpace(p.Artifact) == "" {
		return "Generation finished, but no artifact was produced."
	}
	if p.FromCache {
		return "Here's your site, served from a recent cached generation."
	}
	return "Here's your generated site."
}

func (j *job) snapshot() Snapshot {
	return Snapshot{
		RequestID:          j.requestID,
		JobID:              j.jobID,
		ProjectID:          j.projectID,
		UserMessageID:      j.userMessageID,
		AssistantMessageID: j.assistantMessageID,
		Text:               j.text,
		Mode:               j.mode,
		Stage:              j.stage,
		Percent:            j.percent,
		StartedAt:          j.startedAt,
	}
}
