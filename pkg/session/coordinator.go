package session

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/sitesmith/pkg/api"
	"github.com/odvcencio/sitesmith/pkg/bus"
	"github.com/odvcencio/sitesmith/pkg/conversation"
	smitherrors "github.com/odvcencio/sitesmith/pkg/errors"
	"github.com/odvcencio/sitesmith/pkg/generation"
	"github.com/odvcencio/sitesmith/pkg/logging"
	"github.com/odvcencio/sitesmith/pkg/suggest"
	"github.com/odvcencio/sitesmith/pkg/transport"
	"github.com/odvcencio/sitesmith/pkg/wire"
)

// Transport is the slice of the streaming channel the coordinator drives.
type Transport interface {
	Send(env wire.Envelope) error
	OnEvent(handler transport.EventHandler) func()
	OnStateChange(handler transport.StateHandler) func()
	State() transport.State
	Done() <-chan struct{}
	Close() error
}

// HistoryClient fetches the persisted conversation for hydration.
type HistoryClient interface {
	History(ctx context.Context, projectID string) ([]api.HistoryMessage, error)
}

// Deps are the collaborators a coordinator is assembled from. Transport,
// Conversation and Controller are required; the rest are optional.
type Deps struct {
	Transport    Transport
	Conversation *conversation.Store
	Controller   *generation.Controller
	Suggestions  *suggest.Engine
	History      HistoryClient
	Logger       *logging.Logger
	Bus          bus.MessageBus
}

// Coordinator is the façade the presentation layer talks to. All operations
// are safe for concurrent use; precondition failures are returned
// synchronously, in-flight failures settle the conversation asynchronously.
type Coordinator struct {
	projectID string
	sessionID string
	deps      Deps

	unsubEvent func()
	unsubState func()

	mu     sync.Mutex
	closed bool
}

// New wires a coordinator for the given project. The transport's inbound
// events are routed to the controller from here on.
func New(projectID, sessionID string, deps Deps) (*Coordinator, error) {
	if projectID == "" {
		return nil, smitherrors.New(smitherrors.ErrCodeNoActiveProject, "a session requires a project")
	}
	if deps.Transport == nil || deps.Conversation == nil || deps.Controller == nil {
		return nil, smitherrors.New(smitherrors.ErrCodeInternal, "session is missing required collaborators")
	}

	c := &Coordinator{
		projectID: projectID,
		sessionID: sessionID,
		deps:      deps,
	}
	c.unsubEvent = deps.Transport.OnEvent(deps.Controller.HandleEvent)
	c.unsubState = deps.Transport.OnStateChange(c.onTransportState)

	go func() {
		<-deps.Transport.Done()
		deps.Controller.HandleTransportDown()
	}()

	return c, nil
}

// Start hydrates the conversation from the history endpoint, falling back to
// the local cache when the backend is unreachable. Hydration is best-effort;
// an empty timeline is a valid starting point.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.deps.History == nil {
		return nil
	}

	records, err := c.deps.History.History(ctx, c.projectID)
	if err != nil {
		c.logWarn("history_fetch_failed", map[string]any{"error": err.Error()})
		if cacheErr := c.deps.Conversation.HydrateFromCache(); cacheErr != nil {
			c.logWarn("cache_hydrate_failed", map[string]any{"error": cacheErr.Error()})
		}
		return nil
	}

	messages := make([]conversation.Message, len(records))
	for i, rec := range records {
		messages[i] = historyToMessage(rec)
	}
	c.deps.Conversation.Hydrate(messages)
	c.logInfo("session_hydrated", map[string]any{"messages": len(messages)})
	return nil
}

// SendMessage submits a plain generation request for the given text.
func (c *Coordinator) SendMessage(text string) (generation.Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return generation.Snapshot{}, err
	}
	return c.deps.Controller.Submit(generation.Request{
		ProjectID: c.projectID,
		Text:      text,
		Mode:      wire.ModePlain,
	})
}

// Refine submits a refinement of the most recent generated artifact. Without
// a prior artifact there is nothing to refine.
func (c *Coordinator) Refine(text string) (generation.Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return generation.Snapshot{}, err
	}
	artifact, ok := c.deps.Conversation.LatestArtifact()
	if !ok {
		return generation.Snapshot{}, smitherrors.New(smitherrors.ErrCodeInvalidRequest, "no artifact to refine yet").
			WithUserMessage("Generate a site first, then ask for changes.")
	}
	return c.deps.Controller.Submit(generation.Request{
		ProjectID:       c.projectID,
		Text:            text,
		Mode:            wire.ModeRefinement,
		ArtifactContext: artifact,
	})
}

// GenerateFromTemplate submits a generation seeded from a template.
func (c *Coordinator) GenerateFromTemplate(templateRef, text string) (generation.Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return generation.Snapshot{}, err
	}
	if templateRef == "" {
		return generation.Snapshot{}, smitherrors.New(smitherrors.ErrCodeInvalidRequest, "template reference is required")
	}
	return c.deps.Controller.Submit(generation.Request{
		ProjectID:  c.projectID,
		Text:       text,
		Mode:       wire.ModeTemplate,
		Attachment: templateRef,
	})
}

// Retry resubmits the failed exchange identified by messageID, reusing the
// original text and mode instead of appending a duplicate of the input by
// hand. Either half of the failed pair is accepted; an assistant id is
// resolved to the user message that produced it.
func (c *Coordinator) Retry(messageID string) (generation.Snapshot, error) {
	if err := c.checkOpen(); err != nil {
		return generation.Snapshot{}, err
	}

	msg, ok := c.deps.Conversation.Get(messageID)
	if !ok {
		return generation.Snapshot{}, smitherrors.New(smitherrors.ErrCodeInvalidRequest, "no such message").
			WithContext("messageId", messageID)
	}
	if msg.Role == conversation.RoleAssistant {
		parent, ok := c.deps.Conversation.Get(msg.RequestMessageID)
		if !ok {
			return generation.Snapshot{}, smitherrors.New(smitherrors.ErrCodeInvalidRequest, "message has no originating request").
				WithContext("messageId", messageID)
		}
		msg = parent
	}
	if msg.Role != conversation.RoleUser || msg.Status != conversation.StatusFailed {
		return generation.Snapshot{}, smitherrors.New(smitherrors.ErrCodeInvalidRequest, "only a failed request can be retried").
			WithContext("messageId", messageID).
			WithUserMessage("Pick a failed message to retry.")
	}

	req := generation.Request{
		ProjectID: c.projectID,
		Text:      msg.Content,
		Mode:      msg.Mode,
	}
	if req.Mode == wire.ModeRefinement {
		if artifact, ok := c.deps.Conversation.LatestArtifact(); ok {
			req.ArtifactContext = artifact
		} else {
			// The artifact the refinement targeted is gone; fall back to a
			// plain generation of the same text.
			req.Mode = wire.ModePlain
		}
	}
	return c.deps.Controller.Submit(req)
}

// Rate records feedback on a completed assistant message.
func (c *Coordinator) Rate(messageID string, rating conversation.Rating) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.deps.Conversation.Rate(messageID, rating)
}

// CancelActiveJob cancels the running generation, if any.
func (c *Coordinator) CancelActiveJob() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.deps.Controller.Cancel()
}

// ClearConversation wipes the timeline. A running generation is cancelled
// first so the in-flight exchange settles before it is discarded; any late
// backend event for that job is dropped by the controller.
func (c *Coordinator) ClearConversation() error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.deps.Controller.Cancel(); err != nil {
		return err
	}
	return c.deps.Conversation.Clear()
}

// ExportConversation renders the timeline in the requested format.
func (c *Coordinator) ExportConversation(opts conversation.ExportOptions) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.deps.Conversation.Export(opts)
}

// Suggest feeds the current draft to the suggestion engine. Non-blocking;
// results arrive via the engine's callback.
func (c *Coordinator) Suggest(draft string) {
	if c.deps.Suggestions == nil {
		return
	}
	if err := c.checkOpen(); err != nil {
		return
	}
	c.deps.Suggestions.Update(draft)
}

// Messages returns the conversation timeline in creation order.
func (c *Coordinator) Messages() []conversation.Message {
	return c.deps.Conversation.Snapshot()
}

// JobState returns the controller's lifecycle state.
func (c *Coordinator) JobState() generation.State {
	return c.deps.Controller.State()
}

// ActiveJob returns a snapshot of the running job, if any.
func (c *Coordinator) ActiveJob() (generation.Snapshot, bool) {
	return c.deps.Controller.Active()
}

// ConnectionState returns the transport state for the UI indicator.
func (c *Coordinator) ConnectionState() transport.State {
	return c.deps.Transport.State()
}

// SessionID returns the identifier this session logs under.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Close cancels any active job and tears the session down. Idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.deps.Controller.Cancel()
	if c.deps.Suggestions != nil {
		c.deps.Suggestions.Close()
	}
	if c.unsubEvent != nil {
		c.unsubEvent()
	}
	if c.unsubState != nil {
		c.unsubState()
	}
	err := c.deps.Transport.Close()
	c.logInfo("session_closed", nil)
	return err
}

func (c *Coordinator) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return smitherrors.New(smitherrors.ErrCodeInvalidRequest, "session is closed")
	}
	return nil
}

func (c *Coordinator) onTransportState(state transport.State) {
	c.logInfo("transport_state", map[string]any{"state": string(state)})
	if c.deps.Bus != nil {
		_ = c.deps.Bus.Publish(context.Background(), bus.SubjectTransport+".state", []byte(state))
	}
	if state == transport.StateClosed {
		c.deps.Controller.HandleTransportDown()
	}
}

func (c *Coordinator) logInfo(eventType string, details map[string]any) {
	if c.deps.Logger != nil {
		_ = c.deps.Logger.Info(logging.CategorySession, eventType, "", details)
	}
}

func (c *Coordinator) logWarn(eventType string, details map[string]any) {
	if c.deps.Logger != nil {
		_ = c.deps.Logger.Warn(logging.CategorySession, eventType, "", details)
	}
}

func historyToMessage(rec api.HistoryMessage) conversation.Message {
	msg := conversation.Message{
		ID:        rec.ID,
		Role:      conversation.Role(rec.Role),
		Content:   rec.Content,
		Artifact:  rec.Artifact,
		Mode:      wire.Mode(rec.Mode),
		Status:    conversation.Status(rec.Status),
		Rating:    conversation.Rating(rec.Rating),
		CreatedAt: rec.CreatedAt,
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if rec.TokensUsed > 0 || rec.ResponseTimeMs > 0 {
		msg.Metrics = &conversation.Metrics{
			TokensUsed:     rec.TokensUsed,
			ResponseTimeMs: rec.ResponseTimeMs,
		}
	}
	return msg
}
