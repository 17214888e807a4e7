// Package conversation owns the ordered message log for a project session.
// Messages are appended in creation order and mutated in place as generation
// jobs resolve; the log is never reordered.
package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	smitherrors "github.com/odvcencio/sitesmith/pkg/errors"
	"github.com/odvcencio/sitesmith/pkg/logging"
	"github.com/odvcencio/sitesmith/pkg/storage"
	"github.com/odvcencio/sitesmith/pkg/wire"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Rating is user feedback on a completed assistant message.
type Rating string

const (
	RatingPositive Rating = "positive"
	RatingNegative Rating = "negative"
)

// Metrics carries generation statistics for a resolved assistant message.
type Metrics struct {
	TokensUsed     int
	ResponseTimeMs int
}

// Message is a single turn in the conversation.
type Message struct {
	ID         string
	Role       Role
	Content    string
	CreatedAt  time.Time
	Artifact   string
	Mode       wire.Mode
	Status     Status
	Metrics   *Metrics
	FromCache bool
	Rating    Rating
	// FailCode classifies a failed message (GENERATION_TIMEOUT,
	// GENERATION_CANCELLED, ...); FailReason is the human-readable detail.
	FailCode   smitherrors.ErrorCode
	FailReason string
	// RequestMessageID links an assistant message to the user message that
	// triggered it (1:1 once resolved).
	RequestMessageID string
}

// Resolution is the payload applied when an assistant message completes.
type Resolution struct {
	Content   string
	Artifact  string
	Metrics   *Metrics
	FromCache bool
}

// ChangeListener observes store mutations. eventType is one of
// "appended", "resolved", "failed", "rated", "cleared", "hydrated".
type ChangeListener func(eventType string, msg Message)

// Store is the ordered conversation log for one project.
type Store struct {
	mu        sync.Mutex
	projectID string
	messages  []Message
	index     map[string]int
	persist   *storage.Store
	logger    *logging.Logger
	listener  ChangeListener
}

// New creates an empty conversation store bound to a project.
func New(projectID string) *Store {
	return &Store{
		projectID: projectID,
		index:     make(map[string]int),
	}
}

// WithPersistence attaches a local cache; writes are best-effort.
func (s *Store) WithPersistence(store *storage.Store) *Store {
	s.persist = store
	return s
}

// WithLogger attaches a structured logger.
func (s *Store) WithLogger(logger *logging.Logger) *Store {
	s.logger = logger
	return s
}

// WithListener attaches a change listener.
func (s *Store) WithListener(fn ChangeListener) *Store {
	s.listener = fn
	return s
}

// ProjectID returns the bound project.
func (s *Store) ProjectID() string {
	return s.projectID
}

// AppendUserMessage adds a user message with a fresh local id.
// Always succeeds; the message starts pending until its job resolves.
func (s *Store) AppendUserMessage(text string, mode wire.Mode) Message {
	s.mu.Lock()
	msg := Message{
		ID:        newMessageID(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
		Mode:      mode,
		Status:    StatusPending,
	}
	s.append(msg)
	s.mu.Unlock()

	s.saveToCache(msg)
	s.emit("appended", msg)
	return msg
}

// AppendAssistantPlaceholder adds the pending assistant reply for a user
// message; created when a job enters Submitting.
func (s *Store) AppendAssistantPlaceholder(forMessageID string) (Message, error) {
	s.mu.Lock()
	if _, ok := s.index[forMessageID]; !ok {
		s.mu.Unlock()
		return Message{}, smitherrors.New(smitherrors.ErrCodeInvalidInput, "unknown request message").
			WithContext("messageId", forMessageID)
	}
	msg := Message{
		ID:               newMessageID(),
		Role:             RoleAssistant,
		CreatedAt:        time.Now(),
		Status:           StatusPending,
		RequestMessageID: forMessageID,
	}
	s.append(msg)
	s.mu.Unlock()

	s.saveToCache(msg)
	s.emit("appended", msg)
	return msg, nil
}

// ResolveAssistant completes a pending assistant message. Re-resolving an
// already-complete message is a no-op, not an error.
func (s *Store) ResolveAssistant(id string, res Resolution) error {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return smitherrors.New(smitherrors.ErrCodeInvalidInput, "unknown message").
			WithContext("messageId", id)
	}
	msg := &s.messages[i]
	if msg.Role != RoleAssistant {
		s.mu.Unlock()
		return smitherrors.New(smitherrors.ErrCodeInvalidInput, "only assistant messages resolve").
			WithContext("messageId", id)
	}
	if msg.Status == StatusComplete {
		s.mu.Unlock()
		return nil
	}
	msg.Content = res.Content
	msg.Artifact = res.Artifact
	msg.Metrics = res.Metrics
	msg.FromCache = res.FromCache
	msg.Status = StatusComplete
	msg.FailCode = ""
	msg.FailReason = ""
	// Resolving the assistant settles the originating user message too.
	if j, ok := s.index[msg.RequestMessageID]; ok && s.messages[j].Status == StatusPending {
		s.messages[j].Status = StatusComplete
	}
	updated := *msg
	var request *Message
	if j, ok := s.index[msg.RequestMessageID]; ok {
		r := s.messages[j]
		request = &r
	}
	s.mu.Unlock()

	s.updateCache(updated)
	if request != nil {
		s.updateCache(*request)
	}
	s.emit("resolved", updated)
	return nil
}

// MarkFailed moves a message to failed, preserving any content entered so
// far. code classifies the failure for consumers; reason is display text.
func (s *Store) MarkFailed(id string, code smitherrors.ErrorCode, reason string) error {
	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return smitherrors.New(smitherrors.ErrCodeInvalidInput, "unknown message").
			WithContext("messageId", id)
	}
	msg := &s.messages[i]
	if msg.Status == StatusComplete {
		// A completed message never regresses to failed.
		s.mu.Unlock()
		return nil
	}
	if code == "" {
		code = smitherrors.ErrCodeGenerationFailed
	}
	msg.Status = StatusFailed
	msg.FailCode = code
	msg.FailReason = reason
	updated := *msg
	s.mu.Unlock()

	s.updateCache(updated)
	s.emit("failed", updated)
	return nil
}

// Rate records feedback; only legal on a completed assistant message.
func (s *Store) Rate(id string, rating Rating) error {
	if rating != RatingPositive && rating != RatingNegative {
		return smitherrors.New(smitherrors.ErrCodeInvalidInput, "rating must be positive or negative")
	}

	s.mu.Lock()
	i, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return smitherrors.New(smitherrors.ErrCodeInvalidInput, "unknown message").
			WithContext("messageId", id)
	}
	msg := &s.messages[i]
	if msg.Role != RoleAssistant || msg.Status != StatusComplete {
		s.mu.Unlock()
		return smitherrors.New(smitherrors.ErrCodeInvalidRequest, "only completed assistant messages can be rated").
			WithContext("messageId", id)
	}
	msg.Rating = rating
	updated := *msg
	s.mu.Unlock()

	s.updateCache(updated)
	s.emit("rated", updated)
	return nil
}

// Clear empties the log. Destructive; callers own the confirmation prompt.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.messages = nil
	s.index = make(map[string]int)
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.ClearProject(s.projectID); err != nil {
			s.warn("cache_clear_failed", smitherrors.Wrap(err, smitherrors.ErrCodeStorageWrite, "failed to clear cached conversation"))
		}
	}
	s.emit("cleared", Message{})
	return nil
}

// Snapshot returns the messages in creation order. The slice and its
// elements are copies; mutating them does not affect the store.
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Get returns a message by id.
func (s *Store) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.messages[i], true
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// LatestArtifact returns the most recent completed assistant artifact, if any.
func (s *Store) LatestArtifact() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := s.messages[i]
		if msg.Role == RoleAssistant && msg.Status == StatusComplete && strings.TrimSpace(msg.Artifact) != "" {
			return msg.Artifact, true
		}
	}
	return "", false
}

// Hydrate replaces the log with persisted records, used on session start.
func (s *Store) Hydrate(messages []Message) {
	s.mu.Lock()
	s.messages = make([]Message, len(messages))
	copy(s.messages, messages)
	s.index = make(map[string]int, len(messages))
	for i, msg := range s.messages {
		s.index[msg.ID] = i
	}
	s.mu.Unlock()

	if s.persist != nil {
		records := make([]storage.Message, len(messages))
		for i, msg := range messages {
			records[i] = toStorage(msg, s.projectID, i)
		}
		if err := s.persist.ReplaceMessages(s.projectID, records); err != nil {
			s.warn("cache_replace_failed", smitherrors.Wrap(err, smitherrors.ErrCodeStorageWrite, "failed to replace cached conversation"))
		}
	}
	s.emit("hydrated", Message{})
}

// HydrateFromCache loads the log from the local cache, marking entries
// FromCache. Used when the history endpoint is unreachable.
func (s *Store) HydrateFromCache() error {
	if s.persist == nil {
		return smitherrors.New(smitherrors.ErrCodeStorageRead, "no local cache attached")
	}
	records, err := s.persist.MessagesForProject(s.projectID)
	if err != nil {
		return smitherrors.Wrap(err, smitherrors.ErrCodeStorageRead, "failed to read cached conversation").
			WithContext("projectId", s.projectID)
	}

	s.mu.Lock()
	s.messages = make([]Message, 0, len(records))
	s.index = make(map[string]int, len(records))
	for _, rec := range records {
		msg := fromStorage(rec)
		msg.FromCache = true
		s.index[msg.ID] = len(s.messages)
		s.messages = append(s.messages, msg)
	}
	s.mu.Unlock()

	s.emit("hydrated", Message{})
	return nil
}

// append assumes s.mu is held.
func (s *Store) append(msg Message) {
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
}

func (s *Store) saveToCache(msg Message) {
	if s.persist == nil {
		return
	}
	s.mu.Lock()
	seq := s.index[msg.ID]
	s.mu.Unlock()
	if err := s.persist.SaveMessage(ptr(toStorage(msg, s.projectID, seq))); err != nil {
		s.warn("cache_save_failed", smitherrors.Wrap(err, smitherrors.ErrCodeStorageWrite, "failed to cache message"))
	}
}

func (s *Store) updateCache(msg Message) {
	if s.persist == nil {
		return
	}
	s.mu.Lock()
	seq := s.index[msg.ID]
	s.mu.Unlock()
	if err := s.persist.UpdateMessage(ptr(toStorage(msg, s.projectID, seq))); err != nil {
		s.warn("cache_update_failed", smitherrors.Wrap(err, smitherrors.ErrCodeStorageWrite, "failed to update cached message"))
	}
}

func (s *Store) emit(eventType string, msg Message) {
	if s.listener != nil {
		s.listener(eventType, msg)
	}
}

func (s *Store) warn(eventType string, err error) {
	if s.logger != nil {
		_ = s.logger.Warn(logging.CategoryConversation, eventType, err.Error(), nil)
	}
}

func toStorage(msg Message, projectID string, seq int) storage.Message {
	rec := storage.Message{
		ID:        msg.ID,
		ProjectID: projectID,
		Role:      string(msg.Role),
		Content:   msg.Content,
		Artifact:  msg.Artifact,
		Mode:      string(msg.Mode),
		Status:    string(msg.Status),
		Rating:    string(msg.Rating),
		FromCache: msg.FromCache,
		CreatedAt: msg.CreatedAt,
		Seq:       seq,
	}
	if msg.Metrics != nil {
		rec.TokensUsed = msg.Metrics.TokensUsed
		rec.ResponseTimeMs = msg.Metrics.ResponseTimeMs
	}
	return rec
}

func fromStorage(rec storage.Message) Message {
	msg := Message{
		ID:        rec.ID,
		Role:      Role(rec.Role),
		Content:   rec.Content,
		Artifact:  rec.Artifact,
		Mode:      wire.Mode(rec.Mode),
		Status:    Status(rec.Status),
		Rating:    Rating(rec.Rating),
		FromCache: rec.FromCache,
		CreatedAt: rec.CreatedAt,
	}
	if rec.TokensUsed > 0 || rec.ResponseTimeMs > 0 {
		msg.Metrics = &Metrics{TokensUsed: rec.TokensUsed, ResponseTimeMs: rec.ResponseTimeMs}
	}
	return msg
}

func ptr(m storage.Message) *storage.Message {
	return &m
}

func newMessageID() string {
	return strings.ToLower(ulid.Make().String())
}
