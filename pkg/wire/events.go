// Package wire defines the typed event vocabulary exchanged with the
// generation backend over the streaming channel. Inbound events carry job
// acknowledgements, staged progress, and terminal results; outbound events
// carry generation requests and cancellation notices. Everything is JSON.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a stream event.
type EventType string

const (
	// Inbound (backend -> client)
	EventJobAccepted EventType = "job.accepted"
	EventJobProgress EventType = "job.progress"
	EventJobResult   EventType = "job.result"
	EventJobError    EventType = "job.error"

	// Outbound (client -> backend)
	EventGenerate EventType = "generate"
	EventCancel   EventType = "cancel"
)

// Stage is a named phase of a generation job.
type Stage string

const (
	StageInitializing Stage = "initializing"
	StageGenerating   Stage = "generating"
	StageStyling      Stage = "styling"
	StageResponsive   Stage = "responsive"
	StageFinalizing   Stage = "finalizing"
)

// stageOrder ranks stages for forward-only transitions.
var stageOrder = map[Stage]int{
	StageInitializing: 0,
	StageGenerating:   1,
	StageStyling:      2,
	StageResponsive:   3,
	StageFinalizing:   4,
}

// Rank returns the stage's position in the pipeline, or -1 if unknown.
func (s Stage) Rank() int {
	if r, ok := stageOrder[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether the stage is a known pipeline phase.
func (s Stage) Valid() bool {
	return s.Rank() >= 0
}

// Mode describes how a generation request should be interpreted.
type Mode string

const (
	ModePlain      Mode = "plain"
	ModeRefinement Mode = "refinement"
	ModeTemplate   Mode = "template"
)

// ResultStatus is the terminal status reported for a job.
type ResultStatus string

const (
	ResultComplete  ResultStatus = "complete"
	ResultFailed    ResultStatus = "failed"
	ResultCancelled ResultStatus = "cancelled"
)

// Metrics carries backend-reported generation statistics.
type Metrics struct {
	TokensUsed     int `json:"tokensUsed,omitempty"`
	ResponseTimeMs int `json:"responseTimeMs,omitempty"`
}

// Envelope is the framing for every stream event.
type Envelope struct {
	Type      EventType       `json:"type"`
	JobID     string          `json:"jobId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AcceptedPayload acknowledges a generation request and assigns the job id.
type AcceptedPayload struct {
	RequestID string `json:"requestId"`
	JobID     string `json:"jobId"`
}

// ProgressPayload reports staged progress for an active job.
type ProgressPayload struct {
	Stage   Stage `json:"stage"`
	Percent int   `json:"percent"`
}

// ResultPayload is the terminal event for a job.
type ResultPayload struct {
	Status       ResultStatus `json:"status"`
	Artifact     string       `json:"artifact,omitempty"`
	Metrics      *Metrics     `json:"metrics,omitempty"`
	FromCache    bool         `json:"fromCache,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// GeneratePayload is the outbound generation request.
type GeneratePayload struct {
	RequestID       string `json:"requestId"`
	ProjectID       string `json:"projectId"`
	Text            string `json:"text"`
	Mode            Mode   `json:"mode"`
	ArtifactContext string `json:"artifactContext,omitempty"`
	Attachment      string `json:"attachment,omitempty"`
}

// CancelPayload is the outbound best-effort cancellation notice.
type CancelPayload struct {
	JobID  string `json:"jobId"`
	Reason string `json:"reason,omitempty"`
}

// NewEnvelope wraps a payload into an Envelope, marshaling it to JSON.
func NewEnvelope(eventType EventType, jobID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      eventType,
		JobID:     jobID,
		Timestamp: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode parses a raw frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Encode serializes an Envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
