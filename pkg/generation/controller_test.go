package generation

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/odvcencio/sitesmith/pkg/conversation"
	smitherrors "github.com/odvcencio/sitesmith/pkg/errors"
	"github.com/odvcencio/sitesmith/pkg/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Envelope
	err  error
}

func (f *fakeSender) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) lastGenerate(t *testing.T) wire.GeneratePayload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Type == wire.EventGenerate {
			var p wire.GeneratePayload
			if err := f.sent[i].DecodePayload(&p); err != nil {
				t.Fatalf("decode generate payload: %v", err)
			}
			return p
		}
	}
	t.Fatal("no generate envelope sent")
	return wire.GeneratePayload{}
}

func (f *fakeSender) cancels() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Envelope
	for _, env := range f.sent {
		if env.Type == wire.EventCancel {
			out = append(out, env)
		}
	}
	return out
}

// stateRecorder collects listener notifications.
type stateRecorder struct {
	mu      sync.Mutex
	states  []State
	percent []int
}

func (r *stateRecorder) listen(state State, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	r.percent = append(r.percent, snap.Percent)
}

func (r *stateRecorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) percents() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.percent))
	copy(out, r.percent)
	return out
}

func newTestController(t *testing.T, timeout time.Duration) (*Controller, *fakeSender, *conversation.Store, *stateRecorder) {
	t.Helper()
	sender := &fakeSender{}
	conv := conversation.New("proj-1")
	rec := &stateRecorder{}
	ctrl := New(sender, conv, timeout).WithListener(rec.listen)
	return ctrl, sender, conv, rec
}

func mustEnvelope(t *testing.T, eventType wire.EventType, jobID string, payload any) wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(eventType, jobID, payload)
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

// accept acknowledges the in-flight request under the given backend job id.
func accept(t *testing.T, ctrl *Controller, sender *fakeSender, jobID string) {
	t.Helper()
	req := sender.lastGenerate(t)
	ctrl.HandleEvent(mustEnvelope(t, wire.EventJobAccepted, jobID, wire.AcceptedPayload{
		RequestID: req.RequestID,
		JobID:     jobID,
	}))
}

func progress(t *testing.T, ctrl *Controller, jobID string, stage wire.Stage, percent int) {
	t.Helper()
	ctrl.HandleEvent(mustEnvelope(t, wire.EventJobProgress, jobID, wire.ProgressPayload{
		Stage:   stage,
		Percent: percent,
	}))
}

func TestSubmitRejectsSecondJob(t *testing.T) {
	ctrl, sender, conv, _ := newTestController(t, time.Minute)

	first, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "build a bakery site", Mode: wire.ModePlain})
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	_, err = ctrl.Submit(Request{ProjectID: "proj-1", Text: "another one", Mode: wire.ModePlain})
	if !smitherrors.IsCode(err, smitherrors.ErrCodeJobAlreadyActive) {
		t.Fatalf("second submit error = %v, want JOB_ALREADY_ACTIVE", err)
	}

	// The running job is untouched and the rejected submit left no trace.
	snap, ok := ctrl.Active()
	if !ok || snap.RequestID != first.RequestID {
		t.Errorf("active job changed after rejected submit: %+v", snap)
	}
	if got := conv.Len(); got != 2 {
		t.Errorf("conversation has %d messages, want 2 (user + placeholder)", got)
	}
	if len(sender.cancels()) != 0 {
		t.Error("rejected submit must not cancel the running job")
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	ctrl, sender, _, rec := newTestController(t, time.Minute)

	if _, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "portfolio site"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	accept(t, ctrl, sender, "job-1")

	for _, pct := range []int{10, 40, 25, 60} {
		progress(t, ctrl, "job-1", wire.StageGenerating, pct)
	}

	snap, ok := ctrl.Active()
	if !ok {
		t.Fatal("job should still be active")
	}
	if snap.Percent != 60 {
		t.Errorf("percent = %d, want 60", snap.Percent)
	}

	// The regression (25) is never observed.
	var observed []int
	last := -1
	for _, p := range rec.percents() {
		if p != last {
			observed = append(observed, p)
			last = p
		}
	}
	for i := 1; i < len(observed); i++ {
		if observed[i] < observed[i-1] {
			t.Errorf("observed percent regressed: %v", observed)
		}
	}
}

func TestStageNeverRegresses(t *testing.T) {
	ctrl, sender, _, _ := newTestController(t, time.Minute)

	if _, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "shop site"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	accept(t, ctrl, sender, "job-1")
	progress(t, ctrl, "job-1", wire.StageStyling, 50)
	// Later event reports an earlier stage with a higher percent: the percent
	// advances but the stage holds.
	progress(t, ctrl, "job-1", wire.StageGenerating, 55)

	snap, _ := ctrl.Active()
	if snap.Stage != wire.StageStyling {
		t.Errorf("stage = %s, want styling", snap.Stage)
	}
	if snap.Percent != 55 {
		t.Errorf("percent = %d, want 55", snap.Percent)
	}
	if ctrl.State() != StateStyling {
		t.Errorf("state = %s, want styling", ctrl.State())
	}
}

func TestCancelDiscardsLateCompletion(t *testing.T) {
	ctrl, sender, conv, _ := newTestController(t, time.Minute)

	snap, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "landing page"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	accept(t, ctrl, sender, "job-1")
	progress(t, ctrl, "job-1", wire.StageGenerating, 30)

	if err := ctrl.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(sender.cancels()) != 1 {
		t.Errorf("expected one cancel notice, got %d", len(sender.cancels()))
	}
	if ctrl.State() != StateIdle {
		t.Errorf("state after cancel = %s, want idle", ctrl.State())
	}

	assistant, ok := conv.Get(snap.AssistantMessageID)
	if !ok || assistant.Status != conversation.StatusFailed {
		t.Fatalf("assistant message = %+v, want failed", assistant)
	}
	if assistant.FailCode != smitherrors.ErrCodeGenerationCancelled {
		t.Errorf("fail code = %s, want GENERATION_CANCELLED", assistant.FailCode)
	}

	// The backend didn't get the memo in time and reports completion anyway.
	ctrl.HandleEvent(mustEnvelope(t, wire.EventJobResult, "job-1", wire.ResultPayload{
		Status:   wire.ResultComplete,
		Artifact: "<html>too late</html>",
	}))

	assistant, _ = conv.Get(snap.AssistantMessageID)
	if assistant.Status != conversation.StatusFailed {
		t.Errorf("late completion resurrected the message: %+v", assistant)
	}
	if assistant.Artifact != "" {
		t.Errorf("late artifact applied: %q", assistant.Artifact)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("state = %s, want idle", ctrl.State())
	}
}

func TestFullRoundTrip(t *testing.T) {
	ctrl, sender, conv, rec := newTestController(t, time.Minute)

	snap, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "a site for my bakery", Mode: wire.ModePlain})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	accept(t, ctrl, sender, "job-9")

	steps := []struct {
		stage   wire.Stage
		percent int
	}{
		{wire.StageInitializing, 5},
		{wire.StageGenerating, 35},
		{wire.StageStyling, 60},
		{wire.StageResponsive, 80},
		{wire.StageFinalizing, 95},
	}
	for _, s := range steps {
		progress(t, ctrl, "job-9", s.stage, s.percent)
	}

	ctrl.HandleEvent(mustEnvelope(t, wire.EventJobResult, "job-9", wire.ResultPayload{
		Status:   wire.ResultComplete,
		Artifact: "<html>bakery</html>",
		Metrics:  &wire.Metrics{TokensUsed: 1200, ResponseTimeMs: 8000},
	}))

	if ctrl.State() != StateIdle {
		t.Errorf("state = %s, want idle", ctrl.State())
	}
	if conv.Len() != 2 {
		t.Fatalf("conversation has %d messages, want 2", conv.Len())
	}

	assistant, _ := conv.Get(snap.AssistantMessageID)
	if assistant.Status != conversation.StatusComplete {
		t.Errorf("assistant status = %s, want complete", assistant.Status)
	}
	if assistant.Artifact != "<html>bakery</html>" {
		t.Errorf("artifact = %q", assistant.Artifact)
	}
	if assistant.Metrics == nil || assistant.Metrics.TokensUsed != 1200 {
		t.Errorf("metrics not applied: %+v", assistant.Metrics)
	}

	user, _ := conv.Get(snap.UserMessageID)
	if user.Status != conversation.StatusComplete {
		t.Errorf("user status = %s, want complete", user.Status)
	}

	if artifact, ok := conv.LatestArtifact(); !ok || artifact != "<html>bakery</html>" {
		t.Errorf("LatestArtifact = %q, %v", artifact, ok)
	}

	states := rec.seen()
	if len(states) == 0 || states[len(states)-1] != StateIdle {
		t.Errorf("final observed state = %v, want idle", states)
	}
	sawCompleted := false
	for _, s := range states {
		if s == StateCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Errorf("completed never observed in %v", states)
	}
}

func TestProgressTimeoutFailsJob(t *testing.T) {
	ctrl, sender, conv, _ := newTestController(t, 30*time.Millisecond)

	snap, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "slow site"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	accept(t, ctrl, sender, "job-slow")

	deadline := time.After(2 * time.Second)
	for ctrl.State() != StateIdle {
		select {
		case <-deadline:
			t.Fatalf("controller never returned to idle, state=%s", ctrl.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	assistant, _ := conv.Get(snap.AssistantMessageID)
	if assistant.Status != conversation.StatusFailed {
		t.Fatalf("assistant status = %s, want failed", assistant.Status)
	}
	if assistant.FailCode != smitherrors.ErrCodeGenerationTimeout {
		t.Errorf("fail code = %s, want GENERATION_TIMEOUT", assistant.FailCode)
	}
	if !strings.Contains(assistant.FailReason, "timed out") {
		t.Errorf("fail reason = %q", assistant.FailReason)
	}

	// The controller is usable again.
	if _, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "try again"}); err != nil {
		t.Errorf("submit after timeout failed: %v", err)
	}
}

func TestProgressResetsTimeout(t *testing.T) {
	ctrl, sender, _, _ := newTestController(t, 60*time.Millisecond)

	if _, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "steady site"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	accept(t, ctrl, sender, "job-steady")

	// Keep feeding progress within the window; the watchdog must not fire.
	for i := 1; i <= 4; i++ {
		time.Sleep(25 * time.Millisecond)
		progress(t, ctrl, "job-steady", wire.StageGenerating, i*10)
	}

	if _, ok := ctrl.Active(); !ok {
		t.Fatal("job timed out despite steady progress")
	}
	ctrl.HandleEvent(mustEnvelope(t, wire.EventJobResult, "job-steady", wire.ResultPayload{Status: wire.ResultComplete, Artifact: "<html/>"}))
}

func TestSubmitValidation(t *testing.T) {
	ctrl, _, _, _ := newTestController(t, time.Minute)

	if _, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "   "}); !smitherrors.IsCode(err, smitherrors.ErrCodeInvalidRequest) {
		t.Errorf("blank text error = %v, want INVALID_REQUEST", err)
	}
	if _, err := ctrl.Submit(Request{Text: "no project"}); !smitherrors.IsCode(err, smitherrors.ErrCodeNoActiveProject) {
		t.Errorf("missing project error = %v, want NO_ACTIVE_PROJECT", err)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("rejected submits must leave the controller idle, state=%s", ctrl.State())
	}
}

func TestSendFailureSettlesExchange(t *testing.T) {
	sender := &fakeSender{err: errors.New("pipe broken")}
	conv := conversation.New("proj-1")
	ctrl := New(sender, conv, time.Minute)

	_, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "doomed"})
	if !smitherrors.IsCode(err, smitherrors.ErrCodeTransportUnavailable) {
		t.Fatalf("error = %v, want TRANSPORT_UNAVAILABLE", err)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("state = %s, want idle", ctrl.State())
	}

	// Both halves of the exchange are settled as failed, not left pending.
	for _, msg := range conv.Snapshot() {
		if msg.Status != conversation.StatusFailed {
			t.Errorf("message %s status = %s, want failed", msg.ID, msg.Status)
		}
	}
}

func TestTransportDownFailsActiveJob(t *testing.T) {
	ctrl, sender, conv, _ := newTestController(t, time.Minute)

	snap, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "mid-flight"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	accept(t, ctrl, sender, "job-1")

	ctrl.HandleTransportDown()

	if ctrl.State() != StateIdle {
		t.Errorf("state = %s, want idle", ctrl.State())
	}
	assistant, _ := conv.Get(snap.AssistantMessageID)
	if assistant.Status != conversation.StatusFailed {
		t.Errorf("assistant status = %s, want failed", assistant.Status)
	}
	if assistant.FailCode != smitherrors.ErrCodeTransportUnavailable {
		t.Errorf("fail code = %s, want TRANSPORT_UNAVAILABLE", assistant.FailCode)
	}

	// No-op when nothing is running.
	ctrl.HandleTransportDown()
}

func TestBackendFailureClassified(t *testing.T) {
	ctrl, sender, conv, _ := newTestController(t, time.Minute)

	snap, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "fragile site"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	accept(t, ctrl, sender, "job-1")
	ctrl.HandleEvent(mustEnvelope(t, wire.EventJobError, "job-1", wire.ResultPayload{Status: wire.ResultFailed, ErrorMessage: "model overloaded"}))

	assistant, _ := conv.Get(snap.AssistantMessageID)
	if assistant.FailCode != smitherrors.ErrCodeGenerationFailed {
		t.Errorf("fail code = %s, want GENERATION_FAILED", assistant.FailCode)
	}
	if assistant.FailReason != "model overloaded" {
		t.Errorf("fail reason = %q", assistant.FailReason)
	}
}

func TestStaleJobEventsDiscarded(t *testing.T) {
	ctrl, sender, _, _ := newTestController(t, time.Minute)

	if _, err := ctrl.Submit(Request{ProjectID: "proj-1", Text: "current job"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	accept(t, ctrl, sender, "job-current")
	progress(t, ctrl, "job-current", wire.StageGenerating, 20)

	// Events for a different job id change nothing.
	progress(t, ctrl, "job-old", wire.StageFinalizing, 99)
	ctrl.HandleEvent(mustEnvelope(t, wire.EventJobResult, "job-old", wire.ResultPayload{Status: wire.ResultComplete}))

	snap, ok := ctrl.Active()
	if !ok {
		t.Fatal("active job was concluded by a stale event")
	}
	if snap.Percent != 20 || snap.Stage != wire.StageGenerating {
		t.Errorf("snapshot polluted by stale events: %+v", snap)
	}
}

func TestCancelWithoutActiveJob(t *testing.T) {
	ctrl, sender, _, _ := newTestController(t, time.Minute)
	if err := ctrl.Cancel(); err != nil {
		t.Errorf("cancel with no job should be a no-op, got %v", err)
	}
	if len(sender.cancels()) != 0 {
		t.Error("no cancel notice should be sent")
	}
}

func TestSnapshotETA(t *testing.T) {
	snap := Snapshot{Percent: 50, StartedAt: time.Now().Add(-10 * time.Second)}
	eta, ok := snap.ETA()
	if !ok {
		t.Fatal("expected an ETA at 50%")
	}
	if eta < 8*time.Second || eta > 12*time.Second {
		t.Errorf("eta = %v, want ~10s", eta)
	}

	if _, ok := (Snapshot{Percent: 0}).ETA(); ok {
		t.Error("no ETA at 0%")
	}
	if _, ok := (Snapshot{Percent: 100}).ETA(); ok {
		t.Error("no ETA at 100%")
	}
}
