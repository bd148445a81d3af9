package agent_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/specrun/internal/agent"
	"github.com/seantiz/specrun/internal/fixture"
	"github.com/seantiz/specrun/internal/fixture/samples"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/protocol"
)

const waitTimeout = 5 * time.Second

type countingSource struct {
	mu    sync.Mutex
	specs map[string]*model.Specification
	calls map[string]int
	fail  error
}

func newSource(specs ...*model.Specification) *countingSource {
	s := &countingSource{specs: make(map[string]*model.Specification), calls: make(map[string]int)}
	for _, spec := range specs {
		s.specs[spec.ID] = spec
	}
	return s
}

func (s *countingSource) LoadSpecification(_ context.Context, id string) (*model.Specification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id]++
	if s.fail != nil {
		return nil, s.fail
	}
	spec, ok := s.specs[id]
	if !ok {
		return nil, agent.ErrSpecNotFound
	}
	return spec, nil
}

func (s *countingSource) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func echoSpec(id, text string) *model.Specification {
	return &model.Specification{ID: id, Sections: []model.Section{{
		Fixture: "Math",
		Steps:   []model.Step{{Grammar: "Echo", Cells: []model.Cell{{Key: "text", Value: text, Expect: true}}}},
	}}}
}

func sleepSpec(id string, ms string) *model.Specification {
	return &model.Specification{ID: id, Sections: []model.Section{{
		Fixture: "Math",
		Steps:   []model.Step{{Grammar: "Sleep", Cells: []model.Cell{{Key: "ms", Value: ms}}}},
	}}}
}

type harness struct {
	t      *testing.T
	conn   *protocol.Conn
	msgs   chan protocol.Message
	served chan error
	seen   []protocol.Message
}

func start(t *testing.T, source agent.SpecSource, opts agent.Options) *harness {
	t.Helper()
	system, err := samples.Systems().Resolve(samples.SystemSamples)
	require.NoError(t, err)
	return startSystem(t, system, source, opts)
}

func startSystem(t *testing.T, system fixture.System, source agent.SpecSource, opts agent.Options) *harness {
	t.Helper()
	controllerSide, engineSide := protocol.Pipe()
	h := &harness{
		t:      t,
		conn:   controllerSide,
		msgs:   make(chan protocol.Message, 256),
		served: make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		controllerSide.Close()
	})

	a := agent.New(system, source, opts)
	go func() { h.served <- a.Serve(ctx, engineSide) }()
	go func() {
		defer close(h.msgs)
		for {
			msg, err := controllerSide.Receive()
			if err != nil {
				return
			}
			h.msgs <- msg
		}
	}()
	return h
}

func (h *harness) send(kind, correlationID string, payload any) {
	h.t.Helper()
	msg, err := protocol.NewMessage(kind, correlationID, payload)
	require.NoError(h.t, err)
	require.NoError(h.t, h.conn.Send(msg))
}

func (h *harness) waitFor(kind, correlationID string) protocol.Message {
	h.t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg, ok := <-h.msgs:
			if !ok {
				h.t.Fatalf("transport closed while waiting for %s", kind)
			}
			h.seen = append(h.seen, msg)
			if msg.Kind == kind && msg.CorrelationID == correlationID {
				return msg
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s %s", kind, correlationID)
		}
	}
}

func (h *harness) record(correlationID string) model.SpecRecord {
	h.t.Helper()
	var rec model.SpecRecord
	require.NoError(h.t, h.waitFor(protocol.KindSpecResult, correlationID).Decode(&rec))
	return rec
}

func (h *harness) batch(correlationID string) model.BatchResult {
	h.t.Helper()
	var res model.BatchResult
	require.NoError(h.t, h.waitFor(protocol.KindBatchResult, correlationID).Decode(&res))
	return res
}

func (h *harness) queueStates() []model.QueueState {
	var out []model.QueueState
	for _, msg := range h.seen {
		if msg.Kind != protocol.KindQueueState {
			continue
		}
		var s model.QueueState
		if err := msg.Decode(&s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func TestHandshakeReportsCatalogue(t *testing.T) {
	h := start(t, nil, agent.Options{})

	var ready protocol.Ready
	require.NoError(t, h.waitFor(protocol.KindEngineReady, "").Decode(&ready))

	assert.Equal(t, samples.SystemSamples, ready.SystemName)
	assert.Equal(t, model.ModeBatch, ready.Mode)
	keys := make([]string, len(ready.Fixtures))
	for i, f := range ready.Fixtures {
		keys[i] = f.Key
	}
	assert.Equal(t, []string{"Composite", "Math"}, keys)
	assert.Empty(t, ready.GrammarErrors)
}

func TestRunSpecInline(t *testing.T) {
	h := start(t, nil, agent.Options{})
	h.send(protocol.KindRunSpec, "c1", protocol.RunSpec{SpecID: "echo", Spec: echoSpec("echo", "hi")})

	rec := h.record("c1")
	assert.Equal(t, "echo", rec.Specification.ID)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, model.Counts{Rights: 1}, rec.Counts)
	assert.Equal(t, 1, rec.Attempts)
	assert.NotEmpty(t, rec.Results)
}

func TestRunBatchCompletesEverySpec(t *testing.T) {
	source := newSource(echoSpec("a", "1"), echoSpec("b", "2"), echoSpec("c", "3"))
	h := start(t, source, agent.Options{})
	h.send(protocol.KindRunBatch, "b1", protocol.RunBatch{BatchID: "batch-1", SpecIDs: []string{"a", "b", "c", "a"}})

	res := h.batch("b1")
	assert.Equal(t, "batch-1", res.ID)
	assert.Equal(t, samples.SystemSamples, res.SystemName)
	require.Len(t, res.Records, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, res.Records[i].Specification.ID)
	}
	assert.Equal(t, model.Counts{Rights: 3}, res.Counts)
	assert.False(t, res.Cancelled)
	assert.NotEmpty(t, res.Fixtures)

	states := h.queueStates()
	require.NotEmpty(t, states)
	assert.Equal(t, []string{"a", "b", "c"}, states[0].AllSpecIDs())
	for _, s := range states {
		assert.LessOrEqual(t, len(s.AllSpecIDs()), 3)
	}
}

func TestRunBatchEmpty(t *testing.T) {
	h := start(t, nil, agent.Options{})
	h.send(protocol.KindRunBatch, "b1", protocol.RunBatch{})

	res := h.batch("b1")
	assert.Empty(t, res.Records)
	assert.NotEmpty(t, res.ID)
}

func TestDuplicateRunSpecExecutesOnce(t *testing.T) {
	source := newSource(sleepSpec("slow", "100"))
	h := start(t, source, agent.Options{})
	h.send(protocol.KindRunSpec, "c1", protocol.RunSpec{SpecID: "slow"})
	h.send(protocol.KindRunSpec, "c2", protocol.RunSpec{SpecID: "slow"})

	first := h.record("c1")
	second := h.record("c2")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, source.count("slow"))
}

func TestPlanLevelFailureIsRetried(t *testing.T) {
	source := newSource()
	source.fail = errors.New("disk on fire")
	h := start(t, source, agent.Options{})
	h.send(protocol.KindRunSpec, "c1", protocol.RunSpec{SpecID: "x", MaxRetries: 2})

	rec := h.record("c1")
	assert.Equal(t, model.OutcomeErrored, rec.Outcome)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Contains(t, rec.Error, "disk on fire")
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 3, source.count("x"))
}

func TestCellFailureIsNotRetried(t *testing.T) {
	source := newSource(echoSpec("wrong", "x"))
	source.specs["wrong"].Sections[0].Steps = append(source.specs["wrong"].Sections[0].Steps,
		model.Step{Grammar: "Throw"})
	h := start(t, source, agent.Options{})
	h.send(protocol.KindRunSpec, "c1", protocol.RunSpec{SpecID: "wrong", MaxRetries: 3})

	rec := h.record("c1")
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, 1, source.count("wrong"))
}

func TestRunTimesOut(t *testing.T) {
	h := start(t, nil, agent.Options{})
	h.send(protocol.KindRunSpec, "c1", protocol.RunSpec{SpecID: "slow", Spec: sleepSpec("slow", "5000"), TimeoutMS: 50})

	rec := h.record("c1")
	assert.Equal(t, model.OutcomeTimedOut, rec.Outcome)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Equal(t, "timed out after 50ms", rec.Error)
}

func TestStopCancelsOnlyQueuedItems(t *testing.T) {
	source := newSource(sleepSpec("slow", "300"), echoSpec("a", "1"), echoSpec("b", "2"))
	h := start(t, source, agent.Options{})
	h.send(protocol.KindRunBatch, "b1", protocol.RunBatch{SpecIDs: []string{"slow", "a", "b"}})

	// Wait until slow is running before stopping.
	for {
		msg := h.waitFor(protocol.KindQueueState, "")
		var s model.QueueState
		require.NoError(t, msg.Decode(&s))
		if s.Running == "slow" {
			break
		}
	}
	h.send(protocol.KindStop, "s1", protocol.Stop{})

	var ack protocol.Ack
	require.NoError(t, h.waitFor(protocol.KindAck, "s1").Decode(&ack))
	assert.Equal(t, []string{"a", "b"}, ack.Cancelled)

	res := h.batch("b1")
	assert.True(t, res.Cancelled)
	require.Len(t, res.Records, 3)
	assert.Equal(t, "a", res.Records[0].Specification.ID)
	assert.Equal(t, model.OutcomeCancelled, res.Records[0].Outcome)
	assert.Equal(t, "b", res.Records[1].Specification.ID)
	assert.Equal(t, "slow", res.Records[2].Specification.ID)
	assert.Equal(t, model.OutcomeCompleted, res.Records[2].Outcome)
}

func TestStopShutdownEndsServe(t *testing.T) {
	h := start(t, nil, agent.Options{})
	h.waitFor(protocol.KindEngineReady, "")
	h.send(protocol.KindStop, "s1", protocol.Stop{Shutdown: true})
	h.waitFor(protocol.KindAck, "s1")

	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestServeReturnsWhenControllerGoesAway(t *testing.T) {
	h := start(t, nil, agent.Options{})
	h.waitFor(protocol.KindEngineReady, "")
	h.conn.Close()

	select {
	case err := <-h.served:
		assert.Error(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return after transport closed")
	}
}

func TestUnknownKindIsAcknowledgedWithError(t *testing.T) {
	h := start(t, nil, agent.Options{})
	h.send("dance", "d1", map[string]string{})

	var ack protocol.Ack
	require.NoError(t, h.waitFor(protocol.KindAck, "d1").Decode(&ack))
	assert.Contains(t, ack.Error, "dance")
}

func TestInteractiveModeStreamsProgress(t *testing.T) {
	h := start(t, nil, agent.Options{Mode: model.ModeInteractive})
	h.send(protocol.KindRunSpec, "c1", protocol.RunSpec{SpecID: "echo", Spec: echoSpec("echo", "hi")})
	h.record("c1")

	var progress []protocol.SpecProgress
	for _, msg := range h.seen {
		if msg.Kind != protocol.KindSpecProgress {
			continue
		}
		var p protocol.SpecProgress
		require.NoError(t, msg.Decode(&p))
		progress = append(progress, p)
	}
	require.Len(t, progress, 3, "cell, step and section results")
	assert.Equal(t, model.KindCell, progress[0].Result.Kind)
	assert.Equal(t, model.Counts{Rights: 1}, progress[2].Counts)
}

func TestOversizedResultIsSentWithoutCellResults(t *testing.T) {
	big := strings.Repeat("x", protocol.MaxMessageSize+1<<20)
	source := newSource(echoSpec("big", big))
	h := start(t, source, agent.Options{})

	h.send(protocol.KindRunSpec, "c1", protocol.RunSpec{SpecID: "big"})
	rec := h.record("c1")
	assert.Equal(t, "big", rec.Specification.ID)
	assert.Equal(t, model.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, model.Counts{Rights: 1}, rec.Counts)
	assert.Empty(t, rec.Results)
	assert.Contains(t, rec.Error, "results dropped")

	h.send(protocol.KindRunBatch, "b1", protocol.RunBatch{SpecIDs: []string{"big"}})
	res := h.batch("b1")
	require.Len(t, res.Records, 1)
	assert.Empty(t, res.Records[0].Results)
	assert.Equal(t, model.Counts{Rights: 1}, res.Counts)
}

// lifecycleSystem wraps the sample system with start, per-run and close
// hooks.
type lifecycleSystem struct {
	fixture.System
	startErr   error
	contextErr error

	started  atomic.Int32
	contexts atomic.Int32
	released atomic.Int32
	closed   atomic.Int32
}

func newLifecycleSystem(t *testing.T) *lifecycleSystem {
	t.Helper()
	system, err := samples.Systems().Resolve(samples.SystemSamples)
	require.NoError(t, err)
	return &lifecycleSystem{System: system}
}

func (s *lifecycleSystem) Start(context.Context) error {
	s.started.Add(1)
	return s.startErr
}

func (s *lifecycleSystem) CreateContext(context.Context) (fixture.Services, error) {
	if s.contextErr != nil {
		return nil, s.contextErr
	}
	s.contexts.Add(1)
	return releasingServices{Services: s.System.Services(), released: &s.released}, nil
}

func (s *lifecycleSystem) Close() error {
	s.closed.Add(1)
	return nil
}

type releasingServices struct {
	fixture.Services
	released *atomic.Int32
}

func (r releasingServices) Close() error {
	r.released.Add(1)
	return nil
}

func TestSystemStartFailureIsReportedInHandshake(t *testing.T) {
	system := newLifecycleSystem(t)
	system.startErr = errors.New("database unreachable")
	h := startSystem(t, system, nil, agent.Options{})

	var ready protocol.Ready
	require.NoError(t, h.waitFor(protocol.KindEngineReady, "").Decode(&ready))
	assert.Contains(t, ready.StartupError, "database unreachable")
	assert.Empty(t, ready.Fixtures)

	select {
	case err := <-h.served:
		assert.ErrorIs(t, err, system.startErr)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return after a failed start")
	}
	assert.Equal(t, int32(0), system.closed.Load())
}

func TestSystemHooksWrapServe(t *testing.T) {
	system := newLifecycleSystem(t)
	h := startSystem(t, system, nil, agent.Options{})

	var ready protocol.Ready
	require.NoError(t, h.waitFor(protocol.KindEngineReady, "").Decode(&ready))
	assert.Empty(t, ready.StartupError)
	assert.Equal(t, int32(1), system.started.Load())

	h.send(protocol.KindRunSpec, "c1", protocol.RunSpec{SpecID: "a", Spec: echoSpec("a", "1")})
	h.send(protocol.KindRunSpec, "c2", protocol.RunSpec{SpecID: "b", Spec: echoSpec("b", "2")})
	assert.Equal(t, model.StatusSuccess, h.record("c1").Status)
	assert.Equal(t, model.StatusSuccess, h.record("c2").Status)
	assert.Equal(t, int32(2), system.contexts.Load())
	assert.Equal(t, int32(2), system.released.Load())
	assert.Equal(t, int32(0), system.closed.Load())

	h.send(protocol.KindStop, "s1", protocol.Stop{Shutdown: true})
	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return after shutdown")
	}
	assert.Equal(t, int32(1), system.closed.Load())
}

func TestCreateContextFailureErrorsTheRecord(t *testing.T) {
	system := newLifecycleSystem(t)
	system.contextErr = errors.New("no free tenant")
	h := startSystem(t, system, nil, agent.Options{})

	h.send(protocol.KindRunSpec, "c1", protocol.RunSpec{SpecID: "a", Spec: echoSpec("a", "1"), MaxRetries: 1})
	rec := h.record("c1")
	assert.Equal(t, model.StatusError, rec.Status)
	assert.Equal(t, model.OutcomeErrored, rec.Outcome)
	assert.Contains(t, rec.Error, "no free tenant")
	assert.Equal(t, 2, rec.Attempts)
}
