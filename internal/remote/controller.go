// Package remote supervises an engine running in another process (or
// goroutine) and drives it over the control protocol. A Controller owns
// exactly one engine at a time: it launches it, waits for its handshake,
// correlates every request with its reply and fans unsolicited pushes out to
// subscribers.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/project"
	"github.com/seantiz/specrun/internal/protocol"
)

// Defaults for Options.
const (
	DefaultStartupTimeout = 10 * time.Second

	// gracefulShutdownTimeout is the time an engine is given to exit after a
	// shutdown request, and again after it has been killed.
	gracefulShutdownTimeout = 3 * time.Second

	// exitSettle is how long a handshake read failure waits for the engine's
	// exit status before reporting the read error itself.
	exitSettle = 100 * time.Millisecond
)

// State is the lifecycle state of a Controller.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateDisposed State = "disposed"
)

// validTransitions defines the allowed state machine transitions.
var validTransitions = map[State][]State{
	StateStopped:  {StateStarting, StateDisposed},
	StateStarting: {StateReady, StateStopped, StateDisposed},
	StateReady:    {StateRunning, StateStopped, StateDisposed},
	StateRunning:  {StateReady, StateStopped, StateDisposed},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Options configures a Controller.
type Options struct {
	StartupTimeout time.Duration
	ShutdownGrace  time.Duration
	Logger         *slog.Logger
}

// StartupResult describes an engine that completed its handshake.
type StartupResult struct {
	SystemName    string
	Mode          model.EngineMode
	PID           int
	Fixtures      []model.FixtureModel
	GrammarErrors []model.GrammarError
}

// BatchRequest selects the specifications of a batch. Specs optionally
// carries bodies that replace the engine's own copies.
type BatchRequest struct {
	SpecIDs []string
	Specs   []model.Specification
}

type pendingRequest struct {
	kind    string
	resolve func(protocol.Message, error)
}

// Controller drives one engine for one project.
type Controller struct {
	project  project.Project
	launcher Launcher
	logger   *slog.Logger
	broker   *Broker

	startupTimeout time.Duration
	grace          time.Duration

	mu         sync.Mutex
	state      State
	engine     Engine
	tr         protocol.Transport
	readerDone chan struct{}
	pending    map[string]*pendingRequest
	queueState model.QueueState
	startup    StartupResult
}

// New creates a stopped controller.
func New(p project.Project, launcher Launcher, opts Options) *Controller {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = gracefulShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Controller{
		project:        p,
		launcher:       launcher,
		logger:         opts.Logger,
		broker:         NewBroker(),
		startupTimeout: opts.StartupTimeout,
		grace:          opts.ShutdownGrace,
		state:          StateStopped,
		pending:        make(map[string]*pendingRequest),
	}
}

// Project returns the controller's run configuration.
func (c *Controller) Project() project.Project { return c.project }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Fixtures returns the fixture catalogue announced by the engine.
func (c *Controller) Fixtures() []model.FixtureModel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startup.Fixtures
}

// Startup returns the handshake of the current engine.
func (c *Controller) Startup() StartupResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startup
}

// QueueState returns the engine's last pushed queue state.
func (c *Controller) QueueState() model.QueueState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueState
}

// Subscribe returns a channel of engine pushes of the given kind
// (protocol.KindQueueState or protocol.KindSpecProgress). The channel is
// closed on Dispose or by the returned function.
func (c *Controller) Subscribe(kind string) (<-chan protocol.Message, func()) {
	return c.broker.Subscribe(kind)
}

func (c *Controller) transition(to State) error {
	if !canTransition(c.state, to) {
		return fmt.Errorf("invalid controller state transition: %s -> %s", c.state, to)
	}
	c.state = to
	return nil
}

// Start launches an engine in mode and resolves once it has completed its
// handshake.
func (c *Controller) Start(mode model.EngineMode) *Future[StartupResult] {
	c.mu.Lock()
	switch c.state {
	case StateDisposed:
		c.mu.Unlock()
		return failedFuture[StartupResult](ErrDisposed)
	case StateStopped:
	default:
		c.mu.Unlock()
		return failedFuture[StartupResult](ErrAlreadyStarted)
	}
	c.transition(StateStarting)
	c.queueState = model.QueueState{}
	c.mu.Unlock()

	f := newFuture[StartupResult]()
	go c.start(mode, f)
	return f
}

func (c *Controller) start(mode model.EngineMode, f *Future[StartupResult]) {
	ctx, cancel := context.WithTimeout(context.Background(), c.startupTimeout)
	defer cancel()

	begin := time.Now()
	log := c.logger.With("system", c.project.SystemName, "mode", mode)
	log.Info("starting engine")

	fail := func(err error) {
		c.mu.Lock()
		if c.state == StateStarting {
			c.transition(StateStopped)
		}
		c.mu.Unlock()
		log.Error("engine startup failed", "error", err)
		f.resolve(StartupResult{}, err)
	}

	eng, err := c.launcher.Launch(ctx, LaunchSpec{
		SystemName:  c.project.SystemName,
		Mode:        mode,
		ProjectPath: c.project.Path,
		Timeout:     c.project.SpecTimeout(),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrStartupTimeout
		}
		fail(err)
		return
	}

	ready, err := c.handshake(ctx, eng)
	if err != nil {
		eng.Kill()
		fail(err)
		return
	}

	result := StartupResult{
		SystemName:    ready.SystemName,
		Mode:          ready.Mode,
		PID:           ready.PID,
		Fixtures:      ready.Fixtures,
		GrammarErrors: ready.GrammarErrors,
	}

	c.mu.Lock()
	if c.state != StateStarting {
		// Disposed while starting.
		c.mu.Unlock()
		eng.Kill()
		f.resolve(StartupResult{}, ErrDisposed)
		return
	}
	c.transition(StateReady)
	c.engine = eng
	c.tr = eng.Transport()
	c.startup = result
	c.readerDone = make(chan struct{})
	readerDone := c.readerDone
	c.mu.Unlock()

	go c.read(eng, readerDone)

	startupDuration.Observe(time.Since(begin).Seconds())
	log.Info("engine ready",
		"engine_system", result.SystemName,
		"pid", result.PID,
		"fixtures", len(result.Fixtures),
		"grammar_errors", len(result.GrammarErrors),
		"duration", time.Since(begin),
	)
	f.resolve(result, nil)
}

// handshake waits for the engine's readiness announcement.
func (c *Controller) handshake(ctx context.Context, eng Engine) (protocol.Ready, error) {
	type received struct {
		msg protocol.Message
		err error
	}
	ch := make(chan received, 1)
	go func() {
		msg, err := eng.Transport().Receive()
		ch <- received{msg, err}
	}()

	var ready protocol.Ready
	select {
	case r := <-ch:
		if r.err != nil {
			select {
			case <-eng.Exited():
				return ready, &StartupFaultError{Err: exitReason(eng.ExitErr())}
			case <-time.After(exitSettle):
			}
			return ready, &StartupFaultError{Err: r.err}
		}
		if r.msg.Kind != protocol.KindEngineReady {
			return ready, &StartupFaultError{Err: fmt.Errorf("expected %s, engine sent %s", protocol.KindEngineReady, r.msg.Kind)}
		}
		if err := r.msg.Decode(&ready); err != nil {
			return ready, &StartupFaultError{Err: err}
		}
		if ready.StartupError != "" {
			return ready, &StartupFaultError{Err: errors.New(ready.StartupError)}
		}
		return ready, nil
	case <-eng.Exited():
		return ready, &StartupFaultError{Err: exitReason(eng.ExitErr())}
	case <-ctx.Done():
		return ready, ErrStartupTimeout
	}
}

// read consumes engine traffic until the transport fails.
func (c *Controller) read(eng Engine, done chan struct{}) {
	defer close(done)
	tr := eng.Transport()
	for {
		msg, err := tr.Receive()
		if err != nil {
			c.transportFailed(eng, err)
			return
		}
		if protocol.IsReply(msg.Kind) {
			c.reply(msg)
			continue
		}
		c.push(msg)
	}
}

func (c *Controller) reply(msg protocol.Message) {
	c.mu.Lock()
	p, ok := c.pending[msg.CorrelationID]
	if !ok {
		disposed := c.state == StateDisposed
		c.mu.Unlock()
		if !disposed {
			unmatchedReplies.Inc()
			c.logger.Warn("dropping unmatched reply", "kind", msg.Kind, "correlation_id", msg.CorrelationID)
		}
		return
	}
	delete(c.pending, msg.CorrelationID)
	pendingRequests.Dec()
	if len(c.pending) == 0 && c.state == StateRunning {
		c.transition(StateReady)
	}
	c.mu.Unlock()

	want, _ := protocol.ReplyKind(p.kind)
	if msg.Kind != want {
		reason := fmt.Sprintf("unexpected %s reply", msg.Kind)
		if msg.Kind == protocol.KindAck {
			var ack protocol.Ack
			if err := msg.Decode(&ack); err == nil && ack.Error != "" {
				reason = ack.Error
			}
		}
		requestsTotal.WithLabelValues(p.kind, outcomeRejected).Inc()
		p.resolve(msg, &RejectedError{Kind: p.kind, Reason: reason})
		return
	}
	requestsTotal.WithLabelValues(p.kind, outcomeOK).Inc()
	p.resolve(msg, nil)
}

func (c *Controller) push(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindQueueState:
		var qs model.QueueState
		if err := msg.Decode(&qs); err != nil {
			c.logger.Warn("dropping malformed queue state", "error", err)
			return
		}
		c.mu.Lock()
		c.queueState = qs
		c.mu.Unlock()
	case protocol.KindSpecProgress:
	default:
		c.logger.Debug("ignoring engine push", "kind", msg.Kind)
		return
	}
	c.broker.Publish(msg)
}

// transportFailed fails every pending request and returns the controller to
// stopped. After Dispose the failure is expected and only cleans up.
func (c *Controller) transportFailed(eng Engine, err error) {
	c.mu.Lock()
	if c.state == StateDisposed || c.engine != eng {
		c.mu.Unlock()
		return
	}
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.transition(StateStopped)
	c.engine = nil
	c.tr = nil
	c.queueState = model.QueueState{}
	c.mu.Unlock()

	c.logger.Error("engine transport failed", "error", err, "pending", len(pending))
	eng.Kill()

	terr := &TransportError{Err: err}
	for _, p := range pending {
		pendingRequests.Dec()
		requestsTotal.WithLabelValues(p.kind, outcomeTransport).Inc()
		p.resolve(protocol.Message{}, terr)
	}
}

// send registers a pending request and writes it to the engine. decode
// converts the reply into the future's value.
func send[T any](c *Controller, kind string, payload any, decode func(protocol.Message) (T, error)) *Future[T] {
	correlationID := protocol.NewCorrelationID()
	msg, err := protocol.NewMessage(kind, correlationID, payload)
	if err != nil {
		return failedFuture[T](err)
	}

	f := newFuture[T]()
	p := &pendingRequest{
		kind: kind,
		resolve: func(reply protocol.Message, err error) {
			var zero T
			if err != nil {
				f.resolve(zero, err)
				return
			}
			v, err := decode(reply)
			f.resolve(v, err)
		},
	}

	c.mu.Lock()
	switch c.state {
	case StateDisposed:
		c.mu.Unlock()
		return failedFuture[T](ErrDisposed)
	case StateReady, StateRunning:
	default:
		c.mu.Unlock()
		return failedFuture[T](ErrNotReady)
	}
	c.pending[correlationID] = p
	pendingRequests.Inc()
	if c.state == StateReady {
		c.transition(StateRunning)
	}
	tr, eng := c.tr, c.engine
	c.mu.Unlock()

	c.logger.Debug("sending request", "kind", kind, "correlation_id", correlationID)
	if err := tr.Send(msg); err != nil {
		c.mu.Lock()
		if _, ok := c.pending[correlationID]; ok {
			delete(c.pending, correlationID)
			pendingRequests.Dec()
			requestsTotal.WithLabelValues(kind, outcomeTransport).Inc()
		}
		c.mu.Unlock()
		p.resolve(protocol.Message{}, &TransportError{Err: err})
		c.transportFailed(eng, err)
	}
	return f
}

// StartBatch runs every specification in req as one batch. The future
// resolves once each of them is terminal or the batch was cancelled.
func (c *Controller) StartBatch(req BatchRequest) *Future[model.BatchResult] {
	payload := protocol.RunBatch{
		BatchID:    model.NewID(),
		SpecIDs:    req.SpecIDs,
		Specs:      req.Specs,
		MaxRetries: c.project.MaxRetries,
		TimeoutMS:  int(c.project.SpecTimeout() / time.Millisecond),
	}
	c.logger.Info("starting batch", "batch_id", payload.BatchID, "specs", len(req.SpecIDs))
	return send(c, protocol.KindRunBatch, payload, func(m protocol.Message) (model.BatchResult, error) {
		var res model.BatchResult
		err := m.Decode(&res)
		return res, err
	})
}

// RunSpec runs one specification. A non-nil spec replaces the engine's own
// copy of id.
func (c *Controller) RunSpec(id string, spec *model.Specification) *Future[model.SpecRecord] {
	payload := protocol.RunSpec{
		SpecID:     id,
		Spec:       spec,
		MaxRetries: c.project.MaxRetries,
		TimeoutMS:  int(c.project.SpecTimeout() / time.Millisecond),
	}
	return send(c, protocol.KindRunSpec, payload, func(m protocol.Message) (model.SpecRecord, error) {
		var rec model.SpecRecord
		err := m.Decode(&rec)
		return rec, err
	})
}

// Stop cancels every queued specification that has not started. The future
// resolves with the cancelled ids.
func (c *Controller) Stop() *Future[[]string] {
	return send(c, protocol.KindStop, protocol.Stop{}, func(m protocol.Message) ([]string, error) {
		var ack protocol.Ack
		if len(m.Payload) == 0 {
			return nil, nil
		}
		err := m.Decode(&ack)
		return ack.Cancelled, err
	})
}

// Dispose shuts the engine down and fails every pending request with
// ErrDisposed. The engine is asked to exit, then killed if it has not done so
// within the grace period. Dispose is idempotent.
func (c *Controller) Dispose() error {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return nil
	}
	c.transition(StateDisposed)
	eng, tr, readerDone := c.engine, c.tr, c.readerDone
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.engine, c.tr = nil, nil
	c.mu.Unlock()

	for _, p := range pending {
		pendingRequests.Dec()
		requestsTotal.WithLabelValues(p.kind, outcomeDisposed).Inc()
		p.resolve(protocol.Message{}, ErrDisposed)
	}
	defer c.broker.Close()

	if eng == nil {
		return nil
	}

	log := c.logger.With("pending", len(pending))
	log.Info("disposing engine")

	msg, err := protocol.NewMessage(protocol.KindStop, protocol.NewCorrelationID(), protocol.Stop{Shutdown: true})
	if err == nil {
		go func() {
			if err := tr.Send(msg); err != nil {
				log.Debug("shutdown request not delivered", "error", err)
			}
		}()
	}

	var killErr error
	if !waitExit(eng, readerDone, c.grace) {
		log.Warn("engine did not shut down in time, killing")
		killErr = eng.Kill()
	}
	tr.Close()

	if !waitExit(eng, readerDone, c.grace) {
		log.Error("engine did not exit after kill")
	}
	return killErr
}

// waitExit waits until the engine has exited or closed its side of the
// transport.
func waitExit(eng Engine, readerDone <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-eng.Exited():
		return true
	case <-readerDone:
		return true
	case <-timer.C:
		return false
	}
}
