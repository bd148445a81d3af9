// Package agent is the engine side of the control protocol. An Agent serves
// one controller over one transport: it announces its fixture catalogue,
// queues the specifications it is asked to run, executes them one at a time
// and answers every request with exactly one reply.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/specrun/internal/fixture"
	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/protocol"
	"github.com/seantiz/specrun/internal/queue"
)

// DefaultTimeout bounds a single specification run when the request does not
// set one.
const DefaultTimeout = 30 * time.Second

// abandonGrace is how long a timed-out run may take to notice cancellation
// before its record is written without results.
const abandonGrace = 2 * time.Second

// ErrSpecNotFound is returned by SpecSource implementations for unknown ids.
var ErrSpecNotFound = errors.New("specification not found")

// SpecSource loads specification bodies by id.
type SpecSource interface {
	LoadSpecification(ctx context.Context, id string) (*model.Specification, error)
}

// Options configures an Agent.
type Options struct {
	Mode    model.EngineMode
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// Agent executes specifications on behalf of a controller.
type Agent struct {
	system  fixture.System
	source  SpecSource
	mode    model.EngineMode
	timeout time.Duration
	log     logrus.FieldLogger

	tr    protocol.Transport
	queue *queue.Queue
	wake  chan struct{}

	mu       sync.Mutex
	jobs     map[string]*job
	batches  map[string]*batch
	shutdown bool
}

type job struct {
	specID     string
	spec       *model.Specification
	maxRetries int
	timeout    time.Duration
	requests   []string
	batches    []*batch
}

type batch struct {
	correlationID string
	id            string
	pending       map[string]bool
	records       []model.SpecRecord
	cancelled     bool
	started       time.Time
}

// New creates an Agent for system. source may be nil when every request
// carries its specification inline.
func New(system fixture.System, source SpecSource, opts Options) *Agent {
	if opts.Mode == "" {
		opts.Mode = model.ModeBatch
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	return &Agent{
		system:  system,
		source:  source,
		mode:    opts.Mode,
		timeout: opts.Timeout,
		log:     opts.Logger.WithField("system", system.Name()),
		wake:    make(chan struct{}, 1),
		jobs:    make(map[string]*job),
		batches: make(map[string]*batch),
	}
}

// Serve announces readiness on tr and processes requests until a shutdown
// stop request has been honoured, the transport fails or ctx is done. Serve
// takes ownership of tr and closes it before returning. It returns nil after
// a requested shutdown.
func (a *Agent) Serve(ctx context.Context, tr protocol.Transport) error {
	defer tr.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.tr = tr
	a.queue = queue.New(a.pushQueueState)

	if err := fixture.StartSystem(ctx, a.system); err != nil {
		a.log.WithError(err).Error("system failed to start")
		a.send(protocol.KindEngineReady, "", protocol.Ready{
			SystemName:   a.system.Name(),
			Mode:         a.mode,
			PID:          os.Getpid(),
			StartupError: err.Error(),
		})
		return err
	}
	defer func() {
		if err := fixture.CloseSystem(a.system); err != nil {
			a.log.WithError(err).Warn("close system")
		}
	}()

	ready := protocol.Ready{
		SystemName:    a.system.Name(),
		Mode:          a.mode,
		PID:           os.Getpid(),
		Fixtures:      a.system.Library().Catalogue(),
		GrammarErrors: a.system.Library().Errors(),
	}
	if err := a.send(protocol.KindEngineReady, "", ready); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	a.log.WithField("mode", a.mode).Info("engine ready")

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		a.work(ctx)
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- a.read()
	}()

	select {
	case <-workerDone:
		a.log.Info("engine shut down")
		return nil
	case err := <-readErr:
		cancel()
		<-workerDone
		if a.shuttingDown() && protocol.IsClosed(err) {
			return nil
		}
		return fmt.Errorf("read request: %w", err)
	case <-ctx.Done():
		<-workerDone
		return ctx.Err()
	}
}

// read dispatches requests in arrival order until the transport fails.
func (a *Agent) read() error {
	for {
		msg, err := a.tr.Receive()
		if err != nil {
			return err
		}
		a.dispatch(msg)
	}
}

func (a *Agent) dispatch(msg protocol.Message) {
	log := a.log.WithFields(logrus.Fields{"kind": msg.Kind, "correlation_id": msg.CorrelationID})

	switch msg.Kind {
	case protocol.KindRunSpec:
		var req protocol.RunSpec
		if err := msg.Decode(&req); err != nil || req.SpecID == "" {
			log.WithError(err).Warn("rejecting run-spec")
			a.reject(msg, fmt.Sprintf("invalid run-spec: %v", err))
			return
		}
		a.runSpec(msg.CorrelationID, req)
	case protocol.KindRunBatch:
		var req protocol.RunBatch
		if err := msg.Decode(&req); err != nil {
			log.WithError(err).Warn("rejecting run-batch")
			a.reject(msg, fmt.Sprintf("invalid run-batch: %v", err))
			return
		}
		a.runBatch(msg.CorrelationID, req)
	case protocol.KindStop:
		var req protocol.Stop
		if len(msg.Payload) > 0 {
			if err := msg.Decode(&req); err != nil {
				log.WithError(err).Warn("malformed stop payload, treating as plain stop")
			}
		}
		a.stop(msg.CorrelationID, req)
	default:
		log.Warn("unknown request kind")
		a.send(protocol.KindAck, msg.CorrelationID, protocol.Ack{Error: fmt.Sprintf("unknown request kind %q", msg.Kind)})
	}
}

// reject answers a request that could not be decoded with its reply kind.
func (a *Agent) reject(msg protocol.Message, reason string) {
	now := time.Now().UTC()
	switch msg.Kind {
	case protocol.KindRunSpec:
		a.reply(protocol.KindSpecResult, msg.CorrelationID, model.SpecRecord{
			Status:     model.StatusError,
			Outcome:    model.OutcomeErrored,
			Error:      reason,
			FinishedAt: now,
		})
	case protocol.KindRunBatch:
		a.reply(protocol.KindBatchResult, msg.CorrelationID, model.BatchResult{
			ID:         model.NewID(),
			SystemName: a.system.Name(),
			Cancelled:  true,
			StartedAt:  now,
			FinishedAt: now,
		})
	}
}

func (a *Agent) runSpec(correlationID string, req protocol.RunSpec) {
	a.mu.Lock()
	defer a.mu.Unlock()

	j := a.jobFor(req.SpecID, req.Spec, req.MaxRetries, req.TimeoutMS)
	j.requests = append(j.requests, correlationID)
	a.queue.Enqueue(req.SpecID)
}

func (a *Agent) runBatch(correlationID string, req protocol.RunBatch) {
	inline := make(map[string]*model.Specification, len(req.Specs))
	for i := range req.Specs {
		inline[req.Specs[i].ID] = &req.Specs[i]
	}

	b := &batch{
		correlationID: correlationID,
		id:            req.BatchID,
		pending:       make(map[string]bool),
		started:       time.Now().UTC(),
	}
	if b.id == "" {
		b.id = model.NewID()
	}

	a.mu.Lock()
	var ids []string
	for _, id := range req.SpecIDs {
		if id == "" || b.pending[id] {
			continue
		}
		b.pending[id] = true
		j := a.jobFor(id, inline[id], req.MaxRetries, req.TimeoutMS)
		j.batches = append(j.batches, b)
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		a.mu.Unlock()
		a.reply(protocol.KindBatchResult, correlationID, a.batchResult(b))
		return
	}
	a.batches[correlationID] = b
	a.queue.Enqueue(ids...)
	a.mu.Unlock()

	a.log.WithFields(logrus.Fields{"batch_id": b.id, "specs": len(ids)}).Info("batch queued")
}

// jobFor returns the pending job for id, creating it if needed. Callers hold a.mu.
func (a *Agent) jobFor(id string, spec *model.Specification, maxRetries, timeoutMS int) *job {
	if j, ok := a.jobs[id]; ok {
		return j
	}
	j := &job{
		specID:     id,
		spec:       spec,
		maxRetries: maxRetries,
		timeout:    a.timeout,
	}
	if timeoutMS > 0 {
		j.timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	a.jobs[id] = j
	return j
}

func (a *Agent) stop(correlationID string, req protocol.Stop) {
	a.mu.Lock()
	cancelled := a.queue.CancelQueued()
	jobs := make([]*job, 0, len(cancelled))
	for _, id := range cancelled {
		jobs = append(jobs, a.jobs[id])
		delete(a.jobs, id)
	}
	if req.Shutdown {
		a.shutdown = true
	}
	a.mu.Unlock()

	now := time.Now().UTC()
	for _, j := range jobs {
		if j == nil {
			continue
		}
		a.deliver(j, model.SpecRecord{
			Specification: a.summary(j),
			Status:        model.StatusError,
			Outcome:       model.OutcomeCancelled,
			Error:         "cancelled before start",
			FinishedAt:    now,
		})
	}

	a.log.WithFields(logrus.Fields{"cancelled": len(cancelled), "shutdown": req.Shutdown}).Info("stop requested")
	a.send(protocol.KindAck, correlationID, protocol.Ack{Cancelled: cancelled})

	if req.Shutdown {
		select {
		case a.wake <- struct{}{}:
		default:
		}
	}
}

func (a *Agent) shuttingDown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shutdown
}

// work runs queued specifications one at a time.
func (a *Agent) work(ctx context.Context) {
	for {
		if id, ok := a.queue.Next(); ok {
			a.run(ctx, id)
			continue
		}
		if a.shuttingDown() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.queue.Ready():
		case <-a.wake:
		}
	}
}

func (a *Agent) run(ctx context.Context, id string) {
	a.mu.Lock()
	j, ok := a.jobs[id]
	a.mu.Unlock()
	if !ok {
		a.queue.Complete(id)
		return
	}

	log := a.log.WithField("spec_id", id)
	log.Info("running specification")

	policy := queue.RetryPolicy{MaxRetries: j.maxRetries}
	rec := policy.Run(ctx, func(attempt int) model.SpecRecord {
		if attempt > 1 {
			log.WithField("attempt", attempt).Warn("retrying specification")
		}
		return a.execute(ctx, j)
	})

	log.WithFields(logrus.Fields{
		"status":   rec.Status,
		"outcome":  rec.Outcome,
		"attempts": rec.Attempts,
		"counts":   rec.Counts.String(),
	}).Info("specification finished")

	a.mu.Lock()
	delete(a.jobs, id)
	a.queue.Complete(id)
	a.mu.Unlock()

	a.deliver(j, rec)
}

// deliver sends rec to every request waiting on j and completes batches whose
// last item this was.
func (a *Agent) deliver(j *job, rec model.SpecRecord) {
	for _, correlationID := range j.requests {
		a.reply(protocol.KindSpecResult, correlationID, rec)
	}

	var done []*batch
	a.mu.Lock()
	for _, b := range j.batches {
		if !b.pending[j.specID] {
			continue
		}
		delete(b.pending, j.specID)
		b.records = append(b.records, rec)
		if rec.Outcome == model.OutcomeCancelled {
			b.cancelled = true
		}
		if len(b.pending) == 0 {
			delete(a.batches, b.correlationID)
			done = append(done, b)
		}
	}
	a.mu.Unlock()

	for _, b := range done {
		result := a.batchResult(b)
		a.log.WithFields(logrus.Fields{"batch_id": b.id, "records": len(result.Records)}).Info("batch finished")
		a.reply(protocol.KindBatchResult, b.correlationID, result)
	}
}

func (a *Agent) batchResult(b *batch) model.BatchResult {
	result := model.BatchResult{
		ID:         b.id,
		SystemName: a.system.Name(),
		Fixtures:   a.system.Library().Catalogue(),
		Records:    b.records,
		Cancelled:  b.cancelled,
		StartedAt:  b.started,
		FinishedAt: time.Now().UTC(),
	}
	if result.Records == nil {
		result.Records = []model.SpecRecord{}
	}
	for _, r := range result.Records {
		result.Counts.Add(r.Counts)
	}
	return result
}

func (a *Agent) summary(j *job) model.SpecSummary {
	if j.spec != nil {
		return j.spec.Summary()
	}
	return model.SpecSummary{ID: j.specID}
}

func (a *Agent) pushQueueState(s model.QueueState) {
	a.send(protocol.KindQueueState, "", s)
}

// reply sends the terminal reply to a request. A reply too large for one
// frame is resent without its cell results, and failing that the request is
// answered with an error ack so the controller never waits on it forever.
func (a *Agent) reply(kind, correlationID string, payload any) {
	err := a.send(kind, correlationID, payload)
	if !errors.Is(err, protocol.ErrMessageTooLarge) {
		return
	}
	a.log.WithFields(logrus.Fields{"kind": kind, "correlation_id": correlationID}).
		Warn("reply too large, dropping cell results")

	var trimmed any
	switch p := payload.(type) {
	case model.SpecRecord:
		trimmed = withoutResults(p)
	case model.BatchResult:
		records := make([]model.SpecRecord, len(p.Records))
		for i, r := range p.Records {
			records[i] = withoutResults(r)
		}
		p.Records = records
		trimmed = p
	}
	if trimmed != nil {
		err = a.send(kind, correlationID, trimmed)
		if !errors.Is(err, protocol.ErrMessageTooLarge) {
			return
		}
	}
	a.send(protocol.KindAck, correlationID, protocol.Ack{Error: fmt.Sprintf("%s reply: %v", kind, err)})
}

// errResultsDropped is the record error of a record whose results did not fit
// in a frame.
const errResultsDropped = "results dropped: reply exceeds the maximum message size"

func withoutResults(rec model.SpecRecord) model.SpecRecord {
	if len(rec.Results) == 0 {
		return rec
	}
	rec.Results = nil
	if rec.Error == "" {
		rec.Error = errResultsDropped
	} else {
		rec.Error += "; " + errResultsDropped
	}
	return rec
}

func (a *Agent) send(kind, correlationID string, payload any) error {
	msg, err := protocol.NewMessage(kind, correlationID, payload)
	if err != nil {
		a.log.WithError(err).WithField("kind", kind).Error("encode message")
		return err
	}
	if err := a.tr.Send(msg); err != nil {
		a.log.WithError(err).WithField("kind", kind).Warn("send message")
		return err
	}
	return nil
}

// ListenAndServe listens on addr, accepts a single controller connection and
// serves it. The listener is closed once a connection is accepted or ctx is
// done.
func ListenAndServe(ctx context.Context, addr string, a *Agent) error {
	l, err := protocol.Listen(addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	stop := context.AfterFunc(ctx, func() { l.Close() })
	conn, err := l.Accept()
	stop()
	l.Close()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("accept: %w", err)
	}

	a.log.WithField("addr", addr).Info("controller connected")
	return a.Serve(ctx, protocol.NewConn(conn))
}
