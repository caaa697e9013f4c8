// Package fiscal coordinates chain admission, submission and status
// reconciliation of fiscal records. Tasks for one entity are admitted
// strictly in order; admitted batches are delivered independently, and
// every entity shares a bounded worker pool.
package fiscal

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/fiscaldoc"
	"github.com/erp/verifactu/internal/infrastructure/logger"
)

// Config holds coordinator configuration
type Config struct {
	Workers           int
	QueueCapacity     int
	MaxAttempts       int
	Backoff           fiscal.Backoff
	PollInterval      time.Duration
	MaxPolls          int
	CallTimeout       time.Duration
	LockTimeout       time.Duration
	RecoveryInterval  time.Duration
	RecoveryBatchSize int
	ValidateDocuments bool
}

// DefaultConfig returns the default coordinator configuration
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueCapacity:     1000,
		MaxAttempts:       fiscal.DefaultMaxAttempts,
		Backoff:           fiscal.DefaultBackoff(),
		PollInterval:      30 * time.Second,
		MaxPolls:          20,
		CallTimeout:       60 * time.Second,
		LockTimeout:       30 * time.Second,
		RecoveryInterval:  time.Minute,
		RecoveryBatchSize: 100,
		ValidateDocuments: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = d.MaxPolls
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.RecoveryBatchSize <= 0 {
		c.RecoveryBatchSize = d.RecoveryBatchSize
	}
	return c
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEntityLocker adds a cross-process lock around chain admission
func WithEntityLocker(l EntityLocker) Option {
	return func(c *Coordinator) {
		c.locker = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithArchive stores every signed document after it was sent
func WithArchive(a fiscal.DocumentArchive) Option {
	return func(c *Coordinator) {
		c.archive = a
	}
}

// WithSchema validates serialized documents against s instead of the
// embedded default
func WithSchema(s *fiscaldoc.Schema) Option {
	return func(c *Coordinator) {
		c.schema = s
	}
}

// Coordinator drives records from admission to a terminal state
type Coordinator struct {
	config    Config
	ledger    fiscal.Ledger
	authority fiscal.Authority
	signer    fiscal.Signer
	locker    EntityLocker
	archive   fiscal.DocumentArchive
	metrics   Metrics
	schema    *fiscaldoc.Schema
	logger    *zap.Logger

	mu           sync.Mutex
	ready        *sync.Cond
	lanes        map[string]*lane
	admissions   []string
	deliveries   []*job
	waiting      map[*job]*time.Timer
	jobs         map[uuid.UUID]*job
	queued       int
	halted       map[string]*fiscal.ChainIntegrityError
	unsavedHalts map[string]*fiscal.ChainIntegrityError
	inFlight     map[uuid.UUID]struct{}
	running      bool
	runCtx       context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// lane orders the admission of one entity's tasks. At most one of them is
// being admitted at a time; delivery happens off the lane.
type lane struct {
	jobs      []*job
	admitting bool
	scheduled bool
}

// NewCoordinator creates a coordinator. A nil signer means documents are
// submitted unsigned through PassthroughSigner.
func NewCoordinator(config Config, ledger fiscal.Ledger, authority fiscal.Authority, signer fiscal.Signer, opts ...Option) *Coordinator {
	if signer == nil {
		signer = PassthroughSigner{}
	}
	c := &Coordinator{
		config:       config.withDefaults(),
		ledger:       ledger,
		authority:    authority,
		signer:       signer,
		metrics:      nopMetrics{},
		logger:       zap.NewNop(),
		lanes:        make(map[string]*lane),
		waiting:      make(map[*job]*time.Timer),
		jobs:         make(map[uuid.UUID]*job),
		halted:       make(map[string]*fiscal.ChainIntegrityError),
		unsavedHalts: make(map[string]*fiscal.ChainIntegrityError),
		inFlight:     make(map[uuid.UUID]struct{}),
	}
	c.ready = sync.NewCond(&c.mu)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start loads halted entities and launches the worker pool and the recovery
// loop. Persisted unfinished work is re-driven immediately.
func (c *Coordinator) Start(ctx context.Context) error {
	halts, err := c.ledger.ListHalts(ctx)
	if err != nil {
		return fmt.Errorf("load halted entities: %w", err)
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	for _, cie := range halts {
		c.halted[cie.EntityID] = cie
	}
	ctx, cancel := context.WithCancel(ctx)
	c.runCtx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.ready.Broadcast()
		c.mu.Unlock()
	})
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.wg.Add(1)
	go c.recoveryLoop(ctx)

	c.logger.Info("Fiscal coordinator started",
		zap.Int("workers", c.config.Workers),
		zap.Int("max_attempts", c.config.MaxAttempts),
		zap.Duration("poll_interval", c.config.PollInterval),
		zap.Int("halted_entities", len(halts)),
	)
	return nil
}

// Stop stops accepting work, cancels queued tasks and waits for in-flight
// ones. A task that already called submit finishes its call and persists
// the outcome; deliveries waiting on a poll or retry timer end with their
// progress saved, and Recover picks them up on the next start.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.cancel()

	var cancelled []*job
	for _, j := range c.jobs {
		if j.started.IsZero() {
			cancelled = append(cancelled, j)
		}
	}
	for _, j := range cancelled {
		c.unqueue(j)
	}
	parked := c.deliveries
	c.deliveries = nil
	for j, t := range c.waiting {
		t.Stop()
		parked = append(parked, j)
	}
	clear(c.waiting)
	runCtx := c.runCtx
	c.mu.Unlock()

	for _, j := range cancelled {
		j.handle.resolve(Result{BatchID: j.batchID, Err: fiscal.ErrTaskCancelled})
	}
	for _, j := range parked {
		c.finish(j, c.result(j.delivery, interrupted(runCtx)))
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("Fiscal coordinator stopped",
			zap.Int("cancelled_tasks", len(cancelled)),
			zap.Int("parked_deliveries", len(parked)),
		)
		return nil
	case <-ctx.Done():
		c.logger.Warn("Fiscal coordinator stop timed out")
		return ctx.Err()
	}
}

// Enqueue validates task and queues it behind the entity's earlier tasks.
// Validation failures and halted entities are reported synchronously; all
// later outcomes arrive on the handle.
func (c *Coordinator) Enqueue(ctx context.Context, task Task) (*Handle, error) {
	header, err := prepare(task)
	if err != nil {
		return nil, err
	}
	task.Header = &header
	task.Records = append([]fiscal.Record(nil), task.Records...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, ErrNotRunning
	}
	if cie, ok := c.halted[task.EntityID]; ok {
		return nil, haltedError(cie)
	}
	if c.queued >= c.config.QueueCapacity {
		return nil, ErrQueueFull
	}

	h := newHandle(uuid.New(), task.EntityID)
	c.pushAdmission(&job{kind: jobAdmit, task: task, handle: h})

	logger.WithLogger(ctx, c.logger).Debug("Fiscal task enqueued",
		zap.String("task_id", h.ID.String()),
		zap.String("entity_id", task.EntityID),
		zap.Int("records", len(task.Records)),
	)
	return h, nil
}

// Cancel removes a task that no worker has picked up yet
func (c *Coordinator) Cancel(taskID uuid.UUID) error {
	c.mu.Lock()
	j, ok := c.jobs[taskID]
	switch {
	case !ok:
		c.mu.Unlock()
		return fiscal.ErrTaskNotFound
	case !j.started.IsZero():
		c.mu.Unlock()
		return fiscal.ErrTaskInFlight
	}
	c.unqueue(j)
	c.mu.Unlock()

	j.handle.resolve(Result{BatchID: j.batchID, Err: fiscal.ErrTaskCancelled})
	return nil
}

// ReleaseHalt lets an entity accept tasks again after an operator has
// investigated its chain integrity failure.
func (c *Coordinator) ReleaseHalt(ctx context.Context, entityID, operator, reason string) error {
	deleted, err := c.ledger.DeleteHalt(ctx, entityID)
	if err != nil {
		return fmt.Errorf("clear halt: %w", err)
	}

	c.mu.Lock()
	cie, ok := c.halted[entityID]
	delete(c.halted, entityID)
	delete(c.unsavedHalts, entityID)
	c.mu.Unlock()

	if !ok && !deleted {
		return ErrNotHalted
	}
	fields := []zap.Field{
		zap.String("entity_id", entityID),
		zap.String("operator", operator),
		zap.String("reason", reason),
	}
	if cie != nil {
		fields = append(fields, zap.String("violation", cie.Error()))
	}
	c.logger.Warn("Chain halt released", fields...)
	return nil
}

// HaltedEntities returns each halted entity with the violation that halted it
func (c *Coordinator) HaltedEntities() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.halted))
	for id, cie := range c.halted {
		out[id] = cie.Error()
	}
	return out
}

// Resubmit re-drives the batch of an exhausted record with a fresh attempt
// budget and a fresh submit call.
func (c *Coordinator) Resubmit(ctx context.Context, entityID, recordID string) (*Handle, error) {
	sub, err := c.ledger.FindByRecord(ctx, entityID, recordID)
	if err != nil {
		return nil, err
	}
	if sub.Status != fiscal.SubmissionStatusError || !sub.Exhausted {
		return nil, fmt.Errorf("%w: record %s is %s", fiscal.ErrInvalidTransition, recordID, sub.Status)
	}

	c.mu.Lock()
	switch {
	case !c.running:
		c.mu.Unlock()
		return nil, ErrNotRunning
	case c.halted[entityID] != nil:
		cie := c.halted[entityID]
		c.mu.Unlock()
		return nil, haltedError(cie)
	case c.queued >= c.config.QueueCapacity:
		c.mu.Unlock()
		return nil, ErrQueueFull
	}
	if _, busy := c.inFlight[sub.BatchID]; busy {
		c.mu.Unlock()
		return nil, fiscal.ErrTaskInFlight
	}
	c.inFlight[sub.BatchID] = struct{}{}
	c.mu.Unlock()

	batch, err := c.ledger.FindBatch(ctx, sub.BatchID)
	if err == nil {
		err = c.resetExhausted(ctx, batch)
	}
	if err != nil {
		c.untrack(sub.BatchID)
		return nil, err
	}

	h := newHandle(uuid.New(), entityID)
	c.mu.Lock()
	if !c.running {
		delete(c.inFlight, sub.BatchID)
		c.mu.Unlock()
		return nil, ErrNotRunning
	}
	c.pushDelivery(&job{kind: jobDeliver, batchID: batch.ID, handle: h})
	c.mu.Unlock()

	c.logger.Warn("Manual resubmission",
		zap.String("entity_id", entityID),
		zap.String("record_id", recordID),
		zap.String("batch_id", batch.ID.String()),
	)
	return h, nil
}

func (c *Coordinator) resetExhausted(ctx context.Context, batch *fiscal.Batch) error {
	for _, s := range batch.Submissions {
		if s.Status != fiscal.SubmissionStatusError || !s.Exhausted {
			continue
		}
		if err := s.Resubmit(); err != nil {
			return err
		}
		if err := c.ledger.Update(ctx, s); err != nil {
			return fmt.Errorf("save submission: %w", err)
		}
		c.metrics.SubmissionTransition(string(s.Status))
	}
	batch.TrackingReference = ""
	if err := c.ledger.UpdateBatch(ctx, batch); err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}

// Recover queues persisted batches that still have work to do and are not
// already being driven. It returns how many batches were queued.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	ids, err := c.ledger.FindRecoverable(ctx, time.Now().UTC(), c.config.RecoveryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find recoverable batches: %w", err)
	}

	queued := 0
	for _, id := range ids {
		c.mu.Lock()
		_, busy := c.inFlight[id]
		c.mu.Unlock()
		if busy {
			continue
		}

		batch, err := c.ledger.FindBatch(ctx, id)
		if err != nil {
			c.logger.Error("Failed to load recoverable batch", zap.String("batch_id", id.String()), zap.Error(err))
			continue
		}

		c.mu.Lock()
		_, busy = c.inFlight[id]
		skip := busy || !c.running || c.halted[batch.EntityID] != nil || c.queued >= c.config.QueueCapacity
		if !skip {
			c.inFlight[id] = struct{}{}
			c.pushDelivery(&job{kind: jobDeliver, batchID: id, handle: newHandle(uuid.New(), batch.EntityID)})
			queued++
		}
		c.mu.Unlock()
	}

	if queued > 0 {
		c.logger.Info("Recovered unfinished fiscal batches", zap.Int("count", queued))
	}
	return queued, nil
}

// RecordStatus reports the latest submission of an entity's record
func (c *Coordinator) RecordStatus(ctx context.Context, entityID, recordID string) (*RecordStatus, error) {
	sub, err := c.ledger.FindByRecord(ctx, entityID, recordID)
	if err != nil {
		return nil, err
	}
	status := newRecordStatus(sub)
	return &status, nil
}

// RecordFilter selects a page of an entity's records
type RecordFilter struct {
	Statuses []fiscal.SubmissionStatus
	Page     int
	PageSize int
}

// ListRecords reports one page of an entity's submissions in chain order
// and how many submissions match the filter. Page is 1-based; a zero
// PageSize lists every match.
func (c *Coordinator) ListRecords(ctx context.Context, entityID string, filter RecordFilter) ([]RecordStatus, int64, error) {
	query := fiscal.SubmissionFilter{Statuses: filter.Statuses}
	if filter.PageSize > 0 {
		query.Limit = filter.PageSize
		query.Offset = (max(filter.Page, 1) - 1) * filter.PageSize
	}
	subs, total, err := c.ledger.ListByEntity(ctx, entityID, query)
	if err != nil {
		return nil, 0, err
	}
	out := make([]RecordStatus, 0, len(subs))
	for _, s := range subs {
		out = append(out, newRecordStatus(s))
	}
	return out, total, nil
}

// ChainHead returns the entity's last committed chain state
func (c *Coordinator) ChainHead(ctx context.Context, entityID string) (fiscal.ChainState, error) {
	return c.ledger.Latest(ctx, entityID)
}

// pushAdmission queues j on its entity's lane. Callers hold c.mu.
func (c *Coordinator) pushAdmission(j *job) {
	entityID := j.handle.EntityID
	l, ok := c.lanes[entityID]
	if !ok {
		l = &lane{}
		c.lanes[entityID] = l
	}
	l.jobs = append(l.jobs, j)
	c.enqueued(j)
	c.schedule(entityID, l)
}

// pushDelivery queues a batch for delivery. Callers hold c.mu and have
// marked the batch in flight.
func (c *Coordinator) pushDelivery(j *job) {
	c.deliveries = append(c.deliveries, j)
	c.enqueued(j)
	c.ready.Signal()
}

func (c *Coordinator) enqueued(j *job) {
	c.jobs[j.handle.ID] = j
	c.queued++
	c.metrics.QueueDepth(c.queued)
}

// schedule offers an idle lane with queued jobs to the workers. Every lane
// in c.admissions has at least one queued job. Callers hold c.mu.
func (c *Coordinator) schedule(entityID string, l *lane) {
	if l.scheduled || l.admitting || len(l.jobs) == 0 {
		return
	}
	l.scheduled = true
	c.admissions = append(c.admissions, entityID)
	c.ready.Signal()
}

// unqueue removes a job no worker has taken yet. Callers hold c.mu.
func (c *Coordinator) unqueue(j *job) {
	switch j.kind {
	case jobAdmit:
		entityID := j.handle.EntityID
		if l, ok := c.lanes[entityID]; ok {
			l.jobs = slices.DeleteFunc(l.jobs, func(o *job) bool { return o == j })
			if len(l.jobs) == 0 {
				c.dropLane(entityID, l)
			}
		}
	case jobDeliver:
		c.deliveries = slices.DeleteFunc(c.deliveries, func(o *job) bool { return o == j })
		delete(c.inFlight, j.batchID)
	}
	delete(c.jobs, j.handle.ID)
	c.queued--
	c.metrics.QueueDepth(c.queued)
}

// dropLane forgets a lane whose queue emptied. Callers hold c.mu.
func (c *Coordinator) dropLane(entityID string, l *lane) {
	if l.scheduled {
		l.scheduled = false
		c.admissions = slices.DeleteFunc(c.admissions, func(id string) bool { return id == entityID })
	}
	if !l.admitting {
		delete(c.lanes, entityID)
	}
}

// next blocks until there is a job to run, preferring admissions so chains
// keep moving while deliveries wait. It returns nil once ctx ends.
func (c *Coordinator) next(ctx context.Context) *job {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ctx.Err() == nil {
		if len(c.admissions) > 0 {
			entityID := c.admissions[0]
			c.admissions = c.admissions[1:]
			l := c.lanes[entityID]
			l.scheduled = false
			l.admitting = true
			j := l.jobs[0]
			l.jobs = l.jobs[1:]
			c.start(j)
			return j
		}
		if len(c.deliveries) > 0 {
			j := c.deliveries[0]
			c.deliveries = c.deliveries[1:]
			c.start(j)
			return j
		}
		c.ready.Wait()
	}
	return nil
}

// start marks j taken the first time a worker picks it. Callers hold c.mu.
func (c *Coordinator) start(j *job) {
	if !j.started.IsZero() {
		return
	}
	j.started = time.Now()
	c.queued--
	c.metrics.QueueDepth(c.queued)
}

// release ends the entity's admission and offers its next queued task
func (c *Coordinator) release(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.lanes[entityID]
	if !ok {
		return
	}
	l.admitting = false
	if len(l.jobs) == 0 {
		delete(c.lanes, entityID)
		return
	}
	c.schedule(entityID, l)
}

// park gives the worker back while a delivery waits for its next poll or
// retry. It reports false once the coordinator is stopping.
func (c *Coordinator) park(j *job, wait time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.runCtx.Err() != nil {
		return false
	}
	c.waiting[j] = time.AfterFunc(wait, func() { c.wake(j) })
	return true
}

func (c *Coordinator) wake(j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.waiting[j]; !ok {
		return
	}
	delete(c.waiting, j)
	c.deliveries = append(c.deliveries, j)
	c.ready.Signal()
}

// finish forgets j and hands its result to the caller
func (c *Coordinator) finish(j *job, res Result) {
	c.mu.Lock()
	delete(c.jobs, j.handle.ID)
	if j.batchID != uuid.Nil {
		delete(c.inFlight, j.batchID)
	}
	c.mu.Unlock()

	c.metrics.TaskFinished(taskOutcome(res), time.Since(j.started))
	j.handle.resolve(res)
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()

	for {
		j := c.next(ctx)
		if j == nil {
			return
		}
		c.run(ctx, j)
	}
}

func (c *Coordinator) recoveryLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		c.syncHalts(ctx)
		if _, err := c.Recover(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("Fiscal recovery pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// syncHalts retries halts that could not be saved and then reloads the
// stored set, picking up halts raised or released by other processes.
func (c *Coordinator) syncHalts(ctx context.Context) {
	c.mu.Lock()
	unsaved := slices.Collect(maps.Values(c.unsavedHalts))
	c.mu.Unlock()

	for _, cie := range unsaved {
		if err := c.ledger.SaveHalt(ctx, cie); err != nil {
			c.logger.Error("Failed to save chain halt", zap.String("entity_id", cie.EntityID), zap.Error(err))
			continue
		}
		c.mu.Lock()
		if c.unsavedHalts[cie.EntityID] == cie {
			delete(c.unsavedHalts, cie.EntityID)
		}
		c.mu.Unlock()
	}

	halts, err := c.ledger.ListHalts(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("Failed to load halted entities", zap.Error(err))
		}
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.halted)
	for _, cie := range halts {
		c.halted[cie.EntityID] = cie
	}
	maps.Copy(c.halted, c.unsavedHalts)
}

func (c *Coordinator) track(batchID uuid.UUID) {
	c.mu.Lock()
	c.inFlight[batchID] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) untrack(batchID uuid.UUID) {
	c.mu.Lock()
	delete(c.inFlight, batchID)
	c.mu.Unlock()
}

func (c *Coordinator) haltedFor(entityID string) *fiscal.ChainIntegrityError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.halted[entityID]
}

// storedHalt consults the shared halt store, which sees halts raised by
// other processes since the last sync
func (c *Coordinator) storedHalt(ctx context.Context, entityID string) (*fiscal.ChainIntegrityError, error) {
	cie, err := c.ledger.FindHalt(ctx, entityID)
	if err != nil || cie == nil {
		return nil, err
	}
	c.mu.Lock()
	c.halted[entityID] = cie
	c.mu.Unlock()
	return cie, nil
}

// halt records and persists the violation and fails every queued task of
// the entity
func (c *Coordinator) halt(ctx context.Context, cie *fiscal.ChainIntegrityError) error {
	saveErr := c.ledger.SaveHalt(context.WithoutCancel(ctx), cie)

	c.mu.Lock()
	c.halted[cie.EntityID] = cie
	if saveErr != nil {
		c.unsavedHalts[cie.EntityID] = cie
	}
	var dropped []*job
	if l, ok := c.lanes[cie.EntityID]; ok {
		dropped = slices.Clone(l.jobs)
	}
	for _, j := range dropped {
		c.unqueue(j)
	}
	c.mu.Unlock()

	c.metrics.ChainHalted()
	c.logger.Error("Chain integrity violation, entity halted",
		zap.String("entity_id", cie.EntityID),
		zap.String("expected", cie.Expected),
		zap.String("actual", cie.Actual),
		zap.String("reason", cie.Reason),
		zap.Int("dropped_tasks", len(dropped)),
	)
	if saveErr != nil {
		c.logger.Error("Failed to save chain halt, retrying on the next recovery pass",
			zap.String("entity_id", cie.EntityID),
			zap.Error(saveErr),
		)
	}
	for _, j := range dropped {
		j.handle.resolve(Result{Err: haltedError(cie)})
	}
	return cie
}

func haltedError(cie *fiscal.ChainIntegrityError) error {
	return fmt.Errorf("%w: %w", fiscal.ErrEntityHalted, cie)
}

// prepare runs every check that needs no I/O
func prepare(task Task) (fiscal.EnvelopeHeader, error) {
	if strings.TrimSpace(task.EntityID) == "" {
		return fiscal.EnvelopeHeader{}, &fiscal.ValidationError{
			Kind: fiscal.ValidationKindMissingField, Field: "entity_id", Message: "value is required",
		}
	}
	if len(task.Records) == 0 {
		return fiscal.EnvelopeHeader{}, &fiscal.ValidationError{
			Kind: fiscal.ValidationKindMissingField, Field: "records", Message: "at least one record is required",
		}
	}
	for i, r := range task.Records {
		if r == nil {
			return fiscal.EnvelopeHeader{}, &fiscal.ValidationError{
				Kind: fiscal.ValidationKindMissingField, Field: "records", Message: fmt.Sprintf("record %d is nil", i),
			}
		}
		if err := r.Validate(); err != nil {
			return fiscal.EnvelopeHeader{}, fmt.Errorf("record %d (%s): %w", i, r.Header().RecordID, err)
		}
	}

	header := fiscal.NewEnvelopeHeader(task.EntityID)
	if task.Header != nil {
		header = *task.Header
	}
	if err := header.Validate(); err != nil {
		return fiscal.EnvelopeHeader{}, err
	}
	if header.IssuerTaxID != task.EntityID {
		return fiscal.EnvelopeHeader{}, &fiscal.ValidationError{
			Kind:    fiscal.ValidationKindInvalidCode,
			Field:   "issuer_tax_id",
			Message: fmt.Sprintf("header issuer %q does not match entity %q", header.IssuerTaxID, task.EntityID),
		}
	}
	if p := task.ExpectedPreviousHash; p != nil && *p != "" && !fiscal.IsHash(*p) {
		return fiscal.EnvelopeHeader{}, &fiscal.ValidationError{
			Kind:    fiscal.ValidationKindInvalidCode,
			Field:   "expected_previous_hash",
			Message: "must be empty or a 64 character lowercase hex digest",
		}
	}
	return header, nil
}
