package fiscal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/fiscaldoc"
	"github.com/erp/verifactu/internal/infrastructure/telemetry"
)

// delivery is the working state of one batch between admission and its
// last authority verdict
type delivery struct {
	batch      *fiscal.Batch
	statusCode string
	polls      int
	// waited is set while the action that follows a poll or retry wait is due
	waited bool
}

func (d *delivery) withStatus(status fiscal.SubmissionStatus) []*fiscal.Submission {
	var out []*fiscal.Submission
	for _, s := range d.batch.Submissions {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

func (d *delivery) settled() int {
	n := 0
	for _, s := range d.batch.Submissions {
		if s.IsTerminal() {
			n++
		}
	}
	return n
}

func (d *delivery) retryable() []*fiscal.Submission {
	var out []*fiscal.Submission
	for _, s := range d.batch.Submissions {
		if s.CanRetry() {
			out = append(out, s)
		}
	}
	return out
}

func (c *Coordinator) run(ctx context.Context, j *job) {
	if j.kind == jobAdmit {
		batch, err := c.admit(ctx, j.task)
		c.release(j.handle.EntityID)
		if err != nil {
			c.finish(j, Result{Err: err})
			return
		}
		j.kind = jobDeliver
		j.batchID = batch.ID
		j.delivery = &delivery{batch: batch}
	}
	if j.delivery == nil {
		d, err := c.load(ctx, j.batchID)
		if err != nil {
			c.finish(j, Result{BatchID: j.batchID, Err: err})
			return
		}
		j.delivery = d
	}
	c.drive(ctx, j)
}

// load picks up a batch chained earlier, after a restart or a manual
// resubmit
func (c *Coordinator) load(ctx context.Context, batchID uuid.UUID) (*delivery, error) {
	batch, err := c.ledger.FindBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("load batch: %w", err)
	}
	if cie := c.haltedFor(batch.EntityID); cie != nil {
		return nil, haltedError(cie)
	}
	if n := len(unconfirmedSubmits(batch)); n > 0 {
		c.logger.Warn("Submitting again after an unconfirmed submit, the authority may report duplicates",
			zap.String("entity_id", batch.EntityID),
			zap.String("batch_id", batch.ID.String()),
			zap.Int("records", n),
		)
	}
	return &delivery{batch: batch}, nil
}

// unconfirmedSubmits returns the Pending submissions whose submit call was
// attempted without its outcome being recorded
func unconfirmedSubmits(batch *fiscal.Batch) []*fiscal.Submission {
	var out []*fiscal.Submission
	for _, s := range batch.Submissions {
		if s.Status == fiscal.SubmissionStatusPending && s.SubmitAttempted {
			out = append(out, s)
		}
	}
	return out
}

// admit chains the task's records onto the entity head and persists the
// batch. It is the only place that moves a chain forward.
func (c *Coordinator) admit(ctx context.Context, task Task) (batch *fiscal.Batch, err error) {
	ctx, span := telemetry.StartSpan(ctx, "coordinator.admit",
		telemetry.WithAttribute(telemetry.SpanAttrEntityID, task.EntityID),
		telemetry.WithAttribute(telemetry.SpanAttrRecordCount, len(task.Records)),
	)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if cie := c.haltedFor(task.EntityID); cie != nil {
		return nil, haltedError(cie)
	}

	if c.locker != nil {
		lockCtx, cancel := context.WithTimeout(ctx, c.config.LockTimeout)
		unlock, err := c.locker.Lock(lockCtx, task.EntityID)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("acquire entity lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("Failed to release entity lock", zap.String("entity_id", task.EntityID), zap.Error(err))
			}
		}()
	}

	stored, err := c.storedHalt(ctx, task.EntityID)
	if err != nil {
		return nil, fmt.Errorf("load halt: %w", err)
	}
	if stored != nil {
		return nil, haltedError(stored)
	}

	state, err := c.ledger.Latest(ctx, task.EntityID)
	if err != nil {
		return nil, fmt.Errorf("load chain state: %w", err)
	}
	if exp := task.ExpectedPreviousHash; exp != nil && *exp != state.PreviousHash {
		return nil, c.halt(ctx, &fiscal.ChainIntegrityError{
			EntityID: task.EntityID,
			Expected: *exp,
			Actual:   state.PreviousHash,
			Reason:   "chain head differs from the expected previous hash",
		})
	}

	chained, head, err := fiscal.ChainRecords(state, task.Records)
	if err != nil {
		return nil, err
	}
	doc, err := fiscaldoc.Serialize(*task.Header, chained)
	if err != nil {
		return nil, err
	}
	if c.config.ValidateDocuments {
		if report := fiscaldoc.Validate(string(doc), c.schema); !report.IsValid {
			return nil, fmt.Errorf("serialized document failed validation: %s", strings.Join(report.Errors, "; "))
		}
	}

	batch = fiscal.NewBatch(task.EntityID, doc, chained, c.config.MaxAttempts)
	c.track(batch.ID)
	if err := c.ledger.Append(ctx, state, batch); err != nil {
		c.untrack(batch.ID)
		if errors.Is(err, fiscal.ErrChainConflict) {
			actual := ""
			if now, lerr := c.ledger.Latest(ctx, task.EntityID); lerr == nil {
				actual = now.PreviousHash
			}
			return nil, c.halt(ctx, &fiscal.ChainIntegrityError{
				EntityID: task.EntityID,
				Expected: state.PreviousHash,
				Actual:   actual,
				Reason:   "chain head moved while the batch was being chained",
			})
		}
		return nil, fmt.Errorf("append batch: %w", err)
	}

	c.metrics.RecordsChained(len(chained))
	for _, s := range batch.Submissions {
		c.metrics.SubmissionTransition(string(s.Status))
	}
	telemetry.SetAttributes(span,
		telemetry.SpanAttrBatchID, batch.ID,
		telemetry.SpanAttrSequence, head.Sequence,
	)
	c.logger.Info("Records chained",
		zap.String("entity_id", task.EntityID),
		zap.String("batch_id", batch.ID.String()),
		zap.Int("records", len(chained)),
		zap.Int64("head_sequence", head.Sequence),
		zap.String("head_hash", head.PreviousHash),
	)
	return batch, nil
}

// drive advances j's delivery until every record is terminal, the poll
// budget is spent, ctx ends, or the delivery has to wait. A waiting delivery
// gives its worker back and is queued again when the wait is over.
// Everything it learns is persisted as it goes.
func (c *Coordinator) drive(ctx context.Context, j *job) {
	d := j.delivery
	ctx, span := telemetry.StartSpan(ctx, "coordinator.deliver",
		telemetry.WithAttribute(telemetry.SpanAttrEntityID, d.batch.EntityID),
		telemetry.WithAttribute(telemetry.SpanAttrBatchID, d.batch.ID),
	)
	defer span.End()

	for {
		if ctx.Err() != nil {
			c.finish(j, c.result(d, interrupted(ctx)))
			return
		}
		wait, done := c.step(ctx, d, span)
		switch {
		case done:
			c.finish(j, c.result(d, nil))
			return
		case wait > 0:
			if !c.park(j, wait) {
				c.finish(j, c.result(d, interrupted(ctx)))
			}
			return
		}
	}
}

// step performs the delivery's next action. It reports how long to wait
// before the following one, or done once nothing is left to do.
func (c *Coordinator) step(ctx context.Context, d *delivery, span trace.Span) (time.Duration, bool) {
	if len(d.withStatus(fiscal.SubmissionStatusPending)) > 0 {
		c.submit(ctx, d)
		return 0, false
	}
	if len(d.withStatus(fiscal.SubmissionStatusSent)) > 0 {
		if d.polls >= c.config.MaxPolls {
			c.logger.Warn("Authority verdict still pending after max polls",
				zap.String("batch_id", d.batch.ID.String()),
				zap.String("tracking_reference", d.batch.TrackingReference),
				zap.Int("polls", d.polls),
			)
			return 0, true
		}
		if !d.waited {
			d.waited = true
			return c.config.PollInterval, false
		}
		d.waited = false
		d.polls++
		c.checkStatus(ctx, d, span)
		return 0, false
	}
	if due := d.retryable(); len(due) > 0 {
		if wait := time.Until(earliestRetry(due)); wait > 0 && !d.waited {
			d.waited = true
			return wait, false
		}
		d.waited = false
		c.resumeErrored(ctx, due)
		return 0, false
	}
	c.logger.Debug("Batch delivery finished",
		zap.String("batch_id", d.batch.ID.String()),
		zap.Int("settled", d.settled()),
		zap.Int("records", len(d.batch.Submissions)),
	)
	return 0, true
}

// submit signs and sends the batch's Pending records. Nothing is sent when
// ctx ends first.
func (c *Coordinator) submit(ctx context.Context, d *delivery) {
	batch := d.batch
	pending := d.withStatus(fiscal.SubmissionStatusPending)

	if batch.SignedDocument == nil {
		signed, err := c.signer.Sign(ctx, batch.EntityID, batch.Document)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(ctx, pending, fmt.Errorf("sign document: %w", err))
			return
		}
		batch.SignedDocument = signed
		c.saveBatch(ctx, batch)
	}
	if ctx.Err() != nil {
		return
	}

	for _, s := range pending {
		s.MarkSubmitAttempted()
	}
	c.save(ctx, pending...)

	// once submit is attempted the call and its outcome must complete
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CallTimeout)
	start := time.Now()
	ack, err := c.authority.Submit(callCtx, batch.EntityID, batch.SignedDocument)
	cancel()
	if err == nil && ack.TrackingReference == "" && ack.Status != fiscal.AckRejected {
		err = fmt.Errorf("%w: %s without tracking reference", fiscal.ErrMalformedAcknowledgment, ack.StatusCode)
	}
	c.metrics.AuthorityCall("submit", callOutcome(ack, err), time.Since(start))
	if err != nil {
		c.fail(ctx, pending, err)
		return
	}

	d.statusCode = ack.StatusCode
	if ack.TrackingReference != "" {
		batch.TrackingReference = ack.TrackingReference
		c.saveBatch(ctx, batch)
	}

	for _, s := range pending {
		var terr error
		switch msgs := ack.ErrorsFor(s.RecordID); {
		case ack.Status == fiscal.AckRejected:
			terr = s.MarkRejected(rejectionMessages(ack, s))
		case ack.Status == fiscal.AckPartiallyAccepted && len(msgs) > 0:
			terr = s.MarkRejected(msgs)
		default:
			terr = s.MarkSent(ack.TrackingReference)
		}
		c.transitioned(s, terr)
	}
	c.save(ctx, pending...)

	c.logger.Info("Batch submitted",
		zap.String("entity_id", batch.EntityID),
		zap.String("batch_id", batch.ID.String()),
		zap.String("status_code", ack.StatusCode),
		zap.String("tracking_reference", ack.TrackingReference),
	)
	if ack.TrackingReference != "" {
		c.archiveBatch(ctx, batch)
	}
}

// checkStatus reads the authority's verdict for the batch's Sent records.
// It never touches chain state.
func (c *Coordinator) checkStatus(ctx context.Context, d *delivery, span trace.Span) {
	batch := d.batch
	sent := d.withStatus(fiscal.SubmissionStatusSent)

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	start := time.Now()
	ack, err := c.authority.CheckStatus(callCtx, batch.EntityID, batch.TrackingReference)
	cancel()
	c.metrics.AuthorityCall("check_status", callOutcome(ack, err), time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(ctx, sent, err)
		return
	}

	telemetry.AddEvent(span, "status_checked",
		telemetry.SpanAttrStatusCode, ack.StatusCode,
		"poll", d.polls,
	)
	if ack.Status == fiscal.AckInProgress {
		return
	}
	d.statusCode = ack.StatusCode
	for _, s := range sent {
		var terr error
		switch msgs := ack.ErrorsFor(s.RecordID); {
		case ack.Status == fiscal.AckRejected:
			terr = s.MarkRejected(rejectionMessages(ack, s))
		case ack.Status == fiscal.AckPartiallyAccepted && len(msgs) > 0:
			terr = s.MarkRejected(msgs)
		default:
			terr = s.MarkVerified()
		}
		c.transitioned(s, terr)
	}
	c.save(ctx, sent...)
}

// fail moves subs to Error after a retryable failure
func (c *Coordinator) fail(ctx context.Context, subs []*fiscal.Submission, cause error) {
	for _, s := range subs {
		c.transitioned(s, s.MarkError(cause.Error(), c.config.Backoff))
		fields := []zap.Field{
			zap.String("entity_id", s.EntityID),
			zap.String("record_id", s.RecordID),
			zap.Int("attempts", s.Attempts),
			zap.Int("max_attempts", s.MaxAttempts),
			zap.Error(cause),
		}
		if s.Exhausted {
			c.logger.Error("Submission retries exhausted", fields...)
		} else {
			c.logger.Warn("Submission failed, will retry", append(fields, zap.Timep("next_retry_at", s.NextRetryAt))...)
		}
	}
	c.save(ctx, subs...)
}

func (c *Coordinator) resumeErrored(ctx context.Context, subs []*fiscal.Submission) {
	for _, s := range subs {
		c.transitioned(s, s.Resume())
	}
	c.save(ctx, subs...)
}

func (c *Coordinator) transitioned(s *fiscal.Submission, err error) {
	if err != nil {
		c.logger.Error("Unexpected submission transition",
			zap.String("record_id", s.RecordID),
			zap.String("status", string(s.Status)),
			zap.Error(err),
		)
		return
	}
	c.metrics.SubmissionTransition(string(s.Status))
}

// save persists submission state even when ctx was cancelled
func (c *Coordinator) save(ctx context.Context, subs ...*fiscal.Submission) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range subs {
		if err := c.ledger.Update(ctx, s); err != nil {
			c.logger.Error("Failed to save submission",
				zap.String("record_id", s.RecordID),
				zap.String("status", string(s.Status)),
				zap.Error(err),
			)
		}
	}
}

func (c *Coordinator) saveBatch(ctx context.Context, batch *fiscal.Batch) {
	if err := c.ledger.UpdateBatch(context.WithoutCancel(ctx), batch); err != nil {
		c.logger.Error("Failed to save batch", zap.String("batch_id", batch.ID.String()), zap.Error(err))
	}
}

func (c *Coordinator) archiveBatch(ctx context.Context, batch *fiscal.Batch) {
	if c.archive == nil {
		return
	}
	if err := c.archive.Archive(context.WithoutCancel(ctx), batch); err != nil {
		c.logger.Warn("Failed to archive signed document",
			zap.String("batch_id", batch.ID.String()),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) result(d *delivery, err error) Result {
	r := Result{BatchID: d.batch.ID, Submissions: make([]fiscal.Submission, 0, len(d.batch.Submissions))}
	var messages []string
	rejected, exhausted := false, false
	for _, s := range d.batch.Submissions {
		r.Submissions = append(r.Submissions, *s)
		switch {
		case s.Status == fiscal.SubmissionStatusRejected:
			rejected = true
			messages = append(messages, s.ErrorMessages...)
		case s.Status == fiscal.SubmissionStatusError && s.Exhausted:
			exhausted = true
		}
	}
	switch {
	case err != nil:
		r.Err = err
	case exhausted:
		r.Err = fmt.Errorf("%w after %d attempts", fiscal.ErrRetriesExhausted, c.config.MaxAttempts)
	case rejected:
		r.Err = &fiscal.AuthorityRejection{StatusCode: d.statusCode, Messages: messages}
	}
	return r
}

func rejectionMessages(ack *fiscal.AckResponse, s *fiscal.Submission) []string {
	if msgs := ack.ErrorsFor(s.RecordID); len(msgs) > 0 {
		return msgs
	}
	return ack.Messages()
}

func earliestRetry(subs []*fiscal.Submission) time.Time {
	var earliest time.Time
	for _, s := range subs {
		if s.NextRetryAt == nil {
			return time.Now()
		}
		if earliest.IsZero() || s.NextRetryAt.Before(earliest) {
			earliest = *s.NextRetryAt
		}
	}
	return earliest
}

func interrupted(ctx context.Context) error {
	return fmt.Errorf("delivery interrupted, progress saved for recovery: %w", context.Cause(ctx))
}

func callOutcome(ack *fiscal.AckResponse, err error) string {
	switch {
	case err == nil:
		return string(ack.Status)
	case errors.Is(err, fiscal.ErrMalformedAcknowledgment):
		return "malformed"
	case fiscal.IsRetryable(err):
		return "transport_error"
	}
	return "error"
}

func taskOutcome(r Result) string {
	switch {
	case r.Err == nil:
		return "completed"
	case fiscal.IsValidationError(r.Err):
		return "invalid"
	case fiscal.IsChainIntegrityError(r.Err):
		return "chain_integrity"
	case errors.Is(r.Err, fiscal.ErrTaskCancelled):
		return "cancelled"
	}
	if class := fiscal.RetryClassOf(r.Err); class != fiscal.RetryClassNone {
		return string(class)
	}
	return "error"
}
