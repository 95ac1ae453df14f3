package worker

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"trademark-lead-pipeline/internal/config"
	"trademark-lead-pipeline/internal/fetch"
	"trademark-lead-pipeline/internal/models"
	"trademark-lead-pipeline/internal/store"
	"trademark-lead-pipeline/internal/telemetry"
)

// WorkQueue is the pending-work structure the dispatcher claims from.
type WorkQueue interface {
	Claim(ctx context.Context) (models.WorkItem, error)
	Ack(ctx context.Context, item models.WorkItem) error
	Requeue(ctx context.Context, item models.WorkItem, runAt time.Time) error
	PromoteRetries(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	PendingDepth(ctx context.Context) (int64, error)
}

// ResultStore is the slice of the job store the dispatcher writes outcomes to.
type ResultStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkProcessing(ctx context.Context, id string) error
	CommitResult(ctx context.Context, jobID string, res models.ExtractionResult, attempts int) (store.CommitOutcome, error)
	FailJob(ctx context.Context, id, msg string) error
}

// Fetcher retrieves one raw status document per serial number.
type Fetcher interface {
	Fetch(ctx context.Context, serial string) ([]byte, error)
}

// Extractor turns a raw document into a result.
type Extractor interface {
	Extract(serial string, raw []byte) models.ExtractionResult
}

// Limiter gates request starts against the external source's global quota.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Notifier receives best-effort completion events.
type Notifier interface {
	JobCompleted(ctx context.Context, job models.Job)
	ItemProcessed(ctx context.Context, job models.Job, serial, status string)
}

/// Dispatcher owns the worker pool: it turns active jobs' pending serials into
// committed ExtractionResults at bounded concurrency, respecting the shared
// rate limiter. Per-serial failures are absorbed here and recorded as data;
// only store or source-auth failures escalate to the job.
type Dispatcher struct {
	cfg       config.Config
	queue     WorkQueue
	store     ResultStore
	fetcher   Fetcher
	extractor Extractor
	limiter   Limiter
	notifier  Notifier
	log       *slog.Logger
}

func NewDispatcher(cfg config.Config, q WorkQueue, st ResultStore, f Fetcher, ex Extractor, lim Limiter, n Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg,
		queue:     q,
		store:     st,
		fetcher:   f,
		extractor: ex,
		limiter:   lim,
		notifier:  n,
		log:       logger,
	}
}

// Run starts the housekeeping loop and the worker pool, blocking until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	concurrency := d.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.housekeeping(ctx)
	}()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.runWorker(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// housekeeping promotes due retries, reclaims expired leases, and refreshes
// the pending-depth gauge.
func (d *Dispatcher) housekeeping(ctx context.Context) {
	interval := d.cfg.WorkerPollInterval
	if interval == 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := d.queue.PromoteRetries(ctx, now, int64(d.cfg.RetryBatchSize)); err != nil {
			d.log.Warn("promote retries", "err", err)
		}
		if n, err := d.queue.RequeueExpired(ctx, now, int64(d.cfg.RetryBatchSize)); err != nil {
			d.log.Warn("requeue expired leases", "err", err)
		} else if n > 0 {
			d.log.Info("reclaimed expired leases", "count", n)
		}
		if depth, err := d.queue.PendingDepth(ctx); err == nil {
			telemetry.PendingGauge.Set(float64(depth))
		}
	}
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	interval := d.cfg.WorkerPollInterval
	if interval == 0 {
		interval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := d.queue.Claim(ctx)
		if err != nil {
			d.log.Warn("claim", "err", err)
			sleepCtx(ctx, interval)
			continue
		}
		if item.JobID == "" {
			sleepCtx(ctx, interval)
			continue
		}
		d.process(ctx, item)
	}
}

// process drives one WorkItem from claim to committed outcome.
func (d *Dispatcher) process(ctx context.Context, item models.WorkItem) {
	job, err := d.store.GetJob(ctx, item.JobID)
	if err != nil {
		// Unknown or unreadable job; drop the item rather than spin.
		d.log.Warn("load job for claimed item", "job_id", item.JobID, "err", err)
		_ = d.queue.Ack(ctx, item)
		return
	}
	if job.Done() {
		// Cancellation check before dispatch; anything claimed after a
		// cancel is drained without a fetch.
		_ = d.queue.Ack(ctx, item)
		return
	}
	if job.Status == models.JobPending {
		_ = d.store.MarkProcessing(ctx, item.JobID)
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	waitStart := time.Now()
	if err := d.limiter.Acquire(ctx); err != nil {
		// Shutting down mid-claim; release the lease for the next worker.
		_ = d.queue.Requeue(ctx, item, time.Now())
		return
	}
	if time.Since(waitStart) > 50*time.Millisecond {
		telemetry.RateLimitWaits.Inc()
	}

	raw, err := d.fetcher.Fetch(ctx, item.SerialNumber)
	var res models.ExtractionResult
	switch {
	case err == nil:
		telemetry.Fetches.WithLabelValues("ok").Inc()
		res = d.extractor.Extract(item.SerialNumber, raw)
	case fetch.IsNotFound(err):
		telemetry.Fetches.WithLabelValues("not_found").Inc()
		res = models.ExtractionResult{SerialNumber: item.SerialNumber, Status: models.ResultNotFound}
	case fetch.IsFatal(err):
		// Auth/config rejection: no amount of retrying helps, fail the job.
		telemetry.Fetches.WithLabelValues("fatal").Inc()
		telemetry.JobsFailed.Inc()
		d.log.Error("source rejected credentials, failing job", "job_id", item.JobID, "err", err)
		_ = d.store.FailJob(ctx, item.JobID, err.Error())
		_ = d.queue.Ack(ctx, item)
		return
	case fetch.IsRetryable(err) && item.Attempts < d.cfg.MaxAttempts:
		telemetry.Fetches.WithLabelValues("retryable").Inc()
		telemetry.Retries.Inc()
		backoff := backoffWithJitter(d.cfg.BackoffInitial, d.cfg.BackoffMax, item.Attempts)
		d.log.Info("scheduling retry", "job_id", item.JobID, "serial", item.SerialNumber,
			"attempt", item.Attempts, "backoff", backoff)
		_ = d.queue.Requeue(ctx, item, time.Now().Add(backoff))
		return
	default:
		// Retries exhausted or permanently rejected: a terminal error
		// result, never a job failure.
		telemetry.Fetches.WithLabelValues("error").Inc()
		msg := err.Error()
		res = models.ExtractionResult{SerialNumber: item.SerialNumber, Status: models.ResultError, ErrorMessage: &msg}
	}
	res.Position = item.Position

	outcome, err := d.store.CommitResult(ctx, item.JobID, res, item.Attempts)
	if err != nil {
		// The store is the one failure we cannot absorb as data. Try to
		// fail the job; keep the item leased-for-retry in case the store
		// comes back before anyone notices.
		d.log.Error("commit result", "job_id", item.JobID, "serial", item.SerialNumber, "err", err)
		if ferr := d.store.FailJob(ctx, item.JobID, "job store unavailable: "+err.Error()); ferr != nil {
			_ = d.queue.Requeue(ctx, item, time.Now().Add(d.cfg.BackoffInitial))
			return
		}
		telemetry.JobsFailed.Inc()
		_ = d.queue.Ack(ctx, item)
		return
	}
	_ = d.queue.Ack(ctx, item)
	if outcome.Discarded {
		return
	}

	telemetry.Results.WithLabelValues(res.Status).Inc()
	d.notifier.ItemProcessed(ctx, outcome.Job, item.SerialNumber, res.Status)
	if outcome.JustCompleted {
		telemetry.JobsCompleted.Inc()
		d.log.Info("job completed", "job_id", outcome.Job.ID,
			"succeeded", outcome.Job.Succeeded, "failed", outcome.Job.Failed)
		d.notifier.JobCompleted(ctx, outcome.Job)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
