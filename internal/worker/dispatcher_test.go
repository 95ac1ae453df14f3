package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trademark-lead-pipeline/internal/config"
	"trademark-lead-pipeline/internal/fetch"
	"trademark-lead-pipeline/internal/models"
	"trademark-lead-pipeline/internal/store"
)

// fakeQueue is an in-memory WorkQueue with the same single-claimer guarantee
// as the Redis queue.
type fakeQueue struct {
	mu       sync.Mutex
	pending  []models.WorkItem
	retries  []retryEntry
	attempts map[string]int
}

type retryEntry struct {
	item  models.WorkItem
	runAt time.Time
}

func newFakeQueue(jobID string, serials []string) *fakeQueue {
	q := &fakeQueue{attempts: make(map[string]int)}
	for pos, sn := range serials {
		q.pending = append(q.pending, models.WorkItem{JobID: jobID, Position: pos, SerialNumber: sn})
	}
	return q
}

func (q *fakeQueue) key(it models.WorkItem) string {
	return fmt.Sprintf("%s|%d", it.JobID, it.Position)
}

func (q *fakeQueue) Claim(context.Context) (models.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return models.WorkItem{}, nil
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	q.attempts[q.key(it)]++
	it.Attempts = q.attempts[q.key(it)]
	return it, nil
}

func (q *fakeQueue) Ack(_ context.Context, it models.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.attempts, q.key(it))
	return nil
}

func (q *fakeQueue) Requeue(_ context.Context, it models.WorkItem, runAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries = append(q.retries, retryEntry{item: it, runAt: runAt})
	return nil
}

func (q *fakeQueue) PromoteRetries(_ context.Context, now time.Time, _ int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due int
	var keep []retryEntry
	for _, r := range q.retries {
		if r.runAt.After(now) {
			keep = append(keep, r)
			continue
		}
		it := r.item
		it.Attempts = 0
		q.pending = append(q.pending, it)
		due++
	}
	q.retries = keep
	return due, nil
}

func (q *fakeQueue) RequeueExpired(context.Context, time.Time, int64) (int, error) {
	return 0, nil
}

func (q *fakeQueue) PendingDepth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

// fakeStore mirrors the real store's commit semantics: counts recomputed
// per commit, discard once the job is terminal, completion on the last item.
type fakeStore struct {
	mu    sync.Mutex
	job   models.Job
	items map[int]models.ExtractionResult
}

func newFakeStore(jobID string, total int) *fakeStore {
	return &fakeStore{
		job:   models.Job{ID: jobID, Status: models.JobPending, Total: total, CreatedAt: time.Now()},
		items: make(map[int]models.ExtractionResult),
	}
}

func (s *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.job.ID {
		return models.Job{}, store.ErrNotFound
	}
	return s.job, nil
}

func (s *fakeStore) MarkProcessing(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.ID == id && s.job.Status == models.JobPending {
		s.job.Status = models.JobProcessing
	}
	return nil
}

func (s *fakeStore) FailJob(_ context.Context, id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job.ID == id && !s.job.Done() {
		s.job.Status = models.JobFailed
		s.job.ErrorMessage = &msg
	}
	return nil
}

func (s *fakeStore) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.job.Status = models.JobCancelled
}

func (s *fakeStore) CommitResult(_ context.Context, jobID string, res models.ExtractionResult, _ int) (store.CommitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jobID != s.job.ID {
		return store.CommitOutcome{}, store.ErrNotFound
	}
	if s.job.Status == models.JobCancelled || s.job.Status == models.JobFailed {
		return store.CommitOutcome{Discarded: true}, nil
	}
	s.items[res.Position] = res

	var processed, succeeded, failed int
	for _, it := range s.items {
		processed++
		if it.Status == models.ResultError {
			failed++
		} else {
			succeeded++
		}
	}
	s.job.Processed, s.job.Succeeded, s.job.Failed = processed, succeeded, failed
	just := false
	if processed == s.job.Total && s.job.Status != models.JobCompleted {
		s.job.Status = models.JobCompleted
		just = true
	}
	return store.CommitOutcome{JustCompleted: just, Job: s.job}, nil
}

func (s *fakeStore) snapshot() (models.Job, map[int]models.ExtractionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make(map[int]models.ExtractionResult, len(s.items))
	for k, v := range s.items {
		items[k] = v
	}
	return s.job, items
}

// flakyFetcher fails a serial transiently a configured number of times
// before succeeding.
type flakyFetcher struct {
	mu       sync.Mutex
	failures map[string]int
	calls    atomic.Int64
	block    chan struct{} // when set, fetches wait here
	started  atomic.Int64
}

func (f *flakyFetcher) Fetch(_ context.Context, serial string) ([]byte, error) {
	f.calls.Add(1)
	f.started.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	remaining := f.failures[serial]
	if remaining > 0 {
		f.failures[serial] = remaining - 1
		f.mu.Unlock()
		return nil, &fetch.Error{Kind: fetch.KindHTTP, Status: 503, Retryable: true}
	}
	f.mu.Unlock()
	return []byte("<doc/>"), nil
}

type staticExtractor struct{}

func (staticExtractor) Extract(serial string, _ []byte) models.ExtractionResult {
	owner := "Owner of " + serial
	return models.ExtractionResult{SerialNumber: serial, Status: models.ResultSuccess, OwnerName: &owner}
}

type noopLimiter struct{}

func (noopLimiter) Acquire(ctx context.Context) error { return ctx.Err() }

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	items     int
}

func (n *recordingNotifier) JobCompleted(_ context.Context, job models.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, job.ID)
}

func (n *recordingNotifier) ItemProcessed(context.Context, models.Job, string, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items++
}

func testConfig() config.Config {
	return config.Config{
		WorkerConcurrency:  10,
		MaxAttempts:        3,
		BackoffInitial:     time.Millisecond,
		BackoffMax:         2 * time.Millisecond,
		WorkerPollInterval: 2 * time.Millisecond,
		RetryBatchSize:     100,
	}
}

func TestDispatcherCompletesLargeJob(t *testing.T) {
	const total = 500
	serials := make([]string, total)
	failures := make(map[string]int)
	for i := range serials {
		serials[i] = fmt.Sprintf("SN%05d", i)
		if i%10 == 0 {
			// Every tenth serial fails transiently twice before succeeding.
			failures[serials[i]] = 2
		}
	}

	st := newFakeStore("job-1", total)
	q := newFakeQueue("job-1", serials)
	fetcher := &flakyFetcher{failures: failures}
	notifier := &recordingNotifier{}

	d := NewDispatcher(testConfig(), q, st, fetcher, staticExtractor{}, noopLimiter{}, notifier, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	deadline := time.After(20 * time.Second)
	for {
		job, _ := st.snapshot()
		if job.Status == models.JobCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job did not complete: %+v", job)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	job, items := st.snapshot()
	if job.Processed != total || job.Succeeded != total || job.Failed != 0 {
		t.Fatalf("counts processed=%d succeeded=%d failed=%d, want %d/%d/0",
			job.Processed, job.Succeeded, job.Failed, total, total)
	}
	if job.Processed != job.Succeeded+job.Failed {
		t.Fatalf("count invariant violated: %+v", job)
	}
	if len(items) != total {
		t.Fatalf("expected %d results, got %d", total, len(items))
	}
	for pos := 0; pos < total; pos++ {
		res, ok := items[pos]
		if !ok {
			t.Fatalf("position %d has no result", pos)
		}
		if res.SerialNumber != serials[pos] {
			t.Fatalf("position %d holds serial %s, want %s", pos, res.SerialNumber, serials[pos])
		}
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.completed) != 1 {
		t.Fatalf("expected exactly one completion event, got %d", len(notifier.completed))
	}
}

func TestDispatcherExhaustsRetriesIntoErrorResult(t *testing.T) {
	st := newFakeStore("job-1", 1)
	q := newFakeQueue("job-1", []string{"SN1"})
	fetcher := &flakyFetcher{failures: map[string]int{"SN1": 100}}

	d := NewDispatcher(testConfig(), q, st, fetcher, staticExtractor{}, noopLimiter{}, &recordingNotifier{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for {
		job, _ := st.snapshot()
		if job.Status == models.JobCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job did not finish: %+v", job)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	job, items := st.snapshot()
	if job.Failed != 1 || job.Succeeded != 0 {
		t.Fatalf("expected one failed item, got %+v", job)
	}
	if items[0].Status != models.ResultError {
		t.Fatalf("expected error result, got %s", items[0].Status)
	}
	// Three attempts total: the initial one plus two retries.
	if got := fetcher.calls.Load(); got != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", got)
	}
}

func TestDispatcherFatalFetchFailsJob(t *testing.T) {
	st := newFakeStore("job-1", 2)
	q := newFakeQueue("job-1", []string{"SN1", "SN2"})
	fetcher := &fatalFetcher{}

	d := NewDispatcher(testConfig(), q, st, fetcher, staticExtractor{}, noopLimiter{}, &recordingNotifier{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		job, _ := st.snapshot()
		if job.Status == models.JobFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job was not failed: %+v", job)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	job, _ := st.snapshot()
	if job.ErrorMessage == nil {
		t.Fatal("failed job should carry an error message")
	}
}

type fatalFetcher struct{}

func (fatalFetcher) Fetch(context.Context, string) ([]byte, error) {
	return nil, &fetch.Error{Kind: fetch.KindHTTP, Status: 403, Fatal: true}
}

func TestDispatcherCancellationDiscardsResults(t *testing.T) {
	const total = 100
	serials := make([]string, total)
	for i := range serials {
		serials[i] = fmt.Sprintf("SN%03d", i)
	}

	st := newFakeStore("job-1", total)
	q := newFakeQueue("job-1", serials)
	cfg := testConfig()
	cfg.WorkerConcurrency = 5
	fetcher := &flakyFetcher{failures: map[string]int{}, block: make(chan struct{})}

	d := NewDispatcher(cfg, q, st, fetcher, staticExtractor{}, noopLimiter{}, &recordingNotifier{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	// Wait until the full worker pool is in flight, then cancel the job.
	deadline := time.After(5 * time.Second)
	for fetcher.started.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("workers never got in flight")
		case <-time.After(time.Millisecond):
		}
	}
	st.Cancel()
	close(fetcher.block)

	// Let the in-flight items drain, then stop the pool.
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	job, items := st.snapshot()
	if job.Status != models.JobCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	// Results landing after cancellation are discarded, so at most the five
	// already in flight may have been committed.
	if len(items) > 5 {
		t.Fatalf("expected at most 5 committed results, got %d", len(items))
	}
	if job.Processed != len(items) {
		t.Fatalf("counts diverge from results: processed=%d items=%d", job.Processed, len(items))
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	for attempt := 1; attempt < 20; attempt++ {
		if b := backoffWithJitter(base, max, attempt); b > max {
			t.Fatalf("attempt %d exceeded max: %s", attempt, b)
		}
	}
}
