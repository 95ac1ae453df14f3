package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, visibility time.Duration) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewQueue(client, visibility)
}

func TestClaimRotatesAcrossJobs(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-a", []Item{{0, "111"}, {1, "222"}, {2, "333"}}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := q.Enqueue(ctx, "job-b", []Item{{0, "444"}, {1, "555"}}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	var order []string
	for i := 0; i < 5; i++ {
		item, err := q.Claim(ctx)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if item.JobID == "" {
			t.Fatalf("claim %d: queue unexpectedly empty", i)
		}
		order = append(order, item.JobID)
	}

	// Oldest job first, then alternate while both have pending work.
	want := []string{"job-a", "job-b", "job-a", "job-b", "job-a"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("claim order %v, want %v", order, want)
		}
	}

	if item, err := q.Claim(ctx); err != nil || item.JobID != "" {
		t.Fatalf("expected drained queue, got %+v err=%v", item, err)
	}
}

func TestClaimCarriesAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-a", []Item{{0, "111"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if item.Attempts != 1 || item.SerialNumber != "111" || item.Position != 0 {
		t.Fatalf("unexpected item %+v", item)
	}

	if err := q.Requeue(ctx, item, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n, err := q.PromoteRetries(ctx, time.Now(), 10); err != nil || n != 1 {
		t.Fatalf("promote: n=%d err=%v", n, err)
	}
	item, err = q.Claim(ctx)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if item.Attempts != 2 {
		t.Fatalf("expected attempt 2, got %d", item.Attempts)
	}
}

func TestRequeueExpiredReclaimsLease(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 10*time.Millisecond)

	if err := q.Enqueue(ctx, "job-a", []Item{{0, "111"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Lease not yet expired.
	if n, _ := q.RequeueExpired(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("lease reclaimed too early")
	}
	time.Sleep(20 * time.Millisecond)
	if n, err := q.RequeueExpired(ctx, time.Now(), 10); err != nil || n != 1 {
		t.Fatalf("expected 1 reclaimed, got n=%d err=%v", n, err)
	}
	item, err := q.Claim(ctx)
	if err != nil || item.SerialNumber != "111" {
		t.Fatalf("reclaim after expiry: %+v err=%v", item, err)
	}
	if item.Attempts != 2 {
		t.Fatalf("expected attempt 2 after lease expiry, got %d", item.Attempts)
	}
}

func TestAckReleasesItem(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, 10*time.Millisecond)

	if err := q.Enqueue(ctx, "job-a", []Item{{0, "111"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	item, err := q.Claim(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Ack(ctx, item); err != nil {
		t.Fatalf("ack: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if n, _ := q.RequeueExpired(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("acked item must not be reclaimed")
	}
}

func TestCancelJobDropsPendingWork(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-a", []Item{{0, "111"}, {1, "222"}}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if err := q.Enqueue(ctx, "job-b", []Item{{0, "333"}}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if err := q.CancelJob(ctx, "job-a"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	item, err := q.Claim(ctx)
	if err != nil || item.JobID != "job-b" {
		t.Fatalf("expected job-b claim, got %+v err=%v", item, err)
	}
	if item, _ := q.Claim(ctx); item.JobID != "" {
		t.Fatalf("cancelled job's work was claimable: %+v", item)
	}
}

func TestPendingDepth(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, time.Minute)

	if err := q.Enqueue(ctx, "job-a", []Item{{0, "111"}, {1, "222"}, {2, "333"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, err := q.PendingDepth(ctx); err != nil || n != 3 {
		t.Fatalf("depth=%d err=%v, want 3", n, err)
	}
	if _, err := q.Claim(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n, _ := q.PendingDepth(ctx); n != 2 {
		t.Fatalf("depth=%d, want 2", n)
	}
}
