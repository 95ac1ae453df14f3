package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"trademark-lead-pipeline/internal/models"
)

// Notifier pushes best-effort job events to an optional webhook so the
// notification subsystem can inform interested parties. Delivery failures
// are logged and swallowed; they never affect job state.
type Notifier struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
}

// New returns a notifier; with an empty URL every call is a no-op.
func New(url string, timeout time.Duration, logger *slog.Logger) *Notifier {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger,
	}
}

type event struct {
	Event string     `json:"event"`
	Job   models.Job `json:"job"`
	// Serial is set on item-level events only.
	Serial string `json:"serial_number,omitempty"`
	Status string `json:"status,omitempty"`
}

// JobCompleted announces that a job reached a terminal count.
func (n *Notifier) JobCompleted(ctx context.Context, job models.Job) {
	n.post(ctx, event{Event: "job_completed", Job: job})
}

// ItemProcessed announces one committed item result.
func (n *Notifier) ItemProcessed(ctx context.Context, job models.Job, serial, status string) {
	n.post(ctx, event{Event: "item_processed", Job: job, Serial: serial, Status: status})
}

func (n *Notifier) post(ctx context.Context, ev event) {
	if n.url == "" {
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("notify: marshal event", "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("notify: build request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.Warn("notify: webhook unreachable", "event", ev.Event, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("notify: webhook rejected event", "event", ev.Event, "status", resp.StatusCode)
	}
}
