package models

import (
	"time"
)

// JobStatus enumerates batch lifecycle states persisted in Postgres.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// ResultStatus enumerates per-serial outcomes.
const (
	ResultPending     = "pending"
	ResultSuccess     = "success"
	ResultNotFound    = "not_found"
	ResultHasAttorney = "has_attorney"
	ResultError       = "error"
)

// Job represents one batch submission and its aggregate progress.
// Counts are owned by the store and always satisfy
// processed = succeeded + failed <= total.
type Job struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Succeeded    int        `json:"succeeded"`
	Failed       int        `json:"failed"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Done reports whether the job is in a terminal state.
func (j Job) Done() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ExtractionResult is the normalized outcome for one serial number.
// Position is the submission index; duplicate serials in the input keep
// distinct positions so export order matches submission order.
type ExtractionResult struct {
	Position      int     `json:"position"`
	SerialNumber  string  `json:"serial_number"`
	Status        string  `json:"status"`
	OwnerName     *string `json:"owner_name,omitempty"`
	MarkText      *string `json:"mark_text,omitempty"`
	OwnerPhone    *string `json:"owner_phone,omitempty"`
	OwnerEmail    *string `json:"owner_email,omitempty"`
	FilingDate    *string `json:"filing_date,omitempty"`
	AbandonDate   *string `json:"abandon_date,omitempty"`
	AbandonReason *string `json:"abandon_reason,omitempty"`
	// AttorneyName is kept for diagnostics only; has_attorney results
	// carry no other extracted fields.
	AttorneyName *string `json:"attorney_name,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// WorkItem is the transient unit of dispatch. It lives in Redis while
// pending or leased and is discarded once its outcome is committed.
type WorkItem struct {
	JobID        string
	Position     int
	SerialNumber string
	Attempts     int
}
