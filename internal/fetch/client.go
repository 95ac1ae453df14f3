package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Error kinds reported by the client.
const (
	KindTimeout = "timeout"
	KindHTTP    = "http_error"
	KindNetwork = "network_error"
)

// Error classifies a failed status-document fetch so the dispatcher can
// decide between retry, not_found, and failing the whole job.
type Error struct {
	Kind      string
	Status    int
	Retryable bool
	NotFound  bool
	// Fatal marks auth/configuration rejections from the source; these
	// abort the job instead of burning retries.
	Fatal bool
	Err   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tsdr fetch: %s (status %d)", e.Kind, e.Status)
	}
	return fmt.Sprintf("tsdr fetch: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient fetch failure.
func IsRetryable(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Retryable
}

// IsNotFound reports whether the source answered that the serial does not exist.
func IsNotFound(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.NotFound
}

// IsFatal reports whether err indicates a job-level auth/config problem.
func IsFatal(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Fatal
}

// Client retrieves one raw status document per serial number from the TSDR
// endpoint. It holds no pipeline state.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxBody    int64
}

func NewClient(baseURL string, timeout time.Duration, maxBody int64) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxBody == 0 {
		maxBody = 8 * 1024 * 1024
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxBody:    maxBody,
	}
}

// Fetch downloads the status XML for one serial number.
func (c *Client) Fetch(ctx context.Context, serial string) ([]byte, error) {
	url := fmt.Sprintf("%s/sn%s/info.xml", c.baseURL, serial)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, &Error{Kind: KindTimeout, Retryable: true, Err: err}
		}
		return nil, &Error{Kind: KindNetwork, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, NotFound: true}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, Fatal: true}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, Retryable: true}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode, Retryable: true}
	case resp.StatusCode >= 400:
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode}
	}

	limited := io.LimitReader(resp.Body, c.maxBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Retryable: true, Err: err}
	}
	if int64(len(body)) > c.maxBody {
		return nil, &Error{Kind: KindHTTP, Status: resp.StatusCode,
			Err: fmt.Errorf("response too large (>%d bytes)", c.maxBody)}
	}
	return body, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
