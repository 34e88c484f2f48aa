// Package review posts line- and file-scoped comments to a pull request
// review API, with typed failure handling and progressive backoff retry.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// State is one phase of the posting state machine.
type State string

const (
	StateIdle        State = "idle"
	StateSending     State = "sending"
	StateSucceeded   State = "succeeded"
	StateRetrying    State = "retrying"
	StateFailedFatal State = "failed_fatal"
)

// DefaultSchedule is the backoff wait before each retry; exhausting it is terminal.
var DefaultSchedule = []time.Duration{0, 60 * time.Second, 300 * time.Second}

// Request is one annotation to deliver. Line 0 means file-scoped.
type Request struct {
	Path string
	Line int
	Body string
}

// FatalError reports a condition no retry can fix: bad credential or target,
// an exhausted retry schedule, or an unexpected sending failure. It must
// terminate the whole run.
type FatalError struct {
	Status int
	Reason string
}

func (e *FatalError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("annotation posting failed: %s (HTTP %d)", e.Reason, e.Status)
	}
	return fmt.Sprintf("annotation posting failed: %s", e.Reason)
}

// Config wires a Client. Sleep and Progress are injectable for deterministic
// tests; both default to real implementations.
type Config struct {
	BaseURL    string
	Repository string
	PullNumber int
	CommitID   string
	Token      string
	Schedule   []time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Sleep      func(time.Duration)
	Progress   io.Writer
}

// Client posts annotations one at a time; it is not safe for concurrent use
// and does not need to be, the whole run is strictly sequential.
type Client struct {
	cfg   Config
	state State
}

// New constructs a Client with the default schedule and timeout applied.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if cfg.Repository == "" {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg.PullNumber <= 0 {
		return nil, fmt.Errorf("pull request number is required")
	}
	if len(cfg.Schedule) == 0 {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Progress == nil {
		cfg.Progress = os.Stderr
	}
	return &Client{cfg: cfg, state: StateIdle}, nil
}

// State returns the state reached by the most recent posting attempt.
func (c *Client) State() State {
	return c.state
}

// Post delivers one annotation. A 422 on a specific line is reinterpreted as
// "cannot comment on this line" and re-issued file-scoped; a file-scoped 422
// is terminal for the annotation but not an error. The returned status is the
// last HTTP status received.
func (c *Client) Post(req Request) (int, error) {
	return c.post(req, true)
}

// PostAny cycles req through candidate lines in order, treating 422 as "try
// the next candidate" instead of falling back to file scope. The cycle stops
// at the first non-422 outcome. Used for duplicate-key comments, which have
// several lines that may or may not be part of the reviewed diff.
func (c *Client) PostAny(req Request, candidates []int) (int, error) {
	status := http.StatusUnprocessableEntity
	for _, line := range candidates {
		req.Line = line
		var err error
		status, err = c.post(req, false)
		if err != nil {
			return status, err
		}
		if status != http.StatusUnprocessableEntity {
			return status, nil
		}
	}
	return status, nil
}

func (c *Client) post(req Request, fileFallback bool) (int, error) {
	defer func() { c.state = StateIdle }()
	attempt := 0
	for {
		c.state = StateSending
		status, sendErr := c.send(req)
		if sendErr != nil {
			if !isTransient(sendErr) {
				c.state = StateFailedFatal
				return 0, &FatalError{Reason: fmt.Sprintf("unexpected error sending annotation: %v", sendErr)}
			}
			var ok bool
			attempt, ok = c.backoff(attempt)
			if !ok {
				return 0, &FatalError{Reason: "too many retries"}
			}
			continue
		}

		switch disposition(status) {
		case dispositionSucceed:
			c.state = StateSucceeded
			return status, nil
		case dispositionFatal:
			c.state = StateFailedFatal
			return status, &FatalError{Status: status, Reason: "annotation target or credential rejected"}
		case dispositionRejectedLine:
			if fileFallback && req.Line != 0 {
				// The API cannot comment on lines outside the diff; retry
				// the same body against the file as a whole.
				req.Line = 0
				continue
			}
			c.state = StateSucceeded
			fmt.Fprintf(c.cfg.Progress, "annotation for %s rejected with HTTP 422, giving up on it\n", req.Path)
			return status, nil
		default:
			var ok bool
			attempt, ok = c.backoff(attempt)
			if !ok {
				return status, &FatalError{Status: status, Reason: "too many retries"}
			}
		}
	}
}

// backoff waits for the schedule entry at attempt and reports whether another
// try is allowed. Exceeding the schedule length is terminal.
func (c *Client) backoff(attempt int) (int, bool) {
	if attempt >= len(c.cfg.Schedule) {
		c.state = StateFailedFatal
		return attempt, false
	}
	c.state = StateRetrying
	c.wait(c.cfg.Schedule[attempt])
	return attempt + 1, true
}

// wait blocks for the full duration, reporting progress once per second.
func (c *Client) wait(d time.Duration) {
	for remaining := d; remaining > 0; remaining -= time.Second {
		fmt.Fprintf(c.cfg.Progress, "retrying annotation in %ds\n", int(remaining/time.Second))
		step := time.Second
		if remaining < step {
			step = remaining
		}
		c.cfg.Sleep(step)
	}
}

type sendDisposition int

const (
	dispositionSucceed sendDisposition = iota
	dispositionRetry
	dispositionFatal
	dispositionRejectedLine
)

func disposition(status int) sendDisposition {
	switch {
	case status >= 200 && status <= 299:
		return dispositionSucceed
	case status == http.StatusUnauthorized || status == http.StatusNotFound:
		return dispositionFatal
	case status == http.StatusUnprocessableEntity:
		return dispositionRejectedLine
	case status == http.StatusTooManyRequests || status >= 500:
		return dispositionRetry
	default:
		return dispositionFatal
	}
}

// isTransient classifies errors from one send: timeouts and connection
// failures are retried, anything else is unexpected and fatal.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func (c *Client) send(req Request) (int, error) {
	payload := map[string]any{
		"body":      req.Body,
		"commit_id": c.cfg.CommitID,
		"path":      req.Path,
		"side":      "RIGHT",
	}
	if req.Line > 0 {
		payload["line"] = req.Line
	} else {
		payload["subject_type"] = "file"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode annotation request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	url := fmt.Sprintf("%s/repos/%s/pulls/%d/comments", c.cfg.BaseURL, c.cfg.Repository, c.cfg.PullNumber)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build annotation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
