package review

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedRequest struct {
	Body        string `json:"body"`
	CommitID    string `json:"commit_id"`
	Path        string `json:"path"`
	Side        string `json:"side"`
	Line        int    `json:"line"`
	SubjectType string `json:"subject_type"`
}

// commentServer replies with the scripted statuses in order, repeating the
// last one, and records every decoded request body.
type commentServer struct {
	mu       sync.Mutex
	statuses []int
	requests []recordedRequest
}

func (s *commentServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var req recordedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.requests = append(s.requests, req)
		status := s.statuses[len(s.statuses)-1]
		if len(s.requests) <= len(s.statuses) {
			status = s.statuses[len(s.requests)-1]
		}
		w.WriteHeader(status)
	})
}

func (s *commentServer) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func newTestClient(t *testing.T, baseURL string, sleeps *[]time.Duration) *Client {
	t.Helper()
	client, err := New(Config{
		BaseURL:    baseURL,
		Repository: "example/clonelists",
		PullNumber: 7,
		CommitID:   "abc123",
		Token:      "token",
		Sleep: func(d time.Duration) {
			if sleeps != nil {
				*sleeps = append(*sleeps, d)
			}
		},
		Progress: io.Discard,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestPostSuccess(t *testing.T) {
	t.Parallel()

	server := &commentServer{statuses: []int{http.StatusCreated}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := newTestClient(t, ts.URL, nil)
	status, err := client.Post(Request{Path: "clonelists/example.json", Line: 12, Body: "fix it"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}

	requests := server.recorded()
	if len(requests) != 1 {
		t.Fatalf("expected one request, got %d", len(requests))
	}
	got := requests[0]
	if got.Line != 12 || got.Side != "RIGHT" || got.CommitID != "abc123" || got.Path != "clonelists/example.json" {
		t.Fatalf("unexpected request payload: %+v", got)
	}
}

func TestRetryScheduleThenSuccess(t *testing.T) {
	t.Parallel()

	server := &commentServer{statuses: []int{
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusOK,
	}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	var sleeps []time.Duration
	var progress bytes.Buffer
	client, err := New(Config{
		BaseURL:    ts.URL,
		Repository: "example/clonelists",
		PullNumber: 7,
		CommitID:   "abc123",
		Token:      "token",
		Sleep:      func(d time.Duration) { sleeps = append(sleeps, d) },
		Progress:   &progress,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	status, err := client.Post(Request{Path: "a.json", Line: 1, Body: "x"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200 after retries, got %d", status)
	}
	if len(server.recorded()) != 4 {
		t.Fatalf("expected four requests, got %d", len(server.recorded()))
	}
	if total := sum(sleeps); total != 360*time.Second {
		t.Fatalf("expected 0s+60s+300s of waiting, got %s", total)
	}
	// The first wait is 0s and reports nothing; the next two count down from
	// 60s and 300s in that order.
	report := progress.String()
	first := strings.Index(report, "retrying annotation in 60s")
	second := strings.Index(report, "retrying annotation in 300s")
	if first < 0 || second < 0 || second < first {
		t.Fatalf("expected 60s wait reported before 300s wait, got:\n%s", report)
	}
}

func TestRetryExhaustionIsFatalWithoutFurtherCalls(t *testing.T) {
	t.Parallel()

	server := &commentServer{statuses: []int{http.StatusInternalServerError}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	var sleeps []time.Duration
	client := newTestClient(t, ts.URL, &sleeps)
	_, err := client.Post(Request{Path: "a.json", Line: 1, Body: "x"})
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError, got %v", err)
	}
	// Three scheduled waits, then the fourth failure is terminal: exactly
	// four requests, no wait after the last one.
	if len(server.recorded()) != 4 {
		t.Fatalf("expected four requests, got %d", len(server.recorded()))
	}
	if total := sum(sleeps); total != 360*time.Second {
		t.Fatalf("expected 0s+60s+300s of waiting, got %s", total)
	}
}

func TestUnauthorizedIsFatal(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusUnauthorized, http.StatusNotFound} {
		server := &commentServer{statuses: []int{status}}
		ts := httptest.NewServer(server.handler())

		client := newTestClient(t, ts.URL, nil)
		got, err := client.Post(Request{Path: "a.json", Line: 1, Body: "x"})
		ts.Close()

		var fatal *FatalError
		if !errors.As(err, &fatal) {
			t.Fatalf("expected FatalError for %d, got %v", status, err)
		}
		if got != status {
			t.Fatalf("expected status %d, got %d", status, got)
		}
		if len(server.recorded()) != 1 {
			t.Fatalf("expected no retry for %d, got %d requests", status, len(server.recorded()))
		}
	}
}

func TestRejectedLineFallsBackToFileScope(t *testing.T) {
	t.Parallel()

	server := &commentServer{statuses: []int{
		http.StatusUnprocessableEntity,
		http.StatusCreated,
	}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := newTestClient(t, ts.URL, nil)
	status, err := client.Post(Request{Path: "a.json", Line: 12, Body: "x"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if status != http.StatusCreated {
		t.Fatalf("expected fallback to succeed, got %d", status)
	}

	requests := server.recorded()
	if len(requests) != 2 {
		t.Fatalf("expected exactly one follow-up request, got %d", len(requests))
	}
	if requests[0].Line != 12 || requests[0].SubjectType != "" {
		t.Fatalf("unexpected first request: %+v", requests[0])
	}
	if requests[1].Line != 0 || requests[1].SubjectType != "file" {
		t.Fatalf("expected file-scoped follow-up, got %+v", requests[1])
	}
}

func TestRejectedFileScopeIsTerminalForAnnotation(t *testing.T) {
	t.Parallel()

	server := &commentServer{statuses: []int{http.StatusUnprocessableEntity}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := newTestClient(t, ts.URL, nil)
	status, err := client.Post(Request{Path: "a.json", Line: 12, Body: "x"})
	if err != nil {
		t.Fatalf("expected rejected annotation to be non-fatal, got %v", err)
	}
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected last status 422, got %d", status)
	}
	if len(server.recorded()) != 2 {
		t.Fatalf("expected line attempt plus one file-scope attempt, got %d", len(server.recorded()))
	}
}

func TestPostAnyCyclesCandidateLines(t *testing.T) {
	t.Parallel()

	server := &commentServer{statuses: []int{
		http.StatusUnprocessableEntity,
		http.StatusUnprocessableEntity,
		http.StatusCreated,
	}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := newTestClient(t, ts.URL, nil)
	status, err := client.PostAny(Request{Path: "a.json", Body: "dupe"}, []int{4, 9, 17, 30})
	if err != nil {
		t.Fatalf("post any: %v", err)
	}
	if status != http.StatusCreated {
		t.Fatalf("expected success on third candidate, got %d", status)
	}

	requests := server.recorded()
	if len(requests) != 3 {
		t.Fatalf("expected cycle to stop at first non-422, got %d requests", len(requests))
	}
	for i, line := range []int{4, 9, 17} {
		if requests[i].Line != line {
			t.Fatalf("expected candidate line %d at position %d, got %+v", line, i, requests[i])
		}
		if requests[i].SubjectType != "" {
			t.Fatalf("cycling must not fall back to file scope: %+v", requests[i])
		}
	}
}

func TestPostAnyStopsOnNon422Failure(t *testing.T) {
	t.Parallel()

	server := &commentServer{statuses: []int{
		http.StatusUnprocessableEntity,
		http.StatusUnauthorized,
	}}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := newTestClient(t, ts.URL, nil)
	_, err := client.PostAny(Request{Path: "a.json", Body: "dupe"}, []int{4, 9, 17})
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected fatal stop on 401, got %v", err)
	}
	if len(server.recorded()) != 2 {
		t.Fatalf("expected the cycle to stop immediately, got %d requests", len(server.recorded()))
	}
}

func TestConnectionFailureRetriesThenFatal(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ts.Close() // nothing listens anymore: every send is a connection failure

	var sleeps []time.Duration
	client := newTestClient(t, ts.URL, &sleeps)
	_, err := client.Post(Request{Path: "a.json", Line: 1, Body: "x"})
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalError after exhausted retries, got %v", err)
	}
	if total := sum(sleeps); total != 360*time.Second {
		t.Fatalf("expected the full backoff schedule, got %s", total)
	}
}

func sum(durations []time.Duration) time.Duration {
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return total
}
