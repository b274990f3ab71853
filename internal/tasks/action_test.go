package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunnerWebhookInjectsTaskContext(t *testing.T) {
	var gotBody map[string]any
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	runner := NewRunner(time.Second)
	outcome := runner.Run(context.Background(), &Action{
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "secret"},
		Body:    map[string]any{"custom": "value"},
	}, ActionContext{
		TaskID:   "task-1",
		To:       "5511999998888@s.whatsapp.net",
		Reason:   "matched",
		Response: &Response{Key: "yes", Text: "Sim"},
	})

	if outcome == nil || !outcome.OK {
		t.Fatalf("Run() = %+v, want ok webhook outcome", outcome)
	}
	if outcome.Status != http.StatusOK {
		t.Fatalf("outcome.Status = %d, want 200", outcome.Status)
	}
	if gotMethod != http.MethodPost {
		t.Fatalf("webhook method = %q, want POST", gotMethod)
	}
	if gotHeader != "secret" {
		t.Fatalf("webhook X-Token = %q, want secret", gotHeader)
	}
	if gotBody["custom"] != "value" {
		t.Fatalf("webhook body custom = %v, want value", gotBody["custom"])
	}
	taskCtx, ok := gotBody["_taskContext"].(map[string]any)
	if !ok {
		t.Fatalf("webhook body _taskContext missing: %v", gotBody)
	}
	if taskCtx["taskId"] != "task-1" || taskCtx["reason"] != "matched" {
		t.Fatalf("_taskContext = %v, want taskId=task-1 reason=matched", taskCtx)
	}
}

func TestRunnerWebhookGETSendsNoBody(t *testing.T) {
	var gotLen int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLen = r.ContentLength
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runner := NewRunner(time.Second)
	outcome := runner.Run(context.Background(), &Action{URL: srv.URL, Method: "get"}, ActionContext{TaskID: "t"})
	if outcome == nil || !outcome.OK {
		t.Fatalf("Run() = %+v, want ok", outcome)
	}
	if gotLen > 0 {
		t.Fatalf("GET request body length = %d, want 0", gotLen)
	}
}

func TestRunnerWebhookTruncatesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 10000)))
	}))
	defer srv.Close()

	runner := NewRunner(time.Second)
	outcome := runner.Run(context.Background(), &Action{URL: srv.URL}, ActionContext{TaskID: "t"})
	if outcome == nil {
		t.Fatalf("Run() = nil, want outcome")
	}
	if len(outcome.Body) != maxActionBodyBytes {
		t.Fatalf("len(outcome.Body) = %d, want %d", len(outcome.Body), maxActionBodyBytes)
	}
}

func TestRunnerWebhookNon2xxIsNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	runner := NewRunner(time.Second)
	outcome := runner.Run(context.Background(), &Action{URL: srv.URL}, ActionContext{TaskID: "t"})
	if outcome == nil || outcome.OK {
		t.Fatalf("Run() = %+v, want not ok", outcome)
	}
	if outcome.Status != http.StatusBadGateway {
		t.Fatalf("outcome.Status = %d, want 502", outcome.Status)
	}
}

func TestRunnerNoOpAndInvalid(t *testing.T) {
	runner := NewRunner(time.Second)

	if outcome := runner.Run(context.Background(), nil, ActionContext{}); outcome != nil {
		t.Fatalf("Run(nil) = %+v, want nil", outcome)
	}

	outcome := runner.Run(context.Background(), &Action{Mode: "none"}, ActionContext{})
	if outcome == nil || !outcome.OK || outcome.Mode != "none" {
		t.Fatalf("Run(none) = %+v, want ok none", outcome)
	}

	outcome = runner.Run(context.Background(), &Action{Mode: "dance"}, ActionContext{})
	if outcome == nil || outcome.OK || outcome.Error != "INVALID_ACTION" {
		t.Fatalf("Run(invalid) = %+v, want INVALID_ACTION", outcome)
	}
}

func TestRunnerSendAction(t *testing.T) {
	runner := NewRunner(time.Second)
	var gotReq SendRequest
	var gotParent string
	runner.SetSendFunc(func(_ context.Context, req SendRequest, parentTaskID string) (string, error) {
		gotReq = req
		gotParent = parentTaskID
		return "child-task", nil
	})

	outcome := runner.Run(context.Background(), &Action{
		Mode:    "send",
		Payload: map[string]any{"text": "segue o link"},
	}, ActionContext{TaskID: "parent", To: "5511999998888@s.whatsapp.net"})

	if outcome == nil || !outcome.OK || outcome.Mode != "send" {
		t.Fatalf("Run(send) = %+v, want ok send", outcome)
	}
	if outcome.CreatedTaskID != "child-task" {
		t.Fatalf("outcome.CreatedTaskID = %q, want child-task", outcome.CreatedTaskID)
	}
	if gotParent != "parent" {
		t.Fatalf("parent task id = %q, want parent", gotParent)
	}
	if gotReq.To != "5511999998888@s.whatsapp.net" {
		t.Fatalf("send request To = %q, want the task recipient", gotReq.To)
	}
	if gotReq.Text != "segue o link" {
		t.Fatalf("send request Text = %q", gotReq.Text)
	}
}

func TestRunnerSendActionMissingPayload(t *testing.T) {
	runner := NewRunner(time.Second)
	runner.SetSendFunc(func(context.Context, SendRequest, string) (string, error) {
		t.Fatalf("send func called for empty payload")
		return "", nil
	})

	outcome := runner.Run(context.Background(), &Action{Mode: "send"}, ActionContext{TaskID: "t"})
	if outcome == nil || outcome.OK || outcome.Error != "ACTION_PAYLOAD_REQUIRED" {
		t.Fatalf("Run(send, no payload) = %+v, want ACTION_PAYLOAD_REQUIRED", outcome)
	}
}

func TestRunWithRetriesStopsAtFirstSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runner := NewRunner(time.Second)
	outcome := runner.RunWithRetries(context.Background(), &Action{URL: srv.URL}, ActionContext{TaskID: "t"}, 5, time.Millisecond)
	if outcome == nil || !outcome.OK {
		t.Fatalf("RunWithRetries() = %+v, want ok", outcome)
	}
	if outcome.AttemptsUsed != 3 {
		t.Fatalf("outcome.AttemptsUsed = %d, want 3", outcome.AttemptsUsed)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("webhook calls = %d, want 3", got)
	}
}

func TestRunWithRetriesExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	runner := NewRunner(time.Second)
	outcome := runner.RunWithRetries(context.Background(), &Action{URL: srv.URL}, ActionContext{TaskID: "t"}, 3, time.Millisecond)
	if outcome == nil || outcome.OK {
		t.Fatalf("RunWithRetries() = %+v, want failed outcome", outcome)
	}
	if outcome.AttemptsUsed != 3 {
		t.Fatalf("outcome.AttemptsUsed = %d, want 3", outcome.AttemptsUsed)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("webhook calls = %d, want 3", got)
	}
}

func TestRunnerSendActionError(t *testing.T) {
	runner := NewRunner(time.Second)
	runner.SetSendFunc(func(context.Context, SendRequest, string) (string, error) {
		return "", errors.New("gateway is not connected")
	})

	outcome := runner.Run(context.Background(), &Action{
		Mode:    "send",
		Payload: map[string]any{"text": "oi"},
	}, ActionContext{TaskID: "t", To: "5511999998888@s.whatsapp.net"})
	if outcome == nil || outcome.OK {
		t.Fatalf("Run(send) = %+v, want failure", outcome)
	}
	if outcome.Error != "gateway is not connected" {
		t.Fatalf("outcome.Error = %q", outcome.Error)
	}
}
