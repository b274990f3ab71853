package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultActionTimeout = 8 * time.Second
	// Webhook response bodies are stored on the task, so they are capped.
	maxActionBodyBytes = 2000
)

// ActionContext is the task snapshot injected into every action invocation,
// carried to webhooks under the _taskContext key.
type ActionContext struct {
	TaskID   string    `json:"taskId"`
	To       string    `json:"to"`
	Reason   string    `json:"reason"`
	Response *Response `json:"response,omitempty"`
	Selected *Selected `json:"selected,omitempty"`
}

// SendActionFunc re-enters the outbound send path on behalf of a send-mode
// action. It returns the id of the chained task when the payload asked to
// await a response.
type SendActionFunc func(ctx context.Context, req SendRequest, parentTaskID string) (createdTaskID string, err error)

// Runner executes the follow-up actions bound to tasks.
type Runner struct {
	client  *http.Client
	send    SendActionFunc
	timeout time.Duration
}

func NewRunner(actionTimeout time.Duration) *Runner {
	if actionTimeout <= 0 {
		actionTimeout = defaultActionTimeout
	}
	return &Runner{
		client:  &http.Client{},
		timeout: actionTimeout,
	}
}

// SetSendFunc wires the callback used by send-mode actions. The engine sets
// it after construction to break the engine/runner cycle.
func (r *Runner) SetSendFunc(fn SendActionFunc) { r.send = fn }

// Run executes one action and reports its outcome. A nil action returns nil.
func (r *Runner) Run(ctx context.Context, action *Action, actx ActionContext) *ActionOutcome {
	if action == nil {
		return nil
	}
	switch action.Kind() {
	case ActionKindSend:
		return r.runSend(ctx, action, actx)
	case ActionKindWebhook:
		return r.runWebhook(ctx, action, actx)
	case ActionKindNoOp:
		return &ActionOutcome{OK: true, Mode: "none"}
	default:
		return &ActionOutcome{OK: false, Error: "INVALID_ACTION"}
	}
}

// RunWithRetries runs an action up to attempts times with a fixed delay
// between failures, stopping at the first success. The outcome reports how
// many attempts were spent.
func (r *Runner) RunWithRetries(ctx context.Context, action *Action, actx ActionContext, attempts int, delay time.Duration) *ActionOutcome {
	if attempts < 1 {
		attempts = 1
	}
	var last *ActionOutcome
	for attempt := 1; attempt <= attempts; attempt++ {
		last = r.Run(ctx, action, actx)
		if last == nil {
			return nil
		}
		if last.OK {
			last.AttemptsUsed = attempt
			return last
		}
		if attempt < attempts && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				last.AttemptsUsed = attempt
				return last
			}
		}
	}
	last.AttemptsUsed = attempts
	return last
}

func (r *Runner) runSend(ctx context.Context, action *Action, actx ActionContext) *ActionOutcome {
	if r.send == nil {
		return &ActionOutcome{OK: false, Mode: "send", Error: "SEND_UNAVAILABLE"}
	}
	if len(action.Payload) == 0 {
		return &ActionOutcome{OK: false, Error: "ACTION_PAYLOAD_REQUIRED"}
	}

	var req SendRequest
	if err := json.Unmarshal(mustJSON(action.Payload), &req); err != nil {
		return &ActionOutcome{OK: false, Mode: "send", Error: err.Error()}
	}
	if req.To == "" {
		req.To = action.To
	}
	if req.To == "" {
		req.To = actx.To
	}

	createdID, err := r.send(ctx, req, actx.TaskID)
	if err != nil {
		return &ActionOutcome{OK: false, Mode: "send", Error: err.Error()}
	}
	return &ActionOutcome{OK: true, Mode: "send", CreatedTaskID: createdID}
}

func (r *Runner) runWebhook(ctx context.Context, action *Action, actx ActionContext) *ActionOutcome {
	method := strings.ToUpper(strings.TrimSpace(action.Method))
	if method == "" {
		method = http.MethodPost
	}
	timeout := r.timeout
	if action.TimeoutMs > 0 {
		timeout = time.Duration(action.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if method != http.MethodGet {
		payload := make(map[string]any, len(action.Body)+1)
		for k, v := range action.Body {
			payload[k] = v
		}
		payload["_taskContext"] = actx
		reqBody = bytes.NewReader(mustJSON(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method, action.URL, reqBody)
	if err != nil {
		return &ActionOutcome{OK: false, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range action.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &ActionOutcome{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxActionBodyBytes))
	return &ActionOutcome{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   string(body),
	}
}
