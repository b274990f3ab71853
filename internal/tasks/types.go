package tasks

import (
	"encoding/json"
	"time"

	"github.com/IsaacDeMelo/botwpp/internal/wa"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAttending  TaskStatus = "attending"
	TaskStatusPersistent TaskStatus = "persistent"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusExpired    TaskStatus = "expired"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ExpectedEntry is one acceptable inbound reply: a structural key (button id,
// list row id), human-readable aliases, and an optional follow-up action.
type ExpectedEntry struct {
	Key     string   `json:"key"`
	Aliases []string `json:"aliases"`
	Action  *Action  `json:"action,omitempty"`
}

// ActionKind is the resolved variant of an Action.
type ActionKind int

const (
	ActionKindInvalid ActionKind = iota
	ActionKindSend
	ActionKindWebhook
	ActionKindNoOp
)

// Action describes the follow-up behavior bound to a matched or timed-out
// task. Mode "send" re-enters the outbound send path with Payload; a URL
// makes it a webhook call; mode "none" is an explicit no-op.
type Action struct {
	Mode      string            `json:"mode,omitempty"`
	To        string            `json:"to,omitempty"`
	Payload   map[string]any    `json:"payload,omitempty"`
	URL       string            `json:"url,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      map[string]any    `json:"body,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`
}

// Kind resolves the action variant. Explicit mode wins over URL sniffing so
// a send action may still carry a URL inside its payload.
func (a *Action) Kind() ActionKind {
	if a == nil {
		return ActionKindInvalid
	}
	switch a.Mode {
	case "send":
		return ActionKindSend
	case "none":
		return ActionKindNoOp
	default:
		if a.URL != "" {
			return ActionKindWebhook
		}
		return ActionKindInvalid
	}
}

// OnTimeout wraps the action executed when a non-persistent task expires
// without being matched.
type OnTimeout struct {
	Action *Action `json:"action,omitempty"`
}

// Response is the structured reply parsed out of a raw inbound message.
type Response struct {
	Key              string `json:"key"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
}

// Selected records which expected entry a response matched.
type Selected struct {
	Key     string   `json:"key"`
	Aliases []string `json:"aliases"`
}

// ActionOutcome is the result of one action invocation.
type ActionOutcome struct {
	OK            bool   `json:"ok"`
	Mode          string `json:"mode,omitempty"`
	Status        int    `json:"status,omitempty"`
	Body          string `json:"body,omitempty"`
	Error         string `json:"error,omitempty"`
	CreatedTaskID string `json:"createdTaskId,omitempty"`
	AttemptsUsed  int    `json:"attemptsUsed,omitempty"`
}

// ActionResult accumulates action outcomes on a task: the match-time outcome
// and, separately, the timeout-path outcome.
type ActionResult struct {
	Matched *ActionOutcome `json:"matched,omitempty"`
	Timeout *ActionOutcome `json:"timeout,omitempty"`
}

// Task is a single outstanding or historical correlation between an outbound
// prompt and an expected inbound reply.
type Task struct {
	ID              string          `json:"id"`
	Status          TaskStatus      `json:"status"`
	To              string          `json:"to"`
	Scope           wa.Scope        `json:"scope"`
	RequestBodyType string          `json:"requestBodyType,omitempty"`
	SentMessageID   string          `json:"sentMessageId,omitempty"`
	Expected        []ExpectedEntry `json:"expected"`
	OnTimeout       *OnTimeout      `json:"onTimeout,omitempty"`
	Selected        *Selected       `json:"selected,omitempty"`
	Response        *Response       `json:"response,omitempty"`
	ActionResult    *ActionResult   `json:"actionResult,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	CreatedAtMs     int64           `json:"createdAtMs"`
	ExpiresAt       *time.Time      `json:"expiresAt,omitempty"`
	ExpiresAtMs     int64           `json:"expiresAtMs,omitempty"`
	TimeoutMs       int64           `json:"timeoutMs,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	AttendingAt     *time.Time      `json:"attendingAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	ExpiredAt       *time.Time      `json:"expiredAt,omitempty"`
	CancelledAt     *time.Time      `json:"cancelledAt,omitempty"`
	TriggerCount    int             `json:"triggerCount"`
	LastTriggeredAt *time.Time      `json:"lastTriggeredAt,omitempty"`
	Notes           string          `json:"notes,omitempty"`
}

// Terminal reports whether the task reached a final status.
func (t Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusExpired, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Open reports whether the task is a temporary task still awaiting a match
// or mid-processing.
func (t Task) Open() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusAttending
}

// Matchable reports whether an inbound message may still correlate with the
// task.
func (t Task) Matchable() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusPersistent
}

// ActiveStatus reports whether the status counts as active for replica
// reconciliation (pending, attending or persistent).
func ActiveStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusPending, TaskStatusAttending, TaskStatusPersistent:
		return true
	default:
		return false
	}
}

func (t Task) Clone() Task {
	out := t
	if t.Expected != nil {
		out.Expected = make([]ExpectedEntry, len(t.Expected))
		copy(out.Expected, t.Expected)
	}
	return out
}

// ResolveExpiresAtMs computes the effective expiry instant in unix
// milliseconds, preferring the explicit millisecond stamp, then the wall
// timestamp, then creation time plus timeout. Zero means the task never
// expires.
func (t Task) ResolveExpiresAtMs() int64 {
	if t.ExpiresAtMs > 0 {
		return t.ExpiresAtMs
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.IsZero() {
		return t.ExpiresAt.UnixMilli()
	}
	if t.TimeoutMs <= 0 {
		return 0
	}
	if t.CreatedAtMs > 0 {
		return t.CreatedAtMs + t.TimeoutMs
	}
	if !t.CreatedAt.IsZero() {
		return t.CreatedAt.UnixMilli() + t.TimeoutMs
	}
	return 0
}

// TerminalAt returns the timestamp retention sweeps measure age from.
func (t Task) TerminalAt() time.Time {
	switch {
	case t.CompletedAt != nil:
		return *t.CompletedAt
	case t.ExpiredAt != nil:
		return *t.ExpiredAt
	case t.CancelledAt != nil:
		return *t.CancelledAt
	case !t.UpdatedAt.IsZero():
		return t.UpdatedAt
	default:
		return t.CreatedAt
	}
}

// AwaitResponse is the correlation request attached to an outbound send.
// TimeoutMs keeps its raw JSON form: an absent field means "use the service
// default", while an explicit null, false or non-positive number means
// "never expires".
type AwaitResponse struct {
	TimeoutMs  json.RawMessage `json:"timeoutMs,omitempty"`
	Persistent bool            `json:"persistent,omitempty"`
	Expected   []ExpectedEntry `json:"expected,omitempty"`
	OnTimeout  *OnTimeout      `json:"onTimeout,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

// SendRequest is the outbound send payload accepted by the engine and by
// send-mode actions.
type SendRequest struct {
	To            string         `json:"to"`
	Type          string         `json:"type,omitempty"`
	Text          string         `json:"text,omitempty"`
	Content       map[string]any `json:"content,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
	AwaitResponse *AwaitResponse `json:"awaitResponse,omitempty"`
}

// SendResult is what the transport reports for a delivered message.
type SendResult struct {
	To        string `json:"to"`
	MessageID string `json:"messageId"`
}
