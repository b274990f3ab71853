package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IsaacDeMelo/botwpp/internal/observability"
	"github.com/IsaacDeMelo/botwpp/internal/wa"
)

var (
	ErrTaskNotFound               = errors.New("task not found")
	ErrExpectedRequired           = errors.New("await response requires at least one expected entry")
	ErrPersistentExpectedRequired = errors.New("persistent command requires at least one expected entry")
	ErrInvalidAction              = errors.New("action has no recognized mode or url")
	ErrActionPayloadRequired      = errors.New("send action requires a payload")
	ErrUnsupportedMessageType     = errors.New("unsupported message type")
	ErrInvalidPayload             = errors.New("payload has no sendable content")
)

const DefaultTaskTimeout = 20 * time.Second

// Sender is the transport boundary the engine pushes outbound messages
// through.
type Sender interface {
	Send(ctx context.Context, jid string, content map[string]any, options map[string]any) (messageID string, err error)
}

// Engine correlates outbound sends with expected inbound replies. All task
// state lives in the store; the engine reads it fresh on every operation.
type Engine struct {
	store   Store
	sender  Sender
	runner  *Runner
	metrics *observability.Metrics

	defaultTimeout time.Duration
	debug          bool
}

func NewEngine(store Store, sender Sender, runner *Runner, metrics *observability.Metrics, defaultTimeout time.Duration, debug bool) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTaskTimeout
	}
	e := &Engine{
		store:          store,
		sender:         sender,
		runner:         runner,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
		debug:          debug,
	}
	runner.SetSendFunc(e.sendAction)
	return e
}

// Runner exposes the engine's action runner to the scheduler.
func (e *Engine) Runner() *Runner { return e.runner }

// SendResponse pairs the transport result with the correlation task created
// for it, when the request asked to await a response.
type SendResponse struct {
	Sent SendResult `json:"sent"`
	Task *Task      `json:"task,omitempty"`
}

// Send delivers an outbound message and, when the request declares
// awaitResponse, registers the correlation task for it.
func (e *Engine) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	return e.send(ctx, req, "")
}

func (e *Engine) send(ctx context.Context, req SendRequest, parentTaskID string) (SendResponse, error) {
	to, err := wa.NormalizeJID(req.To)
	if err != nil {
		return SendResponse{}, err
	}
	content, err := buildContent(req)
	if err != nil {
		return SendResponse{}, err
	}

	messageID, err := e.sender.Send(ctx, to, content, req.Options)
	if err != nil {
		return SendResponse{}, err
	}
	sent := SendResult{To: to, MessageID: messageID}

	task, err := e.CreateFromSend(ctx, req, sent, parentTaskID)
	if err != nil {
		return SendResponse{}, err
	}
	return SendResponse{Sent: sent, Task: task}, nil
}

// sendAction is the re-entry point used by send-mode actions.
func (e *Engine) sendAction(ctx context.Context, req SendRequest, parentTaskID string) (string, error) {
	resp, err := e.send(ctx, req, parentTaskID)
	if err != nil {
		return "", err
	}
	if resp.Task == nil {
		return "", nil
	}
	return resp.Task.ID, nil
}

// buildContent resolves the transport content for a send request. An
// explicit type wins; with no type, a lone text field becomes a text
// message and a structured content object becomes an interactive one.
func buildContent(req SendRequest) (map[string]any, error) {
	switch strings.ToLower(strings.TrimSpace(req.Type)) {
	case "text":
		text := req.Text
		if text == "" && req.Content != nil {
			if v, ok := req.Content["text"].(string); ok {
				text = v
			}
		}
		if text == "" {
			return nil, ErrInvalidPayload
		}
		return map[string]any{"text": text}, nil
	case "interactive", "media":
		if len(req.Content) == 0 {
			return nil, ErrInvalidPayload
		}
		return req.Content, nil
	case "", "auto":
		if req.Text != "" && len(req.Content) == 0 {
			return map[string]any{"text": req.Text}, nil
		}
		if len(req.Content) > 0 {
			return req.Content, nil
		}
		return nil, ErrInvalidPayload
	default:
		return nil, ErrUnsupportedMessageType
	}
}

// CreateFromSend registers the correlation task declared by a delivered
// send. Returns nil when the request carried no awaitResponse.
func (e *Engine) CreateFromSend(ctx context.Context, req SendRequest, sent SendResult, parentTaskID string) (*Task, error) {
	cfg := req.AwaitResponse
	if cfg == nil {
		return nil, nil
	}

	toRaw := req.To
	if toRaw == "" {
		toRaw = sent.To
	}
	to, err := wa.NormalizeJID(toRaw)
	if err != nil {
		return nil, err
	}

	ttl := resolveTimeout(cfg.TimeoutMs, e.defaultTimeout, cfg.Persistent)

	expected := cfg.Expected
	if len(expected) == 0 {
		expected = InferExpectedFromContent(req.Content)
	}
	expected = normalizeExpected(expected)
	if len(expected) == 0 {
		return nil, ErrExpectedRequired
	}
	if err := validateExpectedActions(expected, cfg.OnTimeout); err != nil {
		return nil, err
	}

	if !cfg.Persistent {
		e.cancelOtherTemporaries(ctx, to, parentTaskID, "new_temporary_task_created")
	}

	now := time.Now().UTC()
	status := TaskStatusPending
	if cfg.Persistent {
		status = TaskStatusPersistent
	}

	task := Task{
		ID:              uuid.NewString(),
		Status:          status,
		To:              to,
		Scope:           wa.ScopeOf(to),
		RequestBodyType: requestBodyType(req),
		SentMessageID:   sent.MessageID,
		Expected:        expected,
		OnTimeout:       cfg.OnTimeout,
		CreatedAt:       now,
		CreatedAtMs:     now.UnixMilli(),
		UpdatedAt:       now,
		Notes:           cfg.Notes,
	}
	if ttl > 0 {
		task.TimeoutMs = ttl.Milliseconds()
		expires := now.Add(ttl)
		task.ExpiresAt = &expires
		task.ExpiresAtMs = expires.UnixMilli()
	}

	if err := e.store.Save(ctx, task); err != nil {
		return nil, err
	}
	e.countTaskEvent("created")
	log.Printf("TASK_CREATED id=%s status=%s to=%s sentMessageId=%s timeoutMs=%d",
		task.ID, task.Status, task.To, orDash(task.SentMessageID), task.TimeoutMs)
	return &task, nil
}

func requestBodyType(req SendRequest) string {
	if req.Type != "" {
		return req.Type
	}
	return "auto"
}

// CreatePersistentCommand registers a standing command: a non-expiring task
// that keeps matching until cancelled.
func (e *Engine) CreatePersistentCommand(ctx context.Context, to string, expected []ExpectedEntry, action *Action, notes string) (Task, error) {
	normalized, err := wa.NormalizeJID(to)
	if err != nil {
		return Task{}, err
	}
	items := normalizeExpected(expected)
	if len(items) == 0 {
		return Task{}, ErrPersistentExpectedRequired
	}
	if action != nil {
		for i := range items {
			if items[i].Action == nil {
				items[i].Action = action
			}
		}
	}
	if err := validateExpectedActions(items, nil); err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()
	task := Task{
		ID:              uuid.NewString(),
		Status:          TaskStatusPersistent,
		To:              normalized,
		Scope:           wa.ScopeOf(normalized),
		RequestBodyType: "persistent_command",
		Expected:        items,
		CreatedAt:       now,
		CreatedAtMs:     now.UnixMilli(),
		UpdatedAt:       now,
		Notes:           notes,
	}
	if err := e.store.Save(ctx, task); err != nil {
		return Task{}, err
	}
	e.countTaskEvent("created")
	return task, nil
}

// validateExpectedActions rejects malformed actions at creation time, so a
// bad action surfaces to the caller instead of failing silently on match.
func validateExpectedActions(expected []ExpectedEntry, onTimeout *OnTimeout) error {
	check := func(a *Action) error {
		if a == nil {
			return nil
		}
		switch a.Kind() {
		case ActionKindSend:
			if len(a.Payload) == 0 {
				return ErrActionPayloadRequired
			}
		case ActionKindInvalid:
			return ErrInvalidAction
		}
		return nil
	}
	for i := range expected {
		if err := check(expected[i].Action); err != nil {
			return err
		}
	}
	if onTimeout != nil {
		if err := check(onTimeout.Action); err != nil {
			return err
		}
	}
	return nil
}

// resolveTimeout interprets the raw timeoutMs field: absent means the
// service default, an explicit null/false/non-positive value means never,
// and persistent tasks never expire regardless.
func resolveTimeout(raw json.RawMessage, fallback time.Duration, persistent bool) time.Duration {
	if persistent {
		return 0
	}
	trimmed := strings.TrimSpace(string(raw))
	switch trimmed {
	case "":
		return fallback
	case "null", "false":
		return 0
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return fallback
	}
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// cancelOtherTemporaries supersedes every open temporary task on the same
// recipient, annotating each with the cancellation reason.
func (e *Engine) cancelOtherTemporaries(ctx context.Context, to, exceptID, reason string) {
	all, err := e.store.GetAll(ctx)
	if err != nil {
		log.Printf("tasks: supersession scan failed: %v", err)
		return
	}
	now := time.Now().UTC()
	cancelled := TaskStatusCancelled
	for _, t := range all {
		if !t.Open() || t.To != to || (exceptID != "" && t.ID == exceptID) {
			continue
		}
		notes := joinNotes(t.Notes, "auto_cancel_reason:"+reason)
		_, err := e.store.Update(ctx, t.ID, Patch{
			Status:      &cancelled,
			CancelledAt: &now,
			Notes:       &notes,
		})
		if err != nil {
			log.Printf("tasks: supersede %s failed: %v", t.ID, err)
			continue
		}
		e.countTaskEvent("cancelled")
	}
}

func joinNotes(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " | ")
}

// OnInbound processes one batch of raw inbound envelopes. Failures on one
// message never interrupt the rest of the batch.
func (e *Engine) OnInbound(ctx context.Context, rawMessages [][]byte) {
	for _, raw := range rawMessages {
		e.handleInbound(ctx, raw)
	}
}

func (e *Engine) handleInbound(ctx context.Context, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("tasks: inbound handler panic: %v", r)
		}
	}()

	msg, ok := ParseInbound(raw)
	if !ok || msg.FromMe || msg.SenderJID == "" {
		return
	}
	if msg.Response == nil {
		e.logTaskRelated(msg.SenderJID, "<no-parseable-content>", false)
		return
	}
	response := msg.Response

	sender, err := wa.NormalizeJID(msg.SenderJID)
	if err != nil {
		sender = strings.ToLower(msg.SenderJID)
	}

	all, err := e.store.GetAll(ctx)
	if err != nil {
		log.Printf("tasks: inbound store read failed: %v", err)
		return
	}

	// GetAll is newest-first, so candidate slices inherit recency order.
	var active, pending []Task
	for _, t := range all {
		if t.Matchable() {
			active = append(active, t)
			if t.Status == TaskStatusPending {
				pending = append(pending, t)
			}
		}
	}

	var candidates []Task
	if response.ReplyToMessageID != "" {
		for _, t := range pending {
			if t.SentMessageID != "" && t.SentMessageID == response.ReplyToMessageID {
				candidates = append(candidates, t)
			}
		}
	}
	if len(candidates) == 0 {
		for _, t := range active {
			if wa.SameActor(t.To, sender) {
				candidates = append(candidates, t)
			}
		}
	}
	if len(candidates) == 0 {
		var byExpected []Task
		for _, t := range active {
			if matchExpected(t.Expected, response) != nil {
				byExpected = append(byExpected, t)
			}
		}
		// Only an unambiguous expected-match may claim a message with no
		// thread or actor relation.
		if len(byExpected) == 1 {
			candidates = byExpected
			e.logDebug("fallback_by_expected task=%s sender=%s", byExpected[0].ID, sender)
		}
	}

	e.logTaskRelated(msg.SenderJID, firstNonEmpty(response.Text, response.Key, "<no-content>"), len(candidates) > 0)
	e.logDebug("msg sender=%s key=%s text=%s stanza=%s active=%d candidates=%d",
		sender, orDash(response.Key), orDash(response.Text), orDash(response.ReplyToMessageID), len(active), len(candidates))

	now := time.Now().UTC()
	for _, task := range candidates {
		if task.Status == TaskStatusPending {
			if expiresMs := task.ResolveExpiresAtMs(); expiresMs > 0 && expiresMs <= now.UnixMilli() {
				expired := TaskStatusExpired
				if _, err := e.store.Update(ctx, task.ID, Patch{Status: &expired, ExpiredAt: &now}); err != nil {
					log.Printf("tasks: lazy expire %s failed: %v", task.ID, err)
				} else {
					e.countTaskEvent("expired")
				}
				continue
			}
		}

		matched := matchExpected(task.Expected, response)
		if matched == nil {
			continue
		}
		e.completeMatch(ctx, task, *matched, response)
		return
	}
}

// completeMatch claims the task, runs its matched action and records the
// final state. The claim write happens before the action so a duplicate
// inbound event cannot fire the same action twice.
func (e *Engine) completeMatch(ctx context.Context, task Task, matched ExpectedEntry, response *Response) {
	now := time.Now().UTC()
	if task.Status == TaskStatusPending {
		attending := TaskStatusAttending
		claimed, err := e.store.Update(ctx, task.ID, Patch{Status: &attending, AttendingAt: &now})
		if err != nil {
			log.Printf("tasks: claim %s failed: %v", task.ID, err)
			return
		}
		task = claimed
	}

	actx := ActionContext{
		TaskID:   task.ID,
		To:       task.To,
		Reason:   "matched",
		Response: response,
		Selected: &Selected{Key: matched.Key, Aliases: matched.Aliases},
	}
	var result *ActionResult
	if outcome := e.runner.Run(ctx, matched.Action, actx); outcome != nil {
		result = &ActionResult{Matched: outcome}
		e.countActionRun(outcome)
	}

	triggerCount := task.TriggerCount + 1
	selected := &Selected{Key: matched.Key, Aliases: matched.Aliases}
	patch := Patch{
		Selected:        selected,
		Response:        response,
		LastTriggeredAt: &now,
		TriggerCount:    &triggerCount,
	}
	if result != nil {
		patch.ActionResult = result
	}

	if task.Status == TaskStatusPersistent {
		// A persistent command owns the conversation: any temporary task
		// on the same recipient is superseded by the trigger.
		e.cancelOtherTemporaries(ctx, task.To, task.ID, "persistent_command_triggered")
		persistent := TaskStatusPersistent
		patch.Status = &persistent
		if _, err := e.store.Update(ctx, task.ID, patch); err != nil {
			log.Printf("tasks: persistent trigger update %s failed: %v", task.ID, err)
		}
		e.countTaskEvent("persistent_triggered")
		return
	}

	completed := TaskStatusCompleted
	patch.Status = &completed
	patch.CompletedAt = &now
	if _, err := e.store.Update(ctx, task.ID, patch); err != nil {
		log.Printf("tasks: complete %s failed: %v", task.ID, err)
		return
	}
	e.countTaskEvent("completed")
}

// Cancel moves any non-terminal task to cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) (Task, error) {
	task, err := e.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	if task.Terminal() {
		return task, nil
	}
	now := time.Now().UTC()
	cancelled := TaskStatusCancelled
	updated, err := e.store.Update(ctx, id, Patch{Status: &cancelled, CancelledAt: &now})
	if err != nil {
		return Task{}, err
	}
	e.countTaskEvent("cancelled")
	return updated, nil
}

// Remove hard-deletes a task regardless of status.
func (e *Engine) Remove(ctx context.Context, id string) error {
	removed, err := e.store.Remove(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrTaskNotFound
	}
	return nil
}

// Filter narrows List results.
type Filter struct {
	Status TaskStatus
	To     string
}

func (e *Engine) List(ctx context.Context, filter Filter) ([]Task, error) {
	normalizedTo := ""
	if filter.To != "" {
		to, err := wa.NormalizeJID(filter.To)
		if err != nil {
			return nil, err
		}
		normalizedTo = to
	}

	all, err := e.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(all))
	for _, t := range all {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if normalizedTo != "" && t.To != normalizedTo {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Stats summarizes the store contents grouped by status.
type Stats struct {
	Total    int                `json:"total"`
	ByStatus map[TaskStatus]int `json:"byStatus"`
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	all, err := e.store.GetAll(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Total: len(all), ByStatus: make(map[TaskStatus]int)}
	for _, t := range all {
		stats.ByStatus[t.Status]++
	}
	return stats, nil
}

func (e *Engine) Get(ctx context.Context, id string) (Task, error) {
	task, err := e.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	return task, nil
}

func (e *Engine) countTaskEvent(event string) {
	if e.metrics != nil {
		e.metrics.TaskEvents.WithLabelValues(event).Inc()
	}
}

func (e *Engine) countActionRun(outcome *ActionOutcome) {
	if e.metrics == nil || outcome == nil {
		return
	}
	mode := outcome.Mode
	if mode == "" {
		mode = "webhook"
	}
	result := "error"
	if outcome.OK {
		result = "ok"
	}
	e.metrics.ActionRuns.WithLabelValues(mode, result).Inc()
}

func (e *Engine) logTaskRelated(senderJID, content string, related bool) {
	if e.metrics != nil {
		e.metrics.InboundMessages.WithLabelValues(fmt.Sprintf("%t", related)).Inc()
	}
	log.Printf("message from [%s]: %s | TASK_RELATED=%t", senderJID, content, related)
}

func (e *Engine) logDebug(format string, args ...any) {
	if e.debug {
		log.Printf("[TASK] "+format, args...)
	}
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
