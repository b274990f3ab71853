package tasks

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/IsaacDeMelo/botwpp/internal/wa"
)

// SheetStore persists tasks as CSV sheets under a data directory, one sheet
// per status grouping. Structured fields are JSON-encoded columns so the
// layout stays readable with any spreadsheet tool.
type SheetStore struct {
	mu  sync.Mutex
	dir string
}

const (
	sheetOpen      = "open.csv"
	sheetAttending = "attending.csv"
	sheetCompleted = "completed.csv"
	sheetExpired   = "expired.csv"
	sheetCancelled = "cancelled.csv"
)

var sheetNames = []string{sheetOpen, sheetAttending, sheetCompleted, sheetExpired, sheetCancelled}

// sheetColumns is the on-disk schema. New columns are only ever appended so
// sheets written by older builds (shorter rows) keep loading.
var sheetColumns = []string{
	"id",
	"status",
	"to",
	"scope",
	"requestBodyType",
	"sentMessageId",
	"expectedJson",
	"onTimeoutJson",
	"selectedJson",
	"responseJson",
	"actionResultJson",
	"createdAt",
	"createdAtMs",
	"expiresAt",
	"expiresAtMs",
	"timeoutMs",
	"updatedAt",
	"attendingAt",
	"completedAt",
	"expiredAt",
	"cancelledAt",
	"notes",
	"triggerCount",
	"lastTriggeredAt",
}

func NewSheetStore(dir string) (*SheetStore, error) {
	s := &SheetStore{dir: dir}
	if err := s.ensureSheets(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SheetStore) ensureSheets() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create task sheet dir: %w", err)
	}
	for _, name := range sheetNames {
		path := filepath.Join(s.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
		w := csv.NewWriter(f)
		if err := w.Write(sheetColumns); err != nil {
			f.Close()
			return fmt.Errorf("write sheet header %s: %w", name, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return fmt.Errorf("flush sheet header %s: %w", name, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func sheetForStatus(status TaskStatus) string {
	switch status {
	case TaskStatusAttending:
		return sheetAttending
	case TaskStatusCompleted:
		return sheetCompleted
	case TaskStatusExpired:
		return sheetExpired
	case TaskStatusCancelled:
		return sheetCancelled
	default:
		// pending and persistent share the open sheet.
		return sheetOpen
	}
}

func (s *SheetStore) GetAll(_ context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAllLocked()
}

func (s *SheetStore) GetByID(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range sheetNames {
		tasks, err := s.readSheetLocked(name)
		if err != nil {
			return Task{}, err
		}
		for _, t := range tasks {
			if t.ID == id {
				return t, nil
			}
		}
	}
	return Task{}, ErrStoreNotFound
}

func (s *SheetStore) Save(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(task)
}

func (s *SheetStore) saveLocked(task Task) error {
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	if err := s.removeLocked(task.ID); err != nil {
		return err
	}
	name := sheetForStatus(task.Status)
	tasks, err := s.readSheetLocked(name)
	if err != nil {
		return err
	}
	tasks = append(tasks, task)
	return s.writeSheetLocked(name, tasks)
}

func (s *SheetStore) Update(_ context.Context, id string, patch Patch) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range sheetNames {
		tasks, err := s.readSheetLocked(name)
		if err != nil {
			return Task{}, err
		}
		for _, t := range tasks {
			if t.ID != id {
				continue
			}
			merged := patch.Apply(t, time.Now())
			if err := s.saveLocked(merged); err != nil {
				return Task{}, err
			}
			return merged, nil
		}
	}
	return Task{}, ErrStoreNotFound
}

func (s *SheetStore) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed, err := s.removeReportLocked(id)
	return removed, err
}

func (s *SheetStore) removeLocked(id string) error {
	_, err := s.removeReportLocked(id)
	return err
}

func (s *SheetStore) removeReportLocked(id string) (bool, error) {
	removed := false
	for _, name := range sheetNames {
		tasks, err := s.readSheetLocked(name)
		if err != nil {
			return removed, err
		}
		kept := tasks[:0]
		for _, t := range tasks {
			if t.ID == id {
				removed = true
				continue
			}
			kept = append(kept, t)
		}
		if len(kept) != len(tasks) {
			if err := s.writeSheetLocked(name, kept); err != nil {
				return removed, err
			}
		}
	}
	return removed, nil
}

func (s *SheetStore) Close() error { return nil }

func (s *SheetStore) readAllLocked() ([]Task, error) {
	var all []Task
	for _, name := range sheetNames {
		tasks, err := s.readSheetLocked(name)
		if err != nil {
			return nil, err
		}
		all = append(all, tasks...)
	}
	sortTasksByCreation(all)
	return all, nil
}

func (s *SheetStore) readSheetLocked(name string) ([]Task, error) {
	if err := s.ensureSheets(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("open sheet %s: %w", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	// Rows written by older builds may be shorter than the current schema.
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", name, err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	tasks := make([]Task, 0, len(records)-1)
	for _, record := range records[1:] {
		t, ok := taskFromRecord(record)
		if !ok {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (s *SheetStore) writeSheetLocked(name string, tasks []Task) error {
	if err := s.ensureSheets(); err != nil {
		return err
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(sheetColumns); err != nil {
		f.Close()
		return err
	}
	for _, t := range tasks {
		if err := w.Write(taskToRecord(t)); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write sheet %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func taskToRecord(t Task) []string {
	return []string{
		t.ID,
		string(t.Status),
		t.To,
		string(t.Scope),
		t.RequestBodyType,
		t.SentMessageID,
		jsonColumn(t.Expected),
		jsonColumn(t.OnTimeout),
		jsonColumn(t.Selected),
		jsonColumn(t.Response),
		jsonColumn(t.ActionResult),
		timeColumn(&t.CreatedAt),
		intColumn(t.CreatedAtMs),
		timeColumn(t.ExpiresAt),
		intColumn(t.ExpiresAtMs),
		intColumn(t.TimeoutMs),
		timeColumn(&t.UpdatedAt),
		timeColumn(t.AttendingAt),
		timeColumn(t.CompletedAt),
		timeColumn(t.ExpiredAt),
		timeColumn(t.CancelledAt),
		t.Notes,
		strconv.Itoa(t.TriggerCount),
		timeColumn(t.LastTriggeredAt),
	}
}

func taskFromRecord(record []string) (Task, bool) {
	col := func(i int) string {
		if i < len(record) {
			return record[i]
		}
		return ""
	}

	t := Task{
		ID:              col(0),
		Status:          TaskStatus(col(1)),
		To:              col(2),
		Scope:           wa.Scope(col(3)),
		RequestBodyType: col(4),
		SentMessageID:   col(5),
		Notes:           col(21),
	}
	if t.ID == "" {
		return Task{}, false
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}

	_ = json.Unmarshal([]byte(orNull(col(6))), &t.Expected)
	_ = json.Unmarshal([]byte(orNull(col(7))), &t.OnTimeout)
	_ = json.Unmarshal([]byte(orNull(col(8))), &t.Selected)
	_ = json.Unmarshal([]byte(orNull(col(9))), &t.Response)
	_ = json.Unmarshal([]byte(orNull(col(10))), &t.ActionResult)

	if at := parseTimeColumn(col(11)); at != nil {
		t.CreatedAt = *at
	}
	t.CreatedAtMs = parseIntColumn(col(12))
	t.ExpiresAt = parseTimeColumn(col(13))
	t.ExpiresAtMs = parseIntColumn(col(14))
	t.TimeoutMs = parseIntColumn(col(15))
	if at := parseTimeColumn(col(16)); at != nil {
		t.UpdatedAt = *at
	}
	t.AttendingAt = parseTimeColumn(col(17))
	t.CompletedAt = parseTimeColumn(col(18))
	t.ExpiredAt = parseTimeColumn(col(19))
	t.CancelledAt = parseTimeColumn(col(20))
	t.TriggerCount = int(parseIntColumn(col(22)))
	t.LastTriggeredAt = parseTimeColumn(col(23))
	return t, true
}

func jsonColumn(v any) string {
	switch x := v.(type) {
	case []ExpectedEntry:
		if x == nil {
			return "null"
		}
	case *OnTimeout:
		if x == nil {
			return "null"
		}
	case *Selected:
		if x == nil {
			return "null"
		}
	case *Response:
		if x == nil {
			return "null"
		}
	case *ActionResult:
		if x == nil {
			return "null"
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func orNull(v string) string {
	if v == "" {
		return "null"
	}
	return v
}

func timeColumn(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeColumn(v string) *time.Time {
	if v == "" {
		return nil
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	at = at.UTC()
	return &at
}

func intColumn(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func parseIntColumn(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
