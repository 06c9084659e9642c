// Package validation classifies queue corruption and applies bounded
// repair actions. Checks are pure functions over the queue model; the
// persistence layer runs them on every load and before risky saves.
package validation

import (
	"fmt"

	"github.com/macaw2000/taskforge/observability"
	"github.com/macaw2000/taskforge/queue"
)

// Severity ranks a finding. Critical findings are never repaired
// automatically.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

// Check codes.
const (
	CodeMissingPlayerID     = "MISSING_PLAYER_ID"
	CodeChecksumMismatch    = "CHECKSUM_MISMATCH"
	CodeFutureTimestamp     = "FUTURE_TIMESTAMP"
	CodeOrphanedCurrentTask = "ORPHANED_CURRENT_TASK"
	CodeDuplicateTaskIDs    = "DUPLICATE_TASK_IDS"
	CodeQueueSizeExceeded   = "QUEUE_SIZE_EXCEEDED"
	CodeHistorySizeExceeded = "HISTORY_SIZE_EXCEEDED"
	CodeNegativeStats       = "NEGATIVE_STATS"
	CodeRunningWhilePaused  = "RUNNING_WHILE_PAUSED"
	CodePauseReasonMissing  = "PAUSE_REASON_MISSING"
	CodeBadProgress         = "BAD_PROGRESS"
)

// ClockSkewToleranceMS bounds how far last_updated may sit ahead of
// the validator's clock before it counts as a future timestamp.
const ClockSkewToleranceMS = 5_000

// Issue is a single validation finding.
type Issue struct {
	Code     string
	Severity Severity
	Message  string
	TaskID   string
}

// Report is the outcome of a validation pass.
type Report struct {
	Issues         []Issue
	IntegrityScore int
	CanRepair      bool
}

// Valid reports whether no issues were found.
func (r *Report) Valid() bool { return len(r.Issues) == 0 }

// Errors returns the critical and major findings.
func (r *Report) Errors() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity != SeverityMinor {
			out = append(out, is)
		}
	}
	return out
}

// Warnings returns the minor findings.
func (r *Report) Warnings() []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == SeverityMinor {
			out = append(out, is)
		}
	}
	return out
}

// HasCode reports whether the report contains a finding with code.
func (r *Report) HasCode(code string) bool {
	for _, is := range r.Issues {
		if is.Code == code {
			return true
		}
	}
	return false
}

// Validator runs integrity checks against a queue.
type Validator struct {
	clock func() int64
}

// New builds a Validator. clock returns the current epoch millis and
// may be nil for the wall clock.
func New(clock func() int64) *Validator {
	if clock == nil {
		clock = nowMS
	}
	return &Validator{clock: clock}
}

// Check runs every integrity check and scores the result.
// integrity_score = max(0, 100 − 20·errors − 5·warnings);
// can_repair = no critical findings.
func (v *Validator) Check(q *queue.TaskQueue) *Report {
	r := &Report{}
	now := v.clock()

	if q.PlayerID == "" {
		r.add(CodeMissingPlayerID, SeverityCritical, "queue has no player id", "")
	}

	if q.Checksum != "" && !queue.ChecksumValid(q) {
		r.add(CodeChecksumMismatch, SeverityMajor, "stored checksum does not match computed checksum", "")
	}

	if q.LastUpdatedMS > now+ClockSkewToleranceMS {
		r.add(CodeFutureTimestamp, SeverityMinor,
			fmt.Sprintf("last_updated %d is ahead of now %d", q.LastUpdatedMS, now), "")
	}

	seen := make(map[string]bool, len(q.QueuedTasks))
	for _, t := range q.QueuedTasks {
		if seen[t.ID] {
			r.add(CodeDuplicateTaskIDs, SeverityMajor,
				fmt.Sprintf("task id %s appears more than once", t.ID), t.ID)
		}
		seen[t.ID] = true
	}

	if cur := q.CurrentTask; cur != nil {
		if cur.ID == "" || cur.PlayerID != q.PlayerID || seen[cur.ID] {
			r.add(CodeOrphanedCurrentTask, SeverityMajor,
				"current task is not self-consistent with the queue", taskID(cur))
		}
		if cur.Progress < 0 || cur.Progress > 1 {
			r.add(CodeBadProgress, SeverityMajor,
				fmt.Sprintf("current task progress %v outside [0,1]", cur.Progress), cur.ID)
		}
		if q.IsRunning && q.IsPaused {
			r.add(CodeRunningWhilePaused, SeverityMajor, "queue is both running and paused", "")
		}
	}

	maxSize := q.Config.MaxQueueSize
	if maxSize <= 0 {
		maxSize = queue.DefaultConfig().MaxQueueSize
	}
	if len(q.QueuedTasks) > maxSize {
		r.add(CodeQueueSizeExceeded, SeverityMinor,
			fmt.Sprintf("queue length %d exceeds limit %d", len(q.QueuedTasks), maxSize), "")
	}

	maxHistory := q.Config.MaxHistorySize
	if maxHistory <= 0 {
		maxHistory = queue.DefaultConfig().MaxHistorySize
	}
	if len(q.History) > maxHistory {
		r.add(CodeHistorySizeExceeded, SeverityMinor,
			fmt.Sprintf("history length %d exceeds limit %d", len(q.History), maxHistory), "")
	}

	if q.Totals.TasksCompleted < 0 || q.Totals.TimeSpentMS < 0 || q.TotalPauseTimeMS < 0 {
		r.add(CodeNegativeStats, SeverityMajor, "lifetime counters are negative", "")
	}

	if q.IsPaused && q.PauseReason == "" {
		r.add(CodePauseReasonMissing, SeverityMinor, "queue is paused without a reason", "")
	}

	errs := len(r.Errors())
	warns := len(r.Warnings())
	r.IntegrityScore = 100 - 20*errs - 5*warns
	if r.IntegrityScore < 0 {
		r.IntegrityScore = 0
	}

	r.CanRepair = true
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			r.CanRepair = false
			break
		}
	}

	for _, is := range r.Issues {
		observability.ValidationIssues.WithLabelValues(is.Code, string(is.Severity)).Inc()
	}
	return r
}

func (r *Report) add(code string, sev Severity, msg, taskID string) {
	r.Issues = append(r.Issues, Issue{Code: code, Severity: sev, Message: msg, TaskID: taskID})
}

func taskID(t *queue.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}
