package recovery

import "errors"

var (
	// ErrPlanNotFound is returned for an unknown plan id.
	ErrPlanNotFound = errors.New("recovery plan not found")

	// ErrPlanNotRunnable is returned when Execute is called on a plan
	// that is not in the PLANNED state.
	ErrPlanNotRunnable = errors.New("recovery plan is not runnable")

	// ErrNoBackupForTarget is returned when no full backup exists at or
	// before the requested point in time.
	ErrNoBackupForTarget = errors.New("no backup covers the target timestamp")

	// ErrTargetConflict is returned by the fail-fast conflict strategy
	// when restored data would overwrite live data at the target.
	ErrTargetConflict = errors.New("target location already populated")

	// ErrCancelled is recorded when a plan is stopped by CancelPlan.
	ErrCancelled = errors.New("recovery plan cancelled")
)

// PlanStatus is the recovery plan state machine:
// PLANNED -> IN_PROGRESS -> {SUCCEEDED | FAILED}; FAILED may move to
// ROLLED_BACK when safe-mode compensation unwinds applied steps.
type PlanStatus string

const (
	StatusPlanned    PlanStatus = "PLANNED"
	StatusInProgress PlanStatus = "IN_PROGRESS"
	StatusSucceeded  PlanStatus = "SUCCEEDED"
	StatusFailed     PlanStatus = "FAILED"
	StatusRolledBack PlanStatus = "ROLLED_BACK"
)

// Terminal reports whether the plan can no longer change.
func (s PlanStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusRolledBack
}

// PlanKind distinguishes how a plan was built.
type PlanKind string

const (
	KindPITR      PlanKind = "PITR"
	KindBackup    PlanKind = "BACKUP"
	KindDisaster  PlanKind = "DISASTER"
	KindCascading PlanKind = "CASCADING"
)

// Action is a recovery step action type.
type Action string

const (
	// ActionRestore applies one backup to the target location.
	ActionRestore Action = "RESTORE"
	// ActionVerify checks the restored target against a caller-supplied
	// checksum before traffic may be re-pointed.
	ActionVerify Action = "VERIFY"
	// ActionFailover issues the fail-over directive to the standby.
	ActionFailover Action = "FAILOVER"
)

// StepStatus is a recovery step outcome.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepRunning     StepStatus = "RUNNING"
	StepSucceeded   StepStatus = "SUCCEEDED"
	StepFailed      StepStatus = "FAILED"
	StepSkipped     StepStatus = "SKIPPED"
	StepCompensated StepStatus = "COMPENSATED"
)

// ConflictStrategy decides what happens when restored data meets live
// data at the target.
type ConflictStrategy string

const (
	// ConflictFail refuses the step.
	ConflictFail ConflictStrategy = "fail"
	// ConflictSourceWins overwrites live data with the backup, stashing
	// a pre-image for compensation.
	ConflictSourceWins ConflictStrategy = "source-wins"
	// ConflictTargetWins leaves live data untouched and records the
	// step as applied.
	ConflictTargetWins ConflictStrategy = "target-wins"
)

// ParseConflictStrategy parses a strategy string, defaulting to fail.
func ParseConflictStrategy(s string) ConflictStrategy {
	switch ConflictStrategy(s) {
	case ConflictSourceWins, ConflictTargetWins:
		return ConflictStrategy(s)
	default:
		return ConflictFail
	}
}

// Step is one unit of a recovery plan. Steps execute strictly in
// dependency order; a step runs only after every index in DependsOn
// succeeded.
type Step struct {
	Index      int              `json:"index"`
	System     string           `json:"system,omitempty"`
	Action     Action           `json:"action"`
	BackupID   string           `json:"backup_id,omitempty"`
	TargetPath string           `json:"target_path,omitempty"`
	Expected   string           `json:"expected,omitempty"` // checksum for VERIFY
	Standby    string           `json:"standby,omitempty"`  // location for FAILOVER
	DependsOn  []int            `json:"depends_on,omitempty"`
	Strategy   ConflictStrategy `json:"strategy"`

	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Error     string     `json:"error,omitempty"`
	PreImage  string     `json:"pre_image,omitempty"` // stash for compensation
	StartedAt int64      `json:"started_at,omitempty"`
	EndedAt   int64      `json:"ended_at,omitempty"`
}

// AuditEntry is one line of the plan's audit trail.
type AuditEntry struct {
	Timestamp int64  `json:"ts"`
	StepIndex int    `json:"step,omitempty"`
	Message   string `json:"message"`
}

// Plan is a recovery plan with its ordered step outcomes. The record is
// persisted after every transition, so the plan log replays from disk.
type Plan struct {
	ID             string       `json:"id"`
	Kind           PlanKind     `json:"kind"`
	TargetTS       int64        `json:"target_ts,omitempty"`
	TargetBackupID string       `json:"target_backup_id,omitempty"`
	TargetLocation string       `json:"target_location"`
	Steps          []Step       `json:"steps"`
	Status         PlanStatus   `json:"status"`
	CreatedAt      int64        `json:"created_at"`
	Audit          []AuditEntry `json:"audit,omitempty"`
}

// System describes one member of a cascading recovery: which backup (or
// point in time) to restore where, and which other systems must recover
// first.
type System struct {
	Name           string   `json:"name"`
	BackupID       string   `json:"backup_id,omitempty"`
	TargetTS       int64    `json:"target_ts,omitempty"`
	SourcePath     string   `json:"source_path,omitempty"`
	TargetLocation string   `json:"target_location"`
	DependsOn      []string `json:"depends_on,omitempty"`
}
