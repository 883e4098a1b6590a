package recovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/arkeep/arkeep/internal/backup"
	"github.com/arkeep/arkeep/internal/clock"
	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/metrics"
	"github.com/arkeep/arkeep/internal/storage"
)

const (
	planPrefix     = "plan:"
	failoverPrefix = "failover:"
)

// Config contains recovery orchestrator tunables.
type Config struct {
	StepTimeout  time.Duration
	RetryPolicy  string // "fixed", "linear", "exponential"
	RetryBase    time.Duration
	MaxAttempts  int
	Compensation string           // "safe" unwinds applied steps, "partial" leaves them
	Strategy     ConflictStrategy // default conflict strategy for restore steps
}

// Orchestrator plans and executes multi-step recoveries over the backup
// catalog. Plans are persisted after every transition.
type Orchestrator struct {
	cfg     Config
	backups *backup.Manager
	store   storage.Store
	clk     clock.Clock
	log     logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewOrchestrator creates an orchestrator and fails over any plan left
// IN_PROGRESS by a crash, so the plan log never holds ambiguous state.
func NewOrchestrator(cfg Config, backups *backup.Manager, store storage.Store, clk clock.Clock, log logger.Logger) (*Orchestrator, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = ConflictFail
	}
	o := &Orchestrator{
		cfg:     cfg,
		backups: backups,
		store:   store,
		clk:     clk,
		log:     log,
		running: make(map[string]context.CancelFunc),
	}

	plans, err := o.List()
	if err != nil {
		return nil, err
	}
	for _, plan := range plans {
		if plan.Status != StatusInProgress {
			continue
		}
		plan.Status = StatusFailed
		o.audit(plan, -1, "execution interrupted by restart")
		if err := o.persist(plan); err != nil {
			return nil, err
		}
		log.Warn("Recovery plan failed over after restart", logger.String("plan_id", plan.ID))
	}
	return o, nil
}

func (o *Orchestrator) audit(plan *Plan, stepIndex int, msg string) {
	plan.Audit = append(plan.Audit, AuditEntry{
		Timestamp: o.clk.Now(),
		StepIndex: stepIndex,
		Message:   msg,
	})
}

func (o *Orchestrator) persist(plan *Plan) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return o.store.Put(planPrefix+plan.ID, raw)
}

// Get loads a plan from the plan log.
func (o *Orchestrator) Get(id string) (*Plan, error) {
	raw, err := o.store.Get(planPrefix + id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var plan Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("undecodable plan record %s: %w", id, err)
	}
	return &plan, nil
}

// List returns every plan ordered by creation time.
func (o *Orchestrator) List() ([]*Plan, error) {
	keys, err := o.store.List(planPrefix)
	if err != nil {
		return nil, err
	}
	plans := make([]*Plan, 0, len(keys))
	for _, key := range keys {
		plan, err := o.Get(key[len(planPrefix):])
		if err != nil {
			o.log.Warn("Skipping unreadable plan record", logger.String("key", key), logger.Error(err))
			continue
		}
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt < plans[j].CreatedAt })
	return plans, nil
}

// chainFor resolves the backup chain for a point-in-time target: the
// most recent FULL at or before targetTS, then every INCREMENTAL or
// DIFFERENTIAL of the same source up to (not exceeding) targetTS, in
// chronological order.
func (o *Orchestrator) chainFor(sourcePath string, targetTS int64) ([]*backup.Backup, error) {
	all, err := o.backups.List()
	if err != nil {
		return nil, err
	}

	var full *backup.Backup
	for _, b := range all {
		if b.Type != backup.TypeFull || b.SourcePath != sourcePath || b.Status != backup.StatusValidated {
			continue
		}
		if b.CreatedAt <= targetTS && (full == nil || b.CreatedAt > full.CreatedAt) {
			full = b
		}
	}
	if full == nil {
		return nil, fmt.Errorf("%w: %s at %d", ErrNoBackupForTarget, sourcePath, targetTS)
	}

	chain := []*backup.Backup{full}
	for _, b := range all {
		if b.SourcePath != sourcePath || b.Status != backup.StatusValidated {
			continue
		}
		if b.Type != backup.TypeIncremental && b.Type != backup.TypeDifferential {
			continue
		}
		if b.CreatedAt > full.CreatedAt && b.CreatedAt <= targetTS {
			chain = append(chain, b)
		}
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].CreatedAt < chain[j].CreatedAt })
	return chain, nil
}

// restoreSteps appends one restore step per backup in the chain, each
// depending on the previous. Returns the first and last step indices.
func (o *Orchestrator) restoreSteps(plan *Plan, system string, chain []*backup.Backup, targetLocation string) (int, int) {
	first := len(plan.Steps)
	for i, b := range chain {
		step := Step{
			Index:      len(plan.Steps),
			System:     system,
			Action:     ActionRestore,
			BackupID:   b.ID,
			TargetPath: targetLocation,
			Strategy:   o.cfg.Strategy,
			Status:     StepPending,
		}
		if i > 0 {
			step.DependsOn = []int{step.Index - 1}
		}
		plan.Steps = append(plan.Steps, step)
	}
	return first, len(plan.Steps) - 1
}

func (o *Orchestrator) newPlan(kind PlanKind, targetLocation string) *Plan {
	return &Plan{
		ID:             uuid.New().String(),
		Kind:           kind,
		TargetLocation: targetLocation,
		Status:         StatusPlanned,
		CreatedAt:      o.clk.Now(),
	}
}

// PlanPITR builds a point-in-time recovery plan for sourcePath.
func (o *Orchestrator) PlanPITR(sourcePath string, targetTS int64, targetLocation string) (*Plan, error) {
	chain, err := o.chainFor(sourcePath, targetTS)
	if err != nil {
		return nil, err
	}

	plan := o.newPlan(KindPITR, targetLocation)
	plan.TargetTS = targetTS
	o.restoreSteps(plan, "", chain, targetLocation)
	o.audit(plan, -1, fmt.Sprintf("planned %d restore steps for target %d", len(plan.Steps), targetTS))

	if err := o.persist(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanFromBackup builds a single-step plan restoring one backup.
func (o *Orchestrator) PlanFromBackup(backupID, targetLocation string) (*Plan, error) {
	b, err := o.backups.Get(backupID)
	if err != nil {
		return nil, err
	}
	if b.Status == backup.StatusCorrupt {
		return nil, fmt.Errorf("%w: %s", backup.ErrCorrupt, backupID)
	}

	plan := o.newPlan(KindBackup, targetLocation)
	plan.TargetBackupID = backupID
	o.restoreSteps(plan, "", []*backup.Backup{b}, targetLocation)

	if err := o.persist(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanDisaster builds a disaster-recovery plan: restore to the target,
// verify the restored data against the caller-supplied checksum, and
// only then issue the fail-over directive to the standby.
func (o *Orchestrator) PlanDisaster(sourcePath string, targetTS int64, targetLocation, standby, expectedChecksum string) (*Plan, error) {
	chain, err := o.chainFor(sourcePath, targetTS)
	if err != nil {
		return nil, err
	}

	plan := o.newPlan(KindDisaster, targetLocation)
	plan.TargetTS = targetTS
	_, last := o.restoreSteps(plan, "", chain, targetLocation)

	verify := Step{
		Index:      len(plan.Steps),
		Action:     ActionVerify,
		TargetPath: targetLocation,
		Expected:   expectedChecksum,
		DependsOn:  []int{last},
		Strategy:   o.cfg.Strategy,
		Status:     StepPending,
	}
	plan.Steps = append(plan.Steps, verify)

	failover := Step{
		Index:     len(plan.Steps),
		Action:    ActionFailover,
		Standby:   standby,
		DependsOn: []int{verify.Index},
		Strategy:  o.cfg.Strategy,
		Status:    StepPending,
	}
	plan.Steps = append(plan.Steps, failover)

	if err := o.persist(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// PlanCascading builds a multi-system plan respecting declared
// dependency edges. Recovery across systems is best-effort sequential:
// there is no cross-system atomic coordination, only ordering, and an
// upstream failure skips every downstream step.
func (o *Orchestrator) PlanCascading(systems []System, targetLocation string) (*Plan, error) {
	order, err := topoSort(systems)
	if err != nil {
		return nil, err
	}

	plan := o.newPlan(KindCascading, targetLocation)
	lastStepOf := make(map[string]int)
	firstStepOf := make(map[string]int)

	for _, sys := range order {
		var chain []*backup.Backup
		if sys.BackupID != "" {
			b, err := o.backups.Get(sys.BackupID)
			if err != nil {
				return nil, fmt.Errorf("system %s: %w", sys.Name, err)
			}
			chain = []*backup.Backup{b}
		} else {
			chain, err = o.chainFor(sys.SourcePath, sys.TargetTS)
			if err != nil {
				return nil, fmt.Errorf("system %s: %w", sys.Name, err)
			}
		}

		first, last := o.restoreSteps(plan, sys.Name, chain, sys.TargetLocation)
		firstStepOf[sys.Name], lastStepOf[sys.Name] = first, last

		for _, dep := range sys.DependsOn {
			plan.Steps[first].DependsOn = append(plan.Steps[first].DependsOn, lastStepOf[dep])
		}
	}

	if err := o.persist(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// topoSort orders systems so every dependency precedes its dependents.
func topoSort(systems []System) ([]System, error) {
	byName := make(map[string]System, len(systems))
	indegree := make(map[string]int, len(systems))
	dependents := make(map[string][]string)

	for _, sys := range systems {
		if _, dup := byName[sys.Name]; dup {
			return nil, fmt.Errorf("duplicate system %q", sys.Name)
		}
		byName[sys.Name] = sys
		indegree[sys.Name] = 0
	}
	for _, sys := range systems {
		for _, dep := range sys.DependsOn {
			if _, known := byName[dep]; !known {
				return nil, fmt.Errorf("system %q depends on unknown system %q", sys.Name, dep)
			}
			indegree[sys.Name]++
			dependents[dep] = append(dependents[dep], sys.Name)
		}
	}

	var queue []string
	for _, sys := range systems {
		if indegree[sys.Name] == 0 {
			queue = append(queue, sys.Name)
		}
	}

	var order []System
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, byName[name])
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(systems) {
		return nil, errors.New("dependency cycle between systems")
	}
	return order, nil
}

// Execute runs the plan to a terminal status and returns the failure of
// the first broken step, if any. Cancellation via Cancel takes effect at
// the next step boundary, never mid-step.
func (o *Orchestrator) Execute(id string) error {
	ctx, cancel := context.WithCancel(context.Background())

	// The PLANNED to IN_PROGRESS transition and the claim in o.running
	// happen atomically, so a concurrent Execute or Cancel on the same
	// plan observes either the claim or the persisted status.
	o.mu.Lock()
	if _, active := o.running[id]; active {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s is %s", ErrPlanNotRunnable, id, StatusInProgress)
	}
	plan, err := o.Get(id)
	if err != nil {
		o.mu.Unlock()
		cancel()
		return err
	}
	if plan.Status != StatusPlanned {
		o.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s is %s", ErrPlanNotRunnable, id, plan.Status)
	}
	plan.Status = StatusInProgress
	o.audit(plan, -1, "execution started")
	if err := o.persist(plan); err != nil {
		o.mu.Unlock()
		cancel()
		return err
	}
	o.running[id] = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.running, id)
		o.mu.Unlock()
	}()

	var execErr error
	for i := range plan.Steps {
		step := &plan.Steps[i]

		if ctx.Err() != nil {
			o.skipFrom(plan, i, "cancelled")
			execErr = ErrCancelled
			break
		}

		if unmet := unmetDependency(plan, step); unmet >= 0 {
			step.Status = StepSkipped
			o.audit(plan, step.Index, fmt.Sprintf("skipped: dependency step %d did not succeed", unmet))
			continue
		}

		if err := o.executeStep(ctx, plan, step); err != nil {
			execErr = err
			o.audit(plan, step.Index, "step failed: "+err.Error())
			o.skipFrom(plan, i+1, "upstream step failed")
			break
		}
		if err := o.persist(plan); err != nil {
			execErr = err
			break
		}
	}

	if execErr == nil {
		plan.Status = StatusSucceeded
		o.audit(plan, -1, "plan succeeded")
	} else {
		plan.Status = StatusFailed
		if o.cfg.Compensation == "safe" && !errors.Is(execErr, ErrCancelled) {
			o.compensate(plan)
		}
	}

	metrics.RecoveryPlansTotal.WithLabelValues(string(plan.Status)).Inc()
	if err := o.persist(plan); err != nil {
		return err
	}
	o.log.Info("Recovery plan finished",
		logger.String("plan_id", plan.ID),
		logger.String("status", string(plan.Status)))
	return execErr
}

func unmetDependency(plan *Plan, step *Step) int {
	for _, dep := range step.DependsOn {
		if plan.Steps[dep].Status != StepSucceeded {
			return dep
		}
	}
	return -1
}

func (o *Orchestrator) skipFrom(plan *Plan, from int, reason string) {
	for i := from; i < len(plan.Steps); i++ {
		if plan.Steps[i].Status == StepPending {
			plan.Steps[i].Status = StepSkipped
			o.audit(plan, i, "skipped: "+reason)
		}
	}
}

// executeStep runs one step under its timeout with the configured retry
// schedule. The step's atomic unit is never interrupted: cancellation is
// only observed between attempts.
func (o *Orchestrator) executeStep(ctx context.Context, plan *Plan, step *Step) error {
	step.Status = StepRunning
	step.StartedAt = o.clk.Now()

	stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
	defer cancel()

	_, err := backoff.Retry(stepCtx, func() (struct{}, error) {
		step.Attempts++
		if step.Attempts > 1 {
			metrics.RecoveryStepRetries.Inc()
		}
		return struct{}{}, o.runStep(plan, step)
	},
		backoff.WithBackOff(newBackOff(o.cfg.RetryPolicy, o.cfg.RetryBase)),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
	)

	step.EndedAt = o.clk.Now()
	if err != nil {
		step.Status = StepFailed
		step.Error = err.Error()
		metrics.RecoveryStepsTotal.WithLabelValues(string(step.Action), "failed").Inc()
		return err
	}
	step.Status = StepSucceeded
	metrics.RecoveryStepsTotal.WithLabelValues(string(step.Action), "succeeded").Inc()
	return nil
}

func (o *Orchestrator) runStep(plan *Plan, step *Step) error {
	switch step.Action {
	case ActionRestore:
		return o.runRestore(plan, step)
	case ActionVerify:
		return o.runVerify(plan, step)
	case ActionFailover:
		return o.runFailover(plan, step)
	default:
		return backoff.Permanent(fmt.Errorf("unknown step action %q", step.Action))
	}
}

func (o *Orchestrator) runRestore(plan *Plan, step *Step) error {
	// Live data at the target triggers the conflict strategy. A file
	// written by an earlier restore step of this plan is not live data.
	if _, err := os.Stat(step.TargetPath); err == nil && step.PreImage == "" && !writtenByEarlierStep(plan, step) {
		switch step.Strategy {
		case ConflictTargetWins:
			o.audit(plan, step.Index, "target wins: live data left in place")
			return nil
		case ConflictSourceWins:
			stash := step.TargetPath + ".pre." + plan.ID
			if err := copyFile(step.TargetPath, stash); err != nil {
				return fmt.Errorf("failed to stash pre-image: %w", err)
			}
			step.PreImage = stash
			o.audit(plan, step.Index, "source wins: pre-image stashed")
		default:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrTargetConflict, step.TargetPath))
		}
	}

	err := o.backups.Restore(step.BackupID, step.TargetPath, true)
	if errors.Is(err, backup.ErrCorrupt) || errors.Is(err, backup.ErrBackupNotFound) {
		return backoff.Permanent(err)
	}
	return err
}

func writtenByEarlierStep(plan *Plan, step *Step) bool {
	for i := 0; i < step.Index; i++ {
		prev := &plan.Steps[i]
		if prev.Action == ActionRestore && prev.TargetPath == step.TargetPath && prev.Status == StepSucceeded {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runVerify(plan *Plan, step *Step) error {
	if step.Expected == "" {
		o.audit(plan, step.Index, "no expected checksum supplied, verification skipped")
		return nil
	}
	sum, err := fileChecksum(step.TargetPath)
	if err != nil {
		return err
	}
	if sum != step.Expected {
		return backoff.Permanent(fmt.Errorf("consistency check failed: checksum %s != expected %s", sum, step.Expected))
	}
	o.audit(plan, step.Index, "consistency check passed")
	return nil
}

func (o *Orchestrator) runFailover(plan *Plan, step *Step) error {
	directive, err := json.Marshal(map[string]interface{}{
		"plan_id": plan.ID,
		"standby": step.Standby,
		"ts":      o.clk.Now(),
	})
	if err != nil {
		return err
	}
	if err := o.store.Put(failoverPrefix+plan.ID, directive); err != nil {
		return err
	}
	o.audit(plan, step.Index, "fail-over directive issued to "+step.Standby)
	return nil
}

// compensate unwinds already-applied restore steps in reverse order:
// the stashed pre-image is moved back, or the restored file is removed
// if the target did not exist before. On full success the plan moves to
// ROLLED_BACK; a compensation failure leaves it FAILED.
func (o *Orchestrator) compensate(plan *Plan) {
	complete := true
	for i := len(plan.Steps) - 1; i >= 0; i-- {
		step := &plan.Steps[i]
		if step.Action != ActionRestore || step.Status != StepSucceeded {
			continue
		}

		var err error
		if step.PreImage != "" {
			err = os.Rename(step.PreImage, step.TargetPath)
		} else {
			err = os.Remove(step.TargetPath)
			if errors.Is(err, os.ErrNotExist) {
				err = nil
			}
		}
		if err != nil {
			complete = false
			o.audit(plan, step.Index, "compensation failed: "+err.Error())
			continue
		}
		step.Status = StepCompensated
		o.audit(plan, step.Index, "compensated")
	}
	if complete {
		plan.Status = StatusRolledBack
	}
}

// Cancel stops a plan. A running plan halts at the next step boundary;
// a planned one fails immediately; a terminal one is left untouched.
func (o *Orchestrator) Cancel(id string) error {
	// Held across the status check and persist so Cancel cannot race an
	// Execute claiming the same plan.
	o.mu.Lock()
	defer o.mu.Unlock()

	if cancel, active := o.running[id]; active {
		cancel()
		return nil
	}

	plan, err := o.Get(id)
	if err != nil {
		return err
	}
	if plan.Status.Terminal() || plan.Status == StatusFailed {
		return nil
	}
	plan.Status = StatusFailed
	o.audit(plan, -1, "cancelled before execution")
	return o.persist(plan)
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
