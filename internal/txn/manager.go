package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkeep/arkeep/internal/clock"
	"github.com/arkeep/arkeep/internal/locktable"
	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/metrics"
	"github.com/arkeep/arkeep/internal/storage"
)

// Config contains transaction manager tunables.
type Config struct {
	LockWaitTimeout  time.Duration
	PrepareTimeout   time.Duration
	DeadlockInterval time.Duration
	VictimPolicy     string // "youngest" or "oldest"
	CoordinatorLog   string
}

type transaction struct {
	mu           sync.Mutex
	id           string
	state        State
	isolation    IsolationLevel
	startTS      int64
	commitTS     int64
	writes       []Mutation
	writeIdx     map[string]int
	snapshot     map[string]int64
	participants []string
	abortErr     error
	endedAt      time.Time
}

// Manager owns the transaction lifecycle: locking, isolation, two-phase
// commit with a durable coordinator log, and deadlock detection.
type Manager struct {
	cfg   Config
	clk   clock.Clock
	locks *locktable.Table
	ks    *keyspace
	wal   *WAL
	log   logger.Logger

	mu   sync.RWMutex
	txns map[string]*transaction

	pmu          sync.RWMutex
	participants map[string]Participant

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager opens the coordinator log, replays it to a consistent
// state, and returns a ready manager. Call Start to launch the deadlock
// detector and Close on shutdown.
func NewManager(cfg Config, store storage.Store, locks *locktable.Table, clk clock.Clock, log logger.Logger) (*Manager, error) {
	ks, err := newKeyspace(store, log)
	if err != nil {
		return nil, err
	}

	wal, records, err := OpenWAL(cfg.CoordinatorLog)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:          cfg,
		clk:          clk,
		locks:        locks,
		ks:           ks,
		wal:          wal,
		log:          log,
		txns:         make(map[string]*transaction),
		participants: make(map[string]Participant),
		stop:         make(chan struct{}),
	}

	if err := m.replay(records); err != nil {
		wal.Close()
		return nil, err
	}
	return m, nil
}

// replay drives every transaction in the log to a terminal state: a
// logged commit decision is applied forward, everything else is aborted.
func (m *Manager) replay(records []Record) error {
	type txnLog struct {
		last   State
		writes []Mutation
		ts     int64
	}
	logs := make(map[string]*txnLog)
	var order []string

	for _, rec := range records {
		entry, seen := logs[rec.TxnID]
		if !seen {
			entry = &txnLog{}
			logs[rec.TxnID] = entry
			order = append(order, rec.TxnID)
		}
		entry.last = rec.State
		entry.ts = rec.Timestamp
		if len(rec.Writes) > 0 {
			entry.writes = rec.Writes
		}
	}

	recovered, aborted := 0, 0
	for _, id := range order {
		entry := logs[id]
		if entry.last.Terminal() {
			continue
		}
		switch entry.last {
		case StateCommitting:
			// The decision was durable: replay the write-set forward.
			if err := m.ks.apply(entry.writes, entry.ts); err != nil {
				return fmt.Errorf("replay of transaction %s failed: %w", id, err)
			}
			if err := m.wal.Append(Record{TxnID: id, State: StateCommitted, Timestamp: m.clk.Now()}); err != nil {
				return err
			}
			recovered++
		default:
			if err := m.wal.Append(Record{TxnID: id, State: StateAborted, Timestamp: m.clk.Now()}); err != nil {
				return err
			}
			aborted++
		}
	}

	if recovered > 0 || aborted > 0 {
		m.log.Info("Coordinator log replayed",
			logger.Int("committed_forward", recovered),
			logger.Int("aborted", aborted))
	}
	return nil
}

// Start launches the deadlock detector and the terminal-record sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runDetector()
}

// Close stops background work and closes the coordinator log.
func (m *Manager) Close() error {
	close(m.stop)
	m.wg.Wait()
	return m.wal.Close()
}

// RegisterParticipant makes a 2PC participant available for enlistment.
func (m *Manager) RegisterParticipant(p Participant) {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	m.participants[p.Name()] = p
}

// Begin starts a transaction and returns its status.
func (m *Manager) Begin(isolation IsolationLevel) (Status, error) {
	t := &transaction{
		id:        uuid.New().String(),
		state:     StateActive,
		isolation: isolation,
		startTS:   m.clk.Now(),
		writeIdx:  make(map[string]int),
		snapshot:  make(map[string]int64),
	}

	if err := m.wal.Append(Record{TxnID: t.id, State: StateActive, Timestamp: t.startTS}); err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	m.txns[t.id] = t
	m.mu.Unlock()

	metrics.TxnsActive.Inc()
	m.log.Debug("Transaction started",
		logger.String("txn_id", t.id),
		logger.String("isolation", string(isolation)))
	return m.statusOf(t), nil
}

func (m *Manager) get(txnID string) (*transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[txnID]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return t, nil
}

// Enlist adds a registered participant to the transaction's 2PC group.
func (m *Manager) Enlist(txnID, participant string) error {
	m.pmu.RLock()
	_, known := m.participants[participant]
	m.pmu.RUnlock()
	if !known {
		return fmt.Errorf("unknown participant %q", participant)
	}

	t, err := m.get(txnID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return ErrTxnNotActive
	}
	for _, name := range t.participants {
		if name == participant {
			return nil
		}
	}
	t.participants = append(t.participants, participant)
	return nil
}

// Read returns the committed value and version visible to the
// transaction. Under READ_COMMITTED the read takes a shared lock held to
// transaction end; under SERIALIZABLE reads are optimistic and the
// observed version is validated at Prepare.
func (m *Manager) Read(ctx context.Context, txnID, key string) ([]byte, int64, error) {
	t, err := m.get(txnID)
	if err != nil {
		return nil, 0, err
	}

	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return nil, 0, ErrTxnNotActive
	}
	if idx, ok := t.writeIdx[key]; ok {
		// Read-your-writes from the pending write-set.
		mut := t.writes[idx]
		t.mu.Unlock()
		if mut.Tombstone {
			return nil, 0, ErrKeyNotFound
		}
		return mut.Value, t.startTS, nil
	}
	pessimistic := t.isolation == ReadCommitted
	t.mu.Unlock()

	if pessimistic {
		if err := m.acquire(ctx, t, key, locktable.ModeShared); err != nil {
			return nil, 0, err
		}
	}

	value, version, ok := m.ks.get(key)

	t.mu.Lock()
	if _, seen := t.snapshot[key]; !seen {
		t.snapshot[key] = version
	}
	t.mu.Unlock()

	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return value, version, nil
}

// Write stages a mutation in the transaction's write-set under an
// exclusive lock. Nothing becomes visible before commit.
func (m *Manager) Write(ctx context.Context, txnID, key string, value []byte) error {
	return m.stage(ctx, txnID, Mutation{Key: key, Value: value})
}

// Delete stages a tombstone for key.
func (m *Manager) Delete(ctx context.Context, txnID, key string) error {
	return m.stage(ctx, txnID, Mutation{Key: key, Tombstone: true})
}

func (m *Manager) stage(ctx context.Context, txnID string, mut Mutation) error {
	t, err := m.get(txnID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return ErrTxnNotActive
	}
	t.mu.Unlock()

	if err := m.acquire(ctx, t, mut.Key, locktable.ModeExclusive); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return ErrTxnNotActive
	}
	if _, seen := t.snapshot[mut.Key]; !seen {
		t.snapshot[mut.Key] = m.ks.version(mut.Key)
	}
	if idx, ok := t.writeIdx[mut.Key]; ok {
		t.writes[idx] = mut
	} else {
		t.writeIdx[mut.Key] = len(t.writes)
		t.writes = append(t.writes, mut)
	}
	return nil
}

// acquire takes a lock with the configured wait budget, translating a
// detector eviction into the victim's abort reason.
func (m *Manager) acquire(ctx context.Context, t *transaction, key string, mode locktable.Mode) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.LockWaitTimeout)
	defer cancel()

	err := m.locks.Acquire(waitCtx, t.id, key, mode)
	if errors.Is(err, locktable.ErrWaitAborted) {
		t.mu.Lock()
		reason := t.abortErr
		t.mu.Unlock()
		if reason != nil {
			return reason
		}
		return err
	}
	if errors.Is(err, locktable.ErrLockTimeout) {
		metrics.TxnConflictsTotal.WithLabelValues("lock_timeout").Inc()
	}
	return err
}

// Prepare runs phase one: snapshot validation, durable staging of the
// write-set, and participant votes. A dissenting vote or a validation
// failure aborts the transaction globally.
func (m *Manager) Prepare(txnID string) error {
	t, err := m.get(txnID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StatePrepared {
		return nil
	}
	if t.state != StateActive {
		return ErrTxnNotActive
	}
	t.state = StatePreparing

	if t.isolation == Serializable {
		for key, version := range t.snapshot {
			if m.ks.version(key) != version {
				metrics.TxnConflictsTotal.WithLabelValues("serialization").Inc()
				m.abortLocked(t, ErrSerializationConflict)
				return fmt.Errorf("%w: key %q changed since snapshot", ErrSerializationConflict, key)
			}
		}
	}

	rec := Record{
		TxnID:        t.id,
		State:        StatePreparing,
		Timestamp:    m.clk.Now(),
		Writes:       t.writes,
		Participants: t.participants,
	}
	if err := m.wal.Append(rec); err != nil {
		m.abortLocked(t, err)
		return err
	}

	for _, name := range t.participants {
		m.pmu.RLock()
		p := m.participants[name]
		m.pmu.RUnlock()

		if err := callWithTimeout(m.cfg.PrepareTimeout, func() error { return p.Prepare(t.id) }); err != nil {
			m.log.Warn("Participant voted no",
				logger.String("txn_id", t.id),
				logger.String("participant", name),
				logger.Error(err))
			m.abortLocked(t, err)
			return fmt.Errorf("%w: %s: %v", ErrParticipantVote, name, err)
		}
	}

	t.state = StatePrepared
	if err := m.wal.Append(Record{TxnID: t.id, State: StatePrepared, Timestamp: m.clk.Now()}); err != nil {
		m.abortLocked(t, err)
		return err
	}
	return nil
}

// Commit makes the transaction's write-set visible. An ACTIVE
// transaction is prepared implicitly. The commit decision is durable in
// the coordinator log before any write is applied or any lock released,
// so a crash after the decision replays to the same outcome.
func (m *Manager) Commit(txnID string) error {
	t, err := m.get(txnID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state == StateActive {
		t.mu.Unlock()
		if err := m.Prepare(txnID); err != nil {
			return err
		}
		t.mu.Lock()
	}
	defer t.mu.Unlock()

	if t.state == StateCommitted {
		return nil
	}
	if t.state != StatePrepared {
		return ErrTxnNotActive
	}

	t.state = StateCommitting
	t.commitTS = m.clk.Now()
	if err := m.wal.Append(Record{TxnID: t.id, State: StateCommitting, Timestamp: t.commitTS, Writes: t.writes}); err != nil {
		// The decision never became durable, so aborting is still legal.
		m.abortLocked(t, err)
		return err
	}

	if err := m.ks.apply(t.writes, t.commitTS); err != nil {
		// Decision is durable: leave COMMITTING for restart replay.
		m.log.Error("Commit apply failed, will replay on restart",
			logger.String("txn_id", t.id),
			logger.Error(err))
		return err
	}

	for _, name := range t.participants {
		m.pmu.RLock()
		p := m.participants[name]
		m.pmu.RUnlock()
		if err := callWithTimeout(m.cfg.PrepareTimeout, func() error { return p.Commit(t.id) }); err != nil {
			// Decision already committed; participant must catch up.
			m.log.Error("Participant commit notification failed",
				logger.String("txn_id", t.id),
				logger.String("participant", name),
				logger.Error(err))
		}
	}

	if err := m.wal.Append(Record{TxnID: t.id, State: StateCommitted, Timestamp: m.clk.Now()}); err != nil {
		return err
	}
	t.state = StateCommitted
	t.endedAt = time.Now()
	m.locks.ReleaseAll(t.id)

	metrics.TxnsActive.Dec()
	metrics.TxnsTotal.WithLabelValues("committed").Inc()
	m.log.Debug("Transaction committed",
		logger.String("txn_id", t.id),
		logger.Int64("commit_ts", t.commitTS),
		logger.Int("writes", len(t.writes)))
	return nil
}

// Abort rolls the transaction back. Aborting an aborted transaction is a
// no-op; aborting a committed one is an error.
func (m *Manager) Abort(txnID string) error {
	t, err := m.get(txnID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateAborted {
		return nil
	}
	if t.state == StateCommitted || t.state == StateCommitting {
		return ErrTxnNotActive
	}
	m.abortLocked(t, nil)
	return nil
}

// abortLocked is called with t.mu held.
func (m *Manager) abortLocked(t *transaction, reason error) {
	t.state = StateAborting
	if reason != nil {
		t.abortErr = reason
	}

	for _, name := range t.participants {
		m.pmu.RLock()
		p := m.participants[name]
		m.pmu.RUnlock()
		if err := callWithTimeout(m.cfg.PrepareTimeout, func() error { return p.Abort(t.id) }); err != nil {
			m.log.Warn("Participant abort notification failed",
				logger.String("txn_id", t.id),
				logger.String("participant", name),
				logger.Error(err))
		}
	}

	if err := m.wal.Append(Record{TxnID: t.id, State: StateAborted, Timestamp: m.clk.Now()}); err != nil {
		m.log.Error("Failed to log abort record", logger.String("txn_id", t.id), logger.Error(err))
	}
	t.state = StateAborted
	t.endedAt = time.Now()
	t.writes = nil
	t.writeIdx = make(map[string]int)
	m.locks.ReleaseAll(t.id)

	metrics.TxnsActive.Dec()
	metrics.TxnsTotal.WithLabelValues("aborted").Inc()
	m.log.Debug("Transaction aborted", logger.String("txn_id", t.id))
}

// GetCommitted reads the latest committed value outside any transaction.
func (m *Manager) GetCommitted(key string) ([]byte, int64, error) {
	value, version, ok := m.ks.get(key)
	if !ok {
		return nil, 0, ErrKeyNotFound
	}
	return value, version, nil
}

// Status returns the transaction's externally visible state.
func (m *Manager) Status(txnID string) (Status, error) {
	t, err := m.get(txnID)
	if err != nil {
		return Status{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return m.statusOf(t), nil
}

// List returns the status of every known transaction.
func (m *Manager) List() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.txns))
	for _, t := range m.txns {
		t.mu.Lock()
		out = append(out, m.statusOf(t))
		t.mu.Unlock()
	}
	return out
}

func (m *Manager) statusOf(t *transaction) Status {
	return Status{
		ID:           t.id,
		State:        t.state,
		Isolation:    t.isolation,
		StartTS:      t.startTS,
		CommitTS:     t.commitTS,
		WriteSetSize: len(t.writes),
		Participants: t.participants,
	}
}

func callWithTimeout(d time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		return errors.New("timed out waiting for acknowledgment")
	}
}
