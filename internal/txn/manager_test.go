package txn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arkeep/arkeep/internal/clock"
	"github.com/arkeep/arkeep/internal/locktable"
	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/storage"
)

func testConfig(walPath string) Config {
	return Config{
		LockWaitTimeout:  2 * time.Second,
		PrepareTimeout:   time.Second,
		DeadlockInterval: 25 * time.Millisecond,
		VictimPolicy:     "youngest",
		CoordinatorLog:   walPath,
	}
}

func newTestManager(t *testing.T, cfg Config, store storage.Store) *Manager {
	t.Helper()
	log := logger.NewFromConfig("error", "text")
	m, err := NewManager(cfg, store, locktable.New(), clock.NewMonotonic(), log)
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCommitMakesWritesVisible(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(filepath.Join(t.TempDir(), "txn.wal")), store)

	status, err := m.Begin(ReadCommitted)
	require.NoError(t, err)

	require.NoError(t, m.Write(ctx, status.ID, "account", []byte("100")))
	require.NoError(t, m.Commit(status.ID))

	value, version, err := m.GetCommitted("account")
	require.NoError(t, err)
	require.Equal(t, []byte("100"), value)
	require.Greater(t, version, int64(0))

	got, err := m.Status(status.ID)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, got.State)
}

func TestAbortDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(filepath.Join(t.TempDir(), "txn.wal")), store)

	status, err := m.Begin(ReadCommitted)
	require.NoError(t, err)

	require.NoError(t, m.Write(ctx, status.ID, "k", []byte("v")))
	require.NoError(t, m.Abort(status.ID))

	_, _, err = m.GetCommitted("k")
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Aborting again is a no-op.
	require.NoError(t, m.Abort(status.ID))
}

func TestReadYourWrites(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(filepath.Join(t.TempDir(), "txn.wal")), store)

	status, err := m.Begin(ReadCommitted)
	require.NoError(t, err)

	require.NoError(t, m.Write(ctx, status.ID, "k", []byte("pending")))

	value, _, err := m.Read(ctx, status.ID, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("pending"), value)

	// A staged delete reads as absent inside the transaction.
	require.NoError(t, m.Delete(ctx, status.ID, "k"))
	_, _, err = m.Read(ctx, status.ID, "k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestUncommittedWritesInvisibleToOthers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(filepath.Join(t.TempDir(), "txn.wal")), store)

	writer, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, writer.ID, "k", []byte("dirty")))

	// A serializable reader does not block on the writer's lock and
	// sees only committed state.
	reader, err := m.Begin(Serializable)
	require.NoError(t, err)
	_, _, err = m.Read(ctx, reader.ID, "k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestReadCommittedWaitsForWriter(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cfg := testConfig(filepath.Join(t.TempDir(), "txn.wal"))
	cfg.LockWaitTimeout = 80 * time.Millisecond
	m := newTestManager(t, cfg, store)

	writer, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, writer.ID, "k", []byte("dirty")))

	reader, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	_, _, err = m.Read(ctx, reader.ID, "k")
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestSerializableConflictAborts(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(filepath.Join(t.TempDir(), "txn.wal")), store)

	seed, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, seed.ID, "k", []byte("v0")))
	require.NoError(t, m.Commit(seed.ID))

	t1, err := m.Begin(Serializable)
	require.NoError(t, err)
	_, _, err = m.Read(ctx, t1.ID, "k")
	require.NoError(t, err)

	// A concurrent transaction overwrites the key t1 observed.
	t2, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, t2.ID, "k", []byte("v1")))
	require.NoError(t, m.Commit(t2.ID))

	err = m.Prepare(t1.ID)
	require.ErrorIs(t, err, ErrSerializationConflict)

	got, err := m.Status(t1.ID)
	require.NoError(t, err)
	require.Equal(t, StateAborted, got.State)
}

func TestDeadlockDetectionAbortsVictim(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(filepath.Join(t.TempDir(), "txn.wal")), store)

	t1, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	t2, err := m.Begin(ReadCommitted)
	require.NoError(t, err)

	require.NoError(t, m.Write(ctx, t1.ID, "a", []byte("1")))
	require.NoError(t, m.Write(ctx, t2.ID, "b", []byte("2")))

	// Cross the lock order to force a cycle.
	errs := make(chan error, 2)
	go func() { errs <- m.Write(ctx, t1.ID, "b", []byte("1")) }()
	go func() { errs <- m.Write(ctx, t2.ID, "a", []byte("2")) }()

	first, second := <-errs, <-errs
	victims := 0
	for _, err := range []error{first, second} {
		if errors.Is(err, ErrDeadlockVictim) {
			victims++
		} else {
			require.NoError(t, err)
		}
	}
	require.Equal(t, 1, victims, "exactly one transaction must be chosen as victim")
}

func TestCommitReplaysForwardAfterCrash(t *testing.T) {
	store := storage.NewMemoryStore()
	walPath := filepath.Join(t.TempDir(), "txn.wal")

	// Simulate a crash after the commit decision became durable but
	// before the write-set was applied.
	wal, records, err := OpenWAL(walPath)
	require.NoError(t, err)
	require.Empty(t, records)
	writes := []Mutation{{Key: "k", Value: []byte("decided")}}
	require.NoError(t, wal.Append(Record{TxnID: "t-crash", State: StateActive, Timestamp: 1}))
	require.NoError(t, wal.Append(Record{TxnID: "t-crash", State: StateCommitting, Timestamp: 2, Writes: writes}))
	require.NoError(t, wal.Close())

	m := newTestManager(t, testConfig(walPath), store)

	value, _, err := m.GetCommitted("k")
	require.NoError(t, err)
	require.Equal(t, []byte("decided"), value)
}

func TestIncompleteTxnAbortedOnRestart(t *testing.T) {
	store := storage.NewMemoryStore()
	walPath := filepath.Join(t.TempDir(), "txn.wal")

	wal, _, err := OpenWAL(walPath)
	require.NoError(t, err)
	writes := []Mutation{{Key: "k", Value: []byte("staged")}}
	require.NoError(t, wal.Append(Record{TxnID: "t-prep", State: StateActive, Timestamp: 1}))
	require.NoError(t, wal.Append(Record{TxnID: "t-prep", State: StatePreparing, Timestamp: 2, Writes: writes}))
	require.NoError(t, wal.Close())

	m := newTestManager(t, testConfig(walPath), store)

	// Without a durable decision the staged writes never land.
	_, _, err = m.GetCommitted("k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

type voteParticipant struct {
	name       string
	prepareErr error
	prepared   bool
	committed  bool
	aborted    bool
}

func (p *voteParticipant) Name() string { return p.name }
func (p *voteParticipant) Prepare(txnID string) error {
	p.prepared = true
	return p.prepareErr
}
func (p *voteParticipant) Commit(txnID string) error {
	p.committed = true
	return nil
}
func (p *voteParticipant) Abort(txnID string) error {
	p.aborted = true
	return nil
}

func TestParticipantVoteNoAbortsGlobally(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(filepath.Join(t.TempDir(), "txn.wal")), store)

	dissent := &voteParticipant{name: "ledger", prepareErr: errors.New("constraint violated")}
	m.RegisterParticipant(dissent)

	status, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Enlist(status.ID, "ledger"))
	require.NoError(t, m.Write(ctx, status.ID, "k", []byte("v")))

	err = m.Commit(status.ID)
	require.ErrorIs(t, err, ErrParticipantVote)
	require.True(t, dissent.prepared)
	require.True(t, dissent.aborted)

	_, _, err = m.GetCommitted("k")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestParticipantsNotifiedOnCommit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(filepath.Join(t.TempDir(), "txn.wal")), store)

	p := &voteParticipant{name: "ledger"}
	m.RegisterParticipant(p)

	status, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Enlist(status.ID, "ledger"))
	require.NoError(t, m.Write(ctx, status.ID, "k", []byte("v")))
	require.NoError(t, m.Commit(status.ID))

	require.True(t, p.prepared)
	require.True(t, p.committed)
}

func TestCommitIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := newTestManager(t, testConfig(filepath.Join(t.TempDir(), "txn.wal")), store)

	status, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, status.ID, "k", []byte("v")))
	require.NoError(t, m.Commit(status.ID))
	require.NoError(t, m.Commit(status.ID))

	// Abort after commit is rejected.
	require.ErrorIs(t, m.Abort(status.ID), ErrTxnNotActive)
}

func TestLocksReleasedAfterCommit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	cfg := testConfig(filepath.Join(t.TempDir(), "txn.wal"))
	cfg.LockWaitTimeout = 200 * time.Millisecond
	m := newTestManager(t, cfg, store)

	t1, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, t1.ID, "k", []byte("v1")))
	require.NoError(t, m.Commit(t1.ID))

	t2, err := m.Begin(ReadCommitted)
	require.NoError(t, err)
	require.NoError(t, m.Write(ctx, t2.ID, "k", []byte("v2")))
	require.NoError(t, m.Commit(t2.ID))

	value, _, err := m.GetCommitted("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
}
