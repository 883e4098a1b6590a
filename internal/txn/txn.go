package txn

import (
	"errors"

	"github.com/arkeep/arkeep/internal/locktable"
)

var (
	// ErrTxnNotFound is returned for an unknown transaction id.
	ErrTxnNotFound = errors.New("transaction not found")

	// ErrTxnNotActive is returned when an operation requires a live
	// transaction but the transaction already reached a terminal state.
	ErrTxnNotActive = errors.New("transaction is not active")

	// ErrSerializationConflict is returned from Prepare when a resource
	// in the transaction's snapshot was modified by another committed
	// transaction. The caller is expected to retry the whole transaction.
	ErrSerializationConflict = errors.New("serialization conflict")

	// ErrDeadlockVictim is returned when the deadlock detector aborted
	// the transaction to break a cycle. Retriable.
	ErrDeadlockVictim = errors.New("transaction aborted as deadlock victim")

	// ErrParticipantVote is returned when a 2PC participant voted no or
	// failed to acknowledge within the prepare timeout.
	ErrParticipantVote = errors.New("participant vote failed")

	// ErrKeyNotFound is returned when a read finds no committed value.
	ErrKeyNotFound = errors.New("key not found")

	// ErrLockTimeout is re-exported so callers need not import locktable.
	ErrLockTimeout = locktable.ErrLockTimeout
)

// State is a transaction lifecycle state.
type State string

const (
	StateActive     State = "ACTIVE"
	StatePreparing  State = "PREPARING"
	StatePrepared   State = "PREPARED"
	StateCommitting State = "COMMITTING"
	StateCommitted  State = "COMMITTED"
	StateAborting   State = "ABORTING"
	StateAborted    State = "ABORTED"
)

// Terminal reports whether the state is immutable.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateAborted
}

// IsolationLevel controls visibility and conflict validation.
type IsolationLevel string

const (
	ReadCommitted IsolationLevel = "READ_COMMITTED"
	Serializable  IsolationLevel = "SERIALIZABLE"
)

// ParseIsolation parses an isolation level string, defaulting to
// READ_COMMITTED.
func ParseIsolation(s string) IsolationLevel {
	if IsolationLevel(s) == Serializable {
		return Serializable
	}
	return ReadCommitted
}

// Mutation is one pending write in a transaction's write-set. A nil
// Value with Tombstone set deletes the key at commit.
type Mutation struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// Status is the externally visible view of a transaction.
type Status struct {
	ID           string         `json:"id"`
	State        State          `json:"state"`
	Isolation    IsolationLevel `json:"isolation"`
	StartTS      int64          `json:"start_ts"`
	CommitTS     int64          `json:"commit_ts,omitempty"`
	WriteSetSize int            `json:"write_set_size"`
	Participants []string       `json:"participants,omitempty"`
}

// Participant is a remote resource manager enlisted in two-phase commit.
// Prepare must return nil only if the participant's local effects are
// durably staged; after voting yes it must be able to honor either
// Commit or Abort.
type Participant interface {
	Name() string
	Prepare(txnID string) error
	Commit(txnID string) error
	Abort(txnID string) error
}
