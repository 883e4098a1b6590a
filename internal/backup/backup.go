package backup

import "errors"

var (
	// ErrBackupNotFound is returned for an unknown backup id.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrCorrupt is returned when a backup fails integrity validation.
	// A corrupt backup is never used for restore.
	ErrCorrupt = errors.New("backup corrupt")

	// ErrParentRequired is returned when an incremental or snapshot
	// backup is created without a parent.
	ErrParentRequired = errors.New("parent backup required")

	// ErrNoFullBackup is returned when a differential backup has no
	// full backup of the same source to diff against.
	ErrNoFullBackup = errors.New("no full backup for source")
)

// Type is the backup kind. The set is closed; every switch over it is
// exhaustive.
type Type string

const (
	TypeFull         Type = "FULL"
	TypeIncremental  Type = "INCREMENTAL"
	TypeDifferential Type = "DIFFERENTIAL"
	TypeSnapshot     Type = "SNAPSHOT"
)

// ParseType parses a backup type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeFull, TypeIncremental, TypeDifferential, TypeSnapshot:
		return Type(s), nil
	default:
		return "", errors.New("invalid backup type: " + s)
	}
}

// Status is the backup lifecycle status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusValidated Status = "VALIDATED"
	StatusCorrupt   Status = "CORRUPT"
)

// Backup is a catalog record. Once VALIDATED the record is immutable
// except for a CORRUPT flag set by a failed validation.
type Backup struct {
	ID         string   `json:"id"`
	Type       Type     `json:"type"`
	SourcePath string   `json:"source_path"`
	ParentID   string   `json:"parent_id,omitempty"`
	Chunks     []string `json:"chunks"`
	Digest     string   `json:"digest"`
	CreatedAt  int64    `json:"created_at"`
	RawSize    int64    `json:"raw_size"`
	NewChunks  int      `json:"new_chunks"`
	Status     Status   `json:"status"`
}
