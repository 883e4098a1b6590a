package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkeep/arkeep/internal/chunkstore"
	"github.com/arkeep/arkeep/internal/clock"
	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/metrics"
	"github.com/arkeep/arkeep/internal/storage"
)

const catalogPrefix = "backup:"

// Manager creates, validates, restores and deletes backups. Chunk
// bodies live in the chunk store; catalog records live in the durable
// store under the backup: prefix and survive restarts.
type Manager struct {
	chunks  *chunkstore.Store
	chunker chunkstore.Chunker
	store   storage.Store
	clk     clock.Clock
	log     logger.Logger

	mu sync.Mutex // serializes catalog mutations
}

// NewManager creates a backup manager.
func NewManager(chunks *chunkstore.Store, chunker chunkstore.Chunker, store storage.Store, clk clock.Clock, log logger.Logger) *Manager {
	return &Manager{
		chunks:  chunks,
		chunker: chunker,
		store:   store,
		clk:     clk,
		log:     log,
	}
}

// digestOf hashes the ordered chunk-reference sequence.
func digestOf(chunks []string) string {
	h := sha256.New()
	for _, c := range chunks {
		h.Write([]byte(c))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Create makes a backup of sourcePath. FULL captures every chunk;
// INCREMENTAL stores only chunks absent from its parent; DIFFERENTIAL
// diffs against the most recent FULL of the same source; SNAPSHOT
// re-references its parent's chunks without reading the source. Every
// chunk the record lists holds one reference, so deleting any backup in
// a chain never invalidates another.
func (m *Manager) Create(sourcePath string, typ Type, parentID string) (*Backup, error) {
	start := time.Now()

	b, err := m.create(sourcePath, typ, parentID)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues(string(typ), "error").Inc()
		return nil, err
	}

	metrics.BackupsTotal.WithLabelValues(string(typ), "ok").Inc()
	metrics.BackupDuration.WithLabelValues(string(typ)).Observe(time.Since(start).Seconds())
	m.log.Info("Backup created",
		logger.String("backup_id", b.ID),
		logger.String("type", string(typ)),
		logger.String("source", sourcePath),
		logger.Int("chunks", len(b.Chunks)),
		logger.Int("new_chunks", b.NewChunks))
	return b, nil
}

func (m *Manager) create(sourcePath string, typ Type, parentID string) (*Backup, error) {
	b := &Backup{
		ID:         uuid.New().String(),
		Type:       typ,
		SourcePath: sourcePath,
		ParentID:   parentID,
		CreatedAt:  m.clk.Now(),
		Status:     StatusPending,
	}

	if typ == TypeSnapshot {
		if parentID == "" {
			return nil, fmt.Errorf("%w for snapshot backup", ErrParentRequired)
		}
		parent, err := m.Get(parentID)
		if err != nil {
			return nil, err
		}
		// Point-in-time reference: re-reference the parent's chunks, no
		// data is read or copied.
		var taken []string
		for _, hash := range parent.Chunks {
			if err := m.chunks.Incref(hash); err != nil {
				m.releaseAll(taken)
				return nil, err
			}
			taken = append(taken, hash)
		}
		b.Chunks = append([]string(nil), parent.Chunks...)
		b.RawSize = parent.RawSize
		return m.seal(b)
	}

	baseline, err := m.baselineFor(typ, sourcePath, parentID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
	b.RawSize = int64(len(data))

	var taken []string
	for _, raw := range m.chunker.Split(data) {
		hash := chunkstore.Hash(raw)
		var storeErr error
		if _, known := baseline[hash]; known {
			// Unchanged since the baseline: reference, don't rewrite.
			storeErr = m.chunks.Incref(hash)
		} else {
			var deduped bool
			_, deduped, storeErr = m.chunks.Put(raw)
			if storeErr == nil && !deduped {
				b.NewChunks++
			}
		}
		if storeErr != nil {
			// No partial backup: give back every reference taken so far.
			m.releaseAll(taken)
			return nil, storeErr
		}
		taken = append(taken, hash)
		b.Chunks = append(b.Chunks, hash)
	}

	return m.seal(b)
}

// baselineFor returns the chunk hashes already captured by the backup
// this one diffs against, or nil for a FULL backup.
func (m *Manager) baselineFor(typ Type, sourcePath, parentID string) (map[string]struct{}, error) {
	switch typ {
	case TypeFull:
		return nil, nil
	case TypeIncremental:
		if parentID == "" {
			return nil, fmt.Errorf("%w for incremental backup", ErrParentRequired)
		}
		parent, err := m.Get(parentID)
		if err != nil {
			return nil, err
		}
		return hashSet(parent.Chunks), nil
	case TypeDifferential:
		full, err := m.latestFull(sourcePath)
		if err != nil {
			return nil, err
		}
		return hashSet(full.Chunks), nil
	default:
		return nil, fmt.Errorf("invalid backup type %q", typ)
	}
}

func hashSet(hashes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

// latestFull finds the most recent validated FULL backup of sourcePath.
func (m *Manager) latestFull(sourcePath string) (*Backup, error) {
	backups, err := m.List()
	if err != nil {
		return nil, err
	}
	var latest *Backup
	for _, b := range backups {
		if b.Type == TypeFull && b.SourcePath == sourcePath && b.Status == StatusValidated {
			if latest == nil || b.CreatedAt > latest.CreatedAt {
				latest = b
			}
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFullBackup, sourcePath)
	}
	return latest, nil
}

// seal computes the integrity digest and persists the record as
// VALIDATED. On a persist failure the chunk references are given back,
// so no partial record ever becomes visible.
func (m *Manager) seal(b *Backup) (*Backup, error) {
	b.Digest = digestOf(b.Chunks)
	b.Status = StatusValidated
	if err := m.putRecord(b); err != nil {
		m.releaseAll(b.Chunks)
		return nil, err
	}
	return b, nil
}

func (m *Manager) releaseAll(hashes []string) {
	for _, hash := range hashes {
		if err := m.chunks.Release(hash); err != nil {
			m.log.Warn("Failed to release chunk reference",
				logger.String("chunk", hash),
				logger.Error(err))
		}
	}
}

func (m *Manager) putRecord(b *Backup) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return m.store.Put(catalogPrefix+b.ID, raw)
}

// Get loads a catalog record.
func (m *Manager) Get(id string) (*Backup, error) {
	raw, err := m.store.Get(catalogPrefix + id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var b Backup
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("undecodable backup record %s: %w", id, err)
	}
	return &b, nil
}

// List returns every catalog record ordered by creation time.
func (m *Manager) List() ([]*Backup, error) {
	keys, err := m.store.List(catalogPrefix)
	if err != nil {
		return nil, err
	}
	backups := make([]*Backup, 0, len(keys))
	for _, key := range keys {
		b, err := m.Get(key[len(catalogPrefix):])
		if err != nil {
			m.log.Warn("Skipping unreadable backup record",
				logger.String("key", key),
				logger.Error(err))
			continue
		}
		backups = append(backups, b)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].CreatedAt < backups[j].CreatedAt })
	return backups, nil
}

// Validate recomputes the digest over the chunk-reference sequence and
// verifies every chunk body. A mismatch marks the backup CORRUPT.
func (m *Manager) Validate(id string) error {
	b, err := m.Get(id)
	if err != nil {
		return err
	}

	valid := digestOf(b.Chunks) == b.Digest
	if valid {
		for _, hash := range b.Chunks {
			if _, err := m.chunks.Get(hash); err != nil {
				m.log.Warn("Chunk failed validation",
					logger.String("backup_id", id),
					logger.String("chunk", hash),
					logger.Error(err))
				valid = false
				break
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-load under the catalog lock: a Delete may have removed the
	// record while the chunk scan ran, and writing the verdict back
	// would resurrect it with already-released chunk references.
	b, err = m.Get(id)
	if err != nil {
		return err
	}
	if !valid {
		b.Status = StatusCorrupt
		if err := m.putRecord(b); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrCorrupt, id)
	}
	b.Status = StatusValidated
	return m.putRecord(b)
}

// Restore reconstructs the backup's source bytes at targetPath. With
// validate set, the digest and size recomputed from the restored output
// are compared against the record before the restore is declared
// successful.
func (m *Manager) Restore(id, targetPath string, validate bool) error {
	if err := m.restore(id, targetPath, validate); err != nil {
		metrics.RestoresTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.RestoresTotal.WithLabelValues("ok").Inc()
	return nil
}

func (m *Manager) restore(id, targetPath string, validate bool) error {
	b, err := m.Get(id)
	if err != nil {
		return err
	}
	if b.Status == StatusCorrupt {
		return fmt.Errorf("%w: %s: refusing restore", ErrCorrupt, id)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	// Assemble into a temp file, then rename, so a failed restore never
	// leaves a truncated target.
	tmp, err := os.CreateTemp(filepath.Dir(targetPath), ".restore-*")
	if err != nil {
		return fmt.Errorf("failed to create restore scratch file: %w", err)
	}
	defer os.Remove(tmp.Name())

	// The digest is rebuilt from the bytes actually written out, not
	// from the record's own chunk list.
	restored := make([]string, 0, len(b.Chunks))
	var written int64
	for _, hash := range b.Chunks {
		data, err := m.chunks.Get(hash)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("restore of %s failed: %w", id, err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return fmt.Errorf("restore write failed: %w", err)
		}
		written += int64(len(data))
		restored = append(restored, chunkstore.Hash(data))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if validate {
		if digestOf(restored) != b.Digest {
			return fmt.Errorf("%w: %s: restored digest mismatch", ErrCorrupt, id)
		}
		if written != b.RawSize {
			return fmt.Errorf("%w: %s: restored %d bytes, expected %d", ErrCorrupt, id, written, b.RawSize)
		}
	}

	if err := os.Rename(tmp.Name(), targetPath); err != nil {
		return fmt.Errorf("failed to move restored file into place: %w", err)
	}

	m.log.Info("Backup restored",
		logger.String("backup_id", id),
		logger.String("target", targetPath),
		logger.Bool("validated", validate))
	return nil
}

// Delete removes a backup record and drops its chunk references; chunk
// bodies disappear when their last reference goes.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.store.Delete(catalogPrefix + id); err != nil {
		return err
	}
	m.releaseAll(b.Chunks)

	m.log.Info("Backup deleted",
		logger.String("backup_id", id),
		logger.Int("chunks_released", len(b.Chunks)))
	return nil
}

// Sweep deletes validated backups created before the cutoff timestamp.
// Used by the retention ticker.
func (m *Manager) Sweep(cutoff int64) (int, error) {
	backups, err := m.List()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, b := range backups {
		if b.CreatedAt >= cutoff {
			continue
		}
		if err := m.Delete(b.ID); err != nil {
			m.log.Warn("Retention delete failed",
				logger.String("backup_id", b.ID),
				logger.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}
