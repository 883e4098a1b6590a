package backup

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arkeep/arkeep/internal/chunkstore"
	"github.com/arkeep/arkeep/internal/clock"
	"github.com/arkeep/arkeep/internal/logger"
	"github.com/arkeep/arkeep/internal/storage"
)

type fixture struct {
	manager *Manager
	chunks  *chunkstore.Store
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	codec, err := chunkstore.NewCodec("none", 0)
	require.NoError(t, err)
	chunker, err := chunkstore.NewChunker("fixed", 1024)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	chunks := chunkstore.New(store, codec)
	log := logger.NewFromConfig("error", "text")
	return &fixture{
		manager: NewManager(chunks, chunker, store, clock.NewFake(100), log),
		chunks:  chunks,
		dir:     t.TempDir(),
	}
}

func (f *fixture) writeSource(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func randomBytes(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	rng.Read(data)
	return data
}

func TestFullBackupRestoresByteIdentical(t *testing.T) {
	f := newFixture(t)
	data := randomBytes(1, 10*1024)
	source := f.writeSource(t, "db.dat", data)

	b, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)
	require.Equal(t, StatusValidated, b.Status)
	require.Equal(t, int64(len(data)), b.RawSize)
	require.Equal(t, 10, len(b.Chunks))

	target := filepath.Join(f.dir, "restored.dat")
	require.NoError(t, f.manager.Restore(b.ID, target, true))

	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, restored), "restored bytes differ from source")
}

func TestIdenticalBackupsDeduplicate(t *testing.T) {
	f := newFixture(t)
	data := randomBytes(2, 8*1024)
	source := f.writeSource(t, "db.dat", data)

	first, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)
	require.Equal(t, len(first.Chunks), first.NewChunks)

	second, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)
	require.Zero(t, second.NewChunks, "identical content must add no new chunks")
	require.Equal(t, first.Chunks, second.Chunks)

	// Each backup holds its own reference to every shared chunk.
	refs, err := f.chunks.Refs(first.Chunks[0])
	require.NoError(t, err)
	require.Equal(t, int64(2), refs)
}

func TestIncrementalStoresOnlyChangedChunks(t *testing.T) {
	f := newFixture(t)
	data := randomBytes(3, 8*1024)
	source := f.writeSource(t, "db.dat", data)

	full, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)

	// Change a single aligned chunk.
	copy(data[2048:3072], randomBytes(4, 1024))
	source = f.writeSource(t, "db.dat", data)

	incr, err := f.manager.Create(source, TypeIncremental, full.ID)
	require.NoError(t, err)
	require.Equal(t, 1, incr.NewChunks, "only the changed chunk is new")
	require.Equal(t, len(full.Chunks), len(incr.Chunks), "record still lists the full chunk sequence")

	// The incremental restores the complete current state on its own.
	target := filepath.Join(f.dir, "restored.dat")
	require.NoError(t, f.manager.Restore(incr.ID, target, true))
	restored, err := os.ReadFile(target)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, restored))
}

func TestIncrementalRequiresParent(t *testing.T) {
	f := newFixture(t)
	source := f.writeSource(t, "db.dat", randomBytes(5, 2048))

	_, err := f.manager.Create(source, TypeIncremental, "")
	require.ErrorIs(t, err, ErrParentRequired)
}

func TestDifferentialDiffsAgainstLatestFull(t *testing.T) {
	f := newFixture(t)
	data := randomBytes(6, 6*1024)
	source := f.writeSource(t, "db.dat", data)

	_, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)

	copy(data[:1024], randomBytes(7, 1024))
	source = f.writeSource(t, "db.dat", data)

	diff, err := f.manager.Create(source, TypeDifferential, "")
	require.NoError(t, err)
	require.Equal(t, 1, diff.NewChunks)
}

func TestDifferentialWithoutFullFails(t *testing.T) {
	f := newFixture(t)
	source := f.writeSource(t, "db.dat", randomBytes(8, 2048))

	_, err := f.manager.Create(source, TypeDifferential, "")
	require.ErrorIs(t, err, ErrNoFullBackup)
}

func TestSnapshotReferencesParentWithoutReading(t *testing.T) {
	f := newFixture(t)
	source := f.writeSource(t, "db.dat", randomBytes(9, 4*1024))

	full, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)

	// Remove the source: a snapshot must not need it.
	require.NoError(t, os.Remove(source))

	snap, err := f.manager.Create(source, TypeSnapshot, full.ID)
	require.NoError(t, err)
	require.Equal(t, full.Chunks, snap.Chunks)
	require.Zero(t, snap.NewChunks)

	refs, err := f.chunks.Refs(full.Chunks[0])
	require.NoError(t, err)
	require.Equal(t, int64(2), refs)
}

func TestValidateDetectsCorruption(t *testing.T) {
	backing := storage.NewMemoryStore()
	codec, err := chunkstore.NewCodec("none", 0)
	require.NoError(t, err)
	chunker, err := chunkstore.NewChunker("fixed", 1024)
	require.NoError(t, err)
	chunks := chunkstore.New(backing, codec)
	manager := NewManager(chunks, chunker, backing, clock.NewFake(100), logger.NewFromConfig("error", "text"))

	dir := t.TempDir()
	source := filepath.Join(dir, "db.dat")
	require.NoError(t, os.WriteFile(source, randomBytes(10, 3*1024), 0644))

	b, err := manager.Create(source, TypeFull, "")
	require.NoError(t, err)
	require.NoError(t, manager.Validate(b.ID))

	// Tamper with a chunk body behind the store's back.
	require.NoError(t, backing.Put("chunk:"+b.Chunks[1], []byte("tampered")))

	require.ErrorIs(t, manager.Validate(b.ID), ErrCorrupt)

	got, err := manager.Get(b.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCorrupt, got.Status)

	// A corrupt backup is never restored.
	err = manager.Restore(b.ID, filepath.Join(dir, "out.dat"), true)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestDeleteReleasesChunks(t *testing.T) {
	f := newFixture(t)
	data := randomBytes(11, 4*1024)
	source := f.writeSource(t, "db.dat", data)

	first, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)
	second, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)

	// Deleting one backup leaves the other fully restorable.
	require.NoError(t, f.manager.Delete(first.ID))

	target := filepath.Join(f.dir, "restored.dat")
	require.NoError(t, f.manager.Restore(second.ID, target, true))

	// Deleting the last reference removes the bodies.
	require.NoError(t, f.manager.Delete(second.ID))
	refs, err := f.chunks.Refs(second.Chunks[0])
	require.NoError(t, err)
	require.Zero(t, refs)

	_, err = f.manager.Get(first.ID)
	require.ErrorIs(t, err, ErrBackupNotFound)
}

func TestSweepDeletesExpired(t *testing.T) {
	f := newFixture(t)
	source := f.writeSource(t, "db.dat", randomBytes(12, 2048))

	old, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)

	fresh, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)

	deleted, err := f.manager.Sweep(old.CreatedAt + 1)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = f.manager.Get(old.ID)
	require.ErrorIs(t, err, ErrBackupNotFound)
	_, err = f.manager.Get(fresh.ID)
	require.NoError(t, err)
}

func TestListOrdersByCreation(t *testing.T) {
	f := newFixture(t)
	source := f.writeSource(t, "db.dat", randomBytes(13, 2048))

	first, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)
	second, err := f.manager.Create(source, TypeFull, "")
	require.NoError(t, err)

	list, err := f.manager.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, second.ID, list[1].ID)
}

// hookStore lets a test interleave catalog operations at an exact point
// inside another operation's store access.
type hookStore struct {
	storage.Store
	onGet func(key string)
}

func (h *hookStore) Get(key string) ([]byte, error) {
	if h.onGet != nil {
		h.onGet(key)
	}
	return h.Store.Get(key)
}

func TestValidateDoesNotResurrectDeletedBackup(t *testing.T) {
	backing := &hookStore{Store: storage.NewMemoryStore()}
	codec, err := chunkstore.NewCodec("none", 0)
	require.NoError(t, err)
	chunker, err := chunkstore.NewChunker("fixed", 1024)
	require.NoError(t, err)
	chunks := chunkstore.New(backing, codec)
	manager := NewManager(chunks, chunker, backing, clock.NewFake(100), logger.NewFromConfig("error", "text"))

	dir := t.TempDir()
	source := filepath.Join(dir, "db.dat")
	require.NoError(t, os.WriteFile(source, randomBytes(16, 3*1024), 0644))

	b, err := manager.Create(source, TypeFull, "")
	require.NoError(t, err)

	// Delete the backup while Validate scans chunk bodies, between its
	// record load and its verdict write.
	fired := false
	backing.onGet = func(key string) {
		if fired || !strings.HasPrefix(key, "chunk:") {
			return
		}
		fired = true
		require.NoError(t, manager.Delete(b.ID))
	}

	require.ErrorIs(t, manager.Validate(b.ID), ErrBackupNotFound)
	require.True(t, fired, "chunk scan never reached the store")

	// The record stays deleted and its chunk references stay released.
	_, err = manager.Get(b.ID)
	require.ErrorIs(t, err, ErrBackupNotFound)
	refs, err := chunks.Refs(b.Chunks[0])
	require.NoError(t, err)
	require.Zero(t, refs)
}

func TestRestoreValidateDetectsTamperedRecord(t *testing.T) {
	backing := storage.NewMemoryStore()
	codec, err := chunkstore.NewCodec("none", 0)
	require.NoError(t, err)
	chunker, err := chunkstore.NewChunker("fixed", 1024)
	require.NoError(t, err)
	chunks := chunkstore.New(backing, codec)
	manager := NewManager(chunks, chunker, backing, clock.NewFake(100), logger.NewFromConfig("error", "text"))

	dir := t.TempDir()
	source := filepath.Join(dir, "db.dat")
	require.NoError(t, os.WriteFile(source, randomBytes(17, 3*1024), 0644))

	b, err := manager.Create(source, TypeFull, "")
	require.NoError(t, err)

	// Shrink the recorded size behind the catalog's back: the restored
	// output no longer matches the record.
	raw, err := backing.Get("backup:" + b.ID)
	require.NoError(t, err)
	var rec Backup
	require.NoError(t, json.Unmarshal(raw, &rec))
	rec.RawSize--
	raw, err = json.Marshal(&rec)
	require.NoError(t, err)
	require.NoError(t, backing.Put("backup:"+b.ID, raw))

	target := filepath.Join(dir, "out.dat")
	require.ErrorIs(t, manager.Restore(b.ID, target, true), ErrCorrupt)

	// Without verification the record is taken at face value.
	require.NoError(t, manager.Restore(b.ID, target, false))
}
