package txn

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Record is one entry in the coordinator log: a single transaction phase
// transition. The write-set travels with the PREPARING record so a
// commit decision can be replayed after a crash.
type Record struct {
	LSN          uint64     `json:"lsn"`
	TxnID        string     `json:"txn_id"`
	State        State      `json:"state"`
	Timestamp    int64      `json:"ts"`
	Writes       []Mutation `json:"writes,omitempty"`
	Participants []string   `json:"participants,omitempty"`
}

// WAL is the append-only coordinator log. Records are length-prefixed
// JSON, fsynced per append; the tail is allowed to be torn and is
// discarded on replay.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	path string
	lsn  uint64
}

// OpenWAL opens (or creates) the coordinator log at path and returns the
// replayable records already on disk.
func OpenWAL(path string) (*WAL, []Record, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	records, err := readAll(path)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open coordinator log: %w", err)
	}

	w := &WAL{file: file, path: path}
	if n := len(records); n > 0 {
		w.lsn = records[n-1].LSN
	}
	return w, records, nil
}

func readAll(path string) ([]Record, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read coordinator log: %w", err)
	}
	defer file.Close()

	var records []Record
	var header [4]byte
	for {
		if _, err := io.ReadFull(file, header[:]); err != nil {
			// EOF or a torn length prefix ends replay.
			return records, nil
		}
		payload := make([]byte, binary.BigEndian.Uint32(header[:]))
		if _, err := io.ReadFull(file, payload); err != nil {
			// Torn record at the tail: the transition never became
			// durable, drop it.
			return records, nil
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return records, nil
		}
		records = append(records, rec)
	}
}

// Append durably writes one phase transition. It returns only after the
// record is synced to disk.
func (w *WAL) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lsn++
	rec.LSN = w.lsn

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode log record: %w", err)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := w.file.Write(buf); err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync coordinator log: %w", err)
	}
	return nil
}

// Close closes the underlying log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
