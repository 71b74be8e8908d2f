package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"triage/internal/domain"
	"triage/internal/faults"
	"triage/internal/logging"
)

// SchemaVersion is bumped when the document layout changes incompatibly.
const SchemaVersion = 1

// Document is the on-disk shape of a front-door node's failover state.
type Document struct {
	SchemaVersion int                  `json:"schema_version"`
	SavedAt       time.Time            `json:"saved_at"`
	Failover      domain.FailoverState `json:"failover"`
}

// File persists one node's failover state as a JSON document. Writes go
// through a temp file and rename so a crash mid-write never leaves a torn
// document, and the previous good document is kept as a .bak for recovery.
type File struct {
	path string
	log  *logging.Logger
	now  func() time.Time
}

func New(path string, log *logging.Logger) *File {
	return &File{path: path, log: log, now: time.Now}
}

// Save replaces the state document atomically. The existing document is
// rotated to the backup first, but only when it still parses; a corrupt
// primary must not clobber a good backup.
func (f *File) Save(st domain.FailoverState) error {
	doc := Document{SchemaVersion: SchemaVersion, SavedAt: f.now(), Failover: st}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", faults.ErrPersistence, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create state dir: %v", faults.ErrPersistence, err)
	}

	if _, perr := parseFile(f.path); perr == nil {
		if err := os.Rename(f.path, f.path+".bak"); err != nil {
			f.log.Warn("state backup rotation failed", "path", f.path, "error", err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp state: %v", faults.ErrPersistence, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: write state: %v", faults.ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: sync state: %v", faults.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: close temp state: %v", faults.ErrPersistence, err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("%w: replace state: %v", faults.ErrPersistence, err)
	}
	return nil
}

// Load reads the state document, falling back to the backup when the
// primary is missing, torn, or from a newer schema. found is false on a
// fresh node with no usable document; the error is non-nil only when a
// document exists but nothing usable could be recovered.
func (f *File) Load() (domain.FailoverState, bool, error) {
	doc, err := parseFile(f.path)
	if err == nil {
		return doc.Failover, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		if doc, berr := parseFile(f.path + ".bak"); berr == nil {
			f.log.Warn("state file missing, restored from backup", "path", f.path)
			return doc.Failover, true, nil
		}
		return domain.FailoverState{}, false, nil
	}

	f.log.Warn("state file unreadable, trying backup", "path", f.path, "error", err)
	doc, berr := parseFile(f.path + ".bak")
	if berr == nil {
		return doc.Failover, true, nil
	}
	if errors.Is(berr, fs.ErrNotExist) {
		return domain.FailoverState{}, false, fmt.Errorf("%w: state file corrupt, no backup: %v", faults.ErrPersistence, err)
	}
	return domain.FailoverState{}, false, fmt.Errorf("%w: state file and backup corrupt: %v", faults.ErrPersistence, berr)
}

func parseFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if doc.SchemaVersion > SchemaVersion {
		return Document{}, fmt.Errorf("%s: schema version %d newer than supported %d", filepath.Base(path), doc.SchemaVersion, SchemaVersion)
	}
	return doc, nil
}
