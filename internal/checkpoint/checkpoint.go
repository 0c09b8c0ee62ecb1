// Package checkpoint persists which work items a run has already flushed,
// so an interrupted job resumes instead of redoing finished rows.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ErrSignatureMismatch means the checkpoint on disk belongs to a different
// dataset/output/profile combination; callers must start fresh.
var ErrSignatureMismatch = errors.New("checkpoint signature mismatch")

// Record is the durable checkpoint contents.
type Record struct {
	JobSignature string    `json:"job_signature"`
	ProcessedIDs []string  `json:"processed_ids"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Signature identifies a job by its inputs. Any change to the dataset
// path, output root, or profile invalidates older checkpoints.
func Signature(datasetPath, outRoot, profile string) string {
	h := sha256.New()
	h.Write([]byte(datasetPath))
	h.Write([]byte{0})
	h.Write([]byte(outRoot))
	h.Write([]byte{0})
	h.Write([]byte(profile))
	return hex.EncodeToString(h.Sum(nil))
}

type Store struct {
	path string
	log  *slog.Logger
}

func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, log: logger}
}

func (s *Store) Path() string { return s.path }

// Load reads the checkpoint and verifies it belongs to this job. A missing
// file returns an empty record; a mismatched signature returns
// ErrSignatureMismatch.
func (s *Store) Load(signature string) (*Record, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Record{JobSignature: signature}, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		// A corrupt checkpoint is treated like a foreign one: start fresh.
		s.log.Warn("checkpoint.load.corrupt", "path", s.path, "error", err)
		return nil, ErrSignatureMismatch
	}
	if rec.JobSignature != signature {
		return nil, ErrSignatureMismatch
	}
	return &rec, nil
}

// Save writes the record atomically: temp file in the same directory, then
// rename. A crash mid-write never clobbers the previous good checkpoint.
func (s *Store) Save(rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	s.log.Debug("checkpoint.save.ok", "path", s.path, "processed", len(rec.ProcessedIDs))
	return nil
}

// Delete removes the checkpoint after a fully completed run.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
