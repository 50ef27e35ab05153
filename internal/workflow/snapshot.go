package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const snapshotVersion = 1

// Snapshot is the persisted form of a graph.
type Snapshot struct {
	Version int       `json:"version" yaml:"version"`
	RunID   string    `json:"run_id" yaml:"run_id"`
	SavedAt time.Time `json:"saved_at" yaml:"saved_at"`
	Tasks   []Task    `json:"tasks" yaml:"tasks"`
}

// Snapshot captures the current state of every task.
func (g *Graph) Snapshot(runID string) Snapshot {
	return Snapshot{
		Version: snapshotVersion,
		RunID:   runID,
		SavedAt: time.Now().UTC(),
		Tasks:   g.Tasks(),
	}
}

// Graph rebuilds a validated graph from the snapshot.
func (s Snapshot) Graph() (*Graph, error) {
	if s.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	return New(s.Tasks)
}

// FileStore persists snapshots to a single path. Files ending in .yaml or
// .yml are written as YAML, everything else as JSON.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

func (fs *FileStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(fs.Path))
	return ext == ".yaml" || ext == ".yml"
}

// Save writes a snapshot of g atomically.
func (fs *FileStore) Save(runID string, g *Graph) error {
	snap := g.Snapshot(runID)
	var (
		data []byte
		err  error
	)
	if fs.isYAML() {
		data, err = yaml.Marshal(snap)
	} else {
		data, err = json.MarshalIndent(snap, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := writeFileAtomic(fs.Path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot stored at the path.
func (fs *FileStore) Load() (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(fs.Path)
	if err != nil {
		return snap, fmt.Errorf("read snapshot: %w", err)
	}
	if fs.isYAML() {
		err = yaml.Unmarshal(data, &snap)
	} else {
		err = json.Unmarshal(data, &snap)
	}
	if err != nil {
		return snap, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}

// writeFileAtomic writes to a temp file in the same directory, syncs it and
// renames it over path, so readers only ever see a complete snapshot.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
