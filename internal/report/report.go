// Package report reads and writes the TOML sidecar describing a finished
// recording.
package report

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"k8s.io/utils/keymutex"

	"github.com/glrecorder/glrecorder/internal/probe"
	"github.com/glrecorder/glrecorder/internal/recorder"
	"github.com/glrecorder/glrecorder/internal/version"
)

// Extension is appended to the recording path to name its sidecar.
const Extension = ".toml"

// Report describes one recording.
type Report struct {
	Session   string         `toml:"session"`
	Output    string         `toml:"output"`
	Format    string         `toml:"format"`
	Speed     float64        `toml:"speed"`
	StartedAt time.Time      `toml:"started_at"`
	Elapsed   string         `toml:"elapsed"`
	Error     string         `toml:"error,omitempty"`
	Stats     recorder.Stats `toml:"stats"`
	Tracks    []probe.Track  `toml:"tracks,omitempty"`
	Version   version.Info   `toml:"version"`
}

// PathFor returns the sidecar path of a recording.
func PathFor(output string) string {
	return output + Extension
}

// Store serializes access to sidecar files. Writers of different paths do
// not block each other.
type Store struct {
	locks keymutex.KeyMutex
}

// NewStore returns a Store.
func NewStore() *Store {
	return &Store{locks: keymutex.NewHashed(0)}
}

// Save writes r to path, replacing any previous report atomically.
func (s *Store) Save(path string, r *Report) error {
	key := filepath.Clean(path)
	s.locks.LockKey(key)
	defer s.locks.UnlockKey(key)

	data, err := toml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "failed to serialize report")
	}

	dir := filepath.Dir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create report directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(key)+".*")
	if err != nil {
		return errors.Wrap(err, "failed to create report file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write report")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	return errors.Wrap(os.Rename(tmp.Name(), key), "failed to replace report")
}

// Load reads the report at path.
func (s *Store) Load(path string) (*Report, error) {
	key := filepath.Clean(path)
	s.locks.LockKey(key)
	defer s.locks.UnlockKey(key)

	data, err := os.ReadFile(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read report")
	}
	var r Report
	if err := toml.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "failed to parse report")
	}
	return &r, nil
}
