package tunnel

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Record is the persisted state of a running tunnel. It is a cache: the pid
// is re-validated before the url is trusted.
type Record struct {
	PID    int    `yaml:"pid"`
	URL    string `yaml:"url"`
	Target string `yaml:"target"`
}

func readRecord(path string) (*Record, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading tunnel record")
	}
	var r Record
	if err := yaml.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "decoding tunnel record")
	}
	if r.PID <= 0 || r.URL == "" {
		return nil, errors.New("tunnel record is incomplete")
	}
	return &r, nil
}

// writeRecord replaces path atomically.
func writeRecord(path string, r Record) error {
	b, err := yaml.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encoding tunnel record")
	}
	f, err := os.CreateTemp(filepath.Dir(path), ".tunnel-*.yaml")
	if err != nil {
		return errors.Wrap(err, "creating temporary record")
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(b); err != nil {
		f.Close()
		return errors.Wrap(err, "writing temporary record")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing temporary record")
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return errors.Wrap(err, "replacing tunnel record")
	}
	return nil
}

func removeRecord(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "removing tunnel record")
	}
	return nil
}
