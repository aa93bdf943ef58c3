package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	yaml "sigs.k8s.io/yaml"

	"github.com/sttts/kcsync/pkg/portforward"
)

// fileSink persists port-forward records as YAML. After freeze, saves are
// dropped so shutting the sessions down keeps the last list on disk.
type fileSink struct {
	path string

	mu     sync.Mutex
	frozen bool
}

var _ portforward.RecordSink = &fileSink{}

func (s *fileSink) SaveRecords(records []portforward.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return nil
	}
	if records == nil {
		records = []portforward.Record{}
	}
	data, err := yaml.Marshal(records)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileSink) freeze() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frozen = true
}

// loadRecords reads records written by fileSink. A missing file is empty.
func loadRecords(path string) ([]portforward.Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []portforward.Record
	if err := yaml.UnmarshalStrict(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}
