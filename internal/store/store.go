package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mblsha/dxeforge/internal/job"
)

const defaultLimit = 200

// Store keeps one JSON file per build record under dir.
type Store struct {
	dir   string
	limit int

	mu sync.Mutex
}

func New(dir string, limit int) *Store {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Store{dir: dir, limit: limit}
}

func (s *Store) Dir() string { return s.dir }

// Save writes the record and drops the oldest records beyond the limit.
func (s *Store) Save(record *job.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(record.ID) == "" || strings.ContainsAny(record.ID, `/\`) {
		return fmt.Errorf("invalid record id %q", record.ID)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("ensure history directory: %w", err)
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal build record: %w", err)
	}
	path := s.RecordPath(record.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write build record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace build record: %w", err)
	}
	return s.pruneLocked()
}

func (s *Store) Load(id string) (*job.Record, error) {
	raw, err := os.ReadFile(s.RecordPath(id))
	if err != nil {
		return nil, err
	}
	var rec job.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("parse build record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns every record, oldest first.
func (s *Store) LoadAll() ([]*job.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAllLocked()
}

// List returns up to limit records, newest first.
func (s *Store) List(limit int) ([]*job.Record, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]*job.Record, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) RecordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) loadAllLocked() ([]*job.Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list build records: %w", err)
	}

	records := make([]*job.Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		rec, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, fmt.Errorf("load build record %q: %w", name, err)
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *Store) pruneLocked() error {
	records, err := s.loadAllLocked()
	if err != nil {
		return err
	}
	for len(records) > s.limit {
		if err := os.Remove(s.RecordPath(records[0].ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("prune build record: %w", err)
		}
		records = records[1:]
	}
	return nil
}
