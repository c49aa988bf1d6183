package runs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/uploadtopi/uploadtopi/internal/config"
)

// Store manages run records at ~/.uploadtopi/runs/
type Store struct {
	dir string
}

// NewStore creates a run store under the configuration directory
func NewStore() (*Store, error) {
	configDir, err := config.ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return NewStoreAt(filepath.Join(configDir, "runs"))
}

// NewStoreAt creates a run store in dir
func NewStoreAt(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create runs directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save persists a record to disk
func (s *Store) Save(record *Record) error {
	path := filepath.Join(s.dir, record.ID+".json")

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	// Write through a temp file so ps never reads a partial record
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}

	return nil
}

// Load reads a record from disk by ID
func (s *Store) Load(id string) (*Record, error) {
	path := filepath.Join(s.dir, id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run not found: %s", id)
		}
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}

	return &record, nil
}

// List returns all saved records, oldest first
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read runs directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		id := entry.Name()[:len(entry.Name())-5] // Remove .json extension
		record, err := s.Load(id)
		if err != nil {
			continue // Skip invalid records
		}
		records = append(records, record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records, nil
}

// Delete removes a record file
func (s *Store) Delete(id string) error {
	path := filepath.Join(s.dir, id+".json")

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete run file: %w", err)
	}

	return nil
}

// Prune deletes finished records, or every record when all is set, and
// returns the removed IDs
func (s *Store) Prune(all bool) ([]string, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, record := range records {
		if !all && !record.Finished() {
			continue
		}
		if err := s.Delete(record.ID); err != nil {
			return removed, err
		}
		removed = append(removed, record.ID)
	}
	return removed, nil
}

// Dir returns the run storage directory
func (s *Store) Dir() string {
	return s.dir
}
