package watch

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// summarizeOver is the number of direct children above which a directory is
// recorded as a single entry instead of being walked.
const summarizeOver = 500

// FileEntry records a single file's metadata at snapshot time.
type FileEntry struct {
	Path    string
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
	IsDir   bool
	// For summarized directories: count of children
	ChildCount int
}

// Snapshot is a map of relative paths to FileEntry.
type Snapshot map[string]FileEntry

// Take walks root and returns a Snapshot. Paths for which skip returns true
// are left out, directories with them. All paths are relative to root.
func Take(root string, skip func(path string) bool) (Snapshot, error) {
	snap := make(Snapshot)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // removed while walking
			}
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skip != nil && skip(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		entry := FileEntry{
			Path:    rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode(),
			IsDir:   d.IsDir(),
		}

		if d.IsDir() {
			children, err := os.ReadDir(path)
			if err != nil {
				return err
			}
			entry.ChildCount = len(children)
			if entry.ChildCount > summarizeOver {
				snap[rel] = entry
				return filepath.SkipDir
			}
		}

		snap[rel] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// ChangeType describes how a path differs between two snapshots.
type ChangeType string

const (
	Created  ChangeType = "created"
	Modified ChangeType = "modified"
	Deleted  ChangeType = "deleted"
)

// Change represents a single file change.
type Change struct {
	Path string
	Type ChangeType
}

// Diff compares two snapshots and returns changes sorted by path.
// Directories only count when created or deleted, since their modification
// time follows their children.
func Diff(before, after Snapshot) []Change {
	var changes []Change

	// Check for created and modified
	for path, afterEntry := range after {
		beforeEntry, exists := before[path]
		if !exists {
			changes = append(changes, Change{Path: path, Type: Created})
			continue
		}
		if afterEntry.IsDir && beforeEntry.IsDir {
			if afterEntry.ChildCount != beforeEntry.ChildCount && afterEntry.ChildCount > summarizeOver {
				changes = append(changes, Change{Path: path, Type: Modified})
			}
			continue
		}
		if beforeEntry.Size != afterEntry.Size ||
			!beforeEntry.ModTime.Equal(afterEntry.ModTime) ||
			beforeEntry.Mode != afterEntry.Mode {
			changes = append(changes, Change{Path: path, Type: Modified})
		}
	}

	// Check for deleted
	for path := range before {
		if _, exists := after[path]; !exists {
			changes = append(changes, Change{Path: path, Type: Deleted})
		}
	}

	// Sort by path for deterministic output
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})

	return changes
}
