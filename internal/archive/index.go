package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/andywolf/baton/internal/errkind"
	"github.com/andywolf/baton/internal/fileutil"
	"github.com/andywolf/baton/internal/workspace"
)

// IndexVersion is the current on-disk index format.
const IndexVersion = 1

// Entry is one archive file as recorded in the index.
type Entry struct {
	ID             string    `json:"id"`
	Agent          string    `json:"agent"`
	File           string    `json:"file"`
	CreatedAt      time.Time `json:"created_at"`
	OriginalLines  int       `json:"original_lines"`
	OriginalBytes  int64     `json:"original_bytes"`
	RotationReason string    `json:"rotation_reason"`
	// Checksum is BLAKE3 over the uncompressed archive file.
	Checksum string `json:"checksum"`
	// Bytes is the size of the uncompressed archive file.
	Bytes           int64     `json:"bytes"`
	Compressed      bool      `json:"compressed"`
	CompressedFile  string    `json:"compressed_file,omitempty"`
	CompressedBytes int64     `json:"compressed_bytes,omitempty"`
	Algorithm       Algorithm `json:"algorithm,omitempty"`
	CompressedAt    time.Time `json:"compressed_at,omitempty"`
}

// BackingFile is the file currently holding the entry, relative to the
// archive directory.
func (e Entry) BackingFile() string {
	if e.Compressed {
		return e.CompressedFile
	}
	return e.File
}

// Index is the archive journal.
type Index struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Find returns the entry whose uncompressed or compressed file is rel.
func (idx *Index) Find(rel string) (int, bool) {
	for i, e := range idx.Entries {
		if e.File == rel || (e.CompressedFile != "" && e.CompressedFile == rel) {
			return i, true
		}
	}
	return -1, false
}

// Remove drops the entry at i.
func (idx *Index) Remove(i int) {
	idx.Entries = append(idx.Entries[:i], idx.Entries[i+1:]...)
}

// sortByAge orders entries oldest first.
func (idx *Index) sortByAge() {
	sort.SliceStable(idx.Entries, func(i, j int) bool {
		return idx.Entries[i].CreatedAt.Before(idx.Entries[j].CreatedAt)
	})
}

// IndexStore reads and rewrites index.json. Every mutation runs under the
// index lock and is written through temp file + rename.
type IndexStore struct {
	path        string
	archiveDir  string
	lockPath    string
	lockTimeout time.Duration
}

// NewIndexStore creates an IndexStore for layout.
func NewIndexStore(layout workspace.Layout, lockTimeout time.Duration) *IndexStore {
	return &IndexStore{
		path:        layout.IndexFile(),
		archiveDir:  layout.ArchiveDir(),
		lockPath:    layout.LockFile("index"),
		lockTimeout: lockTimeout,
	}
}

// Path returns the index file path.
func (s *IndexStore) Path() string {
	return s.path
}

// ArchiveDir returns the directory entry paths are relative to.
func (s *IndexStore) ArchiveDir() string {
	return s.archiveDir
}

// Abs resolves an entry-relative path.
func (s *IndexStore) Abs(rel string) string {
	return filepath.Join(s.archiveDir, rel)
}

// Rel converts an absolute path under the archive dir to entry form.
func (s *IndexStore) Rel(path string) (string, error) {
	return filepath.Rel(s.archiveDir, path)
}

// Load reads the index without locking. A missing file is an empty index.
func (s *IndexStore) Load() (*Index, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Index{Version: IndexVersion}, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.IOError, "load index", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, errkind.Wrap(errkind.CorruptArchive, "load index", fmt.Errorf("corrupt index: %w", err))
	}
	if idx.Version == 0 {
		idx.Version = IndexVersion
	}
	return &idx, nil
}

// Update runs fn on the current index under the index lock and writes the
// result atomically. Nothing is written if fn fails.
func (s *IndexStore) Update(fn func(*Index) error) error {
	return s.locked(func() error {
		idx, err := s.Load()
		if err != nil {
			return err
		}
		if err := fn(idx); err != nil {
			return err
		}
		return s.save(idx)
	})
}

func (s *IndexStore) locked(fn func() error) error {
	err := fileutil.WithLock(s.lockPath, s.lockTimeout, fn)
	if errors.Is(err, fileutil.ErrLockTimeout) {
		return errkind.Wrap(errkind.IOError, "lock index", err)
	}
	return err
}

func (s *IndexStore) save(idx *Index) error {
	idx.Version = IndexVersion
	if idx.Entries == nil {
		idx.Entries = []Entry{}
	}
	idx.sortByAge()
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.IOError, "save index", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errkind.Wrap(errkind.IOError, "save index", err)
	}
	if err := fileutil.AtomicWriteFile(s.path, append(data, '\n'), 0600); err != nil {
		return errkind.Wrap(errkind.IOError, "save index", err)
	}
	return nil
}

// Append records entry and prunes the oldest entries, with their backing
// files, until at most maxEntries remain. It returns the pruned entries.
// An entry whose file cannot be removed stays in the index.
func (s *IndexStore) Append(entry Entry, maxEntries int) ([]Entry, error) {
	var pruned []Entry
	err := s.Update(func(idx *Index) error {
		if i, ok := idx.Find(entry.File); ok {
			idx.Entries[i] = entry
		} else {
			idx.Entries = append(idx.Entries, entry)
		}
		if maxEntries <= 0 || len(idx.Entries) <= maxEntries {
			return nil
		}

		idx.sortByAge()
		excess := len(idx.Entries) - maxEntries
		kept := make([]Entry, 0, len(idx.Entries))
		for _, e := range idx.Entries {
			if excess > 0 && e.File != entry.File {
				err := os.Remove(s.Abs(e.BackingFile()))
				if err == nil || errors.Is(err, os.ErrNotExist) {
					pruned = append(pruned, e)
					excess--
					continue
				}
			}
			kept = append(kept, e)
		}
		idx.Entries = kept
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pruned, nil
}
