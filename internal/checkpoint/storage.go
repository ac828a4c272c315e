// internal/checkpoint/storage.go
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	metaFileName = "meta.json"
	filesDirName = "files"
	idPrefix     = "cp-"
)

// File system hooks, overridable in tests.
var (
	openFile   = os.Open
	createFile = func(name string, perm os.FileMode) (*os.File, error) {
		return os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	}
	mkdirAll = os.MkdirAll
)

// Storage persists checkpoints under baseDir, one directory per checkpoint:
//
//	<baseDir>/<id>/meta.json
//	<baseDir>/<id>/files/<workspace-relative path>
//
// Storage does no locking of its own; the Manager serializes writers.
type Storage struct {
	baseDir string
}

// NewStorage creates a new checkpoint storage rooted at baseDir.
func NewStorage(baseDir string) *Storage {
	return &Storage{baseDir: baseDir}
}

// BaseDir returns the storage root.
func (s *Storage) BaseDir() string {
	return s.baseDir
}

// Init creates the storage root if needed.
func (s *Storage) Init() error {
	if err := mkdirAll(s.baseDir, 0755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	return nil
}

func (s *Storage) checkpointDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Storage) filesDir(id string) string {
	return filepath.Join(s.baseDir, id, filesDirName)
}

// Exists reports whether a directory for checkpoint id is present, complete
// or not.
func (s *Storage) Exists(id string) bool {
	_, err := os.Lstat(s.checkpointDir(id))
	return err == nil
}

// FilePath returns the location of rel inside the snapshot of checkpoint id.
func (s *Storage) FilePath(id, rel string) string {
	return filepath.Join(s.filesDir(id), filepath.FromSlash(rel))
}

// Write copies each path from root into the snapshot of checkpoint id. It
// stops at the first file that cannot be copied; files already copied are
// left in place.
func (s *Storage) Write(id, root string, paths []string) (Stats, error) {
	var stats Stats

	filesDir := s.filesDir(id)
	if err := mkdirAll(filesDir, 0755); err != nil {
		return stats, fmt.Errorf("create checkpoint dir: %w", err)
	}

	for _, rel := range paths {
		src := filepath.Join(root, filepath.FromSlash(rel))
		dst := filepath.Join(filesDir, filepath.FromSlash(rel))

		n, err := copyFile(src, dst)
		if err != nil {
			return stats, fmt.Errorf("copy %s: %w", rel, err)
		}
		stats.FilesCount++
		stats.TotalSize += n
	}

	return stats, nil
}

// SaveMeta writes the metadata record for checkpoint id.
func (s *Storage) SaveMeta(id string, cp *Checkpoint) error {
	dir := s.checkpointDir(id)
	if err := mkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// LoadMeta reads the metadata record for checkpoint id. A missing record is
// reported as an error wrapping fs.ErrNotExist.
func (s *Storage) LoadMeta(id string) (*Checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(s.checkpointDir(id), metaFileName))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if cp.ID == "" {
		return nil, errors.New("unmarshal metadata: missing id")
	}
	if cp.ID != id {
		return nil, fmt.Errorf("unmarshal metadata: id %q does not match directory %q", cp.ID, id)
	}
	return &cp, nil
}

// Scan loads every checkpoint-shaped directory under the storage root. Each
// entry yields one LoadResult; entries that fail to load carry the reason.
// A missing storage root yields no results.
func (s *Storage) Scan() ([]LoadResult, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read storage dir: %w", err)
	}

	var results []LoadResult
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), idPrefix) {
			continue
		}
		cp, err := s.LoadMeta(entry.Name())
		results = append(results, LoadResult{ID: entry.Name(), Checkpoint: cp, Err: err})
	}
	return results, nil
}

// RestoreInto copies every file of the snapshot into dest, overwriting
// existing files and creating missing directories. Files in dest that are
// not part of the snapshot are left alone. Nothing is written through a
// symlink, so every write stays below dest.
func (s *Storage) RestoreInto(id, dest string) error {
	files, err := s.ListFiles(id)
	if err != nil {
		return err
	}

	for _, rel := range files {
		src := s.FilePath(id, rel)
		dst := filepath.Join(dest, filepath.FromSlash(rel))
		if err := unlinkParents(dest, rel); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
		if _, err := copyFile(src, dst); err != nil {
			return fmt.Errorf("restore %s: %w", rel, err)
		}
	}
	return nil
}

// ListFiles returns the sorted, slash-separated paths stored in the snapshot
// of checkpoint id. A checkpoint without a snapshot has no files.
func (s *Storage) ListFiles(id string) ([]string, error) {
	root := s.filesDir(id)
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("list snapshot: %w", err)
	}

	files := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshot: %w", err)
	}

	sort.Strings(files)
	return files, nil
}

// ReadFile returns the stored bytes of rel in the snapshot of checkpoint id.
// For a stored symlink it returns the link target.
func (s *Storage) ReadFile(id, rel string) ([]byte, error) {
	data, _, err := s.ReadEntry(id, rel)
	return data, err
}

// ReadEntry is ReadFile that also reports whether rel is stored as a symlink.
func (s *Storage) ReadEntry(id, rel string) ([]byte, bool, error) {
	path := s.FilePath(id, rel)
	info, err := os.Lstat(path)
	if err != nil {
		return nil, false, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		return []byte(target), true, err
	}
	data, err := os.ReadFile(path)
	return data, false, err
}

// Remove deletes the checkpoint directory and everything below it.
func (s *Storage) Remove(id string) error {
	if err := os.RemoveAll(s.checkpointDir(id)); err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}
	return nil
}

// copyFile copies src to dst, creating dst's parent directories and keeping
// the permission bits of src. A symlink is copied as a link, never through
// it. An existing dst is replaced even when it is read-only or a symlink. It
// returns the number of bytes copied.
func copyFile(src, dst string) (int64, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return 0, err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return copyLink(src, dst)
	}

	in, err := openFile(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err = in.Stat()
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s is not a regular file", src)
	}

	if err := mkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	if err := removeLink(dst); err != nil {
		return 0, err
	}

	out, err := createFile(dst, info.Mode().Perm())
	if errors.Is(err, fs.ErrPermission) {
		// Unlink a read-only destination and create it afresh.
		if rmErr := os.Remove(dst); rmErr == nil {
			out, err = createFile(dst, info.Mode().Perm())
		}
	}
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Close(); err != nil {
		return n, err
	}
	// O_TRUNC keeps the old mode of an existing file.
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return n, err
	}
	return n, nil
}

// copyLink recreates the symlink src at dst with the same target. The
// returned size is the length of the target path.
func copyLink(src, dst string) (int64, error) {
	target, err := os.Readlink(src)
	if err != nil {
		return 0, err
	}
	if err := mkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, err
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}
	if err := os.Symlink(target, dst); err != nil {
		return 0, err
	}
	return int64(len(target)), nil
}

// removeLink deletes path if it is a symlink so that a following write
// creates a regular file in its place.
func removeLink(path string) error {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&fs.ModeSymlink == 0 {
		return nil
	}
	return os.Remove(path)
}

// unlinkParents removes the first symlink among the directories between root
// and rel, so that mkdirAll recreates it as a real directory inside root.
func unlinkParents(root, rel string) error {
	dir := root
	parts := strings.Split(rel, "/")
	for _, part := range parts[:len(parts)-1] {
		dir = filepath.Join(dir, part)
		info, err := os.Lstat(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return os.Remove(dir)
		}
	}
	return nil
}
