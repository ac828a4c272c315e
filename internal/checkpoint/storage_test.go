// internal/checkpoint/storage_test.go
package checkpoint

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStorage(t *testing.T) {
	base := filepath.Join(t.TempDir(), "checkpoints")
	root := t.TempDir()
	storage := NewStorage(base)

	if err := storage.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "sub/b.txt", "world!")
	if err := os.Chmod(filepath.Join(root, "a.txt"), 0600); err != nil {
		t.Fatal(err)
	}

	t.Run("WriteAndList", func(t *testing.T) {
		stats, err := storage.Write("cp-1-aaaaaaaa", root, []string{"a.txt", "sub/b.txt"})
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if stats.FilesCount != 2 || stats.TotalSize != 11 {
			t.Errorf("Unexpected stats %+v", stats)
		}

		files, err := storage.ListFiles("cp-1-aaaaaaaa")
		if err != nil {
			t.Fatal(err)
		}
		if !equalStrings(files, []string{"a.txt", "sub/b.txt"}) {
			t.Errorf("Unexpected files %v", files)
		}

		info, err := os.Stat(storage.FilePath("cp-1-aaaaaaaa", "a.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
		}
	})

	t.Run("WriteMissingSource", func(t *testing.T) {
		_, err := storage.Write("cp-2-bbbbbbbb", root, []string{"a.txt", "missing.txt"})
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Expected not-exist error, got %v", err)
		}
	})

	t.Run("MetaRoundTrip", func(t *testing.T) {
		cp := &Checkpoint{
			ID:        "cp-1-aaaaaaaa",
			Name:      "first",
			Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
			State:     StateCreated,
			Context:   map[string]interface{}{"k": "v"},
			Tags:      []string{"t"},
			Stats:     Stats{FilesCount: 2, TotalSize: 11},
		}
		if err := storage.SaveMeta(cp.ID, cp); err != nil {
			t.Fatalf("SaveMeta failed: %v", err)
		}
		got, err := storage.LoadMeta(cp.ID)
		if err != nil {
			t.Fatalf("LoadMeta failed: %v", err)
		}
		if got.Name != cp.Name || !got.Timestamp.Equal(cp.Timestamp) || got.Context["k"] != "v" {
			t.Errorf("Unexpected metadata %+v", got)
		}
	})

	t.Run("LoadMetaMismatch", func(t *testing.T) {
		writeFile(t, base, "cp-3-cccccccc/meta.json", `{"id":"cp-9-99999999"}`)
		if _, err := storage.LoadMeta("cp-3-cccccccc"); err == nil {
			t.Error("Expected id mismatch error")
		}
		if _, err := storage.LoadMeta("cp-4-dddddddd"); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("Expected not-exist error, got %v", err)
		}
	})

	t.Run("Scan", func(t *testing.T) {
		writeFile(t, base, "notes.txt", "not a checkpoint")
		results, err := storage.Scan()
		if err != nil {
			t.Fatal(err)
		}
		var loaded, failed int
		for _, r := range results {
			if r.Err != nil {
				failed++
			} else {
				loaded++
			}
		}
		// cp-1 loads; cp-2 has no meta, cp-3 is mismatched.
		if loaded != 1 || failed != 2 {
			t.Errorf("Expected 1 loaded and 2 failed, got %d and %d", loaded, failed)
		}

		missing := NewStorage(filepath.Join(t.TempDir(), "nope"))
		results, err = missing.Scan()
		if err != nil || len(results) != 0 {
			t.Errorf("Expected empty scan of missing dir, got %v %v", results, err)
		}
	})

	t.Run("RestoreInto", func(t *testing.T) {
		dest := t.TempDir()
		writeFile(t, dest, "a.txt", "overwritten soon")
		if err := os.Chmod(filepath.Join(dest, "a.txt"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := storage.RestoreInto("cp-1-aaaaaaaa", dest); err != nil {
			t.Fatalf("RestoreInto failed: %v", err)
		}
		if readFile(t, dest, "a.txt") != "hello" || readFile(t, dest, "sub/b.txt") != "world!" {
			t.Error("Unexpected restored contents")
		}
		info, err := os.Stat(filepath.Join(dest, "a.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("Expected restored mode 0600, got %v", info.Mode().Perm())
		}
	})

	t.Run("ListFilesWithoutSnapshot", func(t *testing.T) {
		files, err := storage.ListFiles("cp-3-cccccccc")
		if err != nil {
			t.Fatal(err)
		}
		if files == nil || len(files) != 0 {
			t.Errorf("Expected empty non-nil list, got %v", files)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := storage.Remove("cp-1-aaaaaaaa"); err != nil {
			t.Fatal(err)
		}
		if storage.Exists("cp-1-aaaaaaaa") {
			t.Error("Expected checkpoint dir removed")
		}
		if err := storage.Remove("cp-1-aaaaaaaa"); err != nil {
			t.Errorf("Expected removing a missing dir to succeed, got %v", err)
		}
	})
}

func TestStorageHooks(t *testing.T) {
	storage := NewStorage(t.TempDir())
	root := t.TempDir()
	writeFile(t, root, "a.txt", "1")

	origOpen := openFile
	openFile = func(name string) (*os.File, error) {
		return nil, errors.New("io error")
	}
	defer func() { openFile = origOpen }()

	if _, err := storage.Write("cp-1-aaaaaaaa", root, []string{"a.txt"}); err == nil {
		t.Error("Expected Write to fail when the source cannot be opened")
	}
}

func TestStorageReplacesUnwritableFile(t *testing.T) {
	storage := NewStorage(t.TempDir())
	root := t.TempDir()
	writeFile(t, root, "a.txt", "snapshot")
	if _, err := storage.Write("cp-1-aaaaaaaa", root, []string{"a.txt"}); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	writeFile(t, dest, "a.txt", "live")
	live := filepath.Join(dest, "a.txt")

	denied := 0
	origCreate := createFile
	createFile = func(name string, perm os.FileMode) (*os.File, error) {
		// Refuse to open the existing file, as for a 0444 file and a non-root user.
		if name == live {
			if _, err := os.Lstat(name); err == nil {
				denied++
				return nil, &os.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
			}
		}
		return origCreate(name, perm)
	}
	defer func() { createFile = origCreate }()

	if err := storage.RestoreInto("cp-1-aaaaaaaa", dest); err != nil {
		t.Fatalf("RestoreInto failed: %v", err)
	}
	if denied != 1 {
		t.Errorf("Expected one refused open, got %d", denied)
	}
	if got := readFile(t, dest, "a.txt"); got != "snapshot" {
		t.Errorf("Expected 'snapshot', got '%s'", got)
	}
}
