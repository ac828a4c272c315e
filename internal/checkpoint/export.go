package checkpoint

import (
	"archive/tar"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ExportExt is the conventional extension for exported checkpoints.
const ExportExt = ".tar.zst"

// Export writes checkpoint id as a zstd-compressed tar stream to w. Entries
// are rooted at "<id>/" and mirror the on-disk layout. It returns the number
// of uncompressed file bytes written.
func (m *Manager) Export(id string, w io.Writer) (int64, error) {
	start := time.Now()

	m.mu.Lock()
	n, err := m.exportLocked(id, w)
	m.mu.Unlock()

	m.finish("export", start, err, nil)
	return n, err
}

// ExportFile exports checkpoint id to destPath. A partially written file is
// removed on failure.
func (m *Manager) ExportFile(id, destPath string) (int64, error) {
	if m.registry.Get(id) == nil {
		return 0, fmt.Errorf("export %s: %w", id, ErrNotFound)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}

	n, err := m.Export(id, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close export file: %w", cerr)
	}
	if err != nil {
		os.Remove(destPath)
		return 0, err
	}
	return n, nil
}

func (m *Manager) exportLocked(id string, w io.Writer) (int64, error) {
	cp := m.registry.Get(id)
	if cp == nil {
		return 0, fmt.Errorf("export %s: %w", id, ErrNotFound)
	}

	files, err := m.storage.ListFiles(id)
	if err != nil {
		return 0, err
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("create zstd encoder: %w", err)
	}
	tw := tar.NewWriter(enc)

	meta, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		enc.Close()
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	hdr := &tar.Header{
		Name:    path.Join(id, metaFileName),
		Mode:    0644,
		Size:    int64(len(meta)),
		ModTime: cp.Timestamp,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		enc.Close()
		return 0, fmt.Errorf("write archive: %w", err)
	}
	if _, err := tw.Write(meta); err != nil {
		enc.Close()
		return 0, fmt.Errorf("write archive: %w", err)
	}

	var total int64
	for _, rel := range files {
		n, err := addTarFile(tw, m.storage.FilePath(id, rel), path.Join(id, filesDirName, rel))
		if err != nil {
			enc.Close()
			return 0, fmt.Errorf("export %s: %w", rel, err)
		}
		total += n
	}

	if err := tw.Close(); err != nil {
		enc.Close()
		return 0, fmt.Errorf("write archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("flush zstd stream: %w", err)
	}

	m.logger.Info().Str("checkpoint", id).Int("files", len(files)).Int64("bytes", total).Msg("checkpoint exported")
	return total, nil
}

func addTarFile(tw *tar.Writer, src, name string) (int64, error) {
	if info, err := os.Lstat(src); err == nil && info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return 0, err
		}
		hdr, err := tar.FileInfoHeader(info, target)
		if err != nil {
			return 0, err
		}
		hdr.Name = name
		return 0, tw.WriteHeader(hdr)
	}

	f, err := openFile(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	return io.Copy(tw, f)
}
