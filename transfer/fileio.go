package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"peerdrop/models"
)

// ChunkReader exposes sequential chunk access to a local resource.
type ChunkReader interface {
	// ReadChunkAt returns up to size bytes starting at offset. A short
	// read at end of file is not an error.
	ReadChunkAt(offset int64, size int) ([]byte, error)
	Close() error
}

// ChunkWriter writes chunks of an incoming resource. Commit finalizes
// the resource once all bytes were written.
type ChunkWriter interface {
	WriteChunkAt(offset int64, data []byte) error
	Commit() error
	Close() error
}

// IOProvider resolves resource descriptors to chunk access. Failures
// surface as a single I/O error.
type IOProvider interface {
	OpenReader(resource models.Resource) (ChunkReader, error)
	OpenWriter(resource models.Resource) (ChunkWriter, error)
}

// DiskProvider is the filesystem-backed IOProvider. Outbound resources
// are read from their path; inbound resources are staged as .part
// files under ReceiveDir and renamed on commit.
type DiskProvider struct {
	ReceiveDir string
}

type diskReader struct {
	file *os.File
}

func (r *diskReader) ReadChunkAt(offset int64, size int) ([]byte, error) {
	buffer := make([]byte, size)
	n, err := r.file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read chunk at offset %d: %w", offset, err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buffer[:n], nil
}

func (r *diskReader) Close() error {
	return r.file.Close()
}

type diskWriter struct {
	file      *os.File
	tempPath  string
	finalPath string
	committed bool
}

func (w *diskWriter) WriteChunkAt(offset int64, data []byte) error {
	if _, err := w.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write chunk at offset %d: %w", offset, err)
	}
	return nil
}

func (w *diskWriter) Commit() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close staged file: %w", err)
	}
	if err := os.Rename(w.tempPath, w.finalPath); err != nil {
		return fmt.Errorf("finalize %q: %w", w.finalPath, err)
	}
	w.committed = true
	return nil
}

func (w *diskWriter) Close() error {
	if w.committed {
		return nil
	}
	_ = w.file.Close()
	_ = os.Remove(w.tempPath)
	return nil
}

// OpenReader validates and opens an outbound resource for chunk reads.
func (p *DiskProvider) OpenReader(resource models.Resource) (ChunkReader, error) {
	if strings.TrimSpace(resource.Path) == "" {
		return nil, fmt.Errorf("%w: resource path is empty", ErrInvalidResource)
	}

	info, err := os.Stat(resource.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: stat %q: %v", ErrInvalidResource, resource.Path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %q is a directory", ErrInvalidResource, resource.Path)
	}
	if info.Size() != resource.TotalSizeBytes {
		return nil, fmt.Errorf("%w: size mismatch for %q: descriptor %d, file %d",
			ErrInvalidResource, resource.Path, resource.TotalSizeBytes, info.Size())
	}

	file, err := os.Open(resource.Path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", resource.Path, err)
	}
	return &diskReader{file: file}, nil
}

// OpenWriter stages an inbound resource as a .part file.
func (p *DiskProvider) OpenWriter(resource models.Resource) (ChunkWriter, error) {
	if p.ReceiveDir == "" {
		return nil, errors.New("receive directory is not configured")
	}
	if err := os.MkdirAll(p.ReceiveDir, 0o700); err != nil {
		return nil, fmt.Errorf("create receive directory: %w", err)
	}

	base := filepath.Base(resource.Name)
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "file.bin"
	}
	finalPath := filepath.Join(p.ReceiveDir, base)
	tempPath := finalPath + ".part"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create staged file %q: %w", tempPath, err)
	}
	if err := file.Truncate(resource.TotalSizeBytes); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("allocate staged file: %w", err)
	}

	return &diskWriter{
		file:      file,
		tempPath:  tempPath,
		finalPath: finalPath,
	}, nil
}
