package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/models"
)

func TestDiskReaderChunks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	content := []byte("abcdefghij")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	provider := &DiskProvider{ReceiveDir: dir}
	reader, err := provider.OpenReader(models.Resource{
		Name:           "source.bin",
		Path:           path,
		TotalSizeBytes: int64(len(content)),
	})
	require.NoError(t, err)
	defer reader.Close()

	chunk, err := reader.ReadChunkAt(0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), chunk)

	chunk, err = reader.ReadChunkAt(8, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("ij"), chunk, "short read at end of file")
}

func TestDiskReaderValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "source.bin")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o600))

	provider := &DiskProvider{ReceiveDir: dir}

	_, err := provider.OpenReader(models.Resource{Name: "x", Path: "", TotalSizeBytes: 5})
	assert.ErrorIs(t, err, ErrInvalidResource)

	_, err = provider.OpenReader(models.Resource{Name: "x", Path: filepath.Join(dir, "missing"), TotalSizeBytes: 5})
	assert.ErrorIs(t, err, ErrInvalidResource)

	_, err = provider.OpenReader(models.Resource{Name: "x", Path: dir, TotalSizeBytes: 5})
	assert.ErrorIs(t, err, ErrInvalidResource)

	_, err = provider.OpenReader(models.Resource{Name: "x", Path: path, TotalSizeBytes: 99})
	assert.ErrorIs(t, err, ErrInvalidResource, "declared size must match the file")
}

func TestDiskWriterStagesAndCommits(t *testing.T) {
	dir := t.TempDir()
	provider := &DiskProvider{ReceiveDir: dir}

	writer, err := provider.OpenWriter(models.Resource{Name: "incoming.bin", TotalSizeBytes: 8})
	require.NoError(t, err)

	staged := filepath.Join(dir, "incoming.bin.part")
	final := filepath.Join(dir, "incoming.bin")
	_, err = os.Stat(staged)
	require.NoError(t, err, "staged .part file should exist during the transfer")

	require.NoError(t, writer.WriteChunkAt(0, []byte("half")))
	require.NoError(t, writer.WriteChunkAt(4, []byte("full")))
	require.NoError(t, writer.Commit())
	require.NoError(t, writer.Close())

	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err), ".part file should be gone after commit")

	content, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, []byte("halffull"), content)
}

func TestDiskWriterCloseWithoutCommitDiscards(t *testing.T) {
	dir := t.TempDir()
	provider := &DiskProvider{ReceiveDir: dir}

	writer, err := provider.OpenWriter(models.Resource{Name: "partial.bin", TotalSizeBytes: 4})
	require.NoError(t, err)
	require.NoError(t, writer.WriteChunkAt(0, []byte("ab")))
	require.NoError(t, writer.Close())

	_, err = os.Stat(filepath.Join(dir, "partial.bin.part"))
	assert.True(t, os.IsNotExist(err), "uncommitted staged file should be removed")
	_, err = os.Stat(filepath.Join(dir, "partial.bin"))
	assert.True(t, os.IsNotExist(err), "final file should never appear without commit")
}

func TestDiskWriterSanitizesName(t *testing.T) {
	dir := t.TempDir()
	provider := &DiskProvider{ReceiveDir: dir}

	writer, err := provider.OpenWriter(models.Resource{Name: "../../escape.bin", TotalSizeBytes: 2})
	require.NoError(t, err)
	require.NoError(t, writer.WriteChunkAt(0, []byte("ok")))
	require.NoError(t, writer.Commit())

	content, err := os.ReadFile(filepath.Join(dir, "escape.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), content)
}
