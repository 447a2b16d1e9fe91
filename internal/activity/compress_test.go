package activity

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestCompressedSuffix(t *testing.T) {
	assert.Equal(t, ".gz", compressedSuffix("scan.nii.GZ"))
	assert.Equal(t, ".xz", compressedSuffix("a.tar.xz"))
	assert.Equal(t, ".zst", compressedSuffix("b.zst"))
	assert.Empty(t, compressedSuffix("plain.nii"))
}

func TestGzipRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.nii")
	content := strings.Repeat("voxel ", 1000)
	require.NoError(t, os.WriteFile(src, []byte(content), 0o644))

	size, err := gzipFile(src, src+".gz")
	require.NoError(t, err)
	assert.Less(t, size, int64(len(content)))

	n, err := decompressFile(src+".gz", filepath.Join(dir, "back.nii"), ".gz")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	got, err := os.ReadFile(filepath.Join(dir, "back.nii"))
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestDecompressXZ(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "data.xz")
	f, err := os.Create(src)
	require.NoError(t, err)
	w, err := xz.NewWriter(f)
	require.NoError(t, err)
	_, err = io.WriteString(w, "hello xz")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	_, err = decompressFile(src, filepath.Join(dir, "data"), ".xz")
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(dir, "data"))
	require.NoError(t, err)
	assert.Equal(t, "hello xz", string(got))
}

func TestDecompressRejectsUnknownSuffix(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.bz2")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	_, err := decompressFile(src, filepath.Join(dir, "a"), ".bz2")
	assert.Error(t, err)
}

func TestTarZstdDir(t *testing.T) {
	root := t.TempDir()
	work := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(filepath.Join(work, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "out.txt"), []byte("result"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "sub", "log"), []byte("log"), 0o644))

	dst := filepath.Join(root, "work.tar.zst")
	_, err := tarZstdDir(work, dst)
	require.NoError(t, err)

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	var names []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"out.txt", "sub", "sub/log"}, names)
}

func TestCacheSubpath(t *testing.T) {
	assert.Equal(t, filepath.Join("00", "12", "34"), CacheSubpath(1234))
	assert.Equal(t, filepath.Join("1234", "56", "78"), CacheSubpath(12345678))

	id, ok := userfileIDFromSubpath(CacheSubpath(1234))
	assert.True(t, ok)
	assert.Equal(t, int64(1234), id)
}
