package activity

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// compressedSuffixes are the extensions UncompressFile understands.
var compressedSuffixes = []string{".gz", ".xz", ".zst"}

func compressedSuffix(name string) string {
	lower := strings.ToLower(name)
	for _, s := range compressedSuffixes {
		if strings.HasSuffix(lower, s) {
			return s
		}
	}
	return ""
}

// gzipFile writes a gzip copy of src to dst and returns its size.
func gzipFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(dst)
		return 0, fmt.Errorf("compressing %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	return fileSize(dst)
}

// decompressFile expands src, compressed according to suffix, into dst.
func decompressFile(src, dst, suffix string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	var r io.Reader
	switch suffix {
	case ".gz":
		zr, err := gzip.NewReader(in)
		if err != nil {
			return 0, fmt.Errorf("reading gzip header: %w", err)
		}
		defer zr.Close()
		r = zr
	case ".xz":
		xr, err := xz.NewReader(in)
		if err != nil {
			return 0, fmt.Errorf("reading xz header: %w", err)
		}
		r = xr
	case ".zst":
		zr, err := zstd.NewReader(in)
		if err != nil {
			return 0, fmt.Errorf("reading zstd header: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return 0, fmt.Errorf("unsupported compression %q", suffix)
	}

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(dst)
		return 0, fmt.Errorf("decompressing %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	return fileSize(dst)
}

// tarZstdDir archives the content of dir into a zstd-compressed tarball at dst.
// Paths in the archive are relative to dir. dst must not be inside dir.
func tarZstdDir(dir, dst string) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	zw, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return 0, err
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		link := ""
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	closeErr := tw.Close()
	if err := zw.Close(); closeErr == nil {
		closeErr = err
	}
	if err := out.Close(); closeErr == nil {
		closeErr = err
	}
	if walkErr != nil || closeErr != nil {
		os.Remove(dst)
		if walkErr != nil {
			return 0, fmt.Errorf("archiving %s: %w", dir, walkErr)
		}
		return 0, closeErr
	}
	return fileSize(dst)
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, fmt.Errorf("copying %s: %w", src, err)
	}
	return n, nil
}

func fileSize(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
