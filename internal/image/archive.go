package image

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// payloadExtensions are the inner-file types worth extracting from an
// archive boot source, checked in listing order.
var payloadExtensions = []string{".qcow2", ".img", ".raw", ".iso", ".vhd", ".vhdx", ".vmdk", ".vdi"}

func hasPayloadExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range payloadExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// extractArchive unpacks the first usable payload file from the archive at
// src into destDir and returns its path. The caller re-dispatches on the
// extracted file's extension.
func extractArchive(src, destDir string) (string, error) {
	lower := strings.ToLower(src)

	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(src, destDir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarCompressed(src, destDir, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return extractTarCompressed(src, destDir, func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		return extractTarCompressed(src, destDir, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		})
	case strings.HasSuffix(lower, ".tar"):
		return extractTarCompressed(src, destDir, func(r io.Reader) (io.Reader, error) {
			return r, nil
		})
	case strings.HasSuffix(lower, ".gz"):
		return extractSingle(src, destDir, ".gz", func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case strings.HasSuffix(lower, ".xz"):
		return extractSingle(src, destDir, ".xz", func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})
	case strings.HasSuffix(lower, ".bz2"):
		return extractSingle(src, destDir, ".bz2", func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		})
	}
	return "", fmt.Errorf("unsupported archive format: %s", src)
}

type decompressor func(io.Reader) (io.Reader, error)

func extractTarCompressed(src, destDir string, decompress decompressor) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dr, err := decompress(f)
	if err != nil {
		return "", fmt.Errorf("failed to open archive %s: %w", src, err)
	}

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read archive %s: %w", src, err)
		}
		if hdr.Typeflag != tar.TypeReg || !hasPayloadExtension(hdr.Name) {
			continue
		}
		return writeExtracted(destDir, filepath.Base(hdr.Name), tr)
	}
	return "", fmt.Errorf("archive %s contains no usable disk or iso file", src)
}

func extractZip(src, destDir string) (string, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return "", fmt.Errorf("failed to open archive %s: %w", src, err)
	}
	defer zr.Close()

	for _, member := range zr.File {
		if member.FileInfo().IsDir() || !hasPayloadExtension(member.Name) {
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return "", err
		}
		path, err := writeExtracted(destDir, filepath.Base(member.Name), rc)
		rc.Close()
		return path, err
	}
	return "", fmt.Errorf("archive %s contains no usable disk or iso file", src)
}

// extractSingle decompresses a bare compressed file; the inner name is the
// source name with the compression suffix stripped.
func extractSingle(src, destDir, suffix string, decompress decompressor) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	dr, err := decompress(f)
	if err != nil {
		return "", fmt.Errorf("failed to open archive %s: %w", src, err)
	}

	inner := strings.TrimSuffix(filepath.Base(src), suffix)
	return writeExtracted(destDir, inner, dr)
}

func writeExtracted(destDir, name string, r io.Reader) (string, error) {
	dest := filepath.Join(destDir, name)
	tmp, err := os.CreateTemp(destDir, ".extract-*")
	if err != nil {
		return "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return "", fmt.Errorf("extraction of %s failed: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", err
	}
	return dest, nil
}
