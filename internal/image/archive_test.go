package image

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"
)

func writeTarGz(t *testing.T, path string, members map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, content := range members {
		if err := tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "image.tar.gz")
	writeTarGz(t, archive, map[string]string{
		"README.md":        "docs",
		"images/disk.img":  "disk payload",
		"images/other.txt": "noise",
	})

	out := t.TempDir()
	got, err := extractArchive(archive, out)
	if err != nil {
		t.Fatalf("extractArchive() error = %v", err)
	}
	if filepath.Base(got) != "disk.img" {
		t.Errorf("extracted = %q, want disk.img", got)
	}
	data, _ := os.ReadFile(got)
	if string(data) != "disk payload" {
		t.Errorf("content = %q", data)
	}
}

func TestExtractTarXz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "image.tar.xz")

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	content := "qcow payload"
	if err := tw.WriteHeader(&tar.Header{
		Name: "vm.qcow2", Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	xw, err := xz.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(xw, &tarBuf); err != nil {
		t.Fatal(err)
	}
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := extractArchive(archive, t.TempDir())
	if err != nil {
		t.Fatalf("extractArchive() error = %v", err)
	}
	if filepath.Base(got) != "vm.qcow2" {
		t.Errorf("extracted = %q, want vm.qcow2", got)
	}
	data, _ := os.ReadFile(got)
	if string(data) != content {
		t.Errorf("content = %q", data)
	}
}

func TestExtractBareGzStripsSuffix(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "vm.qcow2.gz")

	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write([]byte("compressed disk")); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := extractArchive(archive, t.TempDir())
	if err != nil {
		t.Fatalf("extractArchive() error = %v", err)
	}
	if filepath.Base(got) != "vm.qcow2" {
		t.Errorf("extracted = %q, want vm.qcow2", got)
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "image.zip")

	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("vm.raw")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("raw disk")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	got, err := extractArchive(archive, t.TempDir())
	if err != nil {
		t.Fatalf("extractArchive() error = %v", err)
	}
	if filepath.Base(got) != "vm.raw" {
		t.Errorf("extracted = %q, want vm.raw", got)
	}
}

func TestExtractArchiveNoPayload(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "empty.tar.gz")
	writeTarGz(t, archive, map[string]string{"README.md": "nothing here"})

	if _, err := extractArchive(archive, t.TempDir()); err == nil {
		t.Fatal("extractArchive() expected error for archive without payload")
	}
}
