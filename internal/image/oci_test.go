package image

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// fakeLayer serves a fixed tar stream as an uncompressed layer.
type fakeLayer struct {
	members map[string]string
}

func (f *fakeLayer) Uncompressed() (io.ReadCloser, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range f.members {
		_ = tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		})
		_, _ = tw.Write([]byte(content))
	}
	_ = tw.Close()
	return io.NopCloser(&buf), nil
}

func TestExtractDiskFromLayerPrefersDiskDirectory(t *testing.T) {
	layer := &fakeLayer{members: map[string]string{
		"other/stray.qcow2": "stray",
		"disk/image.qcow2":  "the real disk",
	}}

	dir := t.TempDir()
	got, err := extractDiskFromLayer(layer, dir, true)
	if err != nil {
		t.Fatalf("extractDiskFromLayer() error = %v", err)
	}
	data, _ := os.ReadFile(got)
	if string(data) != "the real disk" {
		t.Errorf("content = %q, want disk/ member", data)
	}
	if filepath.Base(got) != "image.qcow2" {
		t.Errorf("extracted = %q", got)
	}
}

func TestExtractDiskFromLayerFallback(t *testing.T) {
	layer := &fakeLayer{members: map[string]string{
		"anywhere/vm.img": "fallback disk",
		"bin/tool":        "not a disk",
	}}

	got, err := extractDiskFromLayer(layer, t.TempDir(), false)
	if err != nil {
		t.Fatalf("extractDiskFromLayer() error = %v", err)
	}
	data, _ := os.ReadFile(got)
	if string(data) != "fallback disk" {
		t.Errorf("content = %q", data)
	}
}

func TestExtractDiskFromLayerNoMatch(t *testing.T) {
	layer := &fakeLayer{members: map[string]string{"bin/tool": "binary"}}

	got, err := extractDiskFromLayer(layer, t.TempDir(), false)
	if err != nil {
		t.Fatalf("extractDiskFromLayer() error = %v", err)
	}
	if got != "" {
		t.Errorf("got = %q, want empty for no match", got)
	}
}

func TestSanitizeMemberName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"./disk/image.qcow2", "image.qcow2"},
		{"image.qcow2", "image.qcow2"},
		{"a/b/c.img", "c.img"},
	}
	for _, tt := range tests {
		if got := sanitizeMemberName(tt.in); got != tt.want {
			t.Errorf("sanitizeMemberName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
