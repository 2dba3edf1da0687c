package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// DiskUtil is the narrow disk-utility boundary. The real implementation
// shells out to qemu-img; tests substitute a fake.
type DiskUtil interface {
	Create(ctx context.Context, path, format string, sizeMiB uint64) error
	Convert(ctx context.Context, src, dst string) error
	Resize(ctx context.Context, path string, sizeMiB uint64) error
	Info(ctx context.Context, path string) (DiskInfo, error)
}

// DiskInfo is the subset of qemu-img info the manager consumes.
type DiskInfo struct {
	Format      string `json:"format"`
	VirtualSize uint64 `json:"virtual-size"`
	ActualSize  uint64 `json:"actual-size"`
	BackingFile string `json:"backing-filename"`
}

// QemuImg runs the qemu-img binary.
type QemuImg struct {
	// Binary overrides the executable path; defaults to qemu-img on PATH.
	Binary string
}

func (q *QemuImg) bin() string {
	if q.Binary != "" {
		return q.Binary
	}
	return "qemu-img"
}

func (q *QemuImg) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, q.bin(), args...)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("qemu-img %s failed: %w: %s", args[0], err, stderr.String())
	}
	return out.Bytes(), nil
}

// Create allocates a sparse image of the requested size.
func (q *QemuImg) Create(ctx context.Context, path, format string, sizeMiB uint64) error {
	_, err := q.run(ctx, "create", "-f", format, path, strconv.FormatUint(sizeMiB, 10)+"M")
	return err
}

// Convert rewrites src into qcow2 at dst, detecting the source format.
func (q *QemuImg) Convert(ctx context.Context, src, dst string) error {
	_, err := q.run(ctx, "convert", "-O", "qcow2", src, dst)
	return err
}

// Resize grows an image to the requested size. Shrinking is never done.
func (q *QemuImg) Resize(ctx context.Context, path string, sizeMiB uint64) error {
	_, err := q.run(ctx, "resize", path, strconv.FormatUint(sizeMiB, 10)+"M")
	return err
}

// Info reports format and sizing of an image.
func (q *QemuImg) Info(ctx context.Context, path string) (DiskInfo, error) {
	out, err := q.run(ctx, "info", "--output=json", path)
	if err != nil {
		return DiskInfo{}, err
	}
	var info DiskInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return DiskInfo{}, fmt.Errorf("failed to parse qemu-img info output: %w", err)
	}
	return info, nil
}
