package hostinfo

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestVendorFromCPUInfo(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    CPUVendor
	}{
		{
			name:    "intel",
			content: "processor\t: 0\nvendor_id\t: GenuineIntel\nmodel name\t: Intel(R) Xeon(R)\n",
			want:    VendorIntel,
		},
		{
			name:    "amd",
			content: "processor\t: 0\nvendor_id\t: AuthenticAMD\nmodel name\t: AMD EPYC\n",
			want:    VendorAMD,
		},
		{
			name:    "other",
			content: "processor\t: 0\nvendor_id\t: SomethingElse\n",
			want:    VendorUnknown,
		},
		{
			name:    "no vendor line",
			content: "processor\t: 0\nmodel name\t: QEMU Virtual CPU\n",
			want:    VendorUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "cpuinfo")
			writeFile(t, path, tt.content)
			if got := vendorFromCPUInfo(path); got != tt.want {
				t.Errorf("vendorFromCPUInfo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAvailableMemoryMiB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	writeFile(t, path, "MemTotal:       16384000 kB\nMemFree:         1024000 kB\nMemAvailable:    8192000 kB\n")

	got, err := availableMemoryMiB(path)
	if err != nil {
		t.Fatalf("availableMemoryMiB() error = %v", err)
	}
	if want := uint64(8000); got != want {
		t.Errorf("availableMemoryMiB() = %d, want %d", got, want)
	}
}

func TestAvailableMemoryMiBMissingField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	writeFile(t, path, "MemTotal:       16384000 kB\n")

	if _, err := availableMemoryMiB(path); err == nil {
		t.Fatal("availableMemoryMiB() expected error for missing MemAvailable")
	}
}

func TestIsRootless(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{name: "identity map", content: "         0          0 4294967295\n", want: false},
		{name: "user namespace", content: "         0       1000          1\n", want: true},
		{name: "missing file", content: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "uid_map")
			if tt.content != "" {
				writeFile(t, path, tt.content)
			}
			if got := isRootless(path); got != tt.want {
				t.Errorf("isRootless() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPrivileged(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{name: "full bounding set", content: "Name:\ttest\nCapBnd:\t000001ffffffffff\n", want: true},
		{name: "default docker set", content: "Name:\ttest\nCapBnd:\t00000000a80425fb\n", want: false},
		{name: "no capbnd line", content: "Name:\ttest\n", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "status")
			writeFile(t, path, tt.content)
			if got := isPrivileged(path); got != tt.want {
				t.Errorf("isPrivileged() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectRuntimeMarkers(t *testing.T) {
	root := t.TempDir() + "/"
	if err := os.MkdirAll(filepath.Join(root, "proc/self"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(root, ".dockerenv"), "")
	writeFile(t, filepath.Join(root, "proc/self/uid_map"), "         0          0 4294967295\n")
	writeFile(t, filepath.Join(root, "proc/self/status"), "CapBnd:\t000001ffffffffff\n")

	rt := detectRuntime(root)
	if !rt.Containerized {
		t.Error("Containerized = false, want true")
	}
	if rt.Kubernetes {
		t.Error("Kubernetes = true, want false")
	}
	if rt.Rootless {
		t.Error("Rootless = true, want false")
	}
	if !rt.Privileged {
		t.Error("Privileged = false, want true")
	}
}

func TestSameDeviceIdenticalPath(t *testing.T) {
	dir := t.TempDir()
	if !SameDevice(dir, dir) {
		t.Error("SameDevice() = false for identical path")
	}
}
