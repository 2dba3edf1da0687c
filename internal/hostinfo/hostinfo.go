// Package hostinfo introspects the host the manager runs on: virtualization
// support, CPU identity, available memory, default-route MTU, and the
// container runtime environment.
package hostinfo

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
)

// DefaultMTU is the standard Ethernet MTU. Guest interfaces only carry an
// explicit MTU attribute when the host differs from this value.
const DefaultMTU = 1500

// CPUVendor identifies the host CPU manufacturer.
type CPUVendor string

const (
	VendorIntel   CPUVendor = "intel"
	VendorAMD     CPUVendor = "amd"
	VendorUnknown CPUVendor = "unknown"
)

// KVMAvailable reports whether /dev/kvm exists and is usable.
func KVMAvailable() bool {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// Vendor returns the host CPU vendor parsed from /proc/cpuinfo.
func Vendor() CPUVendor {
	return vendorFromCPUInfo("/proc/cpuinfo")
}

func vendorFromCPUInfo(path string) CPUVendor {
	f, err := os.Open(path)
	if err != nil {
		return VendorUnknown
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "vendor_id") {
			continue
		}
		switch {
		case strings.Contains(line, "GenuineIntel"):
			return VendorIntel
		case strings.Contains(line, "AuthenticAMD"):
			return VendorAMD
		default:
			return VendorUnknown
		}
	}
	return VendorUnknown
}

// AvailableMemoryMiB returns the host's MemAvailable value in MiB.
func AvailableMemoryMiB() (uint64, error) {
	return availableMemoryMiB("/proc/meminfo")
}

func availableMemoryMiB(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read meminfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || fields[0] != "MemAvailable:" {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse MemAvailable: %w", err)
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("MemAvailable not found in %s", path)
}

// AvailableDiskMiB returns the free space of the filesystem backing path,
// in MiB.
func AvailableDiskMiB(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize) / (1 << 20), nil
}

// DefaultRouteMTU returns the MTU of the interface carrying the host's IPv4
// default route. Falls back to DefaultMTU when no default route exists or
// the route table cannot be read.
func DefaultRouteMTU() int {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return DefaultMTU
	}

	for _, route := range routes {
		if route.Dst != nil {
			continue
		}
		link, err := netlink.LinkByIndex(route.LinkIndex)
		if err != nil {
			continue
		}
		if mtu := link.Attrs().MTU; mtu > 0 {
			return mtu
		}
	}
	return DefaultMTU
}

// Filesystem magic numbers from statfs(2).
const (
	magicTmpfs   = 0x01021994
	magicOverlay = 0x794c7630
)

// FilesystemType classifies the filesystem backing a path well enough to
// decide whether native AIO and direct I/O are safe on it.
func FilesystemType(path string) string {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return "unknown"
	}
	switch st.Type {
	case magicTmpfs:
		return "tmpfs"
	case magicOverlay:
		return "overlay"
	default:
		return "other"
	}
}

// SameDevice reports whether two paths live on the same filesystem device.
// Used to detect whether a data directory is a separately mounted volume.
func SameDevice(a, b string) bool {
	var sa, sb syscall.Stat_t
	if err := syscall.Stat(a, &sa); err != nil {
		return true
	}
	if err := syscall.Stat(b, &sb); err != nil {
		return true
	}
	return sa.Dev == sb.Dev
}
