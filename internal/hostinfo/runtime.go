package hostinfo

import (
	"bufio"
	"os"
	"strings"
)

// Runtime describes the container environment the manager was started in.
type Runtime struct {
	Containerized bool
	Kubernetes    bool
	Rootless      bool
	Privileged    bool
}

// DetectRuntime inspects well-known filesystem markers to classify the
// container runtime. Results feed privilege-dependent decisions such as the
// network backend fallback.
func DetectRuntime() Runtime {
	return detectRuntime("/")
}

func detectRuntime(root string) Runtime {
	rt := Runtime{}

	if fileExists(root + ".dockerenv") {
		rt.Containerized = true
	}
	if fileExists(root + "run/.containerenv") {
		rt.Containerized = true
	}
	if dirExists(root + "var/run/secrets/kubernetes.io/serviceaccount") {
		rt.Containerized = true
		rt.Kubernetes = true
	}

	rt.Rootless = isRootless(root + "proc/self/uid_map")
	rt.Privileged = isPrivileged(root + "proc/self/status")

	return rt
}

// isRootless reports whether the process runs inside a user namespace with
// a non-identity uid mapping.
func isRootless(uidMapPath string) bool {
	data, err := os.ReadFile(uidMapPath)
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return false
	}
	// The identity mapping "0 0 4294967295" means a real root namespace.
	return !(fields[0] == "0" && fields[1] == "0" && fields[2] == "4294967295")
}

// isPrivileged checks the bounding capability set for the full mask.
func isPrivileged(statusPath string) bool {
	f, err := os.Open(statusPath)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "CapBnd:") {
			continue
		}
		mask := strings.TrimSpace(strings.TrimPrefix(line, "CapBnd:"))
		mask = strings.TrimLeft(mask, "0")
		// A privileged container carries at least 38 effective capability
		// bits; anything shorter than 10 hex digits cannot express that.
		return len(mask) >= 10
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
