package sidecar

import "fmt"

// Socket and pid locations of the hypervisor daemons inside the
// container image.
const (
	virtlogdSocket = "/run/libvirt/virtlogd-sock"
	libvirtSocket  = "/var/run/libvirt/libvirt-sock"
	libvirtPidFile = "/var/run/libvirtd.pid"
)

// Virtlogd is the guest console log daemon. It must be serving before
// the main daemon starts.
func Virtlogd() Process {
	return Process{
		Name:      "virtlogd",
		Path:      "/usr/sbin/virtlogd",
		ReadyPath: virtlogdSocket,
		StalePaths: []string{
			virtlogdSocket,
			"/run/virtlogd.pid",
		},
	}
}

// Libvirtd is the hypervisor management daemon.
func Libvirtd() Process {
	return Process{
		Name:      "libvirtd",
		Path:      "/usr/sbin/libvirtd",
		ReadyPath: libvirtSocket,
		StalePaths: []string{
			libvirtSocket,
			libvirtSocket + "-ro",
			libvirtPidFile,
		},
	}
}

// SushyEmulator is the management-projection endpoint.
func SushyEmulator(configPath string) Process {
	return Process{
		Name: "sushy-emulator",
		Path: "/usr/bin/sushy-emulator",
		Args: []string{"--config", configPath},
	}
}

// Websockify proxies the display from the loopback VNC server to a
// browser-reachable port.
func Websockify(listenPort, vncPort int) Process {
	return Process{
		Name: "websockify",
		Path: "/usr/bin/websockify",
		Args: []string{
			"--web", "/usr/share/novnc",
			fmt.Sprintf("0.0.0.0:%d", listenPort),
			fmt.Sprintf("localhost:%d", vncPort),
		},
	}
}
