// Package redfish prepares everything the management-projection sidecar
// needs to expose the guest as a Redfish system: TLS material, the
// credential file, the emulator configuration, and the virtual-media
// storage pool.
package redfish

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmrunner/vmrunner/internal/config"
)

// Artifacts are the on-disk inputs handed to the sidecar process.
type Artifacts struct {
	ConfigPath string
	CertPath   string
	KeyPath    string
	AuthPath   string
}

// LibvirtURI is the connection the emulator projects from.
const LibvirtURI = "qemu:///system"

// Setup writes the sidecar inputs under the guest working directory and
// returns their paths. It is idempotent; existing TLS material is reused
// so the endpoint identity survives restarts of persistent guests.
func Setup(cfg *config.ResolvedConfig) (*Artifacts, error) {
	dir := filepath.Join(cfg.GuestDir, "bmc")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create bmc directory: %w", err)
	}

	a := &Artifacts{
		ConfigPath: filepath.Join(dir, "sushy.conf"),
		CertPath:   filepath.Join(dir, "cert.pem"),
		KeyPath:    filepath.Join(dir, "key.pem"),
		AuthPath:   filepath.Join(dir, "htpasswd"),
	}

	if cfg.BMC.SSL {
		if err := ensureCertificate(a.CertPath, a.KeyPath, cfg.Name); err != nil {
			return nil, err
		}
	}

	if err := writeHtpasswd(a.AuthPath, cfg.BMC.User, cfg.BMC.Password); err != nil {
		return nil, err
	}

	if err := writeEmulatorConfig(a, cfg); err != nil {
		return nil, err
	}

	return a, nil
}

// writeEmulatorConfig renders the emulator settings file. The format is a
// flat assignment list the emulator evaluates at startup.
func writeEmulatorConfig(a *Artifacts, cfg *config.ResolvedConfig) error {
	var b []byte
	add := func(format string, args ...any) {
		b = append(b, fmt.Sprintf(format+"\n", args...)...)
	}

	add("SUSHY_EMULATOR_LISTEN_IP = %q", "0.0.0.0")
	add("SUSHY_EMULATOR_LISTEN_PORT = %d", cfg.BMC.Port)
	add("SUSHY_EMULATOR_LIBVIRT_URI = %q", LibvirtURI)
	add("SUSHY_EMULATOR_AUTH_FILE = %q", a.AuthPath)
	if cfg.BMC.SSL {
		add("SUSHY_EMULATOR_SSL_CERT = %q", a.CertPath)
		add("SUSHY_EMULATOR_SSL_KEY = %q", a.KeyPath)
	}

	if err := os.WriteFile(a.ConfigPath, b, 0o600); err != nil {
		return fmt.Errorf("failed to write emulator config: %w", err)
	}
	return nil
}
