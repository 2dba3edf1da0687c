// Package image acquires, caches, converts, and extracts disk images and
// produces the guest-private working disk the descriptor attaches.
package image

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmrunner/vmrunner/internal/config"
	"github.com/vmrunner/vmrunner/internal/retry"
)

// Manager prepares all disk files for one guest.
type Manager struct {
	cfg        *config.ResolvedConfig
	disk       DiskUtil
	httpClient *http.Client
	log        *slog.Logger
	retry      retry.Policy
}

// NewManager builds a Manager around the resolved configuration.
func NewManager(cfg *config.ResolvedConfig, disk DiskUtil, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		disk:       disk,
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		log:        log,
		retry:      retry.Policy{MaxAttempts: 3, Interval: 5 * time.Second},
	}
}

// Prepared is the outcome of image acquisition: the disk list with every
// path filled in, plus the boot order adjusted for a skipped installer.
type Prepared struct {
	Disks            []config.DiskSpec
	BootOrder        []config.BootDevice
	SkippedInstaller bool
	// InstallerAttached records that an installer cdrom is part of this
	// boot, so teardown knows to write the installed marker on success.
	InstallerAttached bool
}

// Plan computes the disk layout Prepare would produce without touching the
// network or the filesystem. Inspection modes render descriptors from it so
// no acquisition happens before the mode check.
func (m *Manager) Plan() *Prepared {
	p := &Prepared{
		Disks:     append([]config.DiskSpec(nil), m.cfg.Disks...),
		BootOrder: append([]config.BootDevice(nil), m.cfg.BootOrder...),
	}
	for i := range p.Disks {
		disk := &p.Disks[i]
		switch disk.Role {
		case config.RoleSystem:
			disk.Path = m.WorkDiskPath()
		case config.RoleCDROM:
			if m.cfg.BootSource.IsURL {
				disk.Path = filepath.Join(m.cfg.GuestDir, "boot.iso")
			} else {
				disk.Path = m.cfg.BootSource.Ref
			}
			p.InstallerAttached = true
		case config.RoleData:
			disk.Path = filepath.Join(m.cfg.GuestDir, fmt.Sprintf("data%d.qcow2", disk.Index))
		}
	}
	return p
}

// Prepare runs the full acquisition sequence. It is a synchronous, blocking
// setup step: any failure aborts startup.
func (m *Manager) Prepare(ctx context.Context) (*Prepared, error) {
	if err := os.MkdirAll(m.cfg.GuestDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create guest directory: %w", err)
	}
	if err := os.MkdirAll(m.cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}

	p := &Prepared{
		Disks:     append([]config.DiskSpec(nil), m.cfg.Disks...),
		BootOrder: append([]config.BootDevice(nil), m.cfg.BootOrder...),
	}

	for i := range p.Disks {
		disk := &p.Disks[i]
		var err error
		switch disk.Role {
		case config.RoleSystem:
			err = m.prepareSystemDisk(ctx, disk)
		case config.RoleCDROM:
			err = m.prepareInstaller(ctx, disk, p)
		case config.RoleData:
			err = m.prepareDataDisk(ctx, disk)
		case config.RolePassthrough:
			// Host device path was validated at resolution.
		}
		if err != nil {
			return nil, err
		}
	}

	if p.SkippedInstaller {
		p.Disks = dropCDROM(p.Disks)
		p.BootOrder = dropBootEntry(p.BootOrder, config.BootCDROM)
	}
	return p, nil
}

// WorkDiskPath is the guest's private system disk location.
func (m *Manager) WorkDiskPath() string {
	return filepath.Join(m.cfg.GuestDir, m.cfg.Name+".qcow2")
}

func (m *Manager) prepareSystemDisk(ctx context.Context, disk *config.DiskSpec) error {
	disk.Path = m.WorkDiskPath()

	if m.cfg.Persist {
		if _, err := os.Stat(disk.Path); err == nil {
			m.log.Info("reusing existing working disk", slog.String("path", disk.Path))
			return nil
		}
	}

	if disk.Source == config.SourceBlank {
		m.log.Info("creating blank system disk", slog.Uint64("size_mib", disk.SizeMiB))
		return m.disk.Create(ctx, disk.Path, "qcow2", disk.SizeMiB)
	}

	base, err := m.ensureBaseImage(ctx)
	if err != nil {
		return err
	}
	return m.copyWorkDisk(ctx, base, disk)
}

// ensureBaseImage resolves the immutable cached base for the configured
// boot source, fetching, extracting, or converting as needed.
func (m *Manager) ensureBaseImage(ctx context.Context) (string, error) {
	src := m.cfg.BootSource
	switch src.Kind {
	case config.KindDistro:
		cachePath := filepath.Join(m.cfg.CacheDir,
			fmt.Sprintf("%s_%s.%s", m.cfg.DistroKey, m.cfg.Arch, m.cfg.DistroFormat))
		if cacheValid(cachePath) {
			m.log.Info("using cached base image", slog.String("path", cachePath))
			return cachePath, nil
		}
		if err := m.download(ctx, m.cfg.DistroURL, cachePath); err != nil {
			return "", err
		}
		if !cacheValid(cachePath) {
			return "", fmt.Errorf("downloaded base image %s is implausibly small", cachePath)
		}
		return cachePath, nil

	case config.KindDiskImage:
		return m.acquireFile(ctx, src)

	case config.KindConvertible:
		raw, err := m.acquireFile(ctx, src)
		if err != nil {
			return "", err
		}
		return m.convertToQcow2(ctx, raw)

	case config.KindArchive:
		archive, err := m.acquireFile(ctx, src)
		if err != nil {
			return "", err
		}
		inner, err := extractArchive(archive, m.cfg.CacheDir)
		if err != nil {
			return "", err
		}
		return m.dispatchExtracted(ctx, inner)

	case config.KindOCI:
		extracted, err := m.pullContainerDisk(ctx, src.Ref, m.cfg.CacheDir)
		if err != nil {
			return "", err
		}
		return m.dispatchExtracted(ctx, extracted)
	}
	return "", fmt.Errorf("boot source kind %d has no base image", src.Kind)
}

// dispatchExtracted re-dispatches an extracted inner file on its extension.
func (m *Manager) dispatchExtracted(ctx context.Context, path string) (string, error) {
	inner, err := config.ClassifyBootSource(path)
	if err != nil {
		return "", fmt.Errorf("extracted file %s: %w", path, err)
	}
	switch inner.Kind {
	case config.KindDiskImage:
		return path, nil
	case config.KindConvertible:
		return m.convertToQcow2(ctx, path)
	case config.KindISO:
		return "", fmt.Errorf("extracted file %s is an installer image; supply it via BOOT_FROM directly", path)
	default:
		return "", fmt.Errorf("extracted file %s is not a usable disk image", path)
	}
}

func (m *Manager) convertToQcow2(ctx context.Context, src string) (string, error) {
	dst := strings.TrimSuffix(src, filepath.Ext(src)) + ".qcow2"
	if _, err := os.Stat(dst); err == nil {
		return dst, nil
	}
	m.log.Info("converting image", slog.String("src", src), slog.String("dst", dst))
	if err := m.disk.Convert(ctx, src, dst); err != nil {
		return "", fmt.Errorf("conversion of %s failed: %w", src, err)
	}
	return dst, nil
}

// acquireFile makes the referenced file locally available: URLs download
// into the shared cache keyed by file name, local paths are used in place.
func (m *Manager) acquireFile(ctx context.Context, src config.BootSource) (string, error) {
	if !src.IsURL {
		if _, err := os.Stat(src.Ref); err != nil {
			return "", fmt.Errorf("BOOT_FROM %s: %w", src.Ref, err)
		}
		return src.Ref, nil
	}

	parsed, err := url.Parse(src.Ref)
	if err != nil {
		return "", fmt.Errorf("BOOT_FROM %s: %w", src.Ref, err)
	}
	cachePath := filepath.Join(m.cfg.CacheDir, filepath.Base(parsed.Path))
	if _, err := os.Stat(cachePath); err == nil {
		m.log.Info("using cached download", slog.String("path", cachePath))
		return cachePath, nil
	}
	if err := m.download(ctx, src.Ref, cachePath); err != nil {
		return "", err
	}
	return cachePath, nil
}

// copyWorkDisk gives the guest a private copy of the base and grows it to
// the requested size when larger. The cached base is never written.
func (m *Manager) copyWorkDisk(ctx context.Context, base string, disk *config.DiskSpec) error {
	m.log.Info("preparing working disk", slog.String("base", base), slog.String("work", disk.Path))
	if err := copyFile(base, disk.Path); err != nil {
		return fmt.Errorf("failed to copy base image: %w", err)
	}

	info, err := m.disk.Info(ctx, disk.Path)
	if err != nil {
		return err
	}
	requested := disk.SizeMiB << 20
	if requested > info.VirtualSize {
		m.log.Info("growing working disk", slog.Uint64("size_mib", disk.SizeMiB))
		if err := m.disk.Resize(ctx, disk.Path, disk.SizeMiB); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) prepareInstaller(ctx context.Context, disk *config.DiskSpec, p *Prepared) error {
	if m.cfg.Persist && InstallerAlreadyRan(m.cfg.GuestDir) && !m.cfg.ForceISO {
		m.log.Info("installer already ran, skipping attached iso (set FORCE_ISO to override)")
		p.SkippedInstaller = true
		return nil
	}

	src := m.cfg.BootSource
	if !src.IsURL {
		if _, err := os.Stat(src.Ref); err != nil {
			return fmt.Errorf("BOOT_FROM %s: %w", src.Ref, err)
		}
		disk.Path = src.Ref
		p.InstallerAttached = true
		return nil
	}

	isoPath := filepath.Join(m.cfg.GuestDir, "boot.iso")
	if _, err := os.Stat(isoPath); err != nil {
		if err := m.download(ctx, src.Ref, isoPath); err != nil {
			return err
		}
	}
	disk.Path = isoPath
	p.InstallerAttached = true
	return nil
}

func (m *Manager) prepareDataDisk(ctx context.Context, disk *config.DiskSpec) error {
	disk.Path = filepath.Join(m.cfg.GuestDir, fmt.Sprintf("data%d.qcow2", disk.Index))
	if _, err := os.Stat(disk.Path); err == nil {
		return nil
	}
	m.log.Info("creating data disk", slog.String("path", disk.Path), slog.Uint64("size_mib", disk.SizeMiB))
	return m.disk.Create(ctx, disk.Path, "qcow2", disk.SizeMiB)
}

// CleanupEphemeral removes the per-guest artifacts of a non-persistent run.
func (m *Manager) CleanupEphemeral() error {
	return os.RemoveAll(m.cfg.GuestDir)
}

// CleanupSeed removes only the seed media, used for persistent guests.
func (m *Manager) CleanupSeed(seedPath string) error {
	if seedPath == "" {
		return nil
	}
	if err := os.Remove(seedPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func dropCDROM(disks []config.DiskSpec) []config.DiskSpec {
	out := disks[:0]
	for _, d := range disks {
		if d.Role != config.RoleCDROM {
			out = append(out, d)
		}
	}
	return out
}

func dropBootEntry(order []config.BootDevice, dev config.BootDevice) []config.BootDevice {
	out := order[:0]
	for _, d := range order {
		if d != dev {
			out = append(out, d)
		}
	}
	return out
}
