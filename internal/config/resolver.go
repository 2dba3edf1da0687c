package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"golang.org/x/crypto/ssh"

	"github.com/vmrunner/vmrunner/internal/distro"
	"github.com/vmrunner/vmrunner/internal/hostinfo"
	"github.com/vmrunner/vmrunner/internal/network"
)

// memoryReserveMiB is held back from the host when the "max" sentinel is
// resolved, so the manager and hypervisor processes keep working room.
const memoryReserveMiB = 512

const defaultDataDir = "/data"

var guestNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Resolver builds a ResolvedConfig from configuration inputs. The host
// introspection hooks default to the real implementations and exist so
// tests can run hermetically.
type Resolver struct {
	Lookup  func(name string) string
	Catalog *distro.Catalog

	HostMTU         func() int
	AvailableMemory func() (uint64, error)
	AvailableDisk   func(path string) (uint64, error)
	KVM             func() bool
	Vendor          func() hostinfo.CPUVendor
	Runtime         func() hostinfo.Runtime
	NumCPU          func() int
	Stat            func(path string) (os.FileInfo, error)
}

func (r *Resolver) defaults() {
	if r.Lookup == nil {
		r.Lookup = os.Getenv
	}
	if r.HostMTU == nil {
		r.HostMTU = hostinfo.DefaultRouteMTU
	}
	if r.AvailableMemory == nil {
		r.AvailableMemory = hostinfo.AvailableMemoryMiB
	}
	if r.AvailableDisk == nil {
		r.AvailableDisk = hostinfo.AvailableDiskMiB
	}
	if r.KVM == nil {
		r.KVM = hostinfo.KVMAvailable
	}
	if r.Vendor == nil {
		r.Vendor = hostinfo.Vendor
	}
	if r.Runtime == nil {
		r.Runtime = hostinfo.DetectRuntime
	}
	if r.NumCPU == nil {
		r.NumCPU = runtime.NumCPU
	}
	if r.Stat == nil {
		r.Stat = os.Stat
	}
}

// Resolve parses and validates every configuration input. Any failure is
// reported before a single side effect beyond share-directory creation.
func (r *Resolver) Resolve() (*ResolvedConfig, error) {
	r.defaults()

	cfg := &ResolvedConfig{
		ListDistros: boolInput(r.Lookup("LIST_DISTROS")),
		ShowConfig:  boolInput(r.Lookup("SHOW_CONFIG")),
		ShowXML:     boolInput(r.Lookup("SHOW_XML")),
		DryRun:      boolInput(r.Lookup("DRY_RUN")),
		NoConsole:   boolInput(r.Lookup("NO_CONSOLE")),
	}

	if cfg.ListDistros {
		return cfg, nil
	}

	cfg.Name = r.Lookup("VM_NAME")
	if cfg.Name == "" {
		cfg.Name = "vm"
	}
	if !guestNameRe.MatchString(cfg.Name) {
		return nil, fmt.Errorf("invalid VM_NAME %q: must be lowercase alphanumeric with hyphens", cfg.Name)
	}

	if err := r.resolveDistro(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveBootSource(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveCompute(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveFirmware(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveStorageLayout(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveSeedInputs(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveDevices(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveNetwork(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveDisks(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveShares(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveBMC(cfg); err != nil {
		return nil, err
	}
	if err := r.resolveBootOrder(cfg); err != nil {
		return nil, err
	}
	if err := checkPortConflicts(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (r *Resolver) resolveDistro(cfg *ResolvedConfig) error {
	cfg.DistroKey = r.Lookup("DISTRO")
	if cfg.DistroKey == "" {
		cfg.DistroKey = "ubuntu-2404"
	}

	entry, err := r.Catalog.Lookup(cfg.DistroKey)
	if err != nil {
		return err
	}
	cfg.DistroName = entry.Name
	cfg.DistroURL = entry.URL
	cfg.DistroUser = entry.User
	cfg.DistroFormat = entry.Format
	cfg.Arch = entry.Arch

	if arch := r.Lookup("ARCH"); arch != "" && arch != entry.Arch {
		return fmt.Errorf("ARCH %q does not match distribution architecture %q", arch, entry.Arch)
	}

	cfg.Profile, err = ProfileFor(cfg.Arch)
	return err
}

func (r *Resolver) resolveBootSource(cfg *ResolvedConfig) error {
	src, err := ClassifyBootSource(r.Lookup("BOOT_FROM"))
	if err != nil {
		return err
	}
	cfg.BootSource = src
	cfg.ForceISO = boolInput(r.Lookup("FORCE_ISO"))

	// A custom boot source detaches the guest from the catalog entry; the
	// distro fields only keep supplying the seed's default user.
	switch src.Kind {
	case KindISO:
		cfg.DistroName = "Custom ISO"
	case KindDiskImage, KindConvertible, KindArchive, KindOCI:
		cfg.DistroName = "Custom image"
	case KindBlank:
		cfg.DistroName = "Blank disk"
	case KindDistro:
	}
	return nil
}

func (r *Resolver) resolveCompute(cfg *ResolvedConfig) error {
	mem, err := r.parseMemory(r.Lookup("RAM"))
	if err != nil {
		return err
	}
	cfg.MemoryMiB = mem

	cpus, err := r.parseCPUs(r.Lookup("CPUS"))
	if err != nil {
		return err
	}
	cfg.VCPUs = cpus

	cfg.KVM = r.KVM()
	cfg.CPUVendor = r.Vendor()
	cfg.Runtime = r.Runtime()
	cfg.HostMTU = r.HostMTU()

	cfg.HypervForced = r.Lookup("HYPERV") != ""
	if cfg.HypervForced {
		cfg.Hyperv = boolInput(r.Lookup("HYPERV"))
	} else {
		cfg.Hyperv = cfg.CPUVendor == hostinfo.VendorIntel || cfg.CPUVendor == hostinfo.VendorAMD
	}
	return nil
}

func (r *Resolver) parseMemory(raw string) (uint64, error) {
	switch raw {
	case "":
		return 2048, nil
	case "max":
		avail, err := r.AvailableMemory()
		if err != nil {
			return 0, fmt.Errorf("RAM=max: %w", err)
		}
		if avail <= memoryReserveMiB {
			return 0, fmt.Errorf("RAM=max: only %d MiB available on host", avail)
		}
		return avail - memoryReserveMiB, nil
	case "half":
		avail, err := r.AvailableMemory()
		if err != nil {
			return 0, fmt.Errorf("RAM=half: %w", err)
		}
		return avail / 2, nil
	}
	return parseSizeMiB("RAM", raw)
}

func (r *Resolver) parseCPUs(raw string) (int, error) {
	switch raw {
	case "":
		return 2, nil
	case "max":
		return r.NumCPU(), nil
	case "half":
		if n := r.NumCPU() / 2; n > 0 {
			return n, nil
		}
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid CPUS %q", raw)
	}
	return n, nil
}

func (r *Resolver) resolveFirmware(cfg *ResolvedConfig) error {
	fw := FirmwareMode(r.Lookup("FIRMWARE"))
	if fw == "" {
		fw = FirmwareLegacy
	}
	switch fw {
	case FirmwareLegacy, FirmwareUEFI, FirmwareSecure:
	default:
		return fmt.Errorf("invalid FIRMWARE %q, valid modes: legacy, uefi, secure", fw)
	}
	cfg.Firmware = fw

	if fw == FirmwareSecure && cfg.Profile.LoaderSecure == "" {
		return fmt.Errorf("FIRMWARE=secure is not supported on %s", cfg.Arch)
	}

	// Measured boot needs the security module; secure mode turns it on by
	// default, TPM overrides either way.
	if raw := r.Lookup("TPM"); raw != "" {
		cfg.TPM = boolInput(raw)
	} else {
		cfg.TPM = fw == FirmwareSecure
	}
	if fw == FirmwareSecure && !cfg.TPM {
		return fmt.Errorf("FIRMWARE=secure requires TPM enabled")
	}
	return nil
}

func (r *Resolver) resolveStorageLayout(cfg *ResolvedConfig) error {
	cfg.DataDir = r.Lookup("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	cfg.CacheDir = filepath.Join(cfg.DataDir, "images")
	cfg.GuestDir = filepath.Join(cfg.DataDir, cfg.Name)

	if raw := r.Lookup("PERSIST"); raw != "" {
		cfg.Persist = boolInput(raw)
		return nil
	}
	// A data dir mounted as its own volume implies the operator wants the
	// guest to survive container restarts.
	if info, err := r.Stat(cfg.DataDir); err == nil && info.IsDir() {
		cfg.Persist = !hostinfo.SameDevice(cfg.DataDir, "/")
	}
	return nil
}

func (r *Resolver) resolveSeedInputs(cfg *ResolvedConfig) error {
	// An installer ISO boots without first-boot processing unless the
	// operator explicitly re-enables it.
	if raw := r.Lookup("CLOUD_INIT"); raw != "" {
		cfg.CloudInit = boolInput(raw)
	} else {
		cfg.CloudInit = cfg.BootSource.Kind != KindISO
	}

	cfg.User = r.Lookup("USER")
	if cfg.User == "" {
		cfg.User = cfg.DistroUser
	}
	cfg.Password = r.Lookup("PASSWORD")
	if cfg.Password == "" {
		cfg.Password = "password"
	}

	if key := r.Lookup("SSH_PUBKEY"); key != "" {
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
			return fmt.Errorf("invalid SSH_PUBKEY: %w", err)
		}
		cfg.SSHPubkey = key
	}

	if path := r.Lookup("CLOUD_INIT_USER_DATA"); path != "" {
		if _, err := r.Stat(path); err != nil {
			return fmt.Errorf("CLOUD_INIT_USER_DATA file not found: %s", path)
		}
		cfg.CloudInitUserData = path
	}

	if raw := r.Lookup("PACKAGES"); raw != "" {
		for _, pkg := range strings.Split(raw, ",") {
			if pkg = strings.TrimSpace(pkg); pkg != "" {
				cfg.Packages = append(cfg.Packages, pkg)
			}
		}
	}
	return nil
}

func (r *Resolver) resolveDevices(cfg *ResolvedConfig) error {
	graphics := GraphicsMode(r.Lookup("GRAPHICS"))
	if graphics == "" {
		graphics = GraphicsNone
	}
	switch graphics {
	case GraphicsNone, GraphicsVNC, GraphicsNoVNC:
	default:
		return fmt.Errorf("invalid GRAPHICS %q, valid modes: none, vnc, novnc", graphics)
	}
	cfg.Graphics = graphics

	var err error
	if cfg.SSHPort, err = portInput(r.Lookup("SSH_PORT"), 2222); err != nil {
		return fmt.Errorf("invalid SSH_PORT: %w", err)
	}
	if cfg.VNCPort, err = portInput(r.Lookup("VNC_PORT"), 5900); err != nil {
		return fmt.Errorf("invalid VNC_PORT: %w", err)
	}
	if cfg.NoVNCPort, err = portInput(r.Lookup("NOVNC_PORT"), 8080); err != nil {
		return fmt.Errorf("invalid NOVNC_PORT: %w", err)
	}

	switch gpu := r.Lookup("GPU"); gpu {
	case "", "none":
		cfg.GPU = ""
	case "intel":
		cfg.GPU = gpu
	default:
		return fmt.Errorf("invalid GPU %q, valid values: none, intel", gpu)
	}

	cfg.USB = boolInputDefault(r.Lookup("USB"), true)
	cfg.Sound = boolInput(r.Lookup("SOUND"))
	cfg.RNG = boolInputDefault(r.Lookup("RNG"), true)

	cfg.IPXE = boolInput(r.Lookup("IPXE_ENABLE"))
	if path := r.Lookup("IPXE_ROM_PATH"); path != "" {
		if _, err := r.Stat(path); err != nil {
			return fmt.Errorf("IPXE_ROM_PATH file not found: %s", path)
		}
		cfg.IPXEROMPath = path
	}
	return nil
}

func (r *Resolver) resolveNetwork(cfg *ResolvedConfig) error {
	specs, err := network.Resolve(network.Getter(r.Lookup), network.ResolveOptions{
		GuestName:   cfg.Name,
		Arch:        cfg.Arch,
		HostMTU:     cfg.HostMTU,
		SSHPort:     cfg.SSHPort,
		IPXE:        cfg.IPXE,
		IPXEROMPath: cfg.IPXEROMPath,
	})
	if err != nil {
		return err
	}

	for _, nic := range specs {
		if (nic.Mode == network.ModeBridge || nic.Mode == network.ModeDirect) && cfg.Runtime.Rootless {
			return fmt.Errorf("network mode %q requires a privileged runtime", nic.Mode)
		}
	}
	cfg.NICs = specs
	return nil
}

func (r *Resolver) resolveDisks(cfg *ResolvedConfig) error {
	bus := DiskBus(r.Lookup("DISK_TYPE"))
	if bus == "" {
		bus = BusVirtio
	}
	if !ValidBus(bus) {
		return fmt.Errorf("invalid DISK_TYPE %q, valid types: virtio, scsi, ide, usb, nvme", bus)
	}

	cfg.DiskCache = r.Lookup("DISK_CACHE")
	if cfg.DiskCache == "" {
		cfg.DiskCache = "none"
	}
	if !diskCacheModes[cfg.DiskCache] {
		return fmt.Errorf("invalid DISK_CACHE %q", cfg.DiskCache)
	}
	cfg.DiskIO = r.Lookup("DISK_IO")
	if cfg.DiskIO == "" {
		cfg.DiskIO = "native"
	}
	if !diskIOModes[cfg.DiskIO] {
		return fmt.Errorf("invalid DISK_IO %q", cfg.DiskIO)
	}

	sizeMiB, err := r.parseDiskSize(r.Lookup("DISK_SIZE"))
	if err != nil {
		return err
	}

	system := DiskSpec{
		Index:   1,
		Role:    RoleSystem,
		Source:  SourceCachedBase,
		SizeMiB: sizeMiB,
		Bus:     bus,
		Cache:   cfg.DiskCache,
		IO:      cfg.DiskIO,
	}
	switch cfg.BootSource.Kind {
	case KindBlank:
		system.Source = SourceBlank
	case KindISO:
		// Installer boots get a blank target disk unless disabled.
		if boolInputDefault(r.Lookup("BLANK_DISK"), true) {
			system.Source = SourceBlank
		}
	}
	cfg.Disks = append(cfg.Disks, system)

	if cfg.BootSource.Kind == KindISO {
		cfg.Disks = append(cfg.Disks, DiskSpec{
			Index:    0,
			Role:     RoleCDROM,
			Source:   SourceAttachedISO,
			Bus:      BusSCSI,
			ReadOnly: true,
		})
	}

	for index := 2; ; index++ {
		raw := r.Lookup(indexedName("DISK_SIZE", index))
		extraBus := r.Lookup(indexedName("DISK_TYPE", index))
		if raw == "" && extraBus == "" {
			break
		}
		if raw == "" {
			return fmt.Errorf("%s is required for extra disk %d", indexedName("DISK_SIZE", index), index)
		}
		size, err := parseSizeMiB(indexedName("DISK_SIZE", index), raw)
		if err != nil {
			return err
		}
		b := DiskBus(extraBus)
		if b == "" {
			b = bus
		}
		if !ValidBus(b) {
			return fmt.Errorf("invalid %s %q", indexedName("DISK_TYPE", index), extraBus)
		}
		cfg.Disks = append(cfg.Disks, DiskSpec{
			Index:   index,
			Role:    RoleData,
			Source:  SourceBlank,
			SizeMiB: size,
			Bus:     b,
			Cache:   cfg.DiskCache,
			IO:      cfg.DiskIO,
		})
	}

	if dev := r.Lookup("DEVICE"); dev != "" {
		info, err := r.Stat(dev)
		if err != nil {
			return fmt.Errorf("DEVICE %s: %w", dev, err)
		}
		if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
			return fmt.Errorf("DEVICE %s is not a block device", dev)
		}
		cfg.Disks = append(cfg.Disks, DiskSpec{
			Role:   RolePassthrough,
			Source: SourceHostDevice,
			Path:   dev,
			Bus:    BusVirtio,
			Cache:  "none",
			IO:     cfg.DiskIO,
		})
	}
	return nil
}

func (r *Resolver) parseDiskSize(raw string) (uint64, error) {
	switch raw {
	case "":
		return 16 * 1024, nil
	case "max":
		avail, err := r.AvailableDisk(r.diskFreeBase())
		if err != nil {
			return 0, fmt.Errorf("DISK_SIZE=max: %w", err)
		}
		if avail <= memoryReserveMiB {
			return 0, fmt.Errorf("DISK_SIZE=max: only %d MiB free", avail)
		}
		return avail - memoryReserveMiB, nil
	case "half":
		avail, err := r.AvailableDisk(r.diskFreeBase())
		if err != nil {
			return 0, fmt.Errorf("DISK_SIZE=half: %w", err)
		}
		return avail / 2, nil
	}
	return parseSizeMiB("DISK_SIZE", raw)
}

func (r *Resolver) diskFreeBase() string {
	if dir := r.Lookup("DATA_DIR"); dir != "" {
		return dir
	}
	return defaultDataDir
}

func (r *Resolver) resolveShares(cfg *ResolvedConfig) error {
	for index := 1; ; index++ {
		source := r.Lookup(indexedName("FILESYSTEM_SOURCE", index))
		if source == "" {
			// Element 0 may be skipped when only suffixed groups are set.
			if index == 1 && r.Lookup(indexedName("FILESYSTEM_SOURCE", 2)) != "" {
				continue
			}
			break
		}

		readonly := boolInput(r.Lookup(indexedName("FILESYSTEM_READONLY", index)))
		if _, err := r.Stat(source); err != nil {
			if readonly {
				return fmt.Errorf("FILESYSTEM_SOURCE %s does not exist and cannot be created while readonly", source)
			}
			if err := os.MkdirAll(source, 0o755); err != nil {
				return fmt.Errorf("failed to create FILESYSTEM_SOURCE %s: %w", source, err)
			}
		}

		tag := r.Lookup(indexedName("FILESYSTEM_TARGET", index))
		if tag == "" {
			tag = sanitizeTag(filepath.Base(source))
		}

		driver := ShareDriver(r.Lookup(indexedName("FILESYSTEM_DRIVER", index)))
		if driver == "" {
			driver = ShareVirtiofs
		}
		access := r.Lookup(indexedName("FILESYSTEM_ACCESSMODE", index))
		switch driver {
		case ShareVirtiofs:
			if access == "" {
				access = "passthrough"
			}
			// virtiofs performs no identity remapping.
			if access != "passthrough" {
				return fmt.Errorf("%s %q is not supported by virtiofs, only passthrough", indexedName("FILESYSTEM_ACCESSMODE", index), access)
			}
		case Share9p:
			if access == "" {
				access = "mapped"
			}
			switch access {
			case "passthrough", "mapped", "squash":
			default:
				return fmt.Errorf("invalid %s %q, valid modes: passthrough, mapped, squash", indexedName("FILESYSTEM_ACCESSMODE", index), access)
			}
		default:
			return fmt.Errorf("invalid %s %q, valid drivers: virtiofs, 9p", indexedName("FILESYSTEM_DRIVER", index), driver)
		}

		cfg.Shares = append(cfg.Shares, FilesystemShare{
			Source:     source,
			Tag:        tag,
			Driver:     driver,
			ReadOnly:   readonly,
			AccessMode: access,
		})
	}
	return nil
}

func (r *Resolver) resolveBMC(cfg *ResolvedConfig) error {
	cfg.BMC.Enabled = boolInput(r.Lookup("BMC"))
	var err error
	if cfg.BMC.Port, err = portInput(r.Lookup("BMC_PORT"), 8000); err != nil {
		return fmt.Errorf("invalid BMC_PORT: %w", err)
	}
	cfg.BMC.User = r.Lookup("BMC_USER")
	if cfg.BMC.User == "" {
		cfg.BMC.User = "admin"
	}
	cfg.BMC.Password = r.Lookup("BMC_PASSWORD")
	if cfg.BMC.Password == "" {
		cfg.BMC.Password = "password"
	}
	cfg.BMC.SSL = boolInputDefault(r.Lookup("BMC_SSL"), true)
	return nil
}

func (r *Resolver) resolveBootOrder(cfg *ResolvedConfig) error {
	if raw := r.Lookup("BOOT_ORDER"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			dev := BootDevice(strings.TrimSpace(part))
			switch dev {
			case BootHD, BootCDROM, BootNetwork:
				cfg.BootOrder = append(cfg.BootOrder, dev)
			default:
				return fmt.Errorf("invalid BOOT_ORDER entry %q, valid devices: hd, cdrom, network", part)
			}
		}
		return nil
	}

	cfg.BootOrder = []BootDevice{BootHD}
	if cfg.BootSource.Kind == KindISO {
		cfg.BootOrder = []BootDevice{BootCDROM, BootHD}
	}
	if cfg.IPXE {
		cfg.BootOrder = append([]BootDevice{BootNetwork}, cfg.BootOrder...)
	}
	return nil
}

// checkPortConflicts rejects two services claiming the same host port.
func checkPortConflicts(cfg *ResolvedConfig) error {
	claimed := map[int]string{}
	claim := func(port int, name string) error {
		if port == 0 {
			return nil
		}
		if prev, ok := claimed[port]; ok {
			return fmt.Errorf("port conflict: %s and %s both use %d", prev, name, port)
		}
		claimed[port] = name
		return nil
	}

	if err := claim(cfg.SSHPort, "SSH_PORT"); err != nil {
		return err
	}
	if cfg.Graphics == GraphicsVNC || cfg.Graphics == GraphicsNoVNC {
		if err := claim(cfg.VNCPort, "VNC_PORT"); err != nil {
			return err
		}
	}
	if cfg.Graphics == GraphicsNoVNC {
		if err := claim(cfg.NoVNCPort, "NOVNC_PORT"); err != nil {
			return err
		}
	}
	if cfg.BMC.Enabled {
		if err := claim(cfg.BMC.Port, "BMC_PORT"); err != nil {
			return err
		}
	}
	for _, nic := range cfg.NICs {
		for _, fwd := range nic.Forwards {
			if fwd.GuestPort == 22 && fwd.HostPort == cfg.SSHPort {
				continue
			}
			if err := claim(fwd.HostPort, "PORT_FORWARDS"); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseSizeMiB parses a unit-suffixed size. A bare number is MiB.
func parseSizeMiB(input, raw string) (uint64, error) {
	if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return n, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", input, raw, err)
	}
	mib := size.Bytes() / (1 << 20)
	if mib == 0 {
		return 0, fmt.Errorf("invalid %s %q: below 1 MiB", input, raw)
	}
	return mib, nil
}

func boolInput(raw string) bool {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func boolInputDefault(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	return boolInput(raw)
}

func portInput(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("%q is not a valid port", raw)
	}
	return n, nil
}

var tagUnsafeRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeTag(name string) string {
	return tagUnsafeRe.ReplaceAllString(name, "-")
}

// indexedName mirrors the indexed-group naming rule: element 1 reads the
// unqualified name, later elements insert the index after the first
// segment (DISK_SIZE, index 2 reads DISK2_SIZE).
func indexedName(name string, index int) string {
	if index <= 1 {
		return name
	}
	prefix, rest, found := strings.Cut(name, "_")
	if !found {
		return name + strconv.Itoa(index)
	}
	return prefix + strconv.Itoa(index) + "_" + rest
}
