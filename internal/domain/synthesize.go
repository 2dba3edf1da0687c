// Package domain synthesizes the complete guest descriptor from the
// resolved configuration and the prepared disks. The descriptor is rebuilt
// on every process start and never hand-edited.
package domain

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/vmrunner/vmrunner/internal/config"
	"github.com/vmrunner/vmrunner/internal/hostinfo"
	"github.com/vmrunner/vmrunner/internal/network"
)

// Input carries everything the synthesizer merges: the resolved
// configuration plus the acquisition results.
type Input struct {
	Config    *config.ResolvedConfig
	Disks     []config.DiskSpec
	BootOrder []config.BootDevice
	SeedPath  string
}

// Synthesizer builds descriptors. FSType classifies a disk's backing
// filesystem for the io/cache downgrade; tests substitute a fixed answer.
type Synthesizer struct {
	FSType func(path string) string
}

// New returns a Synthesizer using real host introspection.
func New() *Synthesizer {
	return &Synthesizer{FSType: hostinfo.FilesystemType}
}

// Synthesize produces the domain XML. Warnings report non-fatal
// adjustments such as the disk io/cache downgrade.
func (s *Synthesizer) Synthesize(in Input) (string, []string, error) {
	cfg := in.Config

	if err := crossCheckBootOrder(in); err != nil {
		return "", nil, err
	}

	dom := s.baseDomain(cfg)

	var warnings []string
	if err := s.addDisks(dom, in, &warnings); err != nil {
		return "", nil, err
	}
	s.addSeedMedia(dom, in)
	addInterfaces(dom, cfg, bootPriority(in.BootOrder, config.BootNetwork))
	addShares(dom, cfg)
	addChannels(dom)
	addGraphics(dom, cfg)
	addPeripherals(dom, cfg)

	xml, err := dom.Marshal()
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, warnings, nil
}

// crossCheckBootOrder rejects boot entries that reference a device class
// with zero configured devices. Silent dropping is never allowed.
func crossCheckBootOrder(in Input) error {
	for _, dev := range in.BootOrder {
		ok := false
		switch dev {
		case config.BootHD:
			for _, d := range in.Disks {
				if d.Role == config.RoleSystem || d.Role == config.RoleData {
					ok = true
				}
			}
		case config.BootCDROM:
			for _, d := range in.Disks {
				if d.Role == config.RoleCDROM {
					ok = true
				}
			}
		case config.BootNetwork:
			ok = len(in.Config.NICs) > 0
		}
		if !ok {
			return fmt.Errorf("boot order references %q but no such device is configured", dev)
		}
	}
	return nil
}

// bootPriority returns the 1-based boot order position of dev, or 0 when
// dev is not in the order.
func bootPriority(order []config.BootDevice, dev config.BootDevice) uint {
	for i, d := range order {
		if d == dev {
			return uint(i + 1)
		}
	}
	return 0
}

func (s *Synthesizer) baseDomain(cfg *config.ResolvedConfig) *libvirtxml.Domain {
	domType := "kvm"
	cpu := &libvirtxml.DomainCPU{Mode: "host-passthrough"}
	if !cfg.KVM {
		domType = "qemu"
		cpu = &libvirtxml.DomainCPU{
			Mode: "custom",
			Model: &libvirtxml.DomainCPUModel{
				Value:    cfg.Profile.TCGModel,
				Fallback: "allow",
			},
		}
	}

	dom := &libvirtxml.Domain{
		Type: domType,
		Name: cfg.Name,
		// A name-derived UUID keeps the management projection's system
		// identifier stable across restarts.
		UUID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(cfg.Name)).String(),
		Memory: &libvirtxml.DomainMemory{
			Value: uint(cfg.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(cfg.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    cfg.Arch,
				Machine: cfg.Profile.Machine,
				Type:    "hvm",
			},
		},
		CPU:        cpu,
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Emulator: cfg.Profile.Emulator,
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
		},
	}

	features := &libvirtxml.DomainFeatureList{
		ACPI: &libvirtxml.DomainFeature{},
	}
	if cfg.Arch == "x86_64" {
		features.APIC = &libvirtxml.DomainFeatureAPIC{}
		features.PAE = &libvirtxml.DomainFeature{}
		dom.Clock = &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		}
	}
	if cfg.Hyperv {
		features.HyperV = &libvirtxml.DomainFeatureHyperV{
			Relaxed: &libvirtxml.DomainFeatureState{State: "on"},
			VAPIC:   &libvirtxml.DomainFeatureState{State: "on"},
			Spinlocks: &libvirtxml.DomainFeatureHyperVSpinlocks{
				DomainFeatureState: libvirtxml.DomainFeatureState{State: "on"},
				Retries:            8191,
			},
		}
	}

	switch cfg.Firmware {
	case config.FirmwareLegacy:
	case config.FirmwareUEFI, config.FirmwareSecure:
		loader := cfg.Profile.LoaderUEFI
		template := cfg.Profile.NVRAMTemplate
		secure := "no"
		if cfg.Firmware == config.FirmwareSecure {
			loader = cfg.Profile.LoaderSecure
			template = cfg.Profile.NVRAMSecure
			secure = "yes"
			features.SMM = &libvirtxml.DomainFeatureSMM{State: "on"}
		}
		dom.OS.Loader = &libvirtxml.DomainLoader{
			Readonly: "yes",
			Type:     "pflash",
			Secure:   secure,
			Path:     loader,
		}
		dom.OS.NVRam = &libvirtxml.DomainNVRam{
			Template: template,
			NVRam:    filepath.Join(cfg.GuestDir, cfg.Name+"_VARS.fd"),
		}
	}
	dom.Features = features

	if cfg.TPM {
		dom.Devices.TPMs = []libvirtxml.DomainTPM{
			{
				Model: "tpm-crb",
				Backend: &libvirtxml.DomainTPMBackend{
					Emulator: &libvirtxml.DomainTPMBackendEmulator{
						Version: "2.0",
					},
				},
			},
		}
	}

	// Shared memory backing is required by the virtiofs transport.
	for _, share := range cfg.Shares {
		if share.Driver == config.ShareVirtiofs {
			dom.MemoryBacking = &libvirtxml.DomainMemoryBacking{
				MemorySource: &libvirtxml.DomainMemorySource{Type: "memfd"},
				MemoryAccess: &libvirtxml.DomainMemoryAccess{Mode: "shared"},
			}
			break
		}
	}

	return dom
}

// unsafeDirectIO reports filesystem types that reject O_DIRECT, which
// native AIO with cache=none depends on.
func unsafeDirectIO(fsType string) bool {
	return fsType == "tmpfs" || fsType == "overlay"
}

func (s *Synthesizer) addDisks(dom *libvirtxml.Domain, in Input, warnings *[]string) error {
	hdOrder := bootPriority(in.BootOrder, config.BootHD)
	cdOrder := bootPriority(in.BootOrder, config.BootCDROM)

	devNames := newDevNamer()
	for _, spec := range in.Disks {
		switch spec.Role {
		case config.RoleCDROM:
			disk := libvirtxml.DomainDisk{
				Device: "cdrom",
				Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
				Source: &libvirtxml.DomainDiskSource{
					File: &libvirtxml.DomainDiskSourceFile{File: spec.Path},
				},
				Target: &libvirtxml.DomainDiskTarget{
					Dev: devNames.next(config.BusSCSI),
					Bus: "scsi",
				},
				ReadOnly: &libvirtxml.DomainDiskReadOnly{},
			}
			if cdOrder > 0 {
				disk.Boot = &libvirtxml.DomainDeviceBoot{Order: cdOrder}
			}
			dom.Devices.Disks = append(dom.Devices.Disks, disk)

		case config.RolePassthrough:
			dom.Devices.Disks = append(dom.Devices.Disks, libvirtxml.DomainDisk{
				Device: "disk",
				Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw", Cache: "none"},
				Source: &libvirtxml.DomainDiskSource{
					Block: &libvirtxml.DomainDiskSourceBlock{Dev: spec.Path},
				},
				Target: &libvirtxml.DomainDiskTarget{
					Dev: devNames.next(spec.Bus),
					Bus: string(spec.Bus),
				},
			})

		case config.RoleSystem, config.RoleData:
			cache, io := spec.Cache, spec.IO
			if fsType := s.FSType(filepath.Dir(spec.Path)); unsafeDirectIO(fsType) {
				if io == "native" || cache == "none" {
					*warnings = append(*warnings, fmt.Sprintf(
						"disk %s: io=%s cache=%s unsupported on %s backing store, using io=threads cache=writeback",
						spec.Path, io, cache, fsType))
					io = "threads"
					cache = "writeback"
				}
			}

			disk := libvirtxml.DomainDisk{
				Device: "disk",
				Driver: &libvirtxml.DomainDiskDriver{
					Name:    "qemu",
					Type:    "qcow2",
					Cache:   cache,
					IO:      io,
					Discard: "unmap",
				},
				Source: &libvirtxml.DomainDiskSource{
					File: &libvirtxml.DomainDiskSourceFile{File: spec.Path},
				},
				Target: &libvirtxml.DomainDiskTarget{
					Dev: devNames.next(spec.Bus),
					Bus: string(spec.Bus),
				},
			}
			if spec.Role == config.RoleSystem && hdOrder > 0 {
				disk.Boot = &libvirtxml.DomainDeviceBoot{Order: hdOrder}
			}
			dom.Devices.Disks = append(dom.Devices.Disks, disk)
		}
	}
	return nil
}

// addSeedMedia attaches the seed ISO. Always raw, always read-only, never
// part of the boot order.
func (s *Synthesizer) addSeedMedia(dom *libvirtxml.Domain, in Input) {
	if !in.Config.CloudInit || in.SeedPath == "" {
		return
	}
	bus := "sata"
	if in.Config.Arch != "x86_64" {
		bus = "scsi"
	}
	dom.Devices.Disks = append(dom.Devices.Disks, libvirtxml.DomainDisk{
		Device: "cdrom",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: in.SeedPath},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: "sdz",
			Bus: bus,
		},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	})
}

func addInterfaces(dom *libvirtxml.Domain, cfg *config.ResolvedConfig, netOrder uint) {
	for _, nic := range cfg.NICs {
		iface := libvirtxml.DomainInterface{
			MAC: &libvirtxml.DomainInterfaceMAC{Address: nic.MAC},
			Model: &libvirtxml.DomainInterfaceModel{
				Type: nic.Model,
			},
		}

		switch nic.Mode {
		case network.ModeNAT:
			iface.Source = &libvirtxml.DomainInterfaceSource{
				User: &libvirtxml.DomainInterfaceSourceUser{},
			}
			iface.Backend = &libvirtxml.DomainInterfaceBackend{Type: "passt"}
			for _, fwd := range nic.Forwards {
				iface.PortForward = append(iface.PortForward, libvirtxml.DomainInterfaceSourcePortForward{
					Proto: "tcp",
					Ranges: []libvirtxml.DomainInterfaceSourcePortForwardRange{
						{Start: uint(fwd.HostPort), To: uint(fwd.GuestPort)},
					},
				})
			}
		case network.ModeBridge:
			iface.Source = &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: nic.Bridge},
			}
		case network.ModeDirect:
			iface.Source = &libvirtxml.DomainInterfaceSource{
				Direct: &libvirtxml.DomainInterfaceSourceDirect{
					Dev:  nic.DirectDev,
					Mode: "bridge",
				},
			}
		}

		// vhost accelerates virtio on in-kernel backends; the user-mode
		// backend has no kernel path to accelerate.
		if nic.Model == "virtio" && nic.Mode != network.ModeNAT {
			iface.Driver = &libvirtxml.DomainInterfaceDriver{Name: "vhost"}
		}

		if nic.MTU > 0 {
			iface.MTU = &libvirtxml.DomainInterfaceMTU{Size: uint(nic.MTU)}
		}
		if nic.ROMPath != "" {
			rom := nic.ROMPath
			iface.ROM = &libvirtxml.DomainROM{File: &rom}
		}
		if nic.Boot && netOrder > 0 {
			iface.Boot = &libvirtxml.DomainDeviceBoot{Order: netOrder}
		}

		dom.Devices.Interfaces = append(dom.Devices.Interfaces, iface)
	}
}

func addShares(dom *libvirtxml.Domain, cfg *config.ResolvedConfig) {
	for _, share := range cfg.Shares {
		fs := libvirtxml.DomainFilesystem{
			AccessMode: share.AccessMode,
			Source: &libvirtxml.DomainFilesystemSource{
				Mount: &libvirtxml.DomainFilesystemSourceMount{Dir: share.Source},
			},
			Target: &libvirtxml.DomainFilesystemTarget{Dir: share.Tag},
		}
		switch share.Driver {
		case config.ShareVirtiofs:
			fs.Driver = &libvirtxml.DomainFilesystemDriver{Type: "virtiofs"}
		case config.Share9p:
			fs.Driver = &libvirtxml.DomainFilesystemDriver{Type: "path"}
		}
		if share.ReadOnly {
			fs.ReadOnly = &libvirtxml.DomainFilesystemReadOnly{}
		}
		dom.Devices.Filesystems = append(dom.Devices.Filesystems, fs)
	}
}

// guestAgentChannel is the control channel the command bridge uses. It is
// present on every guest, independent of all feature toggles.
const guestAgentChannel = "org.qemu.guest_agent.0"

func addChannels(dom *libvirtxml.Domain) {
	dom.Devices.Channels = []libvirtxml.DomainChannel{
		{
			Source: &libvirtxml.DomainChardevSource{
				UNIX: &libvirtxml.DomainChardevSourceUNIX{},
			},
			Target: &libvirtxml.DomainChannelTarget{
				VirtIO: &libvirtxml.DomainChannelTargetVirtIO{Name: guestAgentChannel},
			},
		},
	}

	dom.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: func() *uint { p := uint(0); return &p }(),
			},
		},
	}
	dom.Devices.Consoles = []libvirtxml.DomainConsole{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainConsoleTarget{
				Type: "serial",
				Port: func() *uint { p := uint(0); return &p }(),
			},
		},
	}
}

func addGraphics(dom *libvirtxml.Domain, cfg *config.ResolvedConfig) {
	if cfg.Graphics == config.GraphicsNone {
		return
	}

	dom.Devices.Graphics = []libvirtxml.DomainGraphic{
		{
			VNC: &libvirtxml.DomainGraphicVNC{
				Port:   cfg.VNCPort,
				Listen: "127.0.0.1",
			},
		},
	}
	dom.Devices.Videos = []libvirtxml.DomainVideo{
		{Model: libvirtxml.DomainVideoModel{Type: "virtio"}},
	}
}

func addPeripherals(dom *libvirtxml.Domain, cfg *config.ResolvedConfig) {
	if cfg.RNG {
		dom.Devices.RNGs = []libvirtxml.DomainRNG{
			{
				Model: "virtio",
				Backend: &libvirtxml.DomainRNGBackend{
					Random: &libvirtxml.DomainRNGBackendRandom{Device: "/dev/urandom"},
				},
			},
		}
	}

	if cfg.USB {
		dom.Devices.Controllers = append(dom.Devices.Controllers, libvirtxml.DomainController{
			Type:  "usb",
			Model: "qemu-xhci",
		})
	}

	if cfg.Sound {
		dom.Devices.Sounds = []libvirtxml.DomainSound{{Model: "ich9"}}
	}

	if cfg.GPU == "intel" {
		dom.Devices.Hostdevs = []libvirtxml.DomainHostdev{
			{
				SubsysMDev: &libvirtxml.DomainHostdevSubsysMDev{
					Model:   "vfio-pci",
					Display: "on",
					Source: &libvirtxml.DomainHostdevSubsysMDevSource{
						Address: &libvirtxml.DomainAddressMDev{
							UUID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(cfg.Name+"-gpu")).String(),
						},
					},
				},
			},
		}
	}
}

// devNamer hands out per-bus guest device names (vda, vdb, sda, ...).
type devNamer struct {
	counts map[config.DiskBus]int
}

func newDevNamer() *devNamer {
	return &devNamer{counts: map[config.DiskBus]int{}}
}

func (n *devNamer) next(bus config.DiskBus) string {
	// usb and scsi share the sd namespace.
	key := bus
	if bus == config.BusUSB {
		key = config.BusSCSI
	}
	i := n.counts[key]
	n.counts[key]++
	return bus.DevPrefix() + string(rune('a'+i))
}
