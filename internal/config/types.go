// Package config resolves the flat configuration-input namespace into one
// immutable ResolvedConfig consumed by every later pipeline stage.
package config

import (
	"github.com/vmrunner/vmrunner/internal/hostinfo"
	"github.com/vmrunner/vmrunner/internal/network"
)

// FirmwareMode selects the guest firmware stack.
type FirmwareMode string

const (
	FirmwareLegacy FirmwareMode = "legacy"
	FirmwareUEFI   FirmwareMode = "uefi"
	FirmwareSecure FirmwareMode = "secure"
)

// GraphicsMode selects the guest display surface.
type GraphicsMode string

const (
	GraphicsNone  GraphicsMode = "none"
	GraphicsVNC   GraphicsMode = "vnc"
	GraphicsNoVNC GraphicsMode = "novnc"
)

// BootDevice is one entry of the guest boot order.
type BootDevice string

const (
	BootHD      BootDevice = "hd"
	BootCDROM   BootDevice = "cdrom"
	BootNetwork BootDevice = "network"
)

// DiskRole classifies what a disk is for.
type DiskRole string

const (
	RoleSystem      DiskRole = "system"
	RoleData        DiskRole = "data"
	RoleCDROM       DiskRole = "cdrom"
	RolePassthrough DiskRole = "passthrough"
)

// SourceKind says where a disk's backing file comes from.
type SourceKind string

const (
	SourceCachedBase  SourceKind = "cached-base"
	SourceBlank       SourceKind = "blank"
	SourceAttachedISO SourceKind = "attached-iso"
	SourceHostDevice  SourceKind = "host-device"
)

// DiskBus is the guest-visible disk controller type.
type DiskBus string

const (
	BusVirtio DiskBus = "virtio"
	BusSCSI   DiskBus = "scsi"
	BusIDE    DiskBus = "ide"
	BusUSB    DiskBus = "usb"
	BusNVMe   DiskBus = "nvme"
)

// diskBusPrefixes maps each bus to its guest device-name prefix.
var diskBusPrefixes = map[DiskBus]string{
	BusVirtio: "vd",
	BusSCSI:   "sd",
	BusIDE:    "hd",
	BusUSB:    "sd",
	BusNVMe:   "nvme",
}

// DevPrefix returns the guest device-name prefix for the bus.
func (b DiskBus) DevPrefix() string {
	return diskBusPrefixes[b]
}

// ValidBus reports whether b names a supported disk bus.
func ValidBus(b DiskBus) bool {
	_, ok := diskBusPrefixes[b]
	return ok
}

var diskIOModes = map[string]bool{"native": true, "threads": true, "io_uring": true}

var diskCacheModes = map[string]bool{
	"none": true, "writeback": true, "writethrough": true, "directsync": true, "unsafe": true,
}

// ShareDriver selects the filesystem-share transport.
type ShareDriver string

const (
	ShareVirtiofs ShareDriver = "virtiofs"
	Share9p       ShareDriver = "9p"
)

// DiskSpec describes one resolved disk attachment.
type DiskSpec struct {
	Index    int
	Role     DiskRole
	Source   SourceKind
	Path     string
	SizeMiB  uint64
	Bus      DiskBus
	Cache    string
	IO       string
	ReadOnly bool
}

// FilesystemShare describes one host directory exposed inside the guest.
type FilesystemShare struct {
	Source   string
	Tag      string
	Driver   ShareDriver
	ReadOnly bool
	// AccessMode is the 9p identity remapping mode; virtiofs only supports
	// passthrough.
	AccessMode string
}

// BMCSettings carries the management-projection sidecar configuration.
type BMCSettings struct {
	Enabled  bool
	Port     int
	User     string
	Password string
	SSL      bool
}

// ResolvedConfig is the immutable result of configuration resolution. It is
// built once at startup and threaded explicitly through the pipeline.
type ResolvedConfig struct {
	Name string

	DistroKey    string
	DistroName   string
	DistroURL    string
	DistroUser   string
	DistroFormat string
	Arch         string
	Profile      ArchProfile

	MemoryMiB uint64
	VCPUs     int

	Firmware FirmwareMode
	TPM      bool
	// Hyperv enables guest enlightenments; derived from host CPU vendor
	// introspection unless forced.
	Hyperv       bool
	HypervForced bool

	BootOrder  []BootDevice
	BootSource BootSource
	ForceISO   bool

	Persist bool

	CloudInit         bool
	CloudInitUserData string
	Packages          []string
	User              string
	Password          string
	SSHPubkey         string

	Disks  []DiskSpec
	NICs   []network.Spec
	Shares []FilesystemShare

	Graphics  GraphicsMode
	VNCPort   int
	NoVNCPort int
	SSHPort   int

	GPU   string
	USB   bool
	Sound bool
	RNG   bool

	IPXE        bool
	IPXEROMPath string

	BMC BMCSettings

	DiskCache string
	DiskIO    string

	// DataDir is the state root; CacheDir the shared base-image cache;
	// GuestDir the per-guest working directory.
	DataDir  string
	CacheDir string
	GuestDir string

	KVM       bool
	CPUVendor hostinfo.CPUVendor
	Runtime   hostinfo.Runtime
	HostMTU   int

	ListDistros bool
	ShowConfig  bool
	ShowXML     bool
	DryRun      bool
	NoConsole   bool
}

// SystemDisk returns the resolved system disk, or nil.
func (c *ResolvedConfig) SystemDisk() *DiskSpec {
	for i := range c.Disks {
		if c.Disks[i].Role == RoleSystem {
			return &c.Disks[i]
		}
	}
	return nil
}

// InstallerISO returns the attached installer disk, or nil.
func (c *ResolvedConfig) InstallerISO() *DiskSpec {
	for i := range c.Disks {
		if c.Disks[i].Role == RoleCDROM {
			return &c.Disks[i]
		}
	}
	return nil
}
