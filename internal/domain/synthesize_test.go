package domain

import (
	"strings"
	"testing"

	"libvirt.org/go/libvirtxml"

	"github.com/vmrunner/vmrunner/internal/config"
	"github.com/vmrunner/vmrunner/internal/network"
)

func testSynthesizer() *Synthesizer {
	return &Synthesizer{FSType: func(string) string { return "other" }}
}

func baseInput() Input {
	profile, _ := config.ProfileFor("x86_64")
	return Input{
		Config: &config.ResolvedConfig{
			Name:      "testvm",
			Arch:      "x86_64",
			Profile:   profile,
			MemoryMiB: 2048,
			VCPUs:     2,
			Firmware:  config.FirmwareUEFI,
			KVM:       true,
			RNG:       true,
			USB:       true,
			Graphics:  config.GraphicsNone,
			GuestDir:  "/data/testvm",
			CloudInit: true,
			NICs: []network.Spec{
				{
					Index: 1,
					Mode:  network.ModeNAT,
					Model: "virtio",
					MAC:   "52:54:00:aa:bb:cc",
					Forwards: []network.PortForward{
						{HostPort: 2222, GuestPort: 22},
					},
				},
			},
		},
		Disks: []config.DiskSpec{
			{
				Index: 1, Role: config.RoleSystem, Path: "/data/testvm/testvm.qcow2",
				Bus: config.BusVirtio, Cache: "none", IO: "native",
			},
		},
		BootOrder: []config.BootDevice{config.BootHD},
		SeedPath:  "/data/testvm/seed.iso",
	}
}

func mustSynthesize(t *testing.T, in Input) *libvirtxml.Domain {
	t.Helper()
	xml, _, err := testSynthesizer().Synthesize(in)
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(xml); err != nil {
		t.Fatalf("generated XML does not parse: %v", err)
	}
	return &dom
}

func TestSynthesizeDefaults(t *testing.T) {
	dom := mustSynthesize(t, baseInput())

	if dom.Type != "kvm" {
		t.Errorf("Type = %q, want kvm", dom.Type)
	}
	if dom.Name != "testvm" {
		t.Errorf("Name = %q", dom.Name)
	}
	if dom.Memory == nil || dom.Memory.Value != 2048 || dom.Memory.Unit != "MiB" {
		t.Errorf("Memory = %+v", dom.Memory)
	}
	if dom.VCPU == nil || dom.VCPU.Value != 2 {
		t.Errorf("VCPU = %+v", dom.VCPU)
	}
	if dom.CPU == nil || dom.CPU.Mode != "host-passthrough" {
		t.Errorf("CPU = %+v", dom.CPU)
	}
	if dom.OS.Type.Machine != "q35" {
		t.Errorf("Machine = %q", dom.OS.Type.Machine)
	}
	if dom.OS.Loader == nil || dom.OS.Loader.Path != "/usr/share/OVMF/OVMF_CODE_4M.fd" {
		t.Errorf("Loader = %+v", dom.OS.Loader)
	}
	if dom.OS.NVRam == nil || dom.OS.NVRam.NVRam != "/data/testvm/testvm_VARS.fd" {
		t.Errorf("NVRam = %+v", dom.OS.NVRam)
	}
	if dom.OnPoweroff != "destroy" || dom.OnCrash != "destroy" {
		t.Errorf("OnPoweroff = %q, OnCrash = %q", dom.OnPoweroff, dom.OnCrash)
	}
}

func TestSynthesizeStableUUID(t *testing.T) {
	first := mustSynthesize(t, baseInput())
	second := mustSynthesize(t, baseInput())
	if first.UUID == "" || first.UUID != second.UUID {
		t.Errorf("UUID not stable: %q vs %q", first.UUID, second.UUID)
	}
}

func TestSynthesizeSystemDiskAndBoot(t *testing.T) {
	dom := mustSynthesize(t, baseInput())

	var system *libvirtxml.DomainDisk
	for i := range dom.Devices.Disks {
		d := &dom.Devices.Disks[i]
		if d.Device == "disk" {
			system = d
		}
	}
	if system == nil {
		t.Fatal("no system disk in descriptor")
	}
	if system.Target.Dev != "vda" || system.Target.Bus != "virtio" {
		t.Errorf("target = %+v", system.Target)
	}
	if system.Driver.Type != "qcow2" || system.Driver.Cache != "none" || system.Driver.IO != "native" {
		t.Errorf("driver = %+v", system.Driver)
	}
	if system.Boot == nil || system.Boot.Order != 1 {
		t.Errorf("boot = %+v, want order 1", system.Boot)
	}
}

func TestSynthesizeNATInterface(t *testing.T) {
	dom := mustSynthesize(t, baseInput())

	if len(dom.Devices.Interfaces) != 1 {
		t.Fatalf("Interfaces = %d, want 1", len(dom.Devices.Interfaces))
	}
	iface := dom.Devices.Interfaces[0]
	if iface.Source == nil || iface.Source.User == nil {
		t.Errorf("source = %+v, want user backend", iface.Source)
	}
	if iface.Backend == nil || iface.Backend.Type != "passt" {
		t.Errorf("backend = %+v, want passt", iface.Backend)
	}
	if len(iface.PortForward) != 1 {
		t.Fatalf("PortForward = %+v", iface.PortForward)
	}
	fwd := iface.PortForward[0]
	if fwd.Proto != "tcp" || len(fwd.Ranges) != 1 || fwd.Ranges[0].Start != 2222 || fwd.Ranges[0].To != 22 {
		t.Errorf("forward = %+v", fwd)
	}
	if iface.MTU != nil {
		t.Errorf("MTU emitted for default host MTU: %+v", iface.MTU)
	}
	if iface.Driver != nil {
		t.Errorf("vhost driver emitted on user-mode backend: %+v", iface.Driver)
	}
}

func TestSynthesizeBridgeInterfaceMTUAndVhost(t *testing.T) {
	in := baseInput()
	in.Config.NICs = []network.Spec{
		{Index: 1, Mode: network.ModeBridge, Bridge: "br0", Model: "virtio", MAC: "52:54:00:00:00:01", MTU: 9000},
	}
	dom := mustSynthesize(t, in)

	iface := dom.Devices.Interfaces[0]
	if iface.Source == nil || iface.Source.Bridge == nil || iface.Source.Bridge.Bridge != "br0" {
		t.Errorf("source = %+v", iface.Source)
	}
	if iface.MTU == nil || iface.MTU.Size != 9000 {
		t.Errorf("MTU = %+v, want 9000", iface.MTU)
	}
	if iface.Driver == nil || iface.Driver.Name != "vhost" {
		t.Errorf("driver = %+v, want vhost", iface.Driver)
	}
}

func TestSynthesizeBootOrderCrossCheck(t *testing.T) {
	in := baseInput()
	in.BootOrder = []config.BootDevice{config.BootCDROM, config.BootHD}

	_, _, err := testSynthesizer().Synthesize(in)
	if err == nil || !strings.Contains(err.Error(), "cdrom") {
		t.Fatalf("Synthesize() error = %v, want cdrom cross-check failure", err)
	}

	in.BootOrder = []config.BootDevice{config.BootNetwork}
	in.Config.NICs = nil
	if _, _, err := testSynthesizer().Synthesize(in); err == nil {
		t.Fatal("Synthesize() expected error for network boot without NIC")
	}
}

func TestSynthesizeDowngradesDirectIOOnTmpfs(t *testing.T) {
	s := &Synthesizer{FSType: func(string) string { return "tmpfs" }}

	xml, warnings, err := s.Synthesize(baseInput())
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "tmpfs") {
		t.Fatalf("warnings = %v, want tmpfs downgrade notice", warnings)
	}

	var dom libvirtxml.Domain
	if err := dom.Unmarshal(xml); err != nil {
		t.Fatal(err)
	}
	for _, d := range dom.Devices.Disks {
		if d.Device != "disk" {
			continue
		}
		if d.Driver.IO != "threads" || d.Driver.Cache != "writeback" {
			t.Errorf("driver = %+v, want io=threads cache=writeback", d.Driver)
		}
	}
}

func TestSynthesizeSecureFirmware(t *testing.T) {
	in := baseInput()
	in.Config.Firmware = config.FirmwareSecure
	in.Config.TPM = true
	dom := mustSynthesize(t, in)

	if dom.OS.Loader == nil || dom.OS.Loader.Secure != "yes" {
		t.Errorf("Loader = %+v, want secure", dom.OS.Loader)
	}
	if dom.OS.Loader.Path != "/usr/share/OVMF/OVMF_CODE_4M.ms.fd" {
		t.Errorf("Loader.Path = %q", dom.OS.Loader.Path)
	}
	if dom.Features == nil || dom.Features.SMM == nil {
		t.Error("SMM feature missing for secure firmware")
	}
	if len(dom.Devices.TPMs) != 1 {
		t.Fatalf("TPMs = %+v", dom.Devices.TPMs)
	}
	tpm := dom.Devices.TPMs[0]
	if tpm.Model != "tpm-crb" || tpm.Backend == nil || tpm.Backend.Emulator == nil || tpm.Backend.Emulator.Version != "2.0" {
		t.Errorf("TPM = %+v", tpm)
	}
}

func TestSynthesizeEmulationFallback(t *testing.T) {
	in := baseInput()
	in.Config.KVM = false
	dom := mustSynthesize(t, in)

	if dom.Type != "qemu" {
		t.Errorf("Type = %q, want qemu", dom.Type)
	}
	if dom.CPU == nil || dom.CPU.Model == nil || dom.CPU.Model.Value != "qemu64" {
		t.Errorf("CPU = %+v, want qemu64 model", dom.CPU)
	}
}

func TestSynthesizeHypervEnlightenments(t *testing.T) {
	in := baseInput()
	in.Config.Hyperv = true
	dom := mustSynthesize(t, in)

	hv := dom.Features.HyperV
	if hv == nil || hv.Relaxed == nil || hv.VAPIC == nil || hv.Spinlocks == nil {
		t.Fatalf("HyperV = %+v", hv)
	}
	if hv.Spinlocks.Retries != 8191 {
		t.Errorf("Spinlocks.Retries = %d", hv.Spinlocks.Retries)
	}
}

func TestSynthesizeSeedMedia(t *testing.T) {
	dom := mustSynthesize(t, baseInput())

	var seed *libvirtxml.DomainDisk
	for i := range dom.Devices.Disks {
		d := &dom.Devices.Disks[i]
		if d.Device == "cdrom" && d.Source != nil && d.Source.File != nil &&
			strings.HasSuffix(d.Source.File.File, "seed.iso") {
			seed = d
		}
	}
	if seed == nil {
		t.Fatal("seed media not attached")
	}
	if seed.ReadOnly == nil {
		t.Error("seed media not read-only")
	}
	if seed.Boot != nil {
		t.Error("seed media must not participate in boot order")
	}
}

func TestSynthesizeNoSeedWithoutCloudInit(t *testing.T) {
	in := baseInput()
	in.Config.CloudInit = false
	dom := mustSynthesize(t, in)

	for _, d := range dom.Devices.Disks {
		if d.Source != nil && d.Source.File != nil && strings.HasSuffix(d.Source.File.File, "seed.iso") {
			t.Error("seed media attached with provisioning disabled")
		}
	}
}

func TestSynthesizeInstallerBootOrder(t *testing.T) {
	in := baseInput()
	in.Disks = append(in.Disks, config.DiskSpec{
		Index: 0, Role: config.RoleCDROM, Path: "/data/testvm/boot.iso",
		Bus: config.BusSCSI, ReadOnly: true,
	})
	in.BootOrder = []config.BootDevice{config.BootCDROM, config.BootHD}
	dom := mustSynthesize(t, in)

	var cdOrder, hdOrder uint
	for _, d := range dom.Devices.Disks {
		if d.Boot == nil {
			continue
		}
		switch d.Device {
		case "cdrom":
			cdOrder = d.Boot.Order
		case "disk":
			hdOrder = d.Boot.Order
		}
	}
	if cdOrder != 1 || hdOrder != 2 {
		t.Errorf("boot orders cdrom=%d hd=%d, want 1 and 2", cdOrder, hdOrder)
	}
}

func TestSynthesizeNetworkBoot(t *testing.T) {
	in := baseInput()
	in.Config.NICs[0].Boot = true
	in.Config.NICs[0].ROMPath = "/usr/share/ipxe/1af41000.rom"
	in.BootOrder = []config.BootDevice{config.BootNetwork, config.BootHD}
	dom := mustSynthesize(t, in)

	iface := dom.Devices.Interfaces[0]
	if iface.Boot == nil || iface.Boot.Order != 1 {
		t.Errorf("interface boot = %+v, want order 1", iface.Boot)
	}
	if iface.ROM == nil || iface.ROM.File == nil || *iface.ROM.File != "/usr/share/ipxe/1af41000.rom" {
		t.Errorf("ROM = %+v", iface.ROM)
	}
}

func TestSynthesizeGuestAgentChannelAlwaysPresent(t *testing.T) {
	in := baseInput()
	in.Config.CloudInit = false
	in.Config.RNG = false
	in.Config.USB = false
	dom := mustSynthesize(t, in)

	if len(dom.Devices.Channels) != 1 {
		t.Fatalf("Channels = %+v", dom.Devices.Channels)
	}
	ch := dom.Devices.Channels[0]
	if ch.Target == nil || ch.Target.VirtIO == nil || ch.Target.VirtIO.Name != "org.qemu.guest_agent.0" {
		t.Errorf("channel target = %+v", ch.Target)
	}
	if len(dom.Devices.Serials) != 1 || len(dom.Devices.Consoles) != 1 {
		t.Errorf("serials = %d consoles = %d, want one each", len(dom.Devices.Serials), len(dom.Devices.Consoles))
	}
}

func TestSynthesizeShares(t *testing.T) {
	in := baseInput()
	in.Config.Shares = []config.FilesystemShare{
		{Source: "/srv/data", Tag: "data", Driver: config.ShareVirtiofs, AccessMode: "passthrough"},
		{Source: "/srv/ro", Tag: "ro", Driver: config.Share9p, AccessMode: "mapped", ReadOnly: true},
	}
	dom := mustSynthesize(t, in)

	if dom.MemoryBacking == nil || dom.MemoryBacking.MemoryAccess == nil ||
		dom.MemoryBacking.MemoryAccess.Mode != "shared" {
		t.Errorf("MemoryBacking = %+v, want shared access", dom.MemoryBacking)
	}
	if len(dom.Devices.Filesystems) != 2 {
		t.Fatalf("Filesystems = %+v", dom.Devices.Filesystems)
	}
	fs := dom.Devices.Filesystems[0]
	if fs.Driver == nil || fs.Driver.Type != "virtiofs" || fs.Target.Dir != "data" {
		t.Errorf("filesystem[0] = %+v", fs)
	}
	if dom.Devices.Filesystems[1].ReadOnly == nil {
		t.Error("readonly share missing readonly element")
	}
}

func TestSynthesizeGraphicsAndPeripherals(t *testing.T) {
	in := baseInput()
	in.Config.Graphics = config.GraphicsVNC
	in.Config.VNCPort = 5900
	in.Config.Sound = true
	dom := mustSynthesize(t, in)

	if len(dom.Devices.Graphics) != 1 || dom.Devices.Graphics[0].VNC == nil {
		t.Fatalf("Graphics = %+v", dom.Devices.Graphics)
	}
	vnc := dom.Devices.Graphics[0].VNC
	if vnc.Port != 5900 || vnc.Listen != "127.0.0.1" {
		t.Errorf("VNC = %+v, want loopback only", vnc)
	}
	if len(dom.Devices.Videos) != 1 || dom.Devices.Videos[0].Model.Type != "virtio" {
		t.Errorf("Videos = %+v", dom.Devices.Videos)
	}
	if len(dom.Devices.Sounds) != 1 || dom.Devices.Sounds[0].Model != "ich9" {
		t.Errorf("Sounds = %+v", dom.Devices.Sounds)
	}
	if len(dom.Devices.RNGs) != 1 {
		t.Errorf("RNGs = %+v", dom.Devices.RNGs)
	}
}

func TestSynthesizePassthroughDisk(t *testing.T) {
	in := baseInput()
	in.Disks = append(in.Disks, config.DiskSpec{
		Index: 2, Role: config.RolePassthrough, Path: "/dev/sdb", Bus: config.BusVirtio,
	})
	dom := mustSynthesize(t, in)

	var block *libvirtxml.DomainDisk
	for i := range dom.Devices.Disks {
		d := &dom.Devices.Disks[i]
		if d.Source != nil && d.Source.Block != nil {
			block = d
		}
	}
	if block == nil {
		t.Fatal("passthrough disk missing")
	}
	if block.Source.Block.Dev != "/dev/sdb" {
		t.Errorf("block dev = %q", block.Source.Block.Dev)
	}
	if block.Driver.Type != "raw" {
		t.Errorf("driver type = %q, want raw", block.Driver.Type)
	}
	if block.Target.Dev != "vdb" {
		t.Errorf("target dev = %q, want vdb", block.Target.Dev)
	}
}
