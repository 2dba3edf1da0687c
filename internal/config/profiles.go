package config

import (
	"fmt"
	"sort"
	"strings"
)

// ArchProfile pins the machine type, emulator, firmware images, and the CPU
// model used when hardware virtualization is unavailable for one guest
// architecture.
type ArchProfile struct {
	Machine  string
	Emulator string
	// LoaderUEFI and NVRAMTemplate are the standard UEFI firmware pair;
	// LoaderSecure and NVRAMSecure the measured-boot variants.
	LoaderUEFI    string
	NVRAMTemplate string
	LoaderSecure  string
	NVRAMSecure   string
	// TCGModel is the CPU model used under pure emulation.
	TCGModel string
}

var archProfiles = map[string]ArchProfile{
	"x86_64": {
		Machine:       "q35",
		Emulator:      "/usr/bin/qemu-system-x86_64",
		LoaderUEFI:    "/usr/share/OVMF/OVMF_CODE_4M.fd",
		NVRAMTemplate: "/usr/share/OVMF/OVMF_VARS_4M.fd",
		LoaderSecure:  "/usr/share/OVMF/OVMF_CODE_4M.ms.fd",
		NVRAMSecure:   "/usr/share/OVMF/OVMF_VARS_4M.ms.fd",
		TCGModel:      "qemu64",
	},
	"aarch64": {
		Machine:       "virt",
		Emulator:      "/usr/bin/qemu-system-aarch64",
		LoaderUEFI:    "/usr/share/AAVMF/AAVMF_CODE.fd",
		NVRAMTemplate: "/usr/share/AAVMF/AAVMF_VARS.fd",
		TCGModel:      "cortex-a57",
	},
}

// ProfileFor returns the profile for arch, or an error listing supported
// architectures.
func ProfileFor(arch string) (ArchProfile, error) {
	p, ok := archProfiles[arch]
	if !ok {
		arches := make([]string, 0, len(archProfiles))
		for a := range archProfiles {
			arches = append(arches, a)
		}
		sort.Strings(arches)
		return ArchProfile{}, fmt.Errorf("unsupported architecture %q, supported: %s", arch, strings.Join(arches, ", "))
	}
	return p, nil
}
