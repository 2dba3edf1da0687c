// Package network resolves guest NIC topology from configuration inputs:
// per-interface mode, addressing, MTU policy, and network-boot ROM
// selection. The resulting specs are consumed by the descriptor
// synthesizer.
package network

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
)

// Mode selects how a NIC reaches the outside world.
type Mode string

const (
	ModeNAT    Mode = "nat"
	ModeBridge Mode = "bridge"
	ModeDirect Mode = "direct"
)

// Getter looks up a configuration input by name, returning "" when unset.
type Getter func(name string) string

// PortForward declares a host-to-guest TCP forward on a NAT interface.
type PortForward struct {
	HostPort  int
	GuestPort int
}

// Spec describes one resolved guest NIC.
type Spec struct {
	Index     int
	Mode      Mode
	Bridge    string
	DirectDev string
	Model     string
	MAC       string
	// MTU is emitted into the descriptor only when non-zero. The host MTU
	// is propagated when it differs from the Ethernet default.
	MTU      int
	Boot     bool
	ROMPath  string
	Forwards []PortForward
}

// ipxeROMs maps (architecture, NIC model) to the boot ROM shipped with the
// iPXE package. Architectures or models absent here require an explicit
// ROM path override.
var ipxeROMs = map[string]map[string]string{
	"x86_64": {
		"virtio":  "/usr/share/ipxe/1af41000.rom",
		"e1000":   "/usr/share/ipxe/8086100e.rom",
		"rtl8139": "/usr/share/ipxe/10ec8139.rom",
	},
	"aarch64": {
		"virtio": "/usr/share/ipxe/arm64-efi/1af41000.efirom",
	},
}

// LookupROM returns the iPXE boot ROM for the given architecture and NIC
// model, or "" when the table has no entry.
func LookupROM(arch, model string) string {
	models, ok := ipxeROMs[arch]
	if !ok {
		return ""
	}
	return models[model]
}

// DeterministicMAC derives a stable locally-administered MAC from the guest
// name and NIC index, so a persistent guest keeps its addresses across
// restarts without any state file.
func DeterministicMAC(guestName string, index int) string {
	sum := sha256.Sum256([]byte(guestName + "/" + strconv.Itoa(index)))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

// ResolveOptions carries the host facts and cross-cutting toggles the
// resolver needs beyond the raw inputs.
type ResolveOptions struct {
	GuestName string
	Arch      string
	HostMTU   int
	SSHPort   int
	IPXE      bool
	// IPXEROMPath overrides the table lookup when set.
	IPXEROMPath string
}

const defaultMTU = 1500

// Resolve builds the ordered NIC list from the indexed input groups.
// Element 0 reads unqualified names (NETWORK_MODE); elements 2 and up read
// suffixed names (NETWORK2_MODE). A gap in the sequence ends it.
func Resolve(get Getter, opts ResolveOptions) ([]Spec, error) {
	var specs []Spec

	for index := 1; ; index++ {
		if index > 1 && !groupPresent(get, index) {
			break
		}

		spec, err := resolveOne(get, index, opts)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	if opts.IPXE {
		rom := opts.IPXEROMPath
		if rom == "" {
			rom = LookupROM(opts.Arch, specs[0].Model)
		}
		if rom == "" {
			return nil, fmt.Errorf("network boot on %s/%s has no known boot ROM and requires IPXE_ROM_PATH", opts.Arch, specs[0].Model)
		}
		specs[0].ROMPath = rom
		specs[0].Boot = true
	}

	return specs, nil
}

func resolveOne(get Getter, index int, opts ResolveOptions) (Spec, error) {
	mode := Mode(getIndexed(get, "NETWORK_MODE", index))
	if mode == "" {
		mode = ModeNAT
	}

	spec := Spec{
		Index:     index,
		Mode:      mode,
		Bridge:    getIndexed(get, "NETWORK_BRIDGE", index),
		DirectDev: getIndexed(get, "NETWORK_DIRECT_DEV", index),
		Model:     getIndexed(get, "NETWORK_MODEL", index),
		MAC:       getIndexed(get, "NETWORK_MAC", index),
	}
	if spec.Model == "" {
		spec.Model = "virtio"
	}
	if spec.MAC == "" {
		spec.MAC = DeterministicMAC(opts.GuestName, index)
	}

	switch mode {
	case ModeNAT:
	case ModeBridge:
		if spec.Bridge == "" {
			return Spec{}, fmt.Errorf("NETWORK_BRIDGE is required when %s is bridge", indexedName("NETWORK_MODE", index))
		}
	case ModeDirect:
		if spec.DirectDev == "" {
			return Spec{}, fmt.Errorf("NETWORK_DIRECT_DEV is required when %s is direct", indexedName("NETWORK_MODE", index))
		}
	default:
		return Spec{}, fmt.Errorf("invalid %s %q, valid modes: nat, bridge, direct", indexedName("NETWORK_MODE", index), mode)
	}

	if raw := getIndexed(get, "NETWORK_MTU", index); raw != "" {
		mtu, err := strconv.Atoi(raw)
		if err != nil || mtu <= 0 {
			return Spec{}, fmt.Errorf("invalid %s %q", indexedName("NETWORK_MTU", index), raw)
		}
		spec.MTU = mtu
	} else if opts.HostMTU > 0 && opts.HostMTU != defaultMTU {
		spec.MTU = opts.HostMTU
	}

	if mode == ModeNAT {
		forwards, err := parseForwards(getIndexed(get, "PORT_FORWARDS", index))
		if err != nil {
			return Spec{}, err
		}
		if index == 1 && opts.SSHPort > 0 {
			forwards = append([]PortForward{{HostPort: opts.SSHPort, GuestPort: 22}}, forwards...)
		}
		spec.Forwards = forwards
	}

	return spec, nil
}

// parseForwards parses "8080:80,8443:443". A bare port forwards to itself.
func parseForwards(raw string) ([]PortForward, error) {
	if raw == "" {
		return nil, nil
	}

	var forwards []PortForward
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		host, guest, found := strings.Cut(part, ":")
		if !found {
			guest = host
		}
		hp, err := strconv.Atoi(host)
		if err != nil {
			return nil, fmt.Errorf("invalid port forward %q", part)
		}
		gp, err := strconv.Atoi(guest)
		if err != nil {
			return nil, fmt.Errorf("invalid port forward %q", part)
		}
		forwards = append(forwards, PortForward{HostPort: hp, GuestPort: gp})
	}
	return forwards, nil
}

// groupPresent reports whether any input of the indexed group is set.
func groupPresent(get Getter, index int) bool {
	for _, name := range []string{"NETWORK_MODE", "NETWORK_BRIDGE", "NETWORK_DIRECT_DEV", "NETWORK_MODEL", "NETWORK_MAC", "NETWORK_MTU", "PORT_FORWARDS"} {
		if getIndexed(get, name, index) != "" {
			return true
		}
	}
	return false
}

// getIndexed reads an indexed input: element 1 uses the unqualified name,
// later elements insert the index after the first name segment
// (NETWORK_MODE, index 2 reads NETWORK2_MODE).
func getIndexed(get Getter, name string, index int) string {
	return get(indexedName(name, index))
}

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
