package config

import (
	"fmt"
	"os"
	"strings"
)

// BootKind is the dispatch tag for a boot-source reference. Adding a kind
// requires touching every switch over BootKind, which is the point.
type BootKind int

const (
	// KindDistro boots the cached base image of the selected distribution.
	KindDistro BootKind = iota
	// KindBlank creates an empty system disk.
	KindBlank
	// KindISO attaches the reference as an installer cdrom.
	KindISO
	// KindDiskImage replaces the system disk with the referenced image.
	KindDiskImage
	// KindConvertible is a readable foreign format converted to qcow2.
	KindConvertible
	// KindArchive is extracted, then the inner file is re-dispatched.
	KindArchive
	// KindOCI pulls a container image and extracts the disk from its layers.
	KindOCI
)

// BootSource is the classified boot-source input.
type BootSource struct {
	Kind BootKind
	// Ref is the raw reference: URL, local path, or registry reference.
	Ref   string
	IsURL bool
}

// BlankSentinel is the literal boot-source value requesting an empty disk.
const BlankSentinel = "blank"

var diskImageExtensions = []string{".qcow2", ".img", ".raw"}

var convertibleExtensions = []string{".vhd", ".vhdx", ".vmdk", ".vdi"}

// archiveExtensions are ordered longest-first so layered extensions match
// before their suffixes.
var archiveExtensions = []string{
	".tar.gz", ".tar.xz", ".tar.bz2", ".tgz", ".txz", ".tbz2",
	".tar", ".zip", ".gz", ".xz", ".bz2",
}

// ClassifyBootSource dispatches a boot-source reference on its extension.
// An empty reference selects the distro base image.
func ClassifyBootSource(ref string) (BootSource, error) {
	if ref == "" {
		return BootSource{Kind: KindDistro}, nil
	}
	if ref == BlankSentinel {
		return BootSource{Kind: KindBlank, Ref: ref}, nil
	}

	isURL := strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
	lower := strings.ToLower(ref)

	if strings.HasSuffix(lower, ".iso") {
		return BootSource{Kind: KindISO, Ref: ref, IsURL: isURL}, nil
	}
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(lower, ext) {
			return BootSource{Kind: KindArchive, Ref: ref, IsURL: isURL}, nil
		}
	}
	for _, ext := range diskImageExtensions {
		if strings.HasSuffix(lower, ext) {
			return BootSource{Kind: KindDiskImage, Ref: ref, IsURL: isURL}, nil
		}
	}
	for _, ext := range convertibleExtensions {
		if strings.HasSuffix(lower, ext) {
			return BootSource{Kind: KindConvertible, Ref: ref, IsURL: isURL}, nil
		}
	}

	if !isURL && looksLikeOCIReference(ref) {
		return BootSource{Kind: KindOCI, Ref: ref}, nil
	}

	return BootSource{}, fmt.Errorf("BOOT_FROM %q has no recognized extension (iso, disk image, convertible image, or archive)", ref)
}

// looksLikeOCIReference applies the registry heuristic: the value is not an
// existing path and its first path component names a registry host (a dot,
// a port, or the literal localhost).
func looksLikeOCIReference(ref string) bool {
	if _, err := os.Stat(ref); err == nil {
		return false
	}
	if strings.HasPrefix(ref, "/") || strings.HasPrefix(ref, "./") {
		return false
	}
	first, _, _ := strings.Cut(ref, "/")
	return strings.ContainsAny(first, ".:") || first == "localhost"
}
