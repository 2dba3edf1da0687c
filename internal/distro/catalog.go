// Package distro provides the catalog of known guest distributions:
// a name-keyed table mapping each distribution to its image source URL,
// default login user, disk format, and architecture.
package distro

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry describes a single catalog distribution.
type Entry struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	User   string `yaml:"user"`
	Format string `yaml:"format"`
	Arch   string `yaml:"arch"`
}

// Catalog maps distribution keys to their entries.
type Catalog struct {
	entries map[string]Entry
}

type catalogFile struct {
	Distributions map[string]Entry `yaml:"distributions"`
}

// Load reads a catalog from a YAML file. If path is empty the built-in
// default catalog is returned.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return defaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read distro catalog %s: %w", path, err)
	}

	return Parse(data)
}

// Parse loads a catalog from YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse distro catalog: %w", err)
	}

	if len(file.Distributions) == 0 {
		return nil, fmt.Errorf("distro catalog has no distributions")
	}

	entries := make(map[string]Entry, len(file.Distributions))
	for key, e := range file.Distributions {
		applyDefaults(&e)
		if err := validateEntry(key, e); err != nil {
			return nil, err
		}
		entries[key] = e
	}

	return &Catalog{entries: entries}, nil
}

// Lookup returns the entry for key. An unknown key produces an error that
// enumerates every valid key so the operator can correct the input without
// consulting documentation.
func (c *Catalog) Lookup(key string) (Entry, error) {
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("unknown distribution %q, valid keys: %s", key, strings.Join(c.Keys(), ", "))
	}
	return e, nil
}

// Keys returns all catalog keys in sorted order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func applyDefaults(e *Entry) {
	if e.Format == "" {
		e.Format = "qcow2"
	}
	if e.Arch == "" {
		e.Arch = "x86_64"
	}
}

func validateEntry(key string, e Entry) error {
	if e.URL == "" {
		return fmt.Errorf("distribution %q has no url", key)
	}
	if e.User == "" {
		return fmt.Errorf("distribution %q has no default user", key)
	}
	return nil
}

// defaultCatalog is the table used when no catalog file is configured.
func defaultCatalog() *Catalog {
	return &Catalog{entries: map[string]Entry{
		"ubuntu-2404": {
			Name:   "Ubuntu 24.04 LTS",
			URL:    "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img",
			User:   "ubuntu",
			Format: "qcow2",
			Arch:   "x86_64",
		},
		"ubuntu-2204": {
			Name:   "Ubuntu 22.04 LTS",
			URL:    "https://cloud-images.ubuntu.com/jammy/current/jammy-server-cloudimg-amd64.img",
			User:   "ubuntu",
			Format: "qcow2",
			Arch:   "x86_64",
		},
		"debian-12": {
			Name:   "Debian 12",
			URL:    "https://cloud.debian.org/images/cloud/bookworm/latest/debian-12-genericcloud-amd64.qcow2",
			User:   "debian",
			Format: "qcow2",
			Arch:   "x86_64",
		},
		"fedora-42": {
			Name:   "Fedora 42",
			URL:    "https://download.fedoraproject.org/pub/fedora/linux/releases/42/Cloud/x86_64/images/Fedora-Cloud-Base-Generic-42-1.1.x86_64.qcow2",
			User:   "fedora",
			Format: "qcow2",
			Arch:   "x86_64",
		},
		"alma-9": {
			Name:   "AlmaLinux 9",
			URL:    "https://repo.almalinux.org/almalinux/9/cloud/x86_64/images/AlmaLinux-9-GenericCloud-latest.x86_64.qcow2",
			User:   "almalinux",
			Format: "qcow2",
			Arch:   "x86_64",
		},
		"rocky-9": {
			Name:   "Rocky Linux 9",
			URL:    "https://dl.rockylinux.org/pub/rocky/9/images/x86_64/Rocky-9-GenericCloud-Base.latest.x86_64.qcow2",
			User:   "rocky",
			Format: "qcow2",
			Arch:   "x86_64",
		},
		"ubuntu-2404-arm64": {
			Name:   "Ubuntu 24.04 LTS (arm64)",
			URL:    "https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-arm64.img",
			User:   "ubuntu",
			Format: "qcow2",
			Arch:   "aarch64",
		},
	}}
}
