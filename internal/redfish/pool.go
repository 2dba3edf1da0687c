package redfish

import (
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

// poolAPI is the slice of go-libvirt the pool setup uses.
type poolAPI interface {
	StoragePoolLookupByName(name string) (libvirt.StoragePool, error)
	StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error)
	StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error
	StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error
	StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error
	StoragePoolUndefine(pool libvirt.StoragePool) error
}

// MediaPoolName is the directory pool the emulator stores inserted
// virtual media in.
const MediaPoolName = "redfish-media"

// EnsureMediaPool creates the virtual-media storage pool if it does not
// exist. An existing pool is left untouched.
func EnsureMediaPool(api poolAPI, path string) error {
	if _, err := api.StoragePoolLookupByName(MediaPoolName); err == nil {
		return nil
	}

	poolXML, err := dirPoolXML(MediaPoolName, path)
	if err != nil {
		return fmt.Errorf("failed to generate pool XML: %w", err)
	}

	pool, err := api.StoragePoolDefineXML(poolXML, 0)
	if err != nil {
		return fmt.Errorf("failed to define media pool: %w", err)
	}
	if err := api.StoragePoolBuild(pool, 0); err != nil {
		_ = api.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to build media pool: %w", err)
	}
	if err := api.StoragePoolCreate(pool, 0); err != nil {
		_ = api.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to start media pool: %w", err)
	}
	if err := api.StoragePoolSetAutostart(pool, 1); err != nil {
		return fmt.Errorf("media pool created but failed to set autostart: %w", err)
	}
	return nil
}

func dirPoolXML(name, path string) (string, error) {
	pool := &libvirtxml.StoragePool{
		Type: "dir",
		Name: name,
		Target: &libvirtxml.StoragePoolTarget{
			Path: path,
			Permissions: &libvirtxml.StoragePoolTargetPermissions{
				Mode: "0755",
			},
		},
	}

	xmlBytes, err := pool.Marshal()
	if err != nil {
		return "", err
	}
	xml := strings.TrimPrefix(string(xmlBytes), "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(xml), nil
}
