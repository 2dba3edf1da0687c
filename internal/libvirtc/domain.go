package libvirtc

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/vmrunner/vmrunner/internal/retry"
)

// domainAPI is the slice of go-libvirt the domain operations use; tests
// substitute a fake.
type domainAPI interface {
	DomainLookupByName(name string) (libvirt.Domain, error)
	DomainDefineXML(xml string) (libvirt.Domain, error)
	DomainCreate(dom libvirt.Domain) error
	DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error)
	DomainShutdown(dom libvirt.Domain) error
	DomainDestroy(dom libvirt.Domain) error
	DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error
}

// Domains provides define/start/stop/teardown for one guest.
type Domains struct {
	api  domainAPI
	poll retry.Policy
}

// NewDomains builds domain operations on an established client.
func NewDomains(c *Client) *Domains {
	return &Domains{
		api:  c.libvirt,
		poll: retry.Policy{MaxAttempts: 30, Interval: time.Second},
	}
}

// Define submits the descriptor, replacing any previous definition with
// the same name.
func (d *Domains) Define(xml string) (libvirt.Domain, error) {
	dom, err := d.api.DomainDefineXML(xml)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("failed to define domain: %w", err)
	}
	return dom, nil
}

// Start powers on a defined guest.
func (d *Domains) Start(dom libvirt.Domain) error {
	if err := d.api.DomainCreate(dom); err != nil {
		return fmt.Errorf("failed to start domain %s: %w", dom.Name, err)
	}
	return nil
}

// IsRunning reports whether the named guest is in the running state.
// A missing definition is reported as not running, not an error.
func (d *Domains) IsRunning(name string) (bool, error) {
	dom, err := d.api.DomainLookupByName(name)
	if err != nil {
		return false, nil
	}
	state, _, err := d.api.DomainGetState(dom, 0)
	if err != nil {
		return false, fmt.Errorf("failed to query domain state: %w", err)
	}
	return libvirt.DomainState(state) == libvirt.DomainRunning, nil
}

// WaitNotRunning polls until the guest leaves the running state or the
// context/attempt budget runs out.
func (d *Domains) WaitNotRunning(ctx context.Context, dom libvirt.Domain) error {
	return d.poll.Do(ctx, func() error {
		state, _, err := d.api.DomainGetState(dom, 0)
		if err != nil {
			// The domain vanishing counts as stopped.
			return nil
		}
		if libvirt.DomainState(state) == libvirt.DomainRunning {
			return fmt.Errorf("domain %s still running", dom.Name)
		}
		return nil
	})
}

// GracefulStop requests an in-guest shutdown and waits for it; if the
// guest is still running when the wait expires it is forced off.
func (d *Domains) GracefulStop(ctx context.Context, name string) error {
	dom, err := d.api.DomainLookupByName(name)
	if err != nil {
		return nil
	}

	state, _, err := d.api.DomainGetState(dom, 0)
	if err == nil && libvirt.DomainState(state) != libvirt.DomainRunning {
		return nil
	}

	if err := d.api.DomainShutdown(dom); err != nil {
		return d.ForceStop(name)
	}
	if err := d.WaitNotRunning(ctx, dom); err != nil {
		return d.ForceStop(name)
	}
	return nil
}

// ForceStop hard-stops the guest.
func (d *Domains) ForceStop(name string) error {
	dom, err := d.api.DomainLookupByName(name)
	if err != nil {
		return nil
	}
	if err := d.api.DomainDestroy(dom); err != nil {
		return fmt.Errorf("failed to destroy domain %s: %w", name, err)
	}
	return nil
}

// Undefine removes the guest definition. keepNVRAM retains the per-guest
// firmware variable store for persistent guests.
func (d *Domains) Undefine(name string, keepNVRAM bool) error {
	dom, err := d.api.DomainLookupByName(name)
	if err != nil {
		return nil
	}

	flags := libvirt.DomainUndefineManagedSave | libvirt.DomainUndefineNvram
	if keepNVRAM {
		flags = libvirt.DomainUndefineManagedSave | libvirt.DomainUndefineKeepNvram
	}
	if err := d.api.DomainUndefineFlags(dom, flags); err != nil {
		return fmt.Errorf("failed to undefine domain %s: %w", name, err)
	}
	return nil
}
