// Package lifecycle drives the guest from resolved configuration to
// running machine and back down again, owning signal handling and the
// persistence-dependent teardown.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/vmrunner/vmrunner/internal/config"
	"github.com/vmrunner/vmrunner/internal/domain"
	"github.com/vmrunner/vmrunner/internal/image"
	"github.com/vmrunner/vmrunner/internal/seed"
)

// domainOps is the domain control surface the runner drives.
type domainOps interface {
	Define(xml string) (libvirt.Domain, error)
	Start(dom libvirt.Domain) error
	IsRunning(name string) (bool, error)
	GracefulStop(ctx context.Context, name string) error
	ForceStop(name string) error
	Undefine(name string, keepNVRAM bool) error
}

// imageOps prepares and cleans up the guest's disks.
type imageOps interface {
	Plan() *image.Prepared
	Prepare(ctx context.Context) (*image.Prepared, error)
	CleanupEphemeral() error
	CleanupSeed(seedPath string) error
}

// descriptorBuilder turns the prepared inputs into domain XML.
type descriptorBuilder interface {
	Synthesize(in domain.Input) (string, []string, error)
}

// Runner owns one guest's run from start to teardown.
type Runner struct {
	cfg     *config.ResolvedConfig
	log     *slog.Logger
	domains domainOps
	images  imageOps
	synth   descriptorBuilder

	// out receives the descriptor for the inspection modes.
	out io.Writer

	// hooks below default to the real implementations; tests swap them.
	writeSeed     func(cfg *config.ResolvedConfig) (string, error)
	writeMarker   func(guestDir string) error
	attachConsole func(ctx context.Context, name string) error

	healthInterval time.Duration
}

// New assembles a Runner with the production collaborators.
func New(cfg *config.ResolvedConfig, log *slog.Logger, domains domainOps, images imageOps) *Runner {
	return &Runner{
		cfg:            cfg,
		log:            log,
		domains:        domains,
		images:         images,
		synth:          domain.New(),
		out:            os.Stdout,
		writeSeed:      seed.Write,
		writeMarker:    image.WriteInstalledMarker,
		attachConsole:  AttachConsole,
		healthInterval: 5 * time.Second,
	}
}

// Run takes the guest up, blocks until it stops or a stop is requested,
// and tears it down according to the persistence mode.
func (r *Runner) Run(ctx context.Context, stop <-chan StopRequest) error {
	// The inspection modes render a descriptor from the planned layout and
	// exit before any image is downloaded or converted.
	if r.cfg.ShowXML || r.cfg.DryRun {
		return r.inspect()
	}

	prepared, err := r.images.Prepare(ctx)
	if err != nil {
		return fmt.Errorf("disk preparation failed: %w", err)
	}
	if prepared.SkippedInstaller {
		r.log.Info("installer already ran, booting from disk", "guest", r.cfg.Name)
	}

	seedPath := ""
	if r.cfg.CloudInit {
		seedPath, err = r.writeSeed(r.cfg)
		if err != nil {
			return fmt.Errorf("seed generation failed: %w", err)
		}
	}

	xml, warnings, err := r.synth.Synthesize(domain.Input{
		Config:    r.cfg,
		Disks:     prepared.Disks,
		BootOrder: prepared.BootOrder,
		SeedPath:  seedPath,
	})
	if err != nil {
		return fmt.Errorf("descriptor synthesis failed: %w", err)
	}
	for _, w := range warnings {
		r.log.Warn(w)
	}

	dom, err := r.domains.Define(xml)
	if err != nil {
		return err
	}
	if err := r.domains.Start(dom); err != nil {
		return err
	}
	r.log.Info("guest started", "guest", r.cfg.Name, "memory_mib", r.cfg.MemoryMiB, "vcpus", r.cfg.VCPUs)

	if !r.cfg.NoConsole {
		go func() {
			if err := r.attachConsole(ctx, r.cfg.Name); err != nil {
				r.log.Debug("console detached", "error", err)
			}
		}()
	}

	req := r.wait(ctx, stop)
	return r.teardown(ctx, stop, req, seedPath, prepared)
}

// inspect renders the descriptor for ShowXML and DryRun without acquiring
// any image. Paths come from the planned layout, so the output matches what
// a real boot would define.
func (r *Runner) inspect() error {
	planned := r.images.Plan()

	seedPath := ""
	if r.cfg.CloudInit {
		seedPath = seed.SeedPath(r.cfg)
	}

	xml, warnings, err := r.synth.Synthesize(domain.Input{
		Config:    r.cfg,
		Disks:     planned.Disks,
		BootOrder: planned.BootOrder,
		SeedPath:  seedPath,
	})
	if err != nil {
		return fmt.Errorf("descriptor synthesis failed: %w", err)
	}
	for _, w := range warnings {
		r.log.Warn(w)
	}

	if r.cfg.ShowXML {
		fmt.Fprintln(r.out, xml)
		return nil
	}
	r.log.Info("dry run complete", "guest", r.cfg.Name)
	return nil
}

// wait blocks until the guest stops on its own or a stop is requested.
func (r *Runner) wait(ctx context.Context, stop <-chan StopRequest) StopRequest {
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StopGraceful
		case req := <-stop:
			r.log.Info("stop requested", "guest", r.cfg.Name, "forced", req == StopForced)
			return req
		case <-ticker.C:
			running, err := r.domains.IsRunning(r.cfg.Name)
			if err != nil {
				r.log.Warn("health check failed", "error", err)
				continue
			}
			if !running {
				r.log.Info("guest powered off", "guest", r.cfg.Name)
				return StopGraceful
			}
		}
	}
}

func (r *Runner) teardown(ctx context.Context, stop <-chan StopRequest, req StopRequest, seedPath string, prepared *image.Prepared) error {
	if req == StopForced {
		if err := r.domains.ForceStop(r.cfg.Name); err != nil {
			r.log.Warn("forced stop failed", "error", err)
		}
	} else {
		// A forced request arriving while the graceful shutdown is still in
		// flight cancels it, which makes the stop fall through to destroy.
		stopCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case req := <-stop:
					if req == StopForced {
						r.log.Info("escalating to forced stop", "guest", r.cfg.Name)
						cancel()
						return
					}
				case <-done:
					return
				}
			}
		}()
		err := r.domains.GracefulStop(stopCtx, r.cfg.Name)
		close(done)
		cancel()
		if err != nil {
			r.log.Warn("graceful stop failed", "error", err)
		}
	}

	if r.cfg.Persist {
		if err := r.domains.Undefine(r.cfg.Name, true); err != nil {
			return err
		}
		if err := r.images.CleanupSeed(seedPath); err != nil {
			r.log.Warn("seed cleanup failed", "error", err)
		}
		// A completed installer run must not repeat on the next start.
		if prepared.InstallerAttached {
			if err := r.writeMarker(r.cfg.GuestDir); err != nil {
				r.log.Warn("failed to record installer completion", "error", err)
			}
		}
		r.log.Info("guest state retained", "dir", r.cfg.GuestDir)
		return nil
	}

	if err := r.domains.Undefine(r.cfg.Name, false); err != nil {
		return err
	}
	if err := r.images.CleanupEphemeral(); err != nil {
		r.log.Warn("cleanup failed", "error", err)
	}
	return nil
}
