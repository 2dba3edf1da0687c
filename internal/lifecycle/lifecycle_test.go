package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/vmrunner/vmrunner/internal/config"
	"github.com/vmrunner/vmrunner/internal/domain"
	"github.com/vmrunner/vmrunner/internal/image"
)

type fakeDomains struct {
	running bool

	defined    []string
	started    int
	graceful   int
	forced     int
	undefines  []bool
	defineErr  error
	runningErr error

	// gracefulHangs makes GracefulStop wait for cancellation and then fall
	// through to a forced stop, the way the real client behaves for a guest
	// that ignores the shutdown request.
	gracefulHangs bool
}

func (f *fakeDomains) Define(xml string) (libvirt.Domain, error) {
	if f.defineErr != nil {
		return libvirt.Domain{}, f.defineErr
	}
	f.defined = append(f.defined, xml)
	return libvirt.Domain{Name: "vm"}, nil
}

func (f *fakeDomains) Start(dom libvirt.Domain) error {
	f.started++
	f.running = true
	return nil
}

func (f *fakeDomains) IsRunning(name string) (bool, error) {
	if f.runningErr != nil {
		return false, f.runningErr
	}
	return f.running, nil
}

func (f *fakeDomains) GracefulStop(ctx context.Context, name string) error {
	f.graceful++
	if f.gracefulHangs {
		<-ctx.Done()
		return f.ForceStop(name)
	}
	f.running = false
	return nil
}

func (f *fakeDomains) ForceStop(name string) error {
	f.forced++
	f.running = false
	return nil
}

func (f *fakeDomains) Undefine(name string, keepNVRAM bool) error {
	f.undefines = append(f.undefines, keepNVRAM)
	return nil
}

type fakeImages struct {
	prepared *image.Prepared

	prepareErr   error
	prepares     int
	cleanups     int
	seedCleanups int
}

func (f *fakeImages) Plan() *image.Prepared {
	return f.prepared
}

func (f *fakeImages) Prepare(ctx context.Context) (*image.Prepared, error) {
	f.prepares++
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return f.prepared, nil
}

func (f *fakeImages) CleanupEphemeral() error {
	f.cleanups++
	return nil
}

func (f *fakeImages) CleanupSeed(seedPath string) error {
	f.seedCleanups++
	return nil
}

type fakeSynth struct {
	xml      string
	warnings []string
	err      error
}

func (f *fakeSynth) Synthesize(in domain.Input) (string, []string, error) {
	return f.xml, f.warnings, f.err
}

func runnerConfig() *config.ResolvedConfig {
	return &config.ResolvedConfig{
		Name:      "vm",
		GuestDir:  "/data/vm",
		NoConsole: true,
	}
}

func testRunner(cfg *config.ResolvedConfig, domains *fakeDomains, images *fakeImages) *Runner {
	if images.prepared == nil {
		images.prepared = &image.Prepared{
			Disks:     []config.DiskSpec{{Role: config.RoleSystem, Path: "/data/vm/vm.qcow2"}},
			BootOrder: []config.BootDevice{config.BootHD},
		}
	}
	return &Runner{
		cfg:            cfg,
		log:            slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		domains:        domains,
		images:         images,
		synth:          &fakeSynth{xml: "<domain/>"},
		out:            os.Stdout,
		writeSeed:      func(*config.ResolvedConfig) (string, error) { return "/data/vm/seed.iso", nil },
		writeMarker:    func(string) error { return nil },
		attachConsole:  func(context.Context, string) error { return nil },
		healthInterval: 10 * time.Millisecond,
	}
}

func TestRunEphemeralLifecycle(t *testing.T) {
	domains := &fakeDomains{}
	images := &fakeImages{}
	r := testRunner(runnerConfig(), domains, images)

	stop := make(chan StopRequest, 1)
	stop <- StopGraceful

	if err := r.Run(context.Background(), stop); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(domains.defined) != 1 || domains.started != 1 {
		t.Errorf("defined = %d, started = %d", len(domains.defined), domains.started)
	}
	if domains.graceful != 1 || domains.forced != 0 {
		t.Errorf("graceful = %d, forced = %d", domains.graceful, domains.forced)
	}
	if len(domains.undefines) != 1 || domains.undefines[0] != false {
		t.Errorf("undefines = %v, want [false]", domains.undefines)
	}
	if images.cleanups != 1 {
		t.Errorf("cleanups = %d, want guest directory removed", images.cleanups)
	}
}

func TestRunPersistentTeardown(t *testing.T) {
	cfg := runnerConfig()
	cfg.Persist = true
	cfg.CloudInit = true

	domains := &fakeDomains{}
	images := &fakeImages{prepared: &image.Prepared{
		Disks:             []config.DiskSpec{{Role: config.RoleSystem, Path: "/data/vm/vm.qcow2"}},
		BootOrder:         []config.BootDevice{config.BootHD},
		InstallerAttached: true,
	}}
	r := testRunner(cfg, domains, images)

	markerDir := ""
	r.writeMarker = func(dir string) error { markerDir = dir; return nil }

	stop := make(chan StopRequest, 1)
	stop <- StopGraceful

	if err := r.Run(context.Background(), stop); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(domains.undefines) != 1 || domains.undefines[0] != true {
		t.Errorf("undefines = %v, want NVRAM kept", domains.undefines)
	}
	if images.cleanups != 0 {
		t.Error("guest directory removed despite persistence")
	}
	if images.seedCleanups != 1 {
		t.Error("seed media not removed")
	}
	if markerDir != "/data/vm" {
		t.Errorf("marker dir = %q, want installer completion recorded", markerDir)
	}
}

func TestRunForcedStop(t *testing.T) {
	domains := &fakeDomains{}
	r := testRunner(runnerConfig(), domains, &fakeImages{})

	stop := make(chan StopRequest, 1)
	stop <- StopForced

	if err := r.Run(context.Background(), stop); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if domains.forced != 1 || domains.graceful != 0 {
		t.Errorf("forced = %d, graceful = %d", domains.forced, domains.graceful)
	}
}

func TestRunGuestPowersOffOnItsOwn(t *testing.T) {
	domains := &fakeDomains{}
	r := testRunner(runnerConfig(), domains, &fakeImages{})

	stop := make(chan StopRequest)
	go func() {
		// The guest shuts down shortly after boot; no stop request arrives.
		time.Sleep(30 * time.Millisecond)
		domains.running = false
	}()

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), stop) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not notice the guest powering off")
	}
}

func TestRunShowXMLShortCircuits(t *testing.T) {
	cfg := runnerConfig()
	cfg.ShowXML = true

	domains := &fakeDomains{}
	images := &fakeImages{prepareErr: errors.New("acquisition must not run")}
	r := testRunner(cfg, domains, images)

	var buf strings.Builder
	r.out = &buf

	if err := r.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(buf.String(), "<domain/>") {
		t.Errorf("output = %q, want descriptor", buf.String())
	}
	if len(domains.defined) != 0 {
		t.Error("descriptor defined in inspection mode")
	}
	if images.prepares != 0 {
		t.Error("images acquired in inspection mode")
	}
}

func TestRunDryRunStopsBeforeDefine(t *testing.T) {
	cfg := runnerConfig()
	cfg.DryRun = true

	domains := &fakeDomains{}
	images := &fakeImages{}
	seedWrites := 0
	r := testRunner(cfg, domains, images)
	r.writeSeed = func(*config.ResolvedConfig) (string, error) {
		seedWrites++
		return "/data/vm/seed.iso", nil
	}

	if err := r.Run(context.Background(), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(domains.defined) != 0 || domains.started != 0 {
		t.Error("dry run touched the hypervisor")
	}
	if images.prepares != 0 {
		t.Error("dry run acquired images")
	}
	if seedWrites != 0 {
		t.Error("dry run wrote seed media")
	}
}

func TestRunForcedRequestInterruptsGracefulStop(t *testing.T) {
	domains := &fakeDomains{gracefulHangs: true}
	r := testRunner(runnerConfig(), domains, &fakeImages{})

	// The first request starts a graceful shutdown the guest ignores; the
	// second escalates while that shutdown is still in flight.
	stop := make(chan StopRequest, 2)
	stop <- StopGraceful
	stop <- StopForced

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), stop) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() hung in graceful shutdown despite forced request")
	}
	if domains.graceful != 1 || domains.forced != 1 {
		t.Errorf("graceful = %d, forced = %d, want escalation to destroy", domains.graceful, domains.forced)
	}
}

func TestRunPrepareFailure(t *testing.T) {
	images := &fakeImages{prepareErr: errors.New("download failed")}
	err := testRunner(runnerConfig(), &fakeDomains{}, images).Run(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "download failed") {
		t.Fatalf("Run() error = %v, want preparation failure", err)
	}
}

func TestRunSynthesisFailure(t *testing.T) {
	r := testRunner(runnerConfig(), &fakeDomains{}, &fakeImages{})
	r.synth = &fakeSynth{err: errors.New("boot order references \"cdrom\"")}

	err := r.Run(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "synthesis failed") {
		t.Fatalf("Run() error = %v", err)
	}
}
