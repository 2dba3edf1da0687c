// vmrunner boots one virtual machine from the container's configuration
// inputs and supervises it until the container stops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vmrunner/vmrunner/internal/config"
	"github.com/vmrunner/vmrunner/internal/distro"
	"github.com/vmrunner/vmrunner/internal/image"
	"github.com/vmrunner/vmrunner/internal/libvirtc"
	"github.com/vmrunner/vmrunner/internal/lifecycle"
	"github.com/vmrunner/vmrunner/internal/redfish"
	"github.com/vmrunner/vmrunner/internal/sidecar"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	flagListDistros bool
	flagShowConfig  bool
	flagShowXML     bool
	flagDryRun      bool
	flagNoConsole   bool
	flagCatalog     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vmrunner",
	Short: "Run one virtual machine per container",
	Long: `vmrunner resolves its configuration from the environment, acquires the
requested disk image, and boots a single guest whose lifetime matches
the container's.`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().BoolVar(&flagListDistros, "list-distros", false, "print the distribution catalog and exit")
	rootCmd.Flags().BoolVar(&flagShowConfig, "show-config", false, "print the resolved configuration and exit")
	rootCmd.Flags().BoolVar(&flagShowXML, "show-xml", false, "print the generated domain XML and exit")
	rootCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "validate configuration and descriptor without acquiring images or starting the guest")
	rootCmd.Flags().BoolVar(&flagNoConsole, "no-console", false, "do not attach the serial console")
	rootCmd.Flags().StringVar(&flagCatalog, "config", "", "path to the distribution catalog file")
}

// lookup overlays command-line flags on the environment so both spell the
// same configuration.
func lookup(name string) string {
	overrides := map[string]bool{
		"LIST_DISTROS": flagListDistros,
		"SHOW_CONFIG":  flagShowConfig,
		"SHOW_XML":     flagShowXML,
		"DRY_RUN":      flagDryRun,
		"NO_CONSOLE":   flagNoConsole,
	}
	if overrides[name] {
		return "1"
	}
	return os.Getenv(name)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func run(ctx context.Context) error {
	log := newLogger()

	catalogPath := flagCatalog
	if catalogPath == "" {
		catalogPath = os.Getenv("DISTROS_FILE")
	}
	catalog, err := distro.Load(catalogPath)
	if err != nil {
		return err
	}

	resolver := &config.Resolver{Lookup: lookup, Catalog: catalog}
	cfg, err := resolver.Resolve()
	if err != nil {
		return err
	}

	if cfg.ListDistros {
		return printDistros(catalog)
	}
	if cfg.ShowConfig {
		return printConfig(cfg)
	}

	images := image.NewManager(cfg, &image.QemuImg{}, log)

	// The inspection modes never touch the hypervisor, so the daemons stay
	// down and no connection is made.
	if cfg.ShowXML || cfg.DryRun {
		runner := lifecycle.New(cfg, log, nil, images)
		return runner.Run(ctx, nil)
	}

	sup, groupCtx := sidecar.New(ctx, log)
	defer sup.StopAll(10 * time.Second)

	if err := sup.Start(ctx, sidecar.Virtlogd()); err != nil {
		return err
	}
	if err := sup.Start(ctx, sidecar.Libvirtd()); err != nil {
		return err
	}

	client, err := libvirtc.ConnectWithContext(ctx, libvirtc.DefaultSocketPath, 10*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.BMC.Enabled {
		artifacts, err := redfish.Setup(cfg)
		if err != nil {
			return err
		}
		mediaDir := filepath.Join(cfg.GuestDir, "media")
		if err := os.MkdirAll(mediaDir, 0o755); err != nil {
			return fmt.Errorf("failed to create media directory: %w", err)
		}
		if err := redfish.EnsureMediaPool(client.Libvirt(), mediaDir); err != nil {
			return err
		}
		if err := sup.Start(ctx, sidecar.SushyEmulator(artifacts.ConfigPath)); err != nil {
			return err
		}
		log.Info("management endpoint up", "port", cfg.BMC.Port, "ssl", cfg.BMC.SSL)
	}

	if cfg.Graphics == config.GraphicsNoVNC {
		if err := sup.Start(ctx, sidecar.Websockify(cfg.NoVNCPort, cfg.VNCPort)); err != nil {
			return err
		}
	}

	stop := lifecycle.WatchSignals(groupCtx, log)
	runner := lifecycle.New(cfg, log, libvirtc.NewDomains(client), images)
	return runner.Run(groupCtx, stop)
}

func printDistros(catalog *distro.Catalog) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DISTRO\tNAME\tUSER\tARCH")
	for _, key := range catalog.Keys() {
		e, err := catalog.Lookup(key)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", key, e.Name, e.User, e.Arch)
	}
	return w.Flush()
}

func printConfig(cfg *config.ResolvedConfig) error {
	// The password stays out of the inspection output.
	shown := *cfg
	if shown.Password != "" {
		shown.Password = "********"
	}
	out, err := yaml.Marshal(&shown)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
