// vm-exec runs a command inside the guest through the hypervisor agent
// channel and relays its output and exit status, so container-side
// tooling can script the guest without SSH.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vmrunner/vmrunner/internal/guestexec"
	"github.com/vmrunner/vmrunner/internal/libvirtc"
)

// exitUnreachable mirrors the shell convention for "command not found",
// here meaning the guest side could not be reached at all.
const exitUnreachable = 127

func main() {
	os.Exit(run())
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <command> [args...]\n", os.Args[0])
}

func run() int {
	args := os.Args[1:]
	if len(args) == 0 {
		usage()
		return 2
	}

	name := os.Getenv("VM_NAME")
	if name == "" {
		name = "vm"
	}

	ctx := context.Background()
	client, err := libvirtc.ConnectWithContext(ctx, libvirtc.DefaultSocketPath, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitUnreachable
	}
	defer client.Close()

	bridge := guestexec.New(client.Libvirt())
	res, err := bridge.Run(ctx, name, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, guestexec.ErrAgentUnreachable) {
			return exitUnreachable
		}
		return 1
	}

	os.Stdout.Write(res.Stdout)
	os.Stderr.Write(res.Stderr)
	return res.ExitCode
}
