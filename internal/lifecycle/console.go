package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// AttachConsole connects the process's terminal to the guest's serial
// console. It returns when the console session ends or the context is
// cancelled. A non-terminal stdin skips the attach silently.
func AttachConsole(ctx context.Context, name string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	cmd := exec.CommandContext(ctx, "virsh", "-c", "qemu:///system", "console", name)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to open console: %w", err)
	}
	defer ptmx.Close()

	if size, err := pty.GetsizeFull(os.Stdin); err == nil {
		_ = pty.Setsize(ptmx, size)
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
	}()
	_, _ = io.Copy(os.Stdout, ptmx)

	return cmd.Wait()
}
