package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// StopRequest distinguishes the two ways a run ends early.
type StopRequest int

const (
	StopGraceful StopRequest = iota
	StopForced
)

// forceWindow is how long after an interrupt a second press escalates to
// a forced stop.
const forceWindow = 3 * time.Second

// WatchSignals translates process signals into stop requests. A
// termination signal requests a graceful stop immediately. An interrupt
// requests a graceful stop; a second interrupt within the escalation
// window forces it.
func WatchSignals(ctx context.Context, log *slog.Logger) <-chan StopRequest {
	out := make(chan StopRequest, 2)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigs)
		var lastInt time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				switch sig {
				case syscall.SIGTERM:
					log.Info("termination signal received, shutting down")
					out <- StopGraceful
				case syscall.SIGINT:
					now := time.Now()
					if !lastInt.IsZero() && now.Sub(lastInt) <= forceWindow {
						log.Warn("second interrupt, forcing shutdown")
						out <- StopForced
						continue
					}
					lastInt = now
					log.Info("interrupt received, shutting down (press again to force)")
					out <- StopGraceful
				}
			}
		}
	}()
	return out
}
