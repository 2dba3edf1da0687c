// Package guestexec runs commands inside the guest over the hypervisor
// agent channel and relays their output and exit status.
package guestexec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/vmrunner/vmrunner/internal/retry"
)

// ErrAgentUnreachable reports that the in-guest agent did not answer the
// liveness probe. Callers map this to a distinct exit status.
var ErrAgentUnreachable = errors.New("guest agent is not responding")

// agentTimeoutDefault lets the hypervisor apply its own agent timeout.
const agentTimeoutDefault = -1

// agentAPI is the slice of go-libvirt the bridge uses.
type agentAPI interface {
	DomainLookupByName(name string) (libvirt.Domain, error)
	QEMUDomainAgentCommand(dom libvirt.Domain, cmd string, timeout int32, flags uint32) (libvirt.OptString, error)
}

// Result is the outcome of one guest command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Bridge issues agent commands against one guest.
type Bridge struct {
	api  agentAPI
	poll retry.Policy
}

// New builds a Bridge on an established connection.
func New(api agentAPI) *Bridge {
	return &Bridge{
		api: api,
		// Command completion is polled at a fixed interval; the attempt
		// budget bounds runaway guest commands at roughly ten minutes.
		poll: retry.Policy{MaxAttempts: 1200, Interval: 500 * time.Millisecond},
	}
}

type agentRequest struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type execArguments struct {
	Path          string   `json:"path"`
	Arg           []string `json:"arg,omitempty"`
	CaptureOutput bool     `json:"capture-output"`
}

type execReturn struct {
	Return struct {
		PID int `json:"pid"`
	} `json:"return"`
}

type statusReturn struct {
	Return struct {
		Exited   bool   `json:"exited"`
		ExitCode *int   `json:"exitcode"`
		Signal   *int   `json:"signal"`
		OutData  string `json:"out-data"`
		ErrData  string `json:"err-data"`
	} `json:"return"`
}

// command sends one agent request and decodes the reply into out.
func (b *Bridge) command(dom libvirt.Domain, req agentRequest, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode agent request: %w", err)
	}

	reply, err := b.api.QEMUDomainAgentCommand(dom, string(payload), agentTimeoutDefault, 0)
	if err != nil {
		return fmt.Errorf("agent command %s failed: %w", req.Execute, err)
	}
	if out == nil {
		return nil
	}
	if len(reply) == 0 {
		return fmt.Errorf("agent command %s returned no data", req.Execute)
	}
	if err := json.Unmarshal([]byte(reply[0]), out); err != nil {
		return fmt.Errorf("failed to decode agent reply: %w", err)
	}
	return nil
}

// Ping probes the in-guest agent.
func (b *Bridge) Ping(name string) error {
	dom, err := b.api.DomainLookupByName(name)
	if err != nil {
		return fmt.Errorf("%w: guest %s is not defined", ErrAgentUnreachable, name)
	}
	if err := b.command(dom, agentRequest{Execute: "guest-ping"}, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrAgentUnreachable, err)
	}
	return nil
}

// shellWrap applies the convenience rule for quoted one-liners: a single
// argument containing whitespace runs under the guest shell.
func shellWrap(argv []string) (path string, args []string) {
	if len(argv) == 1 && strings.ContainsAny(argv[0], " \t") {
		return "/bin/sh", []string{"-c", argv[0]}
	}
	return argv[0], argv[1:]
}

// Run executes argv inside the guest and waits for completion. The exit
// code follows shell conventions: the guest command's own code, or 128
// plus the signal number when terminated by a signal.
func (b *Bridge) Run(ctx context.Context, name string, argv []string) (*Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command given")
	}
	if err := b.Ping(name); err != nil {
		return nil, err
	}

	dom, err := b.api.DomainLookupByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: guest %s is not defined", ErrAgentUnreachable, name)
	}

	path, args := shellWrap(argv)
	var started execReturn
	err = b.command(dom, agentRequest{
		Execute: "guest-exec",
		Arguments: execArguments{
			Path:          path,
			Arg:           args,
			CaptureOutput: true,
		},
	}, &started)
	if err != nil {
		return nil, err
	}

	var status statusReturn
	err = b.poll.Do(ctx, func() error {
		if err := b.command(dom, agentRequest{
			Execute:   "guest-exec-status",
			Arguments: map[string]int{"pid": started.Return.PID},
		}, &status); err != nil {
			return retry.Permanent(err)
		}
		if !status.Return.Exited {
			return fmt.Errorf("pid %d still running", started.Return.PID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("guest command did not complete: %w", err)
	}

	res := &Result{}
	if status.Return.ExitCode != nil {
		res.ExitCode = *status.Return.ExitCode
	} else if status.Return.Signal != nil {
		res.ExitCode = 128 + *status.Return.Signal
	}
	if status.Return.OutData != "" {
		res.Stdout, err = base64.StdEncoding.DecodeString(status.Return.OutData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode guest stdout: %w", err)
		}
	}
	if status.Return.ErrData != "" {
		res.Stderr, err = base64.StdEncoding.DecodeString(status.Return.ErrData)
		if err != nil {
			return nil, fmt.Errorf("failed to decode guest stderr: %w", err)
		}
	}
	return res, nil
}
