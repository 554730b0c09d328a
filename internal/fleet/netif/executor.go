// Package netif performs OS-level interface binding of public addresses via
// the ip(8) tool.
package netif

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

type cmd interface {
	Output() ([]byte, error)
}

// overridable for testing purposes
var ExecCommandContext = func(ctx context.Context, name string, arg ...string) cmd {
	return (*execCmd)(exec.CommandContext(ctx, name, arg...))
}

// dummy decorator to isolate from [exec.Cmd] struct fields
type execCmd exec.Cmd

var _ cmd = &execCmd{}

func (r *execCmd) Output() ([]byte, error) { return (*exec.Cmd)(r).Output() }

// CommandError reports a non-zero exit or stderr output from ip(8).
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("ip %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, e.Stderr)
}

// Executor performs address binding and existence checks on a local
// network interface.
type Executor interface {
	// Exists reports whether ip is currently assigned to any interface.
	Exists(ctx context.Context, ip string) (bool, error)
	// Bind assigns ip/mask to iface. Binding an already-assigned address is
	// not an error.
	Bind(ctx context.Context, ip string, mask int, iface string) error
	// Unbind removes ip/mask from iface. Removing an absent address is not
	// an error.
	Unbind(ctx context.Context, ip string, mask int, iface string) error
}

// IPCommand is the ip(8)-backed Executor.
type IPCommand struct{}

var _ Executor = IPCommand{}

// NewExecutor returns the ip(8)-backed executor.
func NewExecutor() IPCommand { return IPCommand{} }

func run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := ExecCommandContext(ctx, "ip", args...).Output()
	if err == nil {
		return out, nil
	}
	cmdErr := &CommandError{Args: args, ExitCode: -1}
	if exitErr, ok := err.(*exec.ExitError); ok {
		cmdErr.ExitCode = exitErr.ExitCode()
		cmdErr.Stderr = strings.TrimSpace(string(exitErr.Stderr))
	} else {
		cmdErr.Stderr = err.Error()
	}
	return out, cmdErr
}

func (IPCommand) Exists(ctx context.Context, ip string) (bool, error) {
	out, err := run(ctx, "-4", "addr", "show", "to", ip)
	if err != nil {
		return false, fmt.Errorf("failed to check address %s: %w", ip, err)
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

func (IPCommand) Bind(ctx context.Context, ip string, mask int, iface string) error {
	_, err := run(ctx, "addr", "add", fmt.Sprintf("%s/%d", ip, mask), "dev", iface)
	if err != nil {
		if alreadyBound(err) {
			return nil
		}
		return fmt.Errorf("failed to bind %s/%d on %s: %w", ip, mask, iface, err)
	}
	return nil
}

func (IPCommand) Unbind(ctx context.Context, ip string, mask int, iface string) error {
	_, err := run(ctx, "addr", "del", fmt.Sprintf("%s/%d", ip, mask), "dev", iface)
	if err != nil {
		if notBound(err) {
			return nil
		}
		return fmt.Errorf("failed to unbind %s/%d on %s: %w", ip, mask, iface, err)
	}
	return nil
}

// "RTNETLINK answers: File exists" means the address is already assigned.
func alreadyBound(err error) bool {
	cmdErr, ok := asCommandError(err)
	return ok && strings.Contains(cmdErr.Stderr, "File exists")
}

// ip reports exit code 2 with "Cannot assign" when deleting an address that
// is not present.
func notBound(err error) bool {
	cmdErr, ok := asCommandError(err)
	if !ok {
		return false
	}
	return strings.Contains(cmdErr.Stderr, "Cannot assign") ||
		strings.Contains(cmdErr.Stderr, "Address not found")
}

func asCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}
