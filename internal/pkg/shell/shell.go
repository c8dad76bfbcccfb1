// Package shell runs the external commands lagswitch needs to divert
// traffic, such as iptables rule changes.
package shell

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/endorses/lagswitch/internal/pkg/logger"
	"github.com/google/shlex"
	"golang.org/x/sys/execabs"
)

// ErrNoCommand is returned for an empty command line.
var ErrNoCommand = errors.New("no command specified")

// Shell runs command lines.
type Shell interface {
	// Run splits cmdline with shell quoting rules and runs it.
	Run(cmdline string) error

	// Runv runs the given argv.
	Runv(argv []string) error
}

// New returns a NopShell in dry-run mode and a LinuxShell otherwise.
func New(dryRun bool) Shell {
	if dryRun {
		return &NopShell{}
	}
	return &LinuxShell{}
}

// Runf formats a command line and runs it.
func Runf(sh Shell, format string, v ...any) error {
	return sh.Run(fmt.Sprintf(format, v...))
}

func split(cmdline string) ([]string, error) {
	argv, err := shlex.Split(cmdline)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", cmdline, err)
	}
	if len(argv) < 1 {
		return nil, ErrNoCommand
	}
	return argv, nil
}

// LinuxShell executes commands found in PATH.
type LinuxShell struct{}

var _ Shell = &LinuxShell{}

// Run runs the given command line.
func (sh *LinuxShell) Run(cmdline string) error {
	argv, err := split(cmdline)
	if err != nil {
		return err
	}
	return sh.Runv(argv)
}

// Runv runs the given argv. The combined output is attached to the error
// when the command fails.
func (sh *LinuxShell) Runv(argv []string) error {
	if len(argv) < 1 {
		return ErrNoCommand
	}
	cmd := execabs.Command(argv[0], argv[1:]...)
	logger.Debug("Running command", "cmd", cmd.String())

	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%s: %w", strings.Join(argv, " "), err)
		}
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, msg)
	}
	return nil
}

// NopShell logs and records commands without running them.
type NopShell struct {
	mu       sync.Mutex
	commands []string
}

var _ Shell = &NopShell{}

// Run records the given command line.
func (sh *NopShell) Run(cmdline string) error {
	argv, err := split(cmdline)
	if err != nil {
		return err
	}
	return sh.Runv(argv)
}

// Runv records the given argv.
func (sh *NopShell) Runv(argv []string) error {
	if len(argv) < 1 {
		return ErrNoCommand
	}
	cmdline := strings.Join(argv, " ")
	logger.Info("Dry run, not executing command", "cmd", cmdline)

	sh.mu.Lock()
	sh.commands = append(sh.commands, cmdline)
	sh.mu.Unlock()
	return nil
}

// Commands returns every command line recorded so far.
func (sh *NopShell) Commands() []string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return append([]string(nil), sh.commands...)
}
