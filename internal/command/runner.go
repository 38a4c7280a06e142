// Package command implements the SSH-or-not command wrapper (spec
// §4.6, §6.4): every scheduler and file-I/O external command runs either
// as a local subprocess or tunneled over SSH, transparently to the
// caller. Grounded on
// original_source/.../infrastructure/command/{ssh_proxy,scp}.rs's
// MaybeSsh/Scp traits, ported to the native golang.org/x/crypto/ssh
// client instead of shelling out to the system ssh/scp binaries — a
// long-running daemon should not depend on those being on PATH.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/kuintessence/agentd/internal/config"
)

// Result carries a finished command's output.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a named command with arguments, either locally or
// over SSH depending on configuration.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*Result, error)
	// IsSSH reports whether this runner tunnels through SSH, which
	// callers need to know to decide whether a scp push is required
	// before running a script (spec §4.6).
	IsSSH() bool
}

// NewRunner returns a LocalRunner, or an SSHRunner when cfg is non-nil.
func NewRunner(cfg *config.SSHProxyConfig) (Runner, error) {
	if cfg == nil {
		return LocalRunner{}, nil
	}
	return NewSSHRunner(cfg)
}

// LocalRunner executes commands via os/exec, the direct (non-SSH) path
// that mirrors tokio::process::Command in the original.
type LocalRunner struct{}

func (LocalRunner) IsSSH() bool { return false }

func (LocalRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("%s: exit %d: %s", name, res.ExitCode, res.Stderr)
	}
	if err != nil {
		return res, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}
