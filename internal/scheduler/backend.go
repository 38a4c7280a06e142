package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/config"
)

// Backend is the shared SSH-or-not plumbing every scheduler back-end
// embeds: resolving where a script lives, pushing it over scp when
// configured, and running a command in that directory (spec §4.6's "a
// Slurm remote submission does cd <dir>; sbatch <script> as a single
// ssh command" generalized to every back-end command, local or remote).
type Backend struct {
	Runner   command.Runner
	SCP      *command.SCP // nil when no SSH proxy is configured
	SSHProxy *config.SSHProxyConfig
	SavePath string
}

// SubmitDirs returns the local directory a script is written to and the
// directory commands actually execute in (the same path when no SSH
// proxy is configured, the remote mirror otherwise).
func (b *Backend) SubmitDirs(nodeID string) (localDir, execDir string) {
	localDir = filepath.Join(b.SavePath, nodeID)
	if b.SSHProxy != nil {
		execDir = filepath.Join(b.SSHProxy.HomeDir, b.SSHProxy.SaveDir, nodeID)
	} else {
		execDir = localDir
	}
	return
}

// DeployScript writes content to <localDir>/<filename>, and when SSH is
// configured mkdir -p's the remote directory and scp's the script
// there. Returns the path commands should reference the script by.
func (b *Backend) DeployScript(ctx context.Context, nodeID, filename, content string) (execDir, execScriptPath string, err error) {
	localDir, execDir := b.SubmitDirs(nodeID)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", "", fmt.Errorf("scheduler: mkdir %s: %w", localDir, err)
	}
	localPath := filepath.Join(localDir, filename)
	if err := os.WriteFile(localPath, []byte(content), 0o755); err != nil {
		return "", "", fmt.Errorf("scheduler: write script %s: %w", localPath, err)
	}

	execScriptPath = filepath.Join(execDir, filename)
	if b.SCP != nil {
		if _, err := b.Runner.Run(ctx, "mkdir", "-p", execDir); err != nil {
			return "", "", fmt.Errorf("scheduler: mkdir remote dir: %w", err)
		}
		if err := b.SCP.Push(localPath, execScriptPath); err != nil {
			return "", "", fmt.Errorf("scheduler: push script: %w", err)
		}
	}
	return execDir, execScriptPath, nil
}

// RunIn runs name+args with execDir as the working directory, whether
// the runner is local or SSH-tunneled — a `cd` prefix is used instead
// of a Runner-level working-directory option so both back-ends share
// one code path.
func (b *Backend) RunIn(ctx context.Context, execDir, name string, args ...string) (*command.Result, error) {
	parts := append([]string{name}, args...)
	cmdline := fmt.Sprintf("cd %s && %s", shellQuoteArg(execDir), strings.Join(quoteAll(parts), " "))
	return b.Runner.Run(ctx, "sh", "-c", cmdline)
}

func quoteAll(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = shellQuoteArg(a)
	}
	return out
}

func shellQuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
