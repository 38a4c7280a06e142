package command

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/log"
)

// SSHRunner tunnels commands through a persistent SSH connection,
// dialed once and reused for every session — the Go analogue of
// original's `ssh -p <port> user@host <cmd>` invocation, minus the
// per-command process spawn.
type SSHRunner struct {
	cfg    *config.SSHProxyConfig
	mu     sync.Mutex
	client *ssh.Client
}

func NewSSHRunner(cfg *config.SSHProxyConfig) (*SSHRunner, error) {
	r := &SSHRunner{cfg: cfg}
	if _, err := r.dial(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SSHRunner) IsSSH() bool { return true }

func (r *SSHRunner) dial() (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	auths, err := authMethods()
	if err != nil {
		return nil, fmt.Errorf("ssh auth setup: %w", err)
	}

	hostKeyCallback, err := hostKeyCallback()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("falling back to insecure SSH host key checking")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	clientCfg := &ssh.ClientConfig{
		User:            r.cfg.Username,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	client, err := ssh.Dial("tcp", addr, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	r.client = client
	return client, nil
}

func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	client, err := r.dial()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		// The connection may have dropped; force a redial on next call.
		r.mu.Lock()
		r.client = nil
		r.mu.Unlock()
		return nil, fmt.Errorf("ssh new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdline := name
	if len(args) > 0 {
		cmdline = name + " " + strings.Join(quoteArgs(args), " ")
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmdline) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if exitErr, ok := err.(*ssh.ExitError); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, fmt.Errorf("%s: exit %d: %s", name, res.ExitCode, res.Stderr)
		}
		if err != nil {
			return res, fmt.Errorf("%s: %w", name, err)
		}
		return res, nil
	}
}

func quoteArgs(args []string) []string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return quoted
}

func authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			keyPath := filepath.Join(home, ".ssh", name)
			if data, err := os.ReadFile(keyPath); err == nil {
				if signer, err := ssh.ParsePrivateKey(data); err == nil {
					methods = append(methods, ssh.PublicKeys(signer))
				}
			}
		}
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH credentials available: set SSH_AUTH_SOCK or place a key in ~/.ssh")
	}
	return methods, nil
}

func hostKeyCallback() (ssh.HostKeyCallback, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
}
