package deployer

import (
	"context"
	"fmt"
	"strings"

	"github.com/kuintessence/agentd/internal/command"
)

// Spack is the spack-backed deployer.
type Spack struct {
	Runner command.Runner
	Root   string
}

func NewSpack(runner command.Runner, root string) *Spack {
	return &Spack{Runner: runner, Root: root}
}

// Find runs `spack find --format {hash}` scoped to name+args and
// returns the first hash, if any.
func (s *Spack) Find(ctx context.Context, name string, args []string) (string, bool, error) {
	spec := specString(name, args)
	res, err := s.Runner.Run(ctx, "spack", "find", "--format", "{hash}", spec)
	if err != nil {
		// spack find exits non-zero when nothing matches.
		return "", false, nil
	}
	hash := strings.TrimSpace(res.Stdout)
	if hash == "" {
		return "", false, nil
	}
	return strings.Fields(hash)[0], true, nil
}

// Install runs `spack install -y --fail-fast <name><flags>` (spec §4.10).
func (s *Spack) Install(ctx context.Context, name string, args []string) (string, error) {
	spec := specString(name, args)
	if _, err := s.Runner.Run(ctx, "spack", "install", "-y", "--fail-fast", spec); err != nil {
		return "", fmt.Errorf("deployer: spack install %s: %w", spec, err)
	}
	hash, found, err := s.Find(ctx, name, args)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("deployer: spack install %s reported success but no hash found", spec)
	}
	return hash, nil
}

func (s *Spack) GenLoadScript(hash string) string {
	return fmt.Sprintf("spack load /%s\n", hash)
}

func specString(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
