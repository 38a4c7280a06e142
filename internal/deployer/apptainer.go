package deployer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kuintessence/agentd/internal/command"
)

// Apptainer is the apptainer/singularity-backed deployer, installing
// container images as local .sif files under ImagesRoot (spec §4.10).
type Apptainer struct {
	Runner     command.Runner
	ImagesRoot string
}

func NewApptainer(runner command.Runner, imagesRoot string) *Apptainer {
	return &Apptainer{Runner: runner, ImagesRoot: imagesRoot}
}

// Find checks whether the image's .sif file already exists locally.
func (a *Apptainer) Find(ctx context.Context, image string, args []string) (string, bool, error) {
	tag := tagFrom(args)
	path := a.sifPath(image, tag)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return path, true, nil
}

// Install runs `apptainer pull <path> docker://<image>:<tag>`.
func (a *Apptainer) Install(ctx context.Context, image string, args []string) (string, error) {
	tag := tagFrom(args)
	path := a.sifPath(image, tag)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("deployer: mkdir images root: %w", err)
	}
	ref := fmt.Sprintf("docker://%s:%s", image, tag)
	if _, err := a.Runner.Run(ctx, "apptainer", "pull", path, ref); err != nil {
		return "", fmt.Errorf("deployer: apptainer pull %s: %w", ref, err)
	}
	return path, nil
}

func (a *Apptainer) GenLoadScript(hash string) string {
	return fmt.Sprintf("export APPTAINER_IMAGE=%s\n", hash)
}

func (a *Apptainer) sifPath(image, tag string) string {
	safe := strings.ReplaceAll(image, "/", "_")
	return filepath.Join(a.ImagesRoot, fmt.Sprintf("%s-%s.sif", safe, tag))
}

func tagFrom(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return "latest"
}
