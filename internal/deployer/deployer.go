// Package deployer resolves and installs software packages for the job
// executor's preamble step (spec §4.5 step 1, §4.10), with spack and
// apptainer back-ends built on internal/command.Runner.
package deployer

import "context"

// Backend looks up an already-installed package and, if missing,
// installs it, returning the shell snippet that loads it into a
// submission script's environment.
type Backend interface {
	// Find returns (hash, true, nil) when a package matching name and
	// args is already installed, ("", false, nil) when it is not, or a
	// non-nil error on a lookup failure.
	Find(ctx context.Context, name string, args []string) (hash string, found bool, err error)

	// Install installs the package, returning its resolved hash.
	Install(ctx context.Context, name string, args []string) (hash string, err error)

	// GenLoadScript renders the shell snippet that loads the installed
	// package identified by hash into a submission script's environment.
	GenLoadScript(hash string) string
}
