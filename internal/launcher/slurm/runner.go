package slurm

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// commandTimeout bounds every workload-manager CLI invocation. Drivers are
// point queries; anything slower than this is treated as a transport error.
const commandTimeout = 10 * time.Second

// Runner executes a workload-manager command and returns its combined
// output. Tests substitute a fake to script salloc/sacct/scancel behavior.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// execRunner shells out to the real Slurm binaries.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, output)
	}
	return output, nil
}
