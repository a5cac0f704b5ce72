package hardware

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/cockroachdb/errors"
)

// CommandRunner runs a vendor tool and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, errors.Wrapf(errToolMissing, "%s", name)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.WithDetail(errors.Wrapf(err, "%s", name), stderr.String())
	}
	return stdout.Bytes(), nil
}

var errToolMissing = errors.New("tool not installed")
