package sandbox

import (
	"context"
)

type SandboxID = string

// ExecRequest is a single command executed inside a running sandbox.
type ExecRequest struct {
	Cmd        []string
	WorkingDir string
	// StdoutOnly drops stderr instead of merging it into the output.
	StdoutOnly bool
}

// Manager is the container runtime control plane used by a probe run.
type Manager interface {
	PullImage(ctx context.Context, image string) error
	CreateSandbox(ctx context.Context, name string, spec Spec) (SandboxID, error)
	StartSandbox(ctx context.Context, id SandboxID) error
	RemoveSandbox(ctx context.Context, id SandboxID) error
	// Exec runs req and returns its output once the stream is fully drained.
	Exec(ctx context.Context, id SandboxID, req ExecRequest) ([]byte, error)
}
