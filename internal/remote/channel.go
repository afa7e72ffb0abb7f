// Package remote executes shell commands inside a running sandbox.
//
// The exec transport only yields the merged stdout/stderr stream, so each
// command is wrapped as a brace group followed by `|| echo <token>` with a
// fresh random token. Seeing the token in the drained output means the
// command exited non-zero. The group ends on its own line so trailing
// comments and multi-line scripts stay guarded.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/t3m8ch/canary-probe/internal/sandbox"
)

var ErrCommandFailed = errors.New("command failed")

// Executor is the raw exec primitive of the container runtime.
type Executor interface {
	Exec(ctx context.Context, id sandbox.SandboxID, req sandbox.ExecRequest) ([]byte, error)
}

// Result is the outcome of one remote command.
type Result struct {
	Command string
	Output  string
	Success bool
}

// Err returns a *CommandError when the command failed, nil otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &CommandError{Command: r.Command, Output: r.Output}
}

// CommandError is a command that ran inside the sandbox and exited non-zero.
// Output never contains the failure token.
type CommandError struct {
	Command string
	Output  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("failed to execute command: %s\n%s", e.Command, e.Output)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Wrap returns the shell script that runs command and prints token only when
// it exits non-zero.
func Wrap(command, token string) string {
	return fmt.Sprintf("{ %s\n} || echo %s", command, token)
}

type Channel struct {
	executor Executor
	newToken func() string
}

func NewChannel(executor Executor) *Channel {
	return &Channel{executor: executor, newToken: uuid.NewString}
}

// Execute runs command through /bin/sh in workingDir (the container default
// when empty). A non-nil error is a transport failure; command failure is
// reported through Result.Success.
func (c *Channel) Execute(ctx context.Context, sb *sandbox.Sandbox, command, workingDir string) (Result, error) {
	token := c.newToken()
	req := sandbox.ExecRequest{
		Cmd:        []string{"/bin/sh", "-c", Wrap(command, token)},
		WorkingDir: workingDir,
	}

	raw, err := c.executor.Exec(ctx, sb.ID(), req)
	if err != nil {
		return Result{Command: command}, fmt.Errorf("exec %q in %s: %w", command, sb.Name, err)
	}

	output := string(raw)
	if strings.Contains(output, token) {
		return Result{
			Command: command,
			Output:  strings.ReplaceAll(output, token, ""),
		}, nil
	}
	return Result{Command: command, Output: output, Success: true}, nil
}

// Run is Execute with command failure folded into the error.
func (c *Channel) Run(ctx context.Context, sb *sandbox.Sandbox, command, workingDir string) (string, error) {
	res, err := c.Execute(ctx, sb, command, workingDir)
	if err != nil {
		return "", err
	}
	return res.Output, res.Err()
}
