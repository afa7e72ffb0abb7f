package probe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/t3m8ch/canary-probe/internal/remote"
)

// Kind classifies the stage at which a run terminated.
type Kind int

const (
	KindNone Kind = iota
	ImageAcquisitionFailed
	ProvisionFailed
	StartFailed
	UnzipFailed
	BuildFailed
	EnumerationFailed
)

func (k Kind) String() string {
	switch k {
	case ImageAcquisitionFailed:
		return "ImageAcquisitionFailed"
	case ProvisionFailed:
		return "ProvisionFailed"
	case StartFailed:
		return "StartFailed"
	case UnzipFailed:
		return "UnzipFailed"
	case BuildFailed:
		return "BuildFailed"
	case EnumerationFailed:
		return "EnumerationFailed"
	default:
		return "None"
	}
}

func (k Kind) action() string {
	switch k {
	case ImageAcquisitionFailed:
		return "pull image"
	case ProvisionFailed:
		return "create container"
	case StartFailed:
		return "start container"
	case UnzipFailed:
		return "unzip"
	case BuildFailed:
		return "make"
	case EnumerationFailed:
		return "find executables"
	default:
		return "probe"
	}
}

// Failure is the typed terminal outcome of a run. Output holds the sandboxed
// command's captured output for stage failures; Err is the runtime or
// transport error, or the *remote.CommandError of the failed command.
type Failure struct {
	Kind   Kind
	Output string
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("failed to %s: %s", f.Kind.action(), f.Detail())
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Message is the human-facing rendering printed by the CLI.
func (f *Failure) Message() string {
	if f.Kind == ImageAcquisitionFailed {
		return "Failed to pull image"
	}
	return fmt.Sprintf("Failed to %s: %s", f.Kind.action(), f.Detail())
}

// Transport reports whether the stage failed to reach the sandbox rather
// than the command itself failing.
func (f *Failure) Transport() bool {
	return f.Kind >= UnzipFailed && !errors.Is(f.Err, remote.ErrCommandFailed)
}

// Detail is the captured output, or the runtime error when there is none.
func (f *Failure) Detail() string {
	if f.Output != "" {
		return strings.TrimRight(f.Output, "\n")
	}
	if f.Err != nil {
		return f.Err.Error()
	}
	return ""
}

// KindOf returns the failure kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindNone
}
