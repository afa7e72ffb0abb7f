package sandbox

import (
	"fmt"
	"time"
)

// Spec is the immutable description of the container provisioned for one run.
type Spec struct {
	Image       string
	Hostname    string
	WorkingDir  string
	ArchiveName string
	// ArchivePath is the absolute host path bind-mounted at WorkingDir/ArchiveName.
	ArchivePath string
	StopTimeout time.Duration
	MemoryLimit int64
	CPULimit    int64
	DiskLimit   string
}

// ArchiveMountPath is where the archive appears inside the sandbox.
func (s Spec) ArchiveMountPath() string {
	return s.WorkingDir + "/" + s.ArchiveName
}

type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateRemoved State = "removed"
)

// Sandbox is a live handle to one provisioned container. It is owned by a
// single run and never reused.
type Sandbox struct {
	Name        string
	ContainerID SandboxID
	ArchivePath string
	State       State
}

// ID is the identifier used to address the sandbox through a Manager.
func (s *Sandbox) ID() SandboxID {
	return s.Name
}

type Phase string

const (
	PhasePull   Phase = "pull"
	PhaseCreate Phase = "create"
	PhaseStart  Phase = "start"
)

// ProvisionError reports which provisioning phase failed, carrying the runtime's diagnostic.
type ProvisionError struct {
	Phase Phase
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s sandbox: %v", e.Phase, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}
