package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t3m8ch/canary-probe/internal/logging"
)

const (
	namePrefix      = "canary-checker-"
	teardownTimeout = 30 * time.Second
)

// Lifecycle provisions sandboxes and guarantees their removal.
type Lifecycle struct {
	manager Manager
	logger  *zap.Logger
}

func NewLifecycle(manager Manager, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{manager: manager, logger: logging.Ensure(logger)}
}

// Provision resolves the archive, pulls the image, then creates and starts a
// uniquely named container. A container that was created but failed to start
// is removed before returning. Runtime failures are *ProvisionError.
func (l *Lifecycle) Provision(ctx context.Context, spec Spec, archivePath string) (*Sandbox, error) {
	resolved, err := resolveArchive(archivePath)
	if err != nil {
		return nil, err
	}
	spec.ArchivePath = resolved

	if err := l.manager.PullImage(ctx, spec.Image); err != nil {
		return nil, &ProvisionError{Phase: PhasePull, Err: err}
	}

	sb := &Sandbox{
		Name:        namePrefix + uuid.NewString(),
		ArchivePath: resolved,
	}
	logger := l.logger.With(zap.String("sandbox", sb.Name))

	id, err := l.manager.CreateSandbox(ctx, sb.Name, spec)
	if err != nil {
		return nil, &ProvisionError{Phase: PhaseCreate, Err: err}
	}
	sb.ContainerID = id
	sb.State = StateCreated
	logger.Debug("sandbox created",
		zap.String("image", spec.Image),
		zap.String("memory", humanize.IBytes(uint64(spec.MemoryLimit))),
		zap.Int64("cpus", spec.CPULimit),
		zap.String("disk", spec.DiskLimit),
	)

	if err := l.manager.StartSandbox(ctx, sb.ID()); err != nil {
		l.Teardown(ctx, sb)
		return nil, &ProvisionError{Phase: PhaseStart, Err: err}
	}
	sb.State = StateRunning
	logger.Debug("sandbox started")

	return sb, nil
}

// Teardown force-removes the sandbox. Removal errors are logged, never
// returned, and the call is a no-op once the sandbox is removed. A failed
// removal leaves the state untouched so a later call retries it.
func (l *Lifecycle) Teardown(ctx context.Context, sb *Sandbox) {
	if sb == nil || sb.State == StateRemoved {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	if err := l.manager.RemoveSandbox(ctx, sb.ID()); err != nil {
		l.logger.Warn("failed to remove sandbox", zap.String("sandbox", sb.Name), zap.Error(err))
		return
	}
	sb.State = StateRemoved
	l.logger.Debug("sandbox removed", zap.String("sandbox", sb.Name))
}

func resolveArchive(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve archive path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve archive path: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("stat archive: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("archive %s is a directory", resolved)
	}
	return resolved, nil
}
