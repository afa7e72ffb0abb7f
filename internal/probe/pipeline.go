package probe

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/t3m8ch/canary-probe/internal/config"
	"github.com/t3m8ch/canary-probe/internal/filesctl"
	"github.com/t3m8ch/canary-probe/internal/logging"
	"github.com/t3m8ch/canary-probe/internal/remote"
	"github.com/t3m8ch/canary-probe/internal/sandbox"
)

// Result is a successful run.
type Result struct {
	Sandbox     string
	Executables []string
	Export      *Export
}

type Export struct {
	Destination string
	Size        int64
	Stored      int64
	Digest      string
}

// Pipeline runs unzip, build, enumerate and the optional export against one
// freshly provisioned sandbox per call. Calls may run concurrently.
type Pipeline struct {
	lifecycle *sandbox.Lifecycle
	channel   *remote.Channel
	store     filesctl.Store
	logger    *zap.Logger
}

func NewPipeline(manager sandbox.Manager, store filesctl.Store, logger *zap.Logger) *Pipeline {
	logger = logging.Ensure(logger)
	if store == nil {
		store = filesctl.LocalStore{}
	}
	return &Pipeline{
		lifecycle: sandbox.NewLifecycle(manager, logger),
		channel:   remote.NewChannel(manager),
		store:     store,
		logger:    logger,
	}
}

type stage struct {
	name    string
	kind    Kind
	command string
}

func stages(cfg config.Config) []stage {
	return []stage{
		{"unzip", UnzipFailed, timeoutCmd(cfg.UnzipTimeout.Seconds(), "unzip -j "+cfg.ArchiveName)},
		{"make", BuildFailed, timeoutCmd(cfg.BuildTimeout.Seconds(), cfg.BuildCommand)},
		{"find", EnumerationFailed, timeoutCmd(cfg.EnumerateTimeout.Seconds(), "find . -type f -perm /111")},
	}
}

func timeoutCmd(seconds float64, cmd string) string {
	return fmt.Sprintf("timeout %d %s", int64(seconds), cmd)
}

// Run probes the archive at archivePath. Sandbox and stage failures are
// returned as *Failure; export I/O errors are returned as-is. The sandbox is
// removed on every path once provisioned.
func (p *Pipeline) Run(ctx context.Context, archivePath string, cfg config.Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	sb, err := p.lifecycle.Provision(ctx, specFromConfig(cfg), archivePath)
	if err != nil {
		return Result{}, classifyProvision(err)
	}
	defer p.lifecycle.Teardown(ctx, sb)

	logger := p.logger.With(zap.String("sandbox", sb.Name), zap.String("archive", sb.ArchivePath))
	result := Result{Sandbox: sb.Name}

	p.listWorkspace(ctx, logger, sb, cfg, "contents")

	var output string
	for _, st := range stages(cfg) {
		res, err := p.channel.Execute(ctx, sb, st.command, cfg.WorkingDir)
		if err != nil {
			return result, &Failure{Kind: st.kind, Err: err}
		}
		if !res.Success {
			logger.Debug("stage failed", zap.String("stage", st.name))
			return result, &Failure{Kind: st.kind, Output: res.Output, Err: res.Err()}
		}
		logger.Debug("stage done", zap.String("stage", st.name))
		output = res.Output
		if st.kind != EnumerationFailed {
			p.listWorkspace(ctx, logger, sb, cfg, "after "+st.name)
		}
	}
	result.Executables = NormalizeExecutables(output)

	if cfg.Extract != "" {
		export, err := p.export(ctx, sb, cfg)
		if err != nil {
			return result, err
		}
		logger.Info("workspace exported",
			zap.String("destination", export.Destination),
			zap.String("size", humanize.IBytes(uint64(export.Size))),
			zap.String("digest", export.Digest),
		)
		result.Export = export
	}

	return result, nil
}

func (p *Pipeline) export(ctx context.Context, sb *sandbox.Sandbox, cfg config.Config) (*Export, error) {
	data, err := p.channel.ExportDirectory(ctx, sb, cfg.WorkingDir)
	if err != nil {
		return nil, err
	}

	stored, err := p.store.PutFile(ctx, cfg.Extract, data)
	if err != nil {
		return nil, fmt.Errorf("write export: %w", err)
	}

	sum := blake3.Sum256(data)
	return &Export{
		Destination: cfg.Extract,
		Size:        int64(len(data)),
		Stored:      stored,
		Digest:      hex.EncodeToString(sum[:]),
	}, nil
}

// listWorkspace logs the working directory between stages in debug mode.
func (p *Pipeline) listWorkspace(ctx context.Context, logger *zap.Logger, sb *sandbox.Sandbox, cfg config.Config, label string) {
	if !cfg.Debug {
		return
	}
	output, err := p.channel.Run(ctx, sb, "ls -la", cfg.WorkingDir)
	if err != nil {
		logger.Warn("failed to list workspace", zap.String("label", label), zap.Error(err))
		return
	}
	logger.Info(label+":\n"+output, zap.String("label", label))
}

func classifyProvision(err error) error {
	var perr *sandbox.ProvisionError
	if !errors.As(err, &perr) {
		return err
	}
	switch perr.Phase {
	case sandbox.PhasePull:
		return &Failure{Kind: ImageAcquisitionFailed, Err: perr.Err}
	case sandbox.PhaseCreate:
		return &Failure{Kind: ProvisionFailed, Err: perr.Err}
	default:
		return &Failure{Kind: StartFailed, Err: perr.Err}
	}
}

func specFromConfig(cfg config.Config) sandbox.Spec {
	return sandbox.Spec{
		Image:       cfg.Image,
		Hostname:    cfg.Hostname,
		WorkingDir:  cfg.WorkingDir,
		ArchiveName: cfg.ArchiveName,
		StopTimeout: cfg.Timeout,
		MemoryLimit: int64(cfg.MemoryLimit),
		CPULimit:    cfg.CPULimit,
		DiskLimit:   cfg.DiskLimit,
	}
}
