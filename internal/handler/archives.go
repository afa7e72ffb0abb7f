package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t3m8ch/canary-probe/internal/config"
	"github.com/t3m8ch/canary-probe/internal/filesctl"
	"github.com/t3m8ch/canary-probe/internal/logging"
	"github.com/t3m8ch/canary-probe/internal/model"
	"github.com/t3m8ch/canary-probe/internal/probe"
)

type Prober interface {
	Run(ctx context.Context, archivePath string, cfg config.Config) (probe.Result, error)
}

type Publisher interface {
	Publish(ctx context.Context, r model.Report) error
}

type Fetcher interface {
	LoadFile(ctx context.Context, src string) ([]byte, error)
}

// Handler runs one independent probe per archive.
type Handler struct {
	Prober Prober
	// Publisher and Fetcher are optional.
	Publisher Publisher
	Fetcher   Fetcher
	Logger    *zap.Logger
}

// HandleArchives probes every archive, at most parallel at a time, and
// returns one report per archive in input order.
func (h *Handler) HandleArchives(ctx context.Context, archives []string, cfg config.Config, parallel int) []model.Report {
	logger := logging.Ensure(h.Logger)
	reports := make([]model.Report, len(archives))

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, archive := range archives {
		g.Go(func() error {
			reports[i] = h.handleArchive(ctx, logger.With(zap.String("archive", archive)), archive, cfg)
			return nil
		})
	}
	_ = g.Wait()

	return reports
}

func (h *Handler) handleArchive(ctx context.Context, logger *zap.Logger, archive string, cfg config.Config) model.Report {
	started := time.Now()

	local, cleanup, err := h.localArchive(ctx, archive)
	var res probe.Result
	if err == nil {
		res, err = h.Prober.Run(ctx, local, cfg)
		cleanup()
	}

	r := NewReport(archive, res, err, started)
	if err != nil {
		logger.Info("probe failed", zap.String("sandbox", r.Sandbox), zap.String("kind", r.Failure.Kind), zap.Duration("duration", r.Duration))
	} else {
		logger.Info("probe finished", zap.String("sandbox", r.Sandbox), zap.Strings("executables", r.Executables), zap.Duration("duration", r.Duration))
	}

	if h.Publisher != nil {
		if err := h.Publisher.Publish(ctx, r); err != nil {
			logger.Warn("failed to publish report", zap.Error(err))
		}
	}
	return r
}

// NewReport folds a pipeline outcome into a serializable report.
func NewReport(archive string, res probe.Result, err error, started time.Time) model.Report {
	r := model.Report{
		Archive:   archive,
		Sandbox:   res.Sandbox,
		StartedAt: started,
		Duration:  time.Since(started),
	}

	if err != nil {
		r.State = model.FailedReportState
		r.Failure = &model.FailureReport{Kind: "Error", Message: err.Error()}
		var f *probe.Failure
		if errors.As(err, &f) {
			r.Failure.Kind = f.Kind.String()
			r.Failure.Message = f.Message()
			r.Failure.Detail = f.Detail()
		}
		return r
	}

	r.State = model.SucceededReportState
	r.Executables = res.Executables
	if res.Export != nil {
		r.Export = &model.ExportReport{
			Destination: res.Export.Destination,
			Size:        res.Export.Size,
			Stored:      res.Export.Stored,
			Digest:      res.Export.Digest,
		}
	}
	return r
}

func (h *Handler) localArchive(ctx context.Context, archive string) (string, func(), error) {
	if !filesctl.IsObjectPath(archive) {
		return archive, func() {}, nil
	}
	if h.Fetcher == nil {
		return "", nil, filesctl.ErrNoObjectStore
	}
	return fetchArchive(ctx, h.Fetcher, archive)
}
