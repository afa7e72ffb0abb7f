package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	docker "github.com/docker/docker/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t3m8ch/canary-probe/internal/config"
	"github.com/t3m8ch/canary-probe/internal/filesctl"
	"github.com/t3m8ch/canary-probe/internal/handler"
	"github.com/t3m8ch/canary-probe/internal/logging"
	"github.com/t3m8ch/canary-probe/internal/model"
	"github.com/t3m8ch/canary-probe/internal/probe"
	"github.com/t3m8ch/canary-probe/internal/report"
	"github.com/t3m8ch/canary-probe/internal/sandbox"
)

const defaultLogLevel = "warn"

var errProbeFailed = errors.New("probe failed")

type options struct {
	configPath        string
	logLevel          string
	logFormat         string
	parallel          int
	dockerConcurrency int
	publish           string

	image        string
	buildCommand string
	memory       string
	cpus         int64
	disk         string
	timeout      time.Duration
	extract      string
	debug        bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(&options{}).ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errProbeFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand(opts *options) *cobra.Command {
	root := &cobra.Command{
		Use:           "canary-probe [flags] <archive.zip>...",
		Short:         "Build untrusted submissions in a throwaway container and list their executables",
		Args:          cobra.MinimumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, args)
		},
	}

	flags := root.Flags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (default "+config.DefaultPath()+")")
	flags.StringVar(&opts.logLevel, "log-level", defaultLogLevel, "Log verbosity (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "console", "Log format (console, json)")
	flags.IntVar(&opts.parallel, "parallel", 2, "Archives probed concurrently")
	flags.IntVar(&opts.dockerConcurrency, "docker-concurrency", 0, "Max concurrent Docker API calls (0 = unlimited)")
	flags.StringVar(&opts.publish, "publish", "", "Redis channel to publish run reports to")

	flags.StringVar(&opts.image, "image", "", "Base image")
	flags.StringVar(&opts.buildCommand, "build-command", "", "Build command run in the working directory")
	flags.StringVar(&opts.memory, "memory", "", "Memory ceiling, e.g. 1GiB")
	flags.Int64Var(&opts.cpus, "cpus", 0, "Whole CPU cores")
	flags.StringVar(&opts.disk, "disk", "", "Working directory size limit, e.g. 1G")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Container stop timeout")
	flags.StringVar(&opts.extract, "extract", "", "Write the build workspace as a tar archive to this path or s3://bucket/object")
	flags.BoolVar(&opts.debug, "debug", false, "Log working directory listings between stages")

	return root
}

func run(cmd *cobra.Command, opts *options, archives []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if cfg.Extract != "" && len(archives) > 1 {
		return fmt.Errorf("--extract accepts a single archive, got %d", len(archives))
	}

	level := opts.logLevel
	if cfg.Debug && !cmd.Flags().Changed("log-level") {
		level = "debug"
	}
	logger, err := logging.New(logging.Config{Level: level, Format: opts.logFormat}, os.Stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dockerClient, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if err != nil {
		fmt.Println("Docker is unavailable")
		return errProbeFailed
	}
	defer dockerClient.Close()

	var manager sandbox.Manager = sandbox.NewDockerManager(dockerClient)
	if opts.dockerConcurrency > 0 {
		manager = sandbox.NewConcurrencyLimitDecorator(manager, opts.dockerConcurrency)
	}

	router := filesctl.Router{Local: filesctl.LocalStore{}}
	h := &handler.Handler{Logger: logger}
	if cfg.Minio.Endpoint != "" {
		minioClient, err := filesctl.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.UseSSL)
		if err != nil {
			return fmt.Errorf("minio client: %w", err)
		}
		store := filesctl.NewMinioStore(minioClient)
		router.Object = store
		h.Fetcher = store
	}

	if channel := firstNonEmpty(opts.publish, cfg.Redis.Channel); channel != "" {
		redisClient := report.NewRedisClient(cfg.Redis)
		defer redisClient.Close()
		h.Publisher = report.NewPublisher(redisClient, channel)
	}

	h.Prober = probe.NewPipeline(manager, router, logger)
	reports := h.HandleArchives(ctx, archives, cfg, opts.parallel)

	failed := false
	for _, r := range reports {
		printReport(r, len(reports) > 1)
		failed = failed || r.State == model.FailedReportState
	}
	if failed {
		logger.Debug("at least one probe failed", zap.Int("archives", len(reports)))
		return errProbeFailed
	}
	return nil
}

func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("image") {
		cfg.Image = opts.image
	}
	if flags.Changed("build-command") {
		cfg.BuildCommand = opts.buildCommand
	}
	if flags.Changed("memory") {
		n, err := config.ParseSize(opts.memory)
		if err != nil {
			return cfg, err
		}
		cfg.MemoryLimit = config.Size(n)
	}
	if flags.Changed("cpus") {
		cfg.CPULimit = opts.cpus
	}
	if flags.Changed("disk") {
		cfg.DiskLimit = opts.disk
	}
	if flags.Changed("timeout") {
		cfg.Timeout = opts.timeout
	}
	if flags.Changed("extract") {
		cfg.Extract = opts.extract
	}
	if flags.Changed("debug") {
		cfg.Debug = opts.debug
	}

	return cfg, cfg.Validate()
}

func printReport(r model.Report, prefix bool) {
	if prefix {
		fmt.Printf("%s: ", r.Archive)
	}
	if r.Failure != nil {
		fmt.Println(r.Failure.Message)
		return
	}
	fmt.Printf("executables: %q\n", r.Executables)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
