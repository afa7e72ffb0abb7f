package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

const appName = "canary-probe"

// tmpfsSize is the size syntax the kernel accepts in tmpfs mount options.
var tmpfsSize = regexp.MustCompile(`^[1-9][0-9]*[kKmMgG%]?$`)

// Config describes one probe run: the sandbox it runs in and the stages it executes.
type Config struct {
	Image       string `yaml:"image"`
	Hostname    string `yaml:"hostname"`
	WorkingDir  string `yaml:"working_dir"`
	ArchiveName string `yaml:"archive_name"`

	// Timeout is the container stop timeout.
	Timeout          time.Duration `yaml:"timeout"`
	UnzipTimeout     time.Duration `yaml:"unzip_timeout"`
	BuildTimeout     time.Duration `yaml:"build_timeout"`
	EnumerateTimeout time.Duration `yaml:"enumerate_timeout"`
	BuildCommand     string        `yaml:"build_command"`

	MemoryLimit Size   `yaml:"memory_limit"`
	CPULimit    int64  `yaml:"cpu_limit"`
	DiskLimit   string `yaml:"disk_limit"`

	Extract string      `yaml:"extract"`
	Minio   MinioConfig `yaml:"minio"`
	Redis   RedisConfig `yaml:"redis"`

	Debug bool `yaml:"debug"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Size is a byte count that unmarshals from either an integer or a string like "1GiB".
type Size int64

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	n, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

func ParseSize(v string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", v, err)
	}
	return int64(n), nil
}

func Default() Config {
	return Config{
		Image:            "buildpack-deps:stable",
		Hostname:         "canary",
		WorkingDir:       "/homework",
		ArchiveName:      "homework.zip",
		Timeout:          90 * time.Second,
		UnzipTimeout:     30 * time.Second,
		BuildTimeout:     30 * time.Second,
		EnumerateTimeout: 10 * time.Second,
		BuildCommand:     "make",
		MemoryLimit:      1 << 30,
		CPULimit:         1,
		DiskLimit:        "1G",
		Minio: MinioConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_HOST"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB"),
		},
	}
}

// envInt reads an integer variable, zero when unset or malformed. Load
// reports the malformed case.
func envInt(key string) int {
	n, _ := strconv.Atoi(os.Getenv(key))
	return n
}

// DefaultPath returns the config file location under the XDG config home.
func DefaultPath() string {
	return path.Join(xdg.ConfigHome, appName, "config.yaml")
}

// Load overlays the YAML file at p onto the defaults. A missing file at the
// default location is not an error.
func Load(p string) (Config, error) {
	cfg := Default()
	if v := os.Getenv("REDIS_DB"); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("REDIS_DB: %w", err)
		}
	}
	explicit := p != ""
	if !explicit {
		p = DefaultPath()
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", p, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !isSafePath(c.WorkingDir) || !path.IsAbs(c.WorkingDir) {
		return fmt.Errorf("%w: working_dir %q must be a clean absolute path", ErrInvalid, c.WorkingDir)
	}
	if c.ArchiveName == "" || strings.Contains(c.ArchiveName, "/") || !isSafePath(c.ArchiveName) {
		return fmt.Errorf("%w: archive_name %q must be a plain file name", ErrInvalid, c.ArchiveName)
	}
	if c.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalid)
	}
	if c.MemoryLimit <= 0 {
		return fmt.Errorf("%w: memory_limit must be positive", ErrInvalid)
	}
	if c.CPULimit <= 0 {
		return fmt.Errorf("%w: cpu_limit must be positive", ErrInvalid)
	}
	if !tmpfsSize.MatchString(c.DiskLimit) {
		return fmt.Errorf("%w: disk_limit %q must be a positive tmpfs size such as 512m or 1G", ErrInvalid, c.DiskLimit)
	}
	for name, d := range map[string]time.Duration{
		"timeout":           c.Timeout,
		"unzip_timeout":     c.UnzipTimeout,
		"build_timeout":     c.BuildTimeout,
		"enumerate_timeout": c.EnumerateTimeout,
	} {
		if d < time.Second {
			return fmt.Errorf("%w: %s must be at least 1s", ErrInvalid, name)
		}
	}
	if strings.TrimSpace(c.BuildCommand) == "" {
		return fmt.Errorf("%w: build_command is required", ErrInvalid)
	}
	return nil
}

// isSafePath rejects empty, unclean and shell-hostile paths since they end up
// in bind specs and shell commands.
func isSafePath(p string) bool {
	if p == "" || path.Clean(p) != p {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return false
		}
	}
	return !strings.ContainsAny(p, " \t\n:;&|$`'\"\\<>(){}*?")
}
