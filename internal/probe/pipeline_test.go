package probe_test

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/zeebo/blake3"

	"github.com/t3m8ch/canary-probe/internal/config"
	"github.com/t3m8ch/canary-probe/internal/probe"
	"github.com/t3m8ch/canary-probe/internal/remote"
	"github.com/t3m8ch/canary-probe/internal/sandbox"
	"github.com/t3m8ch/canary-probe/internal/sandbox/sandboxtest"
)

var timeoutPrefix = regexp.MustCompile(`^timeout \d+ `)

type step struct {
	output string
	fail   bool
}

// fakeSandbox answers the pipeline's commands by their name with the
// timeout wrapper removed, emulating the token-guarded shell script.
type fakeSandbox struct {
	mu       sync.Mutex
	steps    map[string]step
	tarball  []byte
	commands []string
	tokens   []string
}

func (f *fakeSandbox) exec(id sandbox.SandboxID, req sandbox.ExecRequest) ([]byte, error) {
	if req.Cmd[0] == "tar" {
		return f.tarball, nil
	}
	cmd, token, _ := strings.Cut(req.Cmd[2], "\n} || echo ")
	cmd = strings.TrimPrefix(cmd, "{ ")
	cmd = timeoutPrefix.ReplaceAllString(cmd, "")

	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()

	st := f.steps[cmd]
	if st.fail {
		return []byte(st.output + token + "\n"), nil
	}
	return []byte(st.output), nil
}

func newFake() *fakeSandbox {
	return &fakeSandbox{steps: map[string]step{
		"unzip -j homework.zip":     {output: "Archive:  homework.zip\n  inflating: Makefile\n"},
		"make":                      {output: "cc -o run main.c\n"},
		"find . -type f -perm /111": {output: "./run\n./_internal\n"},
		"ls -la":                    {output: "total 0\n"},
	}}
}

func writeArchive(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "hw.zip")
	if err := os.WriteFile(p, []byte("PK\x03\x04"), 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return p
}

func run(t *testing.T, m *sandboxtest.Manager, cfg config.Config) (probe.Result, error) {
	t.Helper()
	p := probe.NewPipeline(m, nil, nil)
	return p.Run(context.Background(), writeArchive(t), cfg)
}

func TestRunSuccess(t *testing.T) {
	fake := newFake()
	m := &sandboxtest.Manager{ExecFunc: fake.exec}

	res, err := run(t, m, config.Default())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !slices.Equal(res.Executables, []string{"run"}) {
		t.Fatalf("expected [run], got %q", res.Executables)
	}
	if res.Export != nil {
		t.Fatal("expected no export without destination")
	}
	if m.RemovedCount() != 1 {
		t.Fatalf("expected one teardown, got %d", m.RemovedCount())
	}
	want := []string{"unzip -j homework.zip", "make", "find . -type f -perm /111"}
	if !slices.Equal(fake.commands, want) {
		t.Fatalf("unexpected command sequence %q", fake.commands)
	}
	for _, req := range m.Execs {
		if req.WorkingDir != "/homework" {
			t.Fatalf("expected commands in /homework, got %q", req.WorkingDir)
		}
	}
}

func TestRunStageTimeouts(t *testing.T) {
	fake := newFake()
	m := &sandboxtest.Manager{ExecFunc: fake.exec}
	if _, err := run(t, m, config.Default()); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"{ timeout 30 unzip", "{ timeout 30 make", "{ timeout 10 find"}
	for i, req := range m.Execs {
		if !strings.HasPrefix(req.Cmd[2], want[i]) {
			t.Fatalf("exec %d: expected prefix %q, got %q", i, want[i], req.Cmd[2])
		}
	}
}

func TestRunStageFailures(t *testing.T) {
	cases := []struct {
		cmd  string
		kind probe.Kind
		runs int
	}{
		{"unzip -j homework.zip", probe.UnzipFailed, 1},
		{"make", probe.BuildFailed, 2},
		{"find . -type f -perm /111", probe.EnumerationFailed, 3},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			fake := newFake()
			fake.steps[tc.cmd] = step{output: "main.c:3: error: expected ';'\n", fail: true}
			m := &sandboxtest.Manager{ExecFunc: fake.exec}

			_, err := run(t, m, config.Default())
			if probe.KindOf(err) != tc.kind {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			var f *probe.Failure
			errors.As(err, &f)
			if !strings.Contains(f.Output, "expected ';'") {
				t.Fatalf("expected captured output, got %q", f.Output)
			}
			for _, tok := range fake.tokens {
				if strings.Contains(f.Output, tok) || strings.Contains(err.Error(), tok) {
					t.Fatal("sentinel token leaked into failure")
				}
			}
			if f.Transport() {
				t.Fatal("command failure reported as transport failure")
			}
			if !errors.Is(err, remote.ErrCommandFailed) {
				t.Fatal("expected wrapped command error")
			}
			if len(fake.commands) != tc.runs {
				t.Fatalf("expected %d commands before stopping, got %q", tc.runs, fake.commands)
			}
			if m.RemovedCount() != 1 {
				t.Fatalf("expected one teardown, got %d", m.RemovedCount())
			}
		})
	}
}

func TestRunBuildFailedMessage(t *testing.T) {
	fake := newFake()
	fake.steps["make"] = step{output: "make: *** No targets.  Stop.\n", fail: true}
	m := &sandboxtest.Manager{ExecFunc: fake.exec}

	_, err := run(t, m, config.Default())
	var f *probe.Failure
	if !errors.As(err, &f) || f.Kind != probe.BuildFailed {
		t.Fatalf("expected BuildFailed, got %v", err)
	}
	if got := f.Message(); got != "Failed to make: make: *** No targets.  Stop." {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestRunTransportFailure(t *testing.T) {
	dial := errors.New("daemon went away")
	m := &sandboxtest.Manager{ExecFunc: func(sandbox.SandboxID, sandbox.ExecRequest) ([]byte, error) {
		return nil, dial
	}}

	_, err := run(t, m, config.Default())
	var f *probe.Failure
	if !errors.As(err, &f) || f.Kind != probe.UnzipFailed {
		t.Fatalf("expected UnzipFailed, got %v", err)
	}
	if !f.Transport() || !errors.Is(err, dial) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if m.RemovedCount() != 1 {
		t.Fatalf("expected one teardown, got %d", m.RemovedCount())
	}
}

func TestRunProvisionFailures(t *testing.T) {
	boom := errors.New("No such image: nope:latest")
	cases := []struct {
		manager *sandboxtest.Manager
		kind    probe.Kind
		removed int
	}{
		{&sandboxtest.Manager{PullErr: boom}, probe.ImageAcquisitionFailed, 0},
		{&sandboxtest.Manager{CreateErr: boom}, probe.ProvisionFailed, 0},
		{&sandboxtest.Manager{StartErr: boom}, probe.StartFailed, 1},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			_, err := run(t, tc.manager, config.Default())
			if probe.KindOf(err) != tc.kind {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			if !errors.Is(err, boom) {
				t.Fatalf("expected runtime diagnostic, got %v", err)
			}
			if got := tc.manager.RemovedCount(); got != tc.removed {
				t.Fatalf("expected %d removals, got %d", tc.removed, got)
			}
			if len(tc.manager.Execs) != 0 {
				t.Fatal("expected no exec after provisioning failure")
			}
		})
	}
}

func TestRunImageAcquisitionLeavesNothing(t *testing.T) {
	m := &sandboxtest.Manager{PullErr: errors.New("pull access denied")}
	_, err := run(t, m, config.Default())
	if probe.KindOf(err) != probe.ImageAcquisitionFailed {
		t.Fatalf("expected ImageAcquisitionFailed, got %v", err)
	}
	if len(m.Created) != 0 {
		t.Fatalf("expected no container, got %v", m.Created)
	}
}

func TestRunInvalidConfig(t *testing.T) {
	m := &sandboxtest.Manager{}
	cfg := config.Default()
	cfg.MemoryLimit = 0

	_, err := run(t, m, cfg)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if len(m.Pulled) != 0 {
		t.Fatal("expected nothing provisioned")
	}
}

func makeTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range []string{"./Makefile", "./run"} {
		body := files[name]
		hdr := &tar.Header{Name: name, Mode: 0755, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func TestRunExportCreatesParent(t *testing.T) {
	fake := newFake()
	fake.tarball = makeTar(t, map[string]string{"./Makefile": "all:\n", "./run": "#!/bin/sh\n"})
	m := &sandboxtest.Manager{ExecFunc: fake.exec}

	cfg := config.Default()
	cfg.Extract = filepath.Join(t.TempDir(), "not", "yet", "workspace.tar")

	res, err := run(t, m, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	written, err := os.ReadFile(cfg.Extract)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !bytes.Equal(written, fake.tarball) {
		t.Fatal("exported bytes differ from the sandbox tar stream")
	}

	tr := tar.NewReader(bytes.NewReader(written))
	var names []string
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	if !slices.Equal(names, []string{"./Makefile", "./run"}) {
		t.Fatalf("unexpected members %q", names)
	}

	sum := blake3.Sum256(fake.tarball)
	if res.Export == nil || res.Export.Digest != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected export info %+v", res.Export)
	}
	if res.Export.Size != int64(len(fake.tarball)) {
		t.Fatalf("expected size %d, got %d", len(fake.tarball), res.Export.Size)
	}
	if m.RemovedCount() != 1 {
		t.Fatalf("expected one teardown, got %d", m.RemovedCount())
	}
}

type failingStore struct{ err error }

func (f failingStore) PutFile(context.Context, string, []byte) (int64, error) {
	return 0, f.err
}

func TestRunExportFailurePropagates(t *testing.T) {
	fake := newFake()
	m := &sandboxtest.Manager{ExecFunc: fake.exec}
	diskFull := errors.New("no space left on device")

	cfg := config.Default()
	cfg.Extract = "/tmp/out.tar"

	p := probe.NewPipeline(m, failingStore{err: diskFull}, nil)
	_, err := p.Run(context.Background(), writeArchive(t), cfg)
	if !errors.Is(err, diskFull) {
		t.Fatalf("expected export I/O error, got %v", err)
	}
	if probe.KindOf(err) != probe.KindNone {
		t.Fatalf("export errors are not stage failures, got %s", probe.KindOf(err))
	}
	if m.RemovedCount() != 1 {
		t.Fatalf("expected one teardown, got %d", m.RemovedCount())
	}
}

func TestRunDebugListings(t *testing.T) {
	fake := newFake()
	m := &sandboxtest.Manager{ExecFunc: fake.exec}
	cfg := config.Default()
	cfg.Debug = true

	if _, err := run(t, m, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		"ls -la",
		"unzip -j homework.zip", "ls -la",
		"make", "ls -la",
		"find . -type f -perm /111",
	}
	if !slices.Equal(fake.commands, want) {
		t.Fatalf("unexpected command sequence %q", fake.commands)
	}
}

func TestRunConcurrentIsolation(t *testing.T) {
	fake := newFake()
	m := &sandboxtest.Manager{ExecFunc: fake.exec}
	p := probe.NewPipeline(m, nil, nil)
	archive := writeArchive(t)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(context.Background(), archive, config.Default()); err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(m.Created) != 4 {
		t.Fatalf("expected 4 distinct sandboxes, got %d", len(m.Created))
	}
	if m.RemovedCount() != 4 {
		t.Fatalf("expected 4 teardowns, got %d", m.RemovedCount())
	}
}
