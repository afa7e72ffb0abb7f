package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
)

const cpuPeriod = 100000

var keepAliveCmd = []string{"/bin/sh", "-c", "while true; do sleep 10; done"}

type DockerManager struct {
	dockerClient *docker.Client
}

func NewDockerManager(dockerClient *docker.Client) *DockerManager {
	return &DockerManager{dockerClient}
}

func (m *DockerManager) PullImage(ctx context.Context, ref string) error {
	reader, err := m.dockerClient.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	// Pull failures can also arrive inside the progress stream.
	return jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil)
}

func (m *DockerManager) CreateSandbox(ctx context.Context, name string, spec Spec) (SandboxID, error) {
	config, hostConfig := containerConfig(spec)
	resp, err := m.dockerClient.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (m *DockerManager) StartSandbox(ctx context.Context, id SandboxID) error {
	return m.dockerClient.ContainerStart(ctx, id, container.StartOptions{})
}

func (m *DockerManager) RemoveSandbox(ctx context.Context, id SandboxID) error {
	return m.dockerClient.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (m *DockerManager) Exec(ctx context.Context, id SandboxID, req ExecRequest) ([]byte, error) {
	execResp, err := m.dockerClient.ContainerExecCreate(ctx, id, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: !req.StdoutOnly,
		Cmd:          req.Cmd,
		WorkingDir:   req.WorkingDir,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := m.dockerClient.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var out bytes.Buffer
	var stderr io.Writer = &out
	if req.StdoutOnly {
		stderr = io.Discard
	}
	if _, err := stdcopy.StdCopy(&out, stderr, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	return out.Bytes(), nil
}

func containerConfig(spec Spec) (*container.Config, *container.HostConfig) {
	stopTimeout := int(spec.StopTimeout.Seconds())

	config := &container.Config{
		Image:           spec.Image,
		Cmd:             keepAliveCmd,
		Hostname:        spec.Hostname,
		WorkingDir:      spec.WorkingDir,
		NetworkDisabled: true,
		StopTimeout:     &stopTimeout,
		Tty:             true,
	}

	hostConfig := &container.HostConfig{
		Binds:          []string{fmt.Sprintf("%s:%s", spec.ArchivePath, spec.ArchiveMountPath())},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			spec.WorkingDir: fmt.Sprintf("rw,noexec,nosuid,size=%s", spec.DiskLimit),
		},
		Resources: container.Resources{
			CPUPeriod:  cpuPeriod,
			CPUQuota:   spec.CPULimit * cpuPeriod,
			Memory:     spec.MemoryLimit,
			MemorySwap: spec.MemoryLimit,
		},
	}

	return config, hostConfig
}
