package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	log "github.com/sirupsen/logrus"
)

// WorkspaceMount is where the job's working directory appears inside the container.
const WorkspaceMount = "/workspace"

var ErrContainerWait = errors.New("container wait failed")

// JobConfig describes one job container.
type JobConfig struct {
	Name       string // container name, unique per job run
	Image      string // e.g. "nvidia/cuda:12.1.1-runtime-ubuntu22.04"
	Command    string // run with /bin/sh -c
	WorkDir    string // host directory bind-mounted at WorkspaceMount
	GPUDevices string // NVIDIA_VISIBLE_DEVICES value; "" means all
	Env        []string
}

// DockerService wraps Docker SDK for GPU job containers
type DockerService struct {
	cli        DockerClient
	stopGrace  int
	startRetry func() backoff.BackOff
}

// DockerClient interface for Docker operations (mockable)
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Compile-time interface check
var _ DockerClient = (*client.Client)(nil)

func defaultStartBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// NewDockerService creates a new DockerService with Docker client
func NewDockerService() (*DockerService, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDockerServiceWithClient(cli), nil
}

// NewDockerServiceWithClient creates a DockerService with a provided client (for testing)
func NewDockerServiceWithClient(cli DockerClient) *DockerService {
	return &DockerService{cli: cli, stopGrace: 10, startRetry: defaultStartBackOff}
}

// Ping checks that the Docker daemon answers.
func (s *DockerService) Ping(ctx context.Context) error {
	if _, err := s.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// ensureImage pulls a Docker image if it's not available locally.
func (s *DockerService) ensureImage(ctx context.Context, imageName string) error {
	if _, err := s.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}

	log.Infof("Image %s not found locally, pulling from registry", imageName)

	reader, err := s.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Progress output is discarded; draining completes the pull.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error during image pull %s: %w", imageName, err)
	}

	log.Infof("Image %s pulled", imageName)
	return nil
}

// RunJob runs cfg.Command to completion in a fresh container, streaming its
// combined output to out, and returns the exit code. The container is
// stopped when ctx is cancelled and always removed.
func (s *DockerService) RunJob(ctx context.Context, cfg JobConfig, out io.Writer) (int, error) {
	if err := s.ensureImage(ctx, cfg.Image); err != nil {
		return -1, fmt.Errorf("failed to ensure image: %w", err)
	}

	containerID, err := s.createJobContainer(ctx, cfg)
	if err != nil {
		return -1, err
	}
	defer func() {
		if err := s.RemoveContainer(context.Background(), containerID, true); err != nil {
			log.Warnf("Failed to remove job container %s: %v", containerID, err)
		}
	}()

	waitCh, errCh := s.cli.ContainerWait(ctx, containerID, container.WaitConditionNextExit)

	if err := s.StartContainer(ctx, containerID); err != nil {
		return -1, err
	}

	logs, err := s.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return -1, fmt.Errorf("failed to follow container logs: %w", err)
	}
	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, logs)
		copyDone <- err
	}()
	defer logs.Close()

	select {
	case resp := <-waitCh:
		<-copyDone
		if resp.Error != nil && resp.Error.Message != "" {
			return int(resp.StatusCode), fmt.Errorf("%w: %s", ErrContainerWait, resp.Error.Message)
		}
		return int(resp.StatusCode), nil
	case err := <-errCh:
		if ctx.Err() != nil {
			s.stopOnCancel(containerID)
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("%w: %v", ErrContainerWait, err)
	case <-ctx.Done():
		s.stopOnCancel(containerID)
		return -1, ctx.Err()
	}
}

func (s *DockerService) stopOnCancel(containerID string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.stopGrace+5)*time.Second)
	defer cancel()
	timeout := s.stopGrace
	if err := s.cli.ContainerStop(stopCtx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		log.Warnf("Failed to stop job container %s: %v", containerID, err)
	}
}

func (s *DockerService) createJobContainer(ctx context.Context, cfg JobConfig) (string, error) {
	gpuDevice := "all"
	if cfg.GPUDevices != "" {
		gpuDevice = cfg.GPUDevices
	}

	env := append([]string{
		fmt.Sprintf("NVIDIA_VISIBLE_DEVICES=%s", gpuDevice),
		"NVIDIA_DRIVER_CAPABILITIES=all",
	}, cfg.Env...)

	containerConfig := &container.Config{
		Image:      cfg.Image,
		Env:        env,
		WorkingDir: WorkspaceMount,
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{cfg.Command},
		// A TTY merges stdout and stderr into one unframed stream.
		Tty: true,
	}
	hostConfig := &container.HostConfig{
		Runtime: "nvidia",
		Binds:   []string{cfg.WorkDir + ":" + WorkspaceMount},
	}

	resp, err := s.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a container with exponential backoff retry
func (s *DockerService) StartContainer(ctx context.Context, containerID string) error {
	operation := func() error {
		if err := s.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start container: %w", err)
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(s.startRetry(), ctx)); err != nil {
		return fmt.Errorf("failed to start container after retries: %w", err)
	}
	return nil
}

// RemoveContainer removes a container and its volumes
func (s *DockerService) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	removeOptions := container.RemoveOptions{
		RemoveVolumes: true,
		Force:         force,
	}
	if err := s.cli.ContainerRemove(ctx, containerID, removeOptions); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Close closes the Docker client connection
func (s *DockerService) Close() error {
	if s.cli != nil {
		return s.cli.Close()
	}
	return nil
}
