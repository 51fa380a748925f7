// Package docker implements the service and process runtimes over the
// Docker API: sidecar services run as long-lived containers and step
// commands run to completion in containers of the job's base image.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/runtime"
)

const stopTimeoutSeconds = 10

// Runtime drives Docker for both sidecar services and step processes.
type Runtime struct {
	docker client.APIClient
	logger *zap.Logger
}

// New creates a Docker runtime from the environment (DOCKER_HOST and
// friends), negotiating the API version with the daemon.
func New(logger *zap.Logger) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Runtime{docker: docker, logger: logger}, nil
}

// NewWithClient creates a Docker runtime over an existing API client.
// Used by tests to substitute a fake daemon.
func NewWithClient(docker client.APIClient, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{docker: docker, logger: logger}
}

// StartService pulls the service image if needed and starts a container
// with the resolved environment and the declared port mapping. The returned
// handle is the container ID.
func (r *Runtime) StartService(ctx context.Context, spec runtime.ServiceSpec) (runtime.ServiceHandle, error) {
	if err := r.pullImage(ctx, spec.Image); err != nil {
		return "", err
	}

	config := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
	}
	hostConfig := &container.HostConfig{}

	if spec.ContainerPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("invalid container port %d: %w", spec.ContainerPort, err)
		}
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
		if spec.HostPort > 0 {
			hostConfig.PortBindings = nat.PortMap{
				port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
			}
		}
	}

	name := containerName(spec.RunID, spec.Name)
	created, err := r.docker.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create service container %q: %w", spec.Name, err)
	}

	if err := r.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Hand the created container back so the engine's cleanup path
		// can still remove it.
		return runtime.ServiceHandle(created.ID), fmt.Errorf("failed to start service container %q: %w", spec.Name, err)
	}

	r.logger.Debug("service container started",
		zap.String("service", spec.Name),
		zap.String("container_id", created.ID))

	return runtime.ServiceHandle(created.ID), nil
}

// StopService stops and removes the service container. It is idempotent:
// an unknown or already removed handle is not an error.
func (r *Runtime) StopService(ctx context.Context, handle runtime.ServiceHandle) error {
	if handle == "" {
		return nil
	}
	id := string(handle)

	timeout := stopTimeoutSeconds
	if err := r.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !cerrdefs.IsNotFound(err) {
		r.logger.Warn("failed to stop service container", zap.String("container_id", id), zap.Error(err))
	}

	if err := r.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove service container %s: %w", id, err)
	}

	return nil
}

// RunProcess runs the resolved command to completion in a container of the
// job's base image, with the step's resolved arguments in the environment,
// and returns the combined output and exit status.
func (r *Runtime) RunProcess(ctx context.Context, spec runtime.ProcessSpec) (runtime.ProcessResult, error) {
	if spec.Image == "" {
		return runtime.ProcessResult{}, fmt.Errorf("docker process runtime requires a job image")
	}

	if err := r.pullImage(ctx, spec.Image); err != nil {
		return runtime.ProcessResult{}, err
	}

	config := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sh", "-c", spec.Command},
		Env:        spec.Args,
		WorkingDir: spec.WorkingDir,
	}

	created, err := r.docker.ContainerCreate(ctx, config, nil, nil, nil, "")
	if err != nil {
		return runtime.ProcessResult{}, fmt.Errorf("failed to create step container: %w", err)
	}
	defer func() {
		if err := r.docker.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
			r.logger.Warn("failed to remove step container", zap.String("container_id", created.ID), zap.Error(err))
		}
	}()

	if err := r.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return runtime.ProcessResult{}, fmt.Errorf("failed to start step container: %w", err)
	}

	waitCh, errCh := r.docker.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case status := <-waitCh:
		if status.Error != nil {
			return runtime.ProcessResult{}, fmt.Errorf("step container wait failed: %s", status.Error.Message)
		}
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		return runtime.ProcessResult{}, fmt.Errorf("step container wait failed: %w", err)
	case <-ctx.Done():
		return runtime.ProcessResult{}, ctx.Err()
	}

	output, err := r.containerOutput(ctx, created.ID)
	if err != nil {
		return runtime.ProcessResult{ExitCode: exitCode}, err
	}

	return runtime.ProcessResult{ExitCode: exitCode, Output: output}, nil
}

func (r *Runtime) pullImage(ctx context.Context, ref string) error {
	reader, err := r.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	defer reader.Close()

	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %q: %w", ref, err)
	}
	return nil
}

func (r *Runtime) containerOutput(ctx context.Context, id string) (string, error) {
	logs, err := r.docker.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("failed to read step container logs: %w", err)
	}
	defer logs.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, logs); err != nil {
		return "", fmt.Errorf("failed to demultiplex step container logs: %w", err)
	}
	return out.String(), nil
}

func containerName(runID, service string) string {
	if runID == "" {
		return "daedalus-" + service
	}
	return "daedalus-" + runID + "-" + service
}
