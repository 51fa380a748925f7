package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	networktypes "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/wehubfusion/Daedalus/pkg/runtime"
)

// fakeAPIClient records container lifecycle calls. Methods the runtime does
// not use fall through to the embedded nil interface and panic, which keeps
// the fake honest about the runtime's API surface.
type fakeAPIClient struct {
	client.APIClient

	mu       sync.Mutex
	pulled   []string
	created  []container.Config
	started  []string
	stopped  []string
	removed  []string
	startErr  error
	stopErr   error
	removeErr error
	waitCode  int64
	logs      []byte
}

func (f *fakeAPIClient) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeAPIClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *networktypes.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *config)
	return container.CreateResponse{ID: fmt.Sprintf("ctr-%d", len(f.created))}, nil
}

func (f *fakeAPIClient) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPIClient) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPIClient) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPIClient) ContainerWait(ctx context.Context, id string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	f.mu.Lock()
	waitCh <- container.WaitResponse{StatusCode: f.waitCode}
	f.mu.Unlock()
	return waitCh, errCh
}

func (f *fakeAPIClient) ContainerLogs(ctx context.Context, id string, options container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(f.logs)), nil
}

func muxedOutput(t *testing.T, line string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(line)); err != nil {
		t.Fatalf("failed to build log stream: %v", err)
	}
	return buf.Bytes()
}

func TestStartServiceCreatesAndStarts(t *testing.T) {
	fake := &fakeAPIClient{}
	r := NewWithClient(fake, nil)

	handle, err := r.StartService(context.Background(), runtime.ServiceSpec{
		Name:          "db",
		Image:         "postgres:16",
		HostPort:      5432,
		ContainerPort: 5432,
		Env:           []string{"POSTGRES_PASSWORD=secret"},
		RunID:         "run-1",
	})
	if err != nil {
		t.Fatalf("StartService failed: %v", err)
	}
	if handle == "" {
		t.Fatal("Expected a container handle")
	}

	if len(fake.pulled) != 1 || fake.pulled[0] != "postgres:16" {
		t.Errorf("Unexpected pulls: %v", fake.pulled)
	}
	if len(fake.created) != 1 {
		t.Fatalf("Expected 1 created container, got %d", len(fake.created))
	}

	cfg := fake.created[0]
	if cfg.Env[0] != "POSTGRES_PASSWORD=secret" {
		t.Errorf("Unexpected env: %v", cfg.Env)
	}
	port, _ := nat.NewPort("tcp", "5432")
	if _, ok := cfg.ExposedPorts[port]; !ok {
		t.Errorf("Expected exposed port 5432, got %v", cfg.ExposedPorts)
	}
	if len(fake.started) != 1 || fake.started[0] != string(handle) {
		t.Errorf("Unexpected starts: %v", fake.started)
	}
}

func TestStartServiceReturnsHandleOnStartFailure(t *testing.T) {
	fake := &fakeAPIClient{startErr: errors.New("port already allocated")}
	r := NewWithClient(fake, nil)

	handle, err := r.StartService(context.Background(), runtime.ServiceSpec{
		Name:  "db",
		Image: "postgres:16",
		RunID: "run-1",
	})
	if err == nil {
		t.Fatal("Expected start failure")
	}
	// The created container is handed back so the caller's cleanup path can
	// still remove it.
	if handle == "" {
		t.Fatal("Expected the created container's handle despite the failure")
	}

	if err := r.StopService(context.Background(), handle); err != nil {
		t.Fatalf("StopService after partial start failed: %v", err)
	}
	if len(fake.removed) != 1 || fake.removed[0] != string(handle) {
		t.Errorf("Expected the half-started container removed, got %v", fake.removed)
	}
}

func TestStopServiceIdempotent(t *testing.T) {
	t.Run("empty handle", func(t *testing.T) {
		fake := &fakeAPIClient{}
		r := NewWithClient(fake, nil)

		if err := r.StopService(context.Background(), ""); err != nil {
			t.Fatalf("Empty handle must be a no-op, got %v", err)
		}
		if len(fake.stopped) != 0 || len(fake.removed) != 0 {
			t.Error("Empty handle must not touch the daemon")
		}
	})

	t.Run("unknown container", func(t *testing.T) {
		fake := &fakeAPIClient{
			stopErr:   fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound),
			removeErr: fmt.Errorf("no such container: %w", cerrdefs.ErrNotFound),
		}
		r := NewWithClient(fake, nil)

		if err := r.StopService(context.Background(), "gone"); err != nil {
			t.Fatalf("Already removed container must not be an error, got %v", err)
		}
	})

	t.Run("remove failure propagates", func(t *testing.T) {
		fake := &fakeAPIClient{removeErr: errors.New("daemon unavailable")}
		r := NewWithClient(fake, nil)

		if err := r.StopService(context.Background(), "ctr-1"); err == nil {
			t.Fatal("Expected remove failure to propagate")
		}
	})
}

func TestRunProcess(t *testing.T) {
	t.Run("requires an image", func(t *testing.T) {
		r := NewWithClient(&fakeAPIClient{}, nil)
		if _, err := r.RunProcess(context.Background(), runtime.ProcessSpec{Command: "make"}); err == nil {
			t.Fatal("Expected error for missing image")
		}
	})

	t.Run("captures exit code and output", func(t *testing.T) {
		fake := &fakeAPIClient{waitCode: 3}
		r := NewWithClient(fake, nil)
		fake.logs = muxedOutput(t, "compile error")

		result, err := r.RunProcess(context.Background(), runtime.ProcessSpec{
			Command:    "make",
			Args:       []string{"TARGET=linux"},
			WorkingDir: "/work",
			Image:      "golang:1.22",
		})
		if err != nil {
			t.Fatalf("RunProcess failed: %v", err)
		}
		if result.ExitCode != 3 {
			t.Errorf("Expected exit 3, got %d", result.ExitCode)
		}
		if result.Output != "compile error" {
			t.Errorf("Unexpected output: %q", result.Output)
		}

		cfg := fake.created[0]
		if len(cfg.Cmd) != 3 || cfg.Cmd[2] != "make" {
			t.Errorf("Unexpected command: %v", cfg.Cmd)
		}
		if cfg.WorkingDir != "/work" || cfg.Env[0] != "TARGET=linux" {
			t.Errorf("Unexpected config: %+v", cfg)
		}

		// The step container is removed when the run is over.
		if len(fake.removed) != 1 {
			t.Errorf("Expected step container removed, got %v", fake.removed)
		}
	})
}
