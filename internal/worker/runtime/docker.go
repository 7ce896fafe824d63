package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// containerWorkDir is the mount point of the run's work directory in a container or pod.
const containerWorkDir = "/work"

const (
	labelManagedBy = "app.kubernetes.io/managed-by"
	labelRun       = "qarunner.io/run"

	stopGracePeriod = 5 // seconds
)

// DockerRuntime starts each run in its own container with the work
// directory bind-mounted, so result files land on the worker's disk.
type DockerRuntime struct {
	client  *client.Client
	WorkDir string
}

// DockerHandle is a started container.
type DockerHandle struct {
	client      *client.Client
	containerID string
	dir         string
}

// NewDockerRuntime connects using DOCKER_HOST and friends.
func NewDockerRuntime(workDir string) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to docker: %w", err)
	}
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "qarunner", "runner")
	}
	return &DockerRuntime{client: cli, WorkDir: workDir}, nil
}

func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	if err := d.ensureImage(ctx, opts.Image); err != nil {
		return nil, err
	}

	id := runID(opts)
	dir, err := prepareWorkDir(filepath.Join(d.WorkDir, id), opts.Files)
	if err != nil {
		return nil, err
	}

	cfg, hostCfg := containerSpec(opts, id, dir)
	created, err := d.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("creating container for %s: %w", id, err)
	}

	h := &DockerHandle{client: d.client, containerID: created.ID, dir: dir}
	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		h.Cleanup()
		return nil, fmt.Errorf("starting container for %s: %w", id, err)
	}
	return h, nil
}

// ensureImage pulls ref unless it is already present locally.
func (d *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := d.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}
	progress, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer progress.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, progress); err != nil {
		return fmt.Errorf("pulling %s: %w", ref, err)
	}
	return nil
}

func containerSpec(opts StartOptions, id, hostDir string) (*container.Config, *container.HostConfig) {
	env := testEnv(id, containerWorkDir, containerWorkDir+"/results", opts.Env)
	return &container.Config{
			Image:      opts.Image,
			Cmd:        opts.Command,
			Env:        envList(env),
			WorkingDir: containerWorkDir,
			Tty:        true,
			Labels: map[string]string{
				labelManagedBy: "qarunner",
				labelRun:       id,
			},
		}, &container.HostConfig{
			Binds: []string{hostDir + ":" + containerWorkDir},
		}
}

func (h *DockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case st := <-statusCh:
		res := ExitResult{ExitCode: int(st.StatusCode)}
		if st.Error != nil {
			res.Error = fmt.Errorf("container wait: %s", st.Error.Message)
		}
		return res, nil
	}
}

func (h *DockerHandle) Stop(ctx context.Context) error {
	grace := stopGracePeriod
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &grace})
}

func (h *DockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}

// ResultDir is the host side of /work/results.
func (h *DockerHandle) ResultDir() string {
	return filepath.Join(h.dir, "results")
}

// Cleanup force-removes the container, then the host work directory.
func (h *DockerHandle) Cleanup() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rmErr := h.client.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	if err := os.RemoveAll(h.dir); err != nil {
		return err
	}
	if rmErr != nil {
		return fmt.Errorf("removing container %s: %w", h.containerID, rmErr)
	}
	return nil
}
