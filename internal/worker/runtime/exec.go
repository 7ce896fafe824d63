package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
)

// ExecRuntime implements the Runtime interface using raw OS processes.
// It is meant for development and single-host setups where the test
// toolchain is installed next to the worker.
type ExecRuntime struct {
	WorkDir string
}

// NewExecRuntime creates a new process-based runtime rooted at workDir.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "qarunner", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// ExecHandle represents a running process.
type ExecHandle struct {
	cmd    *exec.Cmd
	dir    string
	output *followBuffer
	done   chan struct{}
	result ExitResult
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	id := runID(opts)
	dir, err := prepareWorkDir(filepath.Join(e.WorkDir, id), opts.Files)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), envList(testEnv(id, dir, filepath.Join(dir, "results"), opts.Env))...)

	output := newFollowBuffer()
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &ExecHandle{cmd: cmd, dir: dir, output: output, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		err := cmd.Wait()
		output.Close()

		var exitErr *exec.ExitError
		switch {
		case err == nil:
			h.result = ExitResult{ExitCode: 0}
		case errors.As(err, &exitErr):
			h.result = ExitResult{ExitCode: exitErr.ExitCode()}
		default:
			h.result = ExitResult{ExitCode: -1, Error: err}
		}
	}()

	return h, nil
}

// Wait blocks until the process exits or ctx is done.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop sends SIGTERM and escalates to SIGKILL when ctx expires first.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-h.done
		return nil
	}
}

// StreamLogs returns a reader that follows the process output from the start.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.output.NewReader(ctx), nil
}

// ResultDir implements Handle.
func (h *ExecHandle) ResultDir() string {
	return filepath.Join(h.dir, "results")
}

// Cleanup removes the work directory.
func (h *ExecHandle) Cleanup() error {
	return os.RemoveAll(h.dir)
}

// prepareWorkDir creates dir with an empty results directory and writes files into it.
func prepareWorkDir(dir string, files map[string]string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(abs, "results"), 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	for name, content := range files {
		target := filepath.Join(abs, filepath.Clean("/"+name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return abs, nil
}

// followBuffer collects output and lets readers follow it until Close.
type followBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newFollowBuffer() *followBuffer {
	b := &followBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *followBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()
	b.cond.Broadcast()
	return len(p), nil
}

func (b *followBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// NewReader returns a reader starting at the beginning of the output.
// Reads return io.EOF once the buffer is closed and drained, or when ctx is done.
func (b *followBuffer) NewReader(ctx context.Context) io.ReadCloser {
	r := &followReader{buf: b, ctx: ctx}
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
	})
	r.stop = stop
	return r
}

type followReader struct {
	buf    *followBuffer
	ctx    context.Context
	offset int
	stop   func() bool
}

func (r *followReader) Read(p []byte) (int, error) {
	b := r.buf
	b.mu.Lock()
	defer b.mu.Unlock()
	for r.offset >= len(b.data) && !b.closed && r.ctx.Err() == nil {
		b.cond.Wait()
	}
	if r.offset >= len(b.data) {
		return 0, io.EOF
	}
	n := copy(p, b.data[r.offset:])
	r.offset += n
	return n, nil
}

func (r *followReader) Close() error {
	r.stop()
	return nil
}
