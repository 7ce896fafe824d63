// Package runtime provides the backends that execute generated tests.
package runtime

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"qarunner/internal/logger"
)

// Environment variables every backend sets for the test process.
const (
	EnvExecutionID = "QARUNNER_EXECUTION_ID"
	EnvWorkDir     = "QARUNNER_WORK_DIR"
	EnvResultDir   = "QARUNNER_RESULT_DIR"
)

// Backend names accepted by New.
const (
	KindExec       = "exec"
	KindDocker     = "docker"
	KindKubernetes = "kubernetes"
)

// Runtime defines the interface for executing tests.
// Implementations include Docker, Kubernetes and raw process execution.
type Runtime interface {
	// Start begins execution of a test and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a test.
type StartOptions struct {
	// ID names the work directory, container or Job. Usually the execution id.
	ID      string
	Image   string
	Command []string
	Env     map[string]string
	// Files are written into the work directory before the command starts.
	Files   map[string]string
	Timeout time.Duration
}

// ExitResult is the outcome of a finished test process.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running test execution.
type Handle interface {
	// Wait blocks until the process completes.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the process.
	Stop(ctx context.Context) error

	// StreamLogs follows the combined stdout/stderr until the process exits.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)

	// ResultDir is a local directory holding files the test wrote to
	// $QARUNNER_RESULT_DIR, or "" when the backend cannot expose them.
	ResultDir() string

	// Cleanup releases whatever Start allocated.
	Cleanup() error
}

// Options configures New.
type Options struct {
	WorkDir    string
	Kubernetes KubernetesConfig
	Logger     *logger.Logger
}

// New builds the backend named kind.
func New(kind string, opts Options) (Runtime, error) {
	switch strings.ToLower(kind) {
	case KindExec:
		return NewExecRuntime(opts.WorkDir), nil
	case KindDocker:
		return NewDockerRuntime(opts.WorkDir)
	case KindKubernetes:
		return NewKubernetesRuntime(opts.Kubernetes, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown runtime %q", kind)
	}
}

// runID returns opts.ID, or a time-based id when the caller left it empty.
func runID(opts StartOptions) string {
	if opts.ID != "" {
		return opts.ID
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// testEnv merges the QARUNNER_* variables with the caller's env, caller wins.
func testEnv(id, workDir, resultDir string, extra map[string]string) map[string]string {
	env := map[string]string{
		EnvExecutionID: id,
		EnvWorkDir:     workDir,
		EnvResultDir:   resultDir,
	}
	for k, v := range extra {
		env[k] = v
	}
	return env
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}
