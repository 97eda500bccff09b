// Package tools provides the optional container-backed execution mode for
// the Agent CLI subprocess. The default execution mode is plain os/exec;
// this package is only consulted when a task's class or the operator's
// config asks for sandboxing.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Sandbox runs a task's command in an ephemeral container, bind-mounting
// only that task's own working directory so a misbehaving Agent CLI
// cannot see another task's files.
type Sandbox struct {
	client        *client.Client
	image         string
	memoryMB      int64
	networkMode   string
	workspaceRoot string
}

// NewSandbox creates a sandbox manager against the local Docker daemon.
// workspaceRoot is the host directory under which per-task working
// directories (workspaceRoot/<task_id>) are bind-mounted.
func NewSandbox(image string, memoryMB int64, networkMode, workspaceRoot string) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "golang:alpine"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}

	return &Sandbox{
		client:        cli,
		image:         image,
		memoryMB:      memoryMB * 1024 * 1024,
		networkMode:   networkMode,
		workspaceRoot: workspaceRoot,
	}, nil
}

// Result is the outcome of a sandboxed command execution, including
// whether either stream was truncated against maxOutputBytes.
type Result struct {
	Stdout       string
	Stderr       string
	ExitCode     int
	Truncated    bool
}

// Exec runs cmd in an ephemeral container scoped to taskID's working
// directory under the sandbox's workspace root. Output on each stream is
// capped at maxOutputBytes; beyond that, bytes are discarded and Truncated
// is set rather than growing the buffer unbounded.
func (s *Sandbox) Exec(ctx context.Context, taskID, cmd string, maxOutputBytes int64) (Result, error) {
	bind := fmt.Sprintf("%s/%s:/workspace", s.workspaceRoot, taskID)

	resp, err := s.client.ContainerCreate(ctx, &container.Config{
		Image:      s.image,
		Cmd:        []string{"sh", "-c", cmd},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: s.memoryMB,
		},
		NetworkMode: container.NetworkMode(s.networkMode),
		Binds:       []string{bind},
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := s.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := s.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int
	select {
	case waitErr := <-errCh:
		return Result{ExitCode: -1}, fmt.Errorf("wait container: %w", waitErr)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = s.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		return Result{ExitCode: -1}, ctx.Err()
	}

	out, err := s.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return Result{ExitCode: exitCode}, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	stdoutBuf := newBoundedBuffer(maxOutputBytes)
	stderrBuf := newBoundedBuffer(maxOutputBytes)
	if _, err := stdcopy.StdCopy(stdoutBuf, stderrBuf, out); err != nil && err != io.EOF {
		return Result{ExitCode: exitCode}, fmt.Errorf("demux logs: %w", err)
	}

	return Result{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		ExitCode:  exitCode,
		Truncated: stdoutBuf.truncated || stderrBuf.truncated,
	}, nil
}

// Close releases the underlying Docker client connection.
func (s *Sandbox) Close() error {
	return s.client.Close()
}

// boundedBuffer discards writes past a byte ceiling instead of growing
// without limit, so a runaway container can't exhaust daemon memory.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newBoundedBuffer(limit int64) *boundedBuffer {
	if limit <= 0 {
		limit = 1 << 62
	}
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return b.buf.String()
}
