// Package dockerrt runs agents in Docker containers, one container per
// session. The session worktree is bind-mounted into the container, so the
// agent edits the same files the workspace plugin manages on the host.
// Container handles survive supervisor restarts: every operation resolves
// the container through the Docker daemon, not through in-process state.
package dockerrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/gg-salo/fleet-commander/internal/common/config"
	"github.com/gg-salo/fleet-commander/internal/common/logger"
	"github.com/gg-salo/fleet-commander/internal/plugin"
)

const (
	runtimeName = "docker"

	defaultImage     = "fleet-agent:latest"
	containerWorkDir = "/workspace"
	namePrefix       = "fleet-"
	sessionLabel     = "fleet.session"
)

// Runtime hosts agent processes in containers. Handles carry the container
// ID, so Send and Output keep working after the supervisor restarts as long
// as the daemon still has the container.
type Runtime struct {
	cli    *client.Client
	image  string
	logger *logger.Logger
}

// NewRuntime creates the container runtime from the docker section of the
// config file. Host and APIVersion are optional; an empty host uses the
// local daemon socket.
func NewRuntime(cfg config.DockerConfig, log *logger.Logger) (*Runtime, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	img := cfg.Image
	if img == "" {
		img = defaultImage
	}

	return &Runtime{
		cli:    cli,
		image:  img,
		logger: log.WithFields(zap.String("component", "runtime-docker")),
	}, nil
}

func (r *Runtime) Name() string { return runtimeName }

// Ping verifies the daemon is reachable. Called once at startup when this
// runtime is configured, so a missing daemon surfaces before the first spawn.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// Close releases the daemon connection. Running containers are untouched.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Create starts a container named after the session key with the worktree
// bind-mounted at the container working directory. A missing image is pulled
// once before giving up.
func (r *Runtime) Create(ctx context.Context, spec plugin.RuntimeSpec) (plugin.Handle, error) {
	if len(spec.Command) == 0 {
		return plugin.Handle{}, errors.New("runtime spec has no command")
	}

	containerCfg := &container.Config{
		Image:      r.image,
		Cmd:        spec.Command,
		Env:        buildEnv(spec.Env),
		WorkingDir: containerWorkDir,
		Tty:        true,
		OpenStdin:  true,
		Labels:     map[string]string{sessionLabel: spec.Key},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.WorkDir,
				Target: containerWorkDir,
			},
		},
	}

	name := containerName(spec.Key)
	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		if err = r.pullImage(ctx); err != nil {
			return plugin.Handle{}, err
		}
		resp, err = r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return plugin.Handle{}, fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return plugin.Handle{}, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	r.logger.Info("container started",
		zap.String("key", spec.Key),
		zap.String("container_id", resp.ID),
		zap.String("image", r.image))

	return plugin.Handle{
		ID:          spec.Key,
		RuntimeName: runtimeName,
		Data: map[string]string{
			"container": resp.ID,
			"name":      name,
		},
	}, nil
}

func (r *Runtime) pullImage(ctx context.Context) error {
	r.logger.Info("pulling agent image", zap.String("image", r.image))
	reader, err := r.cli.ImagePull(ctx, r.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.image, err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.image, err)
	}
	return nil
}

// Destroy force-removes the container. A container the daemon no longer
// knows about is not an error.
func (r *Runtime) Destroy(ctx context.Context, handle plugin.Handle) error {
	ref := containerRef(handle)
	err := r.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", ref, err)
	}
	if err == nil {
		r.logger.Info("container removed", zap.String("key", handle.ID))
	}
	return nil
}

// Send attaches to the container's terminal and queues text as a bracketed
// paste followed by a carriage return, matching how a human would paste a
// multi-line message into the agent.
func (r *Runtime) Send(ctx context.Context, handle plugin.Handle, text string) error {
	ref := containerRef(handle)
	resp, err := r.cli.ContainerAttach(ctx, ref, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to attach to container %s: %w", ref, err)
	}
	defer resp.Close()

	payload := "\x1b[200~" + text + "\x1b[201~\r"
	if _, err := resp.Conn.Write([]byte(payload)); err != nil {
		return fmt.Errorf("failed to write to container %s: %w", ref, err)
	}
	return nil
}

// Output returns the last n lines of terminal output. The container runs
// with a TTY, so logs arrive as a raw terminal stream; escape sequences and
// carriage-return redraws are stripped before the tail is taken.
func (r *Runtime) Output(ctx context.Context, handle plugin.Handle, lines int) (string, error) {
	ref := containerRef(handle)
	tail := "all"
	if lines > 0 {
		tail = strconv.Itoa(lines)
	}

	reader, err := r.cli.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		return "", fmt.Errorf("failed to read logs for container %s: %w", ref, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read logs for container %s: %w", ref, err)
	}

	cleaned := sanitizeTerminal(string(raw))
	if lines > 0 && len(cleaned) > lines {
		cleaned = cleaned[len(cleaned)-lines:]
	}
	return strings.Join(cleaned, "\n"), nil
}

// IsAlive reports whether the container exists and is running.
func (r *Runtime) IsAlive(ctx context.Context, handle plugin.Handle) bool {
	inspect, err := r.cli.ContainerInspect(ctx, containerRef(handle))
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// containerRef resolves the daemon-side name for a handle. Handles written
// by Create carry the container ID; older or hand-built handles fall back to
// the deterministic container name.
func containerRef(handle plugin.Handle) string {
	if id := handle.Data["container"]; id != "" {
		return id
	}
	if name := handle.Data["name"]; name != "" {
		return name
	}
	return containerName(handle.ID)
}

func containerName(key string) string {
	return namePrefix + key
}

// buildEnv flattens the spec environment into KEY=VALUE form in a stable
// order. TERM is pinned so agents render the same as under the local runtime.
func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	out = append(out, "TERM=xterm-256color")
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// ansiSeq matches CSI sequences, OSC sequences terminated by BEL or ST, and
// bare two-byte escapes.
var ansiSeq = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[ -/]*[@-~]|\][^\x07\x1b]*(?:\x07|\x1b\\)|[@-_])?`)

// sanitizeTerminal turns a raw TTY log stream into plain lines. Escape
// sequences are removed, a carriage return keeps only the last redraw of the
// line, remaining control bytes are dropped, and trailing blank lines are
// trimmed.
func sanitizeTerminal(raw string) []string {
	clean := ansiSeq.ReplaceAllString(raw, "")
	lines := strings.Split(clean, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if i := strings.LastIndexByte(line, '\r'); i >= 0 {
			line = line[i+1:]
		}
		line = strings.Map(func(r rune) rune {
			if r < 0x20 && r != '\t' {
				return -1
			}
			return r
		}, line)
		out = append(out, strings.TrimRight(line, " "))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}
