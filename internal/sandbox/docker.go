package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/jkaninda/codebox/internal/workspace"
)

const (
	defaultDockerMemoryMB  = 256
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0

	// killGrace is added to the job deadline before the container is killed,
	// so the entry script can still write its marker right at the deadline.
	killGrace = 2 * time.Second
)

// DockerConfig configures the Docker Engine launcher.
type DockerConfig struct {
	Host           string // Empty = DOCKER_HOST or the default socket.
	MountPath      string // Default: /usercode.
	EntryScript    string // Default: script.sh.
	MemoryMB       int
	CPUCores       float64
	PIDsLimit      int64
	NetworkAllowed bool
	User           string
}

// dockerAPI is the part of the Engine client the launcher uses.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// DockerLauncher starts each job in an ephemeral container through the
// Docker Engine API, with the workspace bind-mounted at the mount path.
//
// Security guarantees:
//   - ALL Linux capabilities dropped
//   - Privilege escalation blocked (no-new-privileges)
//   - Network disabled unless explicitly allowed
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Container killed at deadline plus a short grace and always force-removed
type DockerLauncher struct {
	api    dockerAPI
	config DockerConfig
	logger *slog.Logger
}

// NewDockerLauncher connects to the Docker daemon.
func NewDockerLauncher(cfg DockerConfig, logger *slog.Logger) (*DockerLauncher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return newDockerLauncher(cli, cfg, logger), nil
}

func newDockerLauncher(api dockerAPI, cfg DockerConfig, logger *slog.Logger) *DockerLauncher {
	if cfg.MountPath == "" {
		cfg.MountPath = "/usercode"
	}
	if cfg.EntryScript == "" {
		cfg.EntryScript = "script.sh"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerLauncher{api: api, config: cfg, logger: logger}
}

// Ping checks that the daemon is reachable. Used by readiness probes.
func (l *DockerLauncher) Ping(ctx context.Context) error {
	_, err := l.api.Ping(ctx)
	return err
}

// Close releases the client connection.
func (l *DockerLauncher) Close() error {
	return l.api.Close()
}

// Launch creates and starts the container, then returns. A background
// goroutine kills the container once the deadline (plus grace) has passed
// and removes it when it stops.
func (l *DockerLauncher) Launch(ctx context.Context, ws *workspace.Workspace, job Job) (Process, error) {
	name, err := generateContainerName()
	if err != nil {
		return nil, &LaunchError{Launcher: "docker", Err: fmt.Errorf("generating container name: %w", err)}
	}

	cmd := []string{
		path.Join(l.config.MountPath, l.config.EntryScript),
		job.Compiler,
		job.SourceFile,
	}
	if job.RunCommand != "" {
		cmd = append(cmd, job.RunCommand)
	}

	resp, err := l.api.ContainerCreate(ctx, l.containerConfig(job.Image, cmd), l.hostConfig(ws), nil, nil, name)
	if err != nil {
		return nil, &LaunchError{Launcher: "docker", Err: fmt.Errorf("creating container: %w", err)}
	}

	if err := l.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.forceRemoveContainer(resp.ID)
		return nil, &LaunchError{Launcher: "docker", Err: fmt.Errorf("starting container: %w", err)}
	}

	l.logger.Debug("docker container started",
		slog.String("job_id", job.ID),
		slog.String("container", name),
		slog.String("image", job.Image),
		slog.Int("memory_mb", l.config.MemoryMB),
		slog.Float64("cpu_cores", l.config.CPUCores),
	)

	c := &dockerContainer{id: resp.ID, name: name, stop: make(chan struct{})}
	go l.supervise(c, job.Deadline+killGrace)
	return c, nil
}

func (l *DockerLauncher) containerConfig(image string, cmd []string) *container.Config {
	return &container.Config{
		Image:           image,
		Cmd:             cmd,
		WorkingDir:      l.config.MountPath,
		User:            l.config.User,
		NetworkDisabled: !l.config.NetworkAllowed,
		Env: []string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"LANG=C.UTF-8",
			"TERM=dumb",
		},
	}
}

func (l *DockerLauncher) hostConfig(ws *workspace.Workspace) *container.HostConfig {
	memory := int64(l.config.MemoryMB) * 1024 * 1024
	pids := l.config.PIDsLimit
	networkMode := container.NetworkMode("none")
	if l.config.NetworkAllowed {
		networkMode = "bridge"
	}
	return &container.HostConfig{
		Binds:       []string{ws.Dir + ":" + l.config.MountPath + ":rw"},
		NetworkMode: networkMode,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(l.config.CPUCores * 1e9),
			PidsLimit:  &pids,
		},
	}
}

// supervise waits for the container to stop on its own, for the hard
// deadline, or for Stop; it kills the container in the latter two cases and
// always removes it.
func (l *DockerLauncher) supervise(c *dockerContainer, hardDeadline time.Duration) {
	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waitCh, errCh := l.api.ContainerWait(waitCtx, c.id, container.WaitConditionNotRunning)

	timer := time.NewTimer(hardDeadline)
	defer timer.Stop()

	select {
	case <-waitCh:
	case err := <-errCh:
		if err != nil {
			l.logger.Warn("docker wait failed",
				slog.String("container", c.name),
				slog.String("error", err.Error()),
			)
		}
	case <-timer.C:
		l.logger.Info("docker container exceeded hard deadline", slog.String("container", c.name))
		l.killContainer(c.id)
	case <-c.stop:
		l.killContainer(c.id)
	}

	l.forceRemoveContainer(c.id)
}

func (l *DockerLauncher) killContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.api.ContainerKill(ctx, id, "KILL"); err != nil && !client.IsErrNotFound(err) {
		l.logger.Debug("docker kill failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
	}
}

// forceRemoveContainer removes a container by ID. Errors are logged but not
// returned (best-effort cleanup).
func (l *DockerLauncher) forceRemoveContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := l.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		l.logger.Warn("docker container removal failed",
			slog.String("container", id),
			slog.String("error", err.Error()),
		)
	}
}

type dockerContainer struct {
	id   string
	name string
	stop chan struct{}
	once sync.Once
}

// Stop asks the supervising goroutine to kill and remove the container.
func (c *dockerContainer) Stop() {
	c.once.Do(func() { close(c.stop) })
}

// generateContainerName returns a unique container name: codebox-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "codebox-" + hex.EncodeToString(b), nil
}

var (
	_ Launcher = (*DockerLauncher)(nil)
	_ Launcher = (*WrapperLauncher)(nil)
)
