package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/jkaninda/codebox/internal/workspace"
)

// fakeDocker records calls and lets tests decide when the container exits.
type fakeDocker struct {
	mu        sync.Mutex
	config    *container.Config
	host      *container.HostConfig
	name      string
	createErr error
	startErr  error
	killed    []string
	removed   chan string
	exited    chan container.WaitResponse
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		removed: make(chan string, 4),
		exited:  make(chan container.WaitResponse, 1),
	}
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config, f.host, f.name = config, hostConfig, name
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "c-1"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return f.startErr
}

func (f *fakeDocker) ContainerWait(ctx context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.exited, make(chan error)
}

func (f *fakeDocker) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, opts container.RemoveOptions) error {
	if !opts.Force {
		return errors.New("remove without force")
	}
	f.removed <- id
	return nil
}

func (f *fakeDocker) Close() error { return nil }

func (f *fakeDocker) killCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.killed)
}

func waitRemoved(t *testing.T, f *fakeDocker) {
	t.Helper()
	select {
	case <-f.removed:
	case <-time.After(2 * time.Second):
		t.Fatal("container was not removed")
	}
}

func testWorkspace() *workspace.Workspace {
	return &workspace.Workspace{Base: "/srv/codebox", Folder: "job-1", Dir: "/srv/codebox/job-1"}
}

func TestDockerLauncher_ContainerSpec(t *testing.T) {
	f := newFakeDocker()
	l := newDockerLauncher(f, DockerConfig{MemoryMB: 128, CPUCores: 0.5, PIDsLimit: 32}, testLogger())
	job := Job{Deadline: time.Second, Image: "virtual_machine", Compiler: "g++ -o /usercode/a.out",
		SourceFile: "file.cpp", RunCommand: "/usercode/a.out"}

	proc, err := l.Launch(context.Background(), testWorkspace(), job)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer proc.Stop()

	if !strings.HasPrefix(f.name, "codebox-") {
		t.Errorf("name = %q, want codebox- prefix", f.name)
	}
	wantCmd := []string{"/usercode/script.sh", "g++ -o /usercode/a.out", "file.cpp", "/usercode/a.out"}
	if strings.Join(f.config.Cmd, "|") != strings.Join(wantCmd, "|") {
		t.Errorf("Cmd = %q, want %q", f.config.Cmd, wantCmd)
	}
	if f.config.Image != "virtual_machine" || !f.config.NetworkDisabled {
		t.Errorf("config = %+v", f.config)
	}
	if len(f.host.Binds) != 1 || f.host.Binds[0] != "/srv/codebox/job-1:/usercode:rw" {
		t.Errorf("Binds = %v", f.host.Binds)
	}
	if f.host.NetworkMode != "none" {
		t.Errorf("NetworkMode = %q, want none", f.host.NetworkMode)
	}
	if f.host.Memory != 128*1024*1024 || f.host.NanoCPUs != 5e8 || *f.host.PidsLimit != 32 {
		t.Errorf("Resources = %+v", f.host.Resources)
	}
	if len(f.host.CapDrop) != 1 || f.host.CapDrop[0] != "ALL" {
		t.Errorf("CapDrop = %v, want [ALL]", f.host.CapDrop)
	}
}

func TestDockerLauncher_StopKillsAndRemoves(t *testing.T) {
	f := newFakeDocker()
	l := newDockerLauncher(f, DockerConfig{}, testLogger())

	proc, err := l.Launch(context.Background(), testWorkspace(), Job{Deadline: time.Minute, Image: "img", Compiler: "sh", SourceFile: "a.sh"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	proc.Stop()
	proc.Stop()

	waitRemoved(t, f)
	if f.killCount() != 1 {
		t.Errorf("kill count = %d, want 1", f.killCount())
	}
}

func TestDockerLauncher_ExitRemovesWithoutKill(t *testing.T) {
	f := newFakeDocker()
	l := newDockerLauncher(f, DockerConfig{}, testLogger())

	proc, err := l.Launch(context.Background(), testWorkspace(), Job{Deadline: time.Minute, Image: "img", Compiler: "sh", SourceFile: "a.sh"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	f.exited <- container.WaitResponse{StatusCode: 0}

	waitRemoved(t, f)
	proc.Stop()
	if f.killCount() != 0 {
		t.Errorf("kill count = %d, want 0", f.killCount())
	}
}

func TestDockerLauncher_StartFailureRemoves(t *testing.T) {
	f := newFakeDocker()
	f.startErr = errors.New("image not found")
	l := newDockerLauncher(f, DockerConfig{}, testLogger())

	_, err := l.Launch(context.Background(), testWorkspace(), Job{Deadline: time.Second, Image: "img", Compiler: "sh", SourceFile: "a.sh"})

	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Launcher != "docker" {
		t.Fatalf("err = %v, want docker *LaunchError", err)
	}
	waitRemoved(t, f)
}

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

func TestDockerLauncher_Integration(t *testing.T) {
	skipIfNoDocker(t)
	const image = "alpine:3.20"
	if err := exec.Command("docker", "image", "inspect", image).Run(); err != nil {
		t.Skipf("docker image %s not present, skipping", image)
	}

	l, err := NewDockerLauncher(DockerConfig{}, testLogger())
	if err != nil {
		t.Fatalf("NewDockerLauncher: %v", err)
	}
	defer l.Close()

	r, _ := newTestRunner(t, l)
	payload := filepath.Join(filepath.Dir(r.stager.BasePath()), "Payload", "script.sh")
	script := "#!/bin/sh\ncd /usercode\nout=$($1 $2 < inputFile 2> errors)\n" +
		"printf '%s' \"$out\" > logfile.txt\nprintf '%s" + testSentinel + "0.1' \"$out\" > completed\n"
	if err := os.WriteFile(payload, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	job := testJob("job-docker", 20*time.Second)
	job.Image = image
	job.Compiler = "cat"
	res := Run(context.Background(), r, job)

	if res.Status != StatusCompleted || res.Output != job.Code {
		t.Errorf("result = %+v, want completed with %q", res, job.Code)
	}
}
