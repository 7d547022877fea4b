package sandbox

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strconv"
	"sync"
	"syscall"

	"github.com/jkaninda/codebox/internal/workspace"
)

// maxDiagnosticBytes caps what is kept of the wrapper's own stdout/stderr.
const maxDiagnosticBytes = 64 << 10

// WrapperConfig configures the timeout-and-isolate wrapper launcher.
type WrapperConfig struct {
	Path        string   // Wrapper executable, e.g. <base>/DockerTimeout.sh.
	ExtraArgs   []string // Inserted between the timeout and the mount flag.
	MountPath   string   // Workspace mount point inside the container. Default: /usercode.
	EntryScript string   // Entry script file name inside the mount. Default: script.sh.
}

// WrapperLauncher hands the workspace to an external wrapper that enforces
// the hard kill and runs the container. The wrapper is started with a
// structured argument vector; nothing passes through a shell.
//
// Guarantees:
//   - The wrapper is never cut short: it owns the container's hard kill
//   - Stop only kills the wrapper's process group if it is still running
//     past the job deadline plus a short grace
//   - Only a minimal environment is passed on
//   - Wrapper diagnostics are capped and logged at debug level
type WrapperLauncher struct {
	config WrapperConfig
	logger *slog.Logger
}

// NewWrapperLauncher creates a wrapper-based launcher.
func NewWrapperLauncher(cfg WrapperConfig, logger *slog.Logger) *WrapperLauncher {
	if cfg.MountPath == "" {
		cfg.MountPath = "/usercode"
	}
	if cfg.EntryScript == "" {
		cfg.EntryScript = "script.sh"
	}
	return &WrapperLauncher{config: cfg, logger: logger}
}

// Args builds the wrapper argument vector:
//
//	<deadline>s [extra...] -v <dir>:<mount> <image> <mount>/<script> <compiler> <file> [<run command>]
func (l *WrapperLauncher) Args(ws *workspace.Workspace, job Job) []string {
	args := make([]string, 0, 8+len(l.config.ExtraArgs))
	args = append(args, strconv.FormatFloat(job.Deadline.Seconds(), 'f', -1, 64)+"s")
	args = append(args, l.config.ExtraArgs...)
	args = append(args,
		"-v", ws.Dir+":"+l.config.MountPath,
		job.Image,
		path.Join(l.config.MountPath, l.config.EntryScript),
		job.Compiler,
		job.SourceFile,
	)
	if job.RunCommand != "" {
		args = append(args, job.RunCommand)
	}
	return args
}

// Launch starts the wrapper and returns once the process exists.
func (l *WrapperLauncher) Launch(_ context.Context, ws *workspace.Workspace, job Job) (Process, error) {
	args := l.Args(ws, job)

	// Not bound to the request context: the wrapper owns the deadline and
	// the container's hard kill.
	cmd := exec.Command(l.config.Path, args...)
	cmd.Dir = ws.Base
	cmd.Env = wrapperEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	var diag bytes.Buffer
	lw := &limitedWriter{w: &diag, remaining: maxDiagnosticBytes}
	cmd.Stdout = lw
	cmd.Stderr = lw

	l.logger.Debug("wrapper launching",
		slog.String("job_id", job.ID),
		slog.String("wrapper", l.config.Path),
		slog.Any("args", args),
	)

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Launcher: "wrapper", Err: err}
	}

	p := &wrapperProcess{
		cmd:    cmd,
		done:   make(chan struct{}),
		killAt: time.Now().Add(job.Deadline + killGrace),
		jobID:  job.ID,
		logger: l.logger,
	}
	go func() {
		err := cmd.Wait()
		close(p.done)

		attrs := []any{
			slog.String("job_id", job.ID),
			slog.Int("pid", cmd.Process.Pid),
		}
		if err != nil {
			attrs = append(attrs, slog.String("exit", err.Error()))
		}
		if lw.written() > 0 {
			attrs = append(attrs, slog.String("output", diag.String()))
		}
		l.logger.Debug("wrapper exited", attrs...)
	}()
	return p, nil
}

// wrapperEnv is the environment the wrapper needs to reach the container runtime.
func wrapperEnv() []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"LANG=C.UTF-8",
	}
	for _, key := range []string{"HOME", "DOCKER_HOST", "DOCKER_CONFIG", "DOCKER_CERT_PATH", "DOCKER_TLS_VERIFY"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

type wrapperProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	killAt time.Time
	jobID  string
	logger *slog.Logger
	once   sync.Once
}

// Stop leaves the wrapper running so it can still kill its container, and
// arms an escalation: a wrapper that outlives killAt loses its process group.
// Reaping happens in the Launch goroutine.
func (p *wrapperProcess) Stop() {
	p.once.Do(func() {
		go p.escalate()
	})
}

func (p *wrapperProcess) escalate() {
	timer := time.NewTimer(time.Until(p.killAt))
	defer timer.Stop()

	select {
	case <-p.done:
		return
	case <-timer.C:
	}
	p.logger.Warn("wrapper still running past the deadline, killing its process group",
		slog.String("job_id", p.jobID),
		slog.Int("pid", p.cmd.Process.Pid),
	)
	// Negative PID = the entire process group.
	_ = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded. Safe for concurrent use because
// exec.Cmd copies stdout and stderr from separate goroutines.
type limitedWriter struct {
	mu        sync.Mutex
	w         io.Writer
	remaining int
	n         int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.remaining <= 0 {
		return len(p), nil
	}
	size := len(p)
	if size > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	lw.n += n
	if err != nil {
		return n, err
	}
	return size, nil
}

func (lw *limitedWriter) written() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.n
}
