package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/codebox/internal/workspace"
)

const testSentinel = "*-SENTINEL-*"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLauncher plays the part of the isolated execution: it writes the
// artifacts an entry script would produce directly into the workspace.
type fakeLauncher struct {
	run     func(ws *workspace.Workspace, job Job)
	err     error
	calls   atomic.Int32
	stopped atomic.Int32
}

func (f *fakeLauncher) Launch(_ context.Context, ws *workspace.Workspace, job Job) (Process, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.run != nil {
		f.run(ws, job)
	}
	return fakeProcess{f}, nil
}

type fakeProcess struct{ f *fakeLauncher }

func (p fakeProcess) Stop() { p.f.stopped.Add(1) }

// writeArtifact writes through a rename so the supervisor never sees a partial file.
func writeArtifact(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Errorf("writing %s: %v", tmp, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Errorf("renaming %s: %v", tmp, err)
	}
}

func newTestRunner(t *testing.T, l Launcher) (*Runner, *workspace.Stager) {
	t.Helper()
	root := t.TempDir()
	data := filepath.Join(root, "data")
	payload := filepath.Join(root, "Payload")
	for _, dir := range []string{filepath.Join(data, "python"), payload} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(payload, "script.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	stager, err := workspace.NewStager(workspace.Config{
		BasePath:   filepath.Join(root, "jobs"),
		DataDir:    data,
		PayloadDir: payload,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewStager: %v", err)
	}
	r := NewRunner(stager, l, SupervisorConfig{
		PollInterval: 10 * time.Millisecond,
		OutputCap:    10000,
		Sentinel:     testSentinel,
	}, testLogger())
	return r, stager
}

func testJob(folder string, deadline time.Duration) Job {
	return Job{
		ID:         folder,
		Deadline:   deadline,
		Folder:     folder,
		Image:      "virtual_machine",
		Compiler:   "python",
		SourceFile: "file.py",
		Language:   "Python",
		AssetDir:   "python",
		Code:       "print(input())",
		Stdin:      "hello",
	}
}

func assertRemoved(t *testing.T, stager *workspace.Stager, folder string) {
	t.Helper()
	if stager.Exists(folder) {
		t.Errorf("workspace %s still exists after result delivery", folder)
	}
}

func TestRunner_FastSuccess(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.LogPath(), "HELLO")
		writeArtifact(t, ws.CompletedPath(), "HELLO"+testSentinel+"3.2")
	}}
	r, stager := newTestRunner(t, l)

	res := Run(context.Background(), r, testJob("job-ok", 5*time.Second))

	if res.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q (err: %v)", res.Status, StatusCompleted, res.Err)
	}
	if res.Output != "HELLO" {
		t.Errorf("output = %q, want %q", res.Output, "HELLO")
	}
	if res.Timing != 3.2 {
		t.Errorf("timing = %v, want 3.2", res.Timing)
	}
	if res.Errors != "" {
		t.Errorf("errors = %q, want empty", res.Errors)
	}
	if l.stopped.Load() != 1 {
		t.Errorf("Stop called %d times, want 1", l.stopped.Load())
	}
	assertRemoved(t, stager, "job-ok")
}

func TestRunner_StagedFilesVisibleToLauncher(t *testing.T) {
	var code, stdin string
	l := &fakeLauncher{run: func(ws *workspace.Workspace, job Job) {
		b, _ := os.ReadFile(ws.Path(job.SourceFile))
		code = string(b)
		b, _ = os.ReadFile(ws.InputPath())
		stdin = string(b)
		writeArtifact(t, ws.CompletedPath(), testSentinel+"0.01")
	}}
	r, _ := newTestRunner(t, l)

	Run(context.Background(), r, testJob("job-files", 5*time.Second))

	if code != "print(input())" {
		t.Errorf("source = %q, want %q", code, "print(input())")
	}
	if stdin != "hello" {
		t.Errorf("input = %q, want %q", stdin, "hello")
	}
}

func TestRunner_Timeout(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.LogPath(), "partial")
	}}
	r, stager := newTestRunner(t, l)

	res := Run(context.Background(), r, testJob("job-hang", 300*time.Millisecond))

	if res.Status != StatusTimedOut {
		t.Fatalf("status = %q, want %q", res.Status, StatusTimedOut)
	}
	if want := "partial\n" + TimeoutNotice; res.Output != want {
		t.Errorf("output = %q, want %q", res.Output, want)
	}
	if res.Errors != TimeoutNotice {
		t.Errorf("errors = %q, want %q", res.Errors, TimeoutNotice)
	}
	if res.Timing != 0.3 {
		t.Errorf("timing = %v, want 0.3", res.Timing)
	}
	if res.Elapsed < 300*time.Millisecond {
		t.Errorf("elapsed = %v, want >= deadline", res.Elapsed)
	}
	assertRemoved(t, stager, "job-hang")
}

func TestRunner_TimeoutWithoutLog(t *testing.T) {
	r, _ := newTestRunner(t, &fakeLauncher{})

	res := Run(context.Background(), r, testJob("job-silent", 100*time.Millisecond))

	if !strings.HasSuffix(res.Output, TimeoutNotice) {
		t.Errorf("output = %q, want suffix %q", res.Output, TimeoutNotice)
	}
}

func TestRunner_TimeoutWithOversizedLog(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.LogPath(), strings.Repeat("x", 10001))
	}}
	r, _ := newTestRunner(t, l)
	job := testJob("job-big-timeout", 0)
	job.Deadline = 10 * time.Millisecond

	res := Run(context.Background(), r, job)

	// First tick already sits at the deadline, so the overflow check is skipped.
	if res.Status != StatusTimedOut {
		t.Fatalf("status = %q, want %q", res.Status, StatusTimedOut)
	}
	if res.Output != OutputPlaceholder {
		t.Errorf("output = %q, want %q", res.Output, OutputPlaceholder)
	}
}

func TestRunner_MarkerAtDeadline(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.LogPath(), "late")
		writeArtifact(t, ws.CompletedPath(), "late"+testSentinel+"0.75")
	}}
	r, _ := newTestRunner(t, l)
	job := testJob("job-photo-finish", 0)
	job.Deadline = 10 * time.Millisecond

	res := Run(context.Background(), r, job)

	// The first tick already sits at the deadline; the marker still wins.
	if res.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", res.Status, StatusCompleted)
	}
	if res.Output != "late" {
		t.Errorf("output = %q, want %q", res.Output, "late")
	}
	if res.Timing != 0.75 {
		t.Errorf("timing = %v, want 0.75", res.Timing)
	}
	if res.Errors != "" {
		t.Errorf("errors = %q, want empty", res.Errors)
	}
}

func TestRunner_Overflow(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.LogPath(), strings.Repeat("a", 10001))
	}}
	r, stager := newTestRunner(t, l)
	deadline := 10 * time.Second

	res := Run(context.Background(), r, testJob("job-flood", deadline))

	if res.Status != StatusOverflow {
		t.Fatalf("status = %q, want %q", res.Status, StatusOverflow)
	}
	if res.Output != OutputPlaceholder {
		t.Errorf("output = %q, want %q", res.Output, OutputPlaceholder)
	}
	if res.Timing != deadline.Seconds() {
		t.Errorf("timing = %v, want %v", res.Timing, deadline.Seconds())
	}
	if res.Elapsed >= deadline {
		t.Errorf("elapsed = %v, want < %v", res.Elapsed, deadline)
	}
	assertRemoved(t, stager, "job-flood")
}

func TestRunner_ErrorsOverflow(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.LogPath(), "fine")
		writeArtifact(t, ws.ErrorsPath(), strings.Repeat("e", 10001))
	}}
	r, _ := newTestRunner(t, l)

	res := Run(context.Background(), r, testJob("job-err-flood", 10*time.Second))

	if res.Status != StatusOverflow {
		t.Fatalf("status = %q, want %q", res.Status, StatusOverflow)
	}
	if res.Output != "fine" {
		t.Errorf("output = %q, want %q", res.Output, "fine")
	}
	if res.Errors != ErrorsPlaceholder {
		t.Errorf("errors = %q, want %q", res.Errors, ErrorsPlaceholder)
	}
}

func TestRunner_OverflowIgnoredOnceCompleted(t *testing.T) {
	big := strings.Repeat("b", 10001)
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.LogPath(), big)
		writeArtifact(t, ws.CompletedPath(), big+testSentinel+"1.5")
	}}
	r, _ := newTestRunner(t, l)

	res := Run(context.Background(), r, testJob("job-big-done", 10*time.Second))

	if res.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", res.Status, StatusCompleted)
	}
	if res.Output != OutputPlaceholder {
		t.Errorf("output = %q, want %q", res.Output, OutputPlaceholder)
	}
	if res.Timing != 1.5 {
		t.Errorf("timing = %v, want 1.5", res.Timing)
	}
}

func TestRunner_CompileError(t *testing.T) {
	const compileErr = "file.py:1: SyntaxError: invalid syntax"
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.ErrorsPath(), compileErr)
		writeArtifact(t, ws.CompletedPath(), testSentinel+"0.04")
	}}
	r, _ := newTestRunner(t, l)

	res := Run(context.Background(), r, testJob("job-syntax", 5*time.Second))

	if res.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", res.Status, StatusCompleted)
	}
	if res.Output != "" {
		t.Errorf("output = %q, want empty", res.Output)
	}
	if res.Errors != compileErr {
		t.Errorf("errors = %q, want %q", res.Errors, compileErr)
	}
	if res.Timing != 0.04 {
		t.Errorf("timing = %v, want 0.04", res.Timing)
	}
}

func TestRunner_MarkerWithoutSentinel(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.CompletedPath(), "just output")
	}}
	r, _ := newTestRunner(t, l)

	res := Run(context.Background(), r, testJob("job-nosentinel", 5*time.Second))

	if res.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", res.Status, StatusCompleted)
	}
	if res.Output != "just output" {
		t.Errorf("output = %q, want %q", res.Output, "just output")
	}
	if res.Timing != 0 || res.RawTiming != "" {
		t.Errorf("timing = %v (%q), want 0", res.Timing, res.RawTiming)
	}
}

func TestRunner_ConcurrentJobs(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, job Job) {
		b, _ := os.ReadFile(ws.InputPath())
		writeArtifact(t, ws.CompletedPath(), strings.ToUpper(string(b))+testSentinel+"0.5")
	}}
	r, stager := newTestRunner(t, l)

	jobs := []Job{testJob("job-a", 5*time.Second), testJob("job-b", 5*time.Second)}
	jobs[0].Stdin = "first"
	jobs[1].Stdin = "second"

	var wg sync.WaitGroup
	results := make([]*ExecutionResult, len(jobs))
	for i, job := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = Run(context.Background(), r, job)
		}()
	}
	wg.Wait()

	for i, want := range []string{"FIRST", "SECOND"} {
		if results[i].Output != want {
			t.Errorf("job %d output = %q, want %q", i, results[i].Output, want)
		}
		assertRemoved(t, stager, jobs[i].Folder)
	}
}

func TestRunner_DuplicateFolderRejected(t *testing.T) {
	release := make(chan struct{})
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		go func() {
			<-release
			writeArtifact(t, ws.CompletedPath(), testSentinel+"0.1")
		}()
	}}
	r, _ := newTestRunner(t, l)

	first := r.Start(context.Background(), testJob("job-dup", 5*time.Second))
	deadline := time.Now().Add(2 * time.Second)
	for !r.Busy("job-dup") && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	res := Run(context.Background(), r, testJob("job-dup", 5*time.Second))
	close(release)

	if res.Status != StatusStagingFailed {
		t.Errorf("status = %q, want %q", res.Status, StatusStagingFailed)
	}
	if !errors.Is(res.Err, workspace.ErrExists) {
		t.Errorf("err = %v, want ErrExists", res.Err)
	}
	if got := <-first; got.Status != StatusCompleted {
		t.Errorf("first job status = %q, want %q", got.Status, StatusCompleted)
	}
}

func TestRunner_StagingFailure(t *testing.T) {
	l := &fakeLauncher{}
	r, stager := newTestRunner(t, l)
	job := testJob("job-nobundle", 5*time.Second)
	job.AssetDir = "cobol"

	res := Run(context.Background(), r, job)

	if res.Status != StatusStagingFailed {
		t.Fatalf("status = %q, want %q", res.Status, StatusStagingFailed)
	}
	var stagingErr *workspace.StagingError
	if !errors.As(res.Err, &stagingErr) {
		t.Errorf("err = %v, want *workspace.StagingError", res.Err)
	}
	if res.Errors != FailedNotice {
		t.Errorf("errors = %q, want %q", res.Errors, FailedNotice)
	}
	if l.calls.Load() != 0 {
		t.Errorf("launcher called %d times after staging failure", l.calls.Load())
	}
	assertRemoved(t, stager, "job-nobundle")
}

func TestRunner_InvalidJob(t *testing.T) {
	l := &fakeLauncher{}
	r, _ := newTestRunner(t, l)
	job := testJob("../escape", 5*time.Second)

	res := Run(context.Background(), r, job)

	if res.Status != StatusStagingFailed {
		t.Errorf("status = %q, want %q", res.Status, StatusStagingFailed)
	}
	if l.calls.Load() != 0 {
		t.Errorf("launcher called for invalid job")
	}
}

func TestRunner_LaunchFailure(t *testing.T) {
	l := &fakeLauncher{err: &LaunchError{Launcher: "fake", Err: errors.New("no such wrapper")}}
	r, stager := newTestRunner(t, l)

	res := Run(context.Background(), r, testJob("job-nolaunch", 5*time.Second))

	if res.Status != StatusLaunchFailed {
		t.Fatalf("status = %q, want %q", res.Status, StatusLaunchFailed)
	}
	var launchErr *LaunchError
	if !errors.As(res.Err, &launchErr) {
		t.Errorf("err = %v, want *LaunchError", res.Err)
	}
	assertRemoved(t, stager, "job-nolaunch")
}

func TestRunner_Canceled(t *testing.T) {
	l := &fakeLauncher{}
	r, stager := newTestRunner(t, l)
	ctx, cancel := context.WithCancel(context.Background())

	out := r.Start(ctx, testJob("job-cancel", 10*time.Second))
	time.AfterFunc(50*time.Millisecond, cancel)
	res := <-out

	if res.Status != StatusCanceled {
		t.Fatalf("status = %q, want %q", res.Status, StatusCanceled)
	}
	if res.Errors != CanceledNotice {
		t.Errorf("errors = %q, want %q", res.Errors, CanceledNotice)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", res.Err)
	}
	if l.stopped.Load() != 1 {
		t.Errorf("Stop called %d times, want 1", l.stopped.Load())
	}
	assertRemoved(t, stager, "job-cancel")
}

func TestRunner_ExactlyOneResult(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.CompletedPath(), "x"+testSentinel+"1")
	}}
	r, _ := newTestRunner(t, l)

	out := r.Start(context.Background(), testJob("job-once", 5*time.Second))
	n := 0
	for range out {
		n++
	}
	if n != 1 {
		t.Errorf("received %d results, want 1", n)
	}
}

type recordingStore struct {
	mu   sync.Mutex
	runs []Status
}

func (s *recordingStore) RecordRun(_ context.Context, _ Job, res *ExecutionResult, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, res.Status)
	return nil
}

func TestRunner_Recorder(t *testing.T) {
	l := &fakeLauncher{run: func(ws *workspace.Workspace, _ Job) {
		writeArtifact(t, ws.CompletedPath(), "ok"+testSentinel+"1")
	}}
	r, _ := newTestRunner(t, l)
	rec := &recordingStore{}
	r.WithRecorder(rec)

	Run(context.Background(), r, testJob("job-rec", 5*time.Second))
	r.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.runs) != 1 || rec.runs[0] != StatusCompleted {
		t.Errorf("recorded = %v, want [completed]", rec.runs)
	}
}

func TestWrapperLauncher_Args(t *testing.T) {
	l := NewWrapperLauncher(WrapperConfig{Path: "/opt/DockerTimeout.sh"}, testLogger())
	ws := &workspace.Workspace{Base: "/tmp/cb", Folder: "job-1", Dir: "/tmp/cb/job-1"}

	tests := []struct {
		name string
		job  Job
		want []string
	}{
		{
			name: "interpreted",
			job:  Job{Deadline: 20 * time.Second, Image: "virtual_machine", Compiler: "python", SourceFile: "file.py"},
			want: []string{"20s", "-v", "/tmp/cb/job-1:/usercode", "virtual_machine", "/usercode/script.sh", "python", "file.py"},
		},
		{
			name: "compiled",
			job: Job{Deadline: 1500 * time.Millisecond, Image: "virtual_machine", Compiler: "g++ -o /usercode/a.out",
				SourceFile: "file.cpp", RunCommand: "/usercode/a.out"},
			want: []string{"1.5s", "-v", "/tmp/cb/job-1:/usercode", "virtual_machine", "/usercode/script.sh",
				"g++ -o /usercode/a.out", "file.cpp", "/usercode/a.out"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.Args(ws, tt.job)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("Args = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapperLauncher_MissingWrapper(t *testing.T) {
	l := NewWrapperLauncher(WrapperConfig{Path: filepath.Join(t.TempDir(), "missing.sh")}, testLogger())
	ws := &workspace.Workspace{Base: t.TempDir(), Folder: "job-1", Dir: t.TempDir()}

	_, err := l.Launch(context.Background(), ws, testJob("job-1", time.Second))

	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("err = %v, want *LaunchError", err)
	}
}

// startWrapper launches script as the wrapper with the given job deadline.
func startWrapper(t *testing.T, script string, deadline time.Duration) (*wrapperProcess, string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	wrapper := filepath.Join(dir, "DockerTimeout.sh")
	if err := os.WriteFile(wrapper, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	l := NewWrapperLauncher(WrapperConfig{Path: wrapper}, testLogger())
	ws := &workspace.Workspace{Base: dir, Folder: "job-1", Dir: filepath.Join(dir, "job-1")}

	proc, err := l.Launch(context.Background(), ws, testJob("job-1", deadline))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return proc.(*wrapperProcess), dir
}

func TestWrapperProcess_StopLetsWrapperFinish(t *testing.T) {
	p, dir := startWrapper(t, "#!/bin/sh\nsleep 1\ntouch killed-container\n", 5*time.Second)

	// Terminal state reached long before the wrapper's own deadline.
	p.Stop()

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("wrapper did not exit on its own")
	}
	if _, err := os.Stat(filepath.Join(dir, "killed-container")); err != nil {
		t.Errorf("wrapper was cut short before its hard kill: %v", err)
	}
}

func TestWrapperProcess_KilledPastDeadline(t *testing.T) {
	p, _ := startWrapper(t, "#!/bin/sh\nexec sleep 30\n", 100*time.Millisecond)
	start := time.Now()

	p.Stop()
	p.Stop()

	select {
	case <-p.done:
	case <-time.After(killGrace + 5*time.Second):
		t.Fatal("wrapper still running well past deadline plus grace")
	}
	if elapsed := time.Since(start); elapsed < killGrace-500*time.Millisecond {
		t.Errorf("wrapper killed after %v, before the grace period", elapsed)
	}
}
