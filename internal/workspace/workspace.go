// Package workspace stages and reclaims the per-job directories that a
// sandboxed program runs in.
//
// Layout of a staged workspace:
//
//	<base>/<folder>/
//	    <source file>      program text
//	    inputFile          stdin payload
//	    script.sh, ...     universal payload bundle
//	    logfile.txt        written by the entry script
//	    errors             written by the entry script
//	    completed          written last by the entry script
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Artifact names shared with the in-container entry script.
const (
	InputFile     = "inputFile"
	LogFile       = "logfile.txt"
	ErrorsFile    = "errors"
	CompletedFile = "completed"
)

// JobFolderPrefix marks the folders the service creates for its jobs. Sweep
// never touches anything else under the base path.
const JobFolderPrefix = "job-"

// JobFolder returns the workspace folder name for a job ID.
func JobFolder(id string) string {
	return JobFolderPrefix + id
}

// ErrExists is returned when the job folder is already present under the base path.
var ErrExists = errors.New("workspace already exists")

// Workspace is the directory owned by exactly one in-flight job.
type Workspace struct {
	Base   string // Base path every workspace lives under.
	Folder string // Folder name, unique among running jobs.
	Dir    string // <Base>/<Folder>.
}

// Path returns the absolute path of a file inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.Dir, name)
}

// InputPath returns <dir>/inputFile.
func (w *Workspace) InputPath() string { return w.Path(InputFile) }

// LogPath returns <dir>/logfile.txt.
func (w *Workspace) LogPath() string { return w.Path(LogFile) }

// ErrorsPath returns <dir>/errors.
func (w *Workspace) ErrorsPath() string { return w.Path(ErrorsFile) }

// CompletedPath returns <dir>/completed.
func (w *Workspace) CompletedPath() string { return w.Path(CompletedFile) }

// Input is everything the Stager needs to materialize a workspace.
type Input struct {
	Folder     string
	AssetDir   string // Language bundle under DataDir. Empty = no bundle.
	SourceFile string
	Code       string // Written to SourceFile when non-empty.
	Stdin      string
}

// StagingError reports a failure to materialize a workspace.
// Created is true when the job folder was created before the failure and
// therefore must be removed by the caller.
type StagingError struct {
	Folder  string
	Created bool
	Err     error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging workspace %q: %v", e.Folder, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// Config locates the base path and the static asset bundles.
type Config struct {
	BasePath   string
	DataDir    string
	PayloadDir string
}

// Stager creates workspaces under a base path and removes them again.
type Stager struct {
	base       string
	dataDir    string
	payloadDir string
	logger     *slog.Logger
}

// NewStager resolves the configured paths and creates the base directory if needed.
func NewStager(cfg Config, logger *slog.Logger) (*Stager, error) {
	base, err := resolvePath(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("resolving base path %q: %w", cfg.BasePath, err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating base path %s: %w", base, err)
	}
	dataDir, err := resolvePath(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir %q: %w", cfg.DataDir, err)
	}
	payloadDir, err := resolvePath(cfg.PayloadDir)
	if err != nil {
		return nil, fmt.Errorf("resolving payload dir %q: %w", cfg.PayloadDir, err)
	}
	return &Stager{
		base:       base,
		dataDir:    dataDir,
		payloadDir: payloadDir,
		logger:     logger,
	}, nil
}

// BasePath returns the absolute base path.
func (s *Stager) BasePath() string {
	return s.base
}

// Stage creates <base>/<folder>, copies the language bundle, opens its
// permissions, copies the payload bundle and writes the program input.
// The folder must not exist yet.
func (s *Stager) Stage(ctx context.Context, in Input) (*Workspace, error) {
	if err := ValidateFolder(in.Folder); err != nil {
		return nil, &StagingError{Folder: in.Folder, Err: err}
	}

	ws := &Workspace{
		Base:   s.base,
		Folder: in.Folder,
		Dir:    filepath.Join(s.base, in.Folder),
	}

	if err := os.Mkdir(ws.Dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			err = ErrExists
		}
		return nil, &StagingError{Folder: in.Folder, Err: err}
	}

	fail := func(step string, err error) (*Workspace, error) {
		s.logger.Error("workspace staging failed",
			slog.String("folder", in.Folder),
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
		return ws, &StagingError{Folder: in.Folder, Created: true, Err: fmt.Errorf("%s: %w", step, err)}
	}

	if in.AssetDir != "" {
		if err := ValidateFolder(in.AssetDir); err != nil {
			return fail("language bundle", err)
		}
		if err := copyTree(filepath.Join(s.dataDir, in.AssetDir), ws.Dir, false); err != nil {
			return fail("language bundle", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return fail("language bundle", err)
	}

	if err := chmodTree(ws.Dir, 0o777); err != nil {
		return fail("permissions", err)
	}

	if err := copyTree(s.payloadDir, ws.Dir, true); err != nil {
		return fail("payload bundle", err)
	}
	if err := ctx.Err(); err != nil {
		return fail("payload bundle", err)
	}

	if in.Code != "" {
		if err := ValidateFolder(in.SourceFile); err != nil {
			return fail("source file", err)
		}
		if err := writeFile(ws.Path(in.SourceFile), in.Code); err != nil {
			return fail("source file", err)
		}
	}

	if err := writeFile(ws.InputPath(), in.Stdin); err != nil {
		return fail("input file", err)
	}

	s.logger.Debug("workspace staged",
		slog.String("folder", in.Folder),
		slog.String("dir", ws.Dir),
	)
	return ws, nil
}

// Remove deletes the workspace tree. Only directories strictly under the base
// path are touched; removing a missing workspace is a no-op.
func (s *Stager) Remove(ws *Workspace) error {
	if ws == nil {
		return nil
	}
	if err := s.contains(ws.Dir); err != nil {
		return err
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", ws.Dir, err)
	}
	return nil
}

// Exists reports whether the job folder is present on disk.
func (s *Stager) Exists(folder string) bool {
	if ValidateFolder(folder) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.base, folder))
	return err == nil
}

// contains returns an error unless dir is strictly below the base path.
func (s *Stager) contains(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}
	rel, err := filepath.Rel(s.base, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s: not under base path %s", abs, s.base)
	}
	return nil
}

// ValidateFolder rejects names that would escape the base path.
func ValidateFolder(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid folder name %q", name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("folder name %q contains a path separator", name)
	case strings.Contains(name, ".."):
		return fmt.Errorf("folder name %q contains \"..\"", name)
	}
	return nil
}

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o777); err != nil {
		return err
	}
	// WriteFile honors the umask; the container user needs full access.
	return os.Chmod(path, 0o777)
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
