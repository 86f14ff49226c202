// Package workspace manages the on-disk working state: the data directory
// with its work/out/images subtrees, and the run-once lock that keeps two
// invocations from interleaving builds.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/altcloud/cloud-build/internal/manifest"
	"github.com/altcloud/cloud-build/internal/matrix"
)

const program = "cloud-build"

// Workspace is the opened data directory holding build state.
type Workspace struct {
	DataDir string

	remote   string
	lockFile *os.File
}

// Open prepares the data directory and takes the exclusive run lock. The
// remote template decides whether images nest per branch and per arch.
func Open(dataDir, remote string) (*Workspace, error) {
	if dataDir == "" {
		dataDir = filepath.Join(defaultDataHome(), program)
	}
	dataDir, err := filepath.Abs(ExpandPath(dataDir))
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	w := &Workspace{
		DataDir: dataDir,
		remote:  ExpandPath(remote),
	}
	if err := w.lock(); err != nil {
		return nil, err
	}

	for _, dir := range []string{w.WorkDir(), w.OutDir(), w.imagesRoot()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			w.Close()
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return w, nil
}

// Close releases the run lock.
func (w *Workspace) Close() error {
	if w.lockFile == nil {
		return nil
	}
	err := w.lockFile.Close()
	w.lockFile = nil
	return err
}

func (w *Workspace) lock() error {
	path := filepath.Join(w.DataDir, program+".lock")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return fmt.Errorf("%s already running in %q directory", program, w.DataDir)
	}
	w.lockFile = file
	return nil
}

// WorkDir is where the profiles checkout and generated configs live.
func (w *Workspace) WorkDir() string {
	return filepath.Join(w.DataDir, "work")
}

// OutDir is where freshly built tarballs land before publication.
func (w *Workspace) OutDir() string {
	return filepath.Join(w.DataDir, "out")
}

func (w *Workspace) imagesRoot() string {
	return filepath.Join(w.DataDir, "images")
}

// Remote returns the expanded remote template.
func (w *Workspace) Remote() string {
	return w.remote
}

// ImagesDir returns the publication directory for a branch and architecture.
// The nesting mirrors the placeholders present in the remote template.
func (w *Workspace) ImagesDir(branch, archName string) string {
	dir := w.imagesRoot()
	if matrix.ContainsBranch(w.remote) {
		dir = filepath.Join(dir, branch)
	}
	if matrix.ContainsArch(w.remote) {
		dir = filepath.Join(dir, archName)
	}
	return dir
}

// DirRemote pairs a local images directory with its formatted remote.
type DirRemote struct {
	Dir    string
	Remote string
}

// ImagesDirs lists every (local dir, remote) sync pair for the manifest.
func (w *Workspace) ImagesDirs(m *manifest.Manifest) ([]DirRemote, error) {
	perBranch := matrix.ContainsBranch(w.remote)
	perArch := matrix.ContainsArch(w.remote)

	var pairs []DirRemote
	appendPair := func(branch, archName string) error {
		remote, err := matrix.Expand(w.remote, branch, archName)
		if err != nil {
			return err
		}
		pairs = append(pairs, DirRemote{Dir: w.ImagesDir(branch, archName), Remote: remote})
		return nil
	}

	switch {
	case perBranch && perArch:
		for _, branch := range m.BranchNames() {
			for _, archName := range m.ArchesByBranch(branch) {
				if err := appendPair(branch, archName); err != nil {
					return nil, err
				}
			}
		}
	case perBranch:
		for _, branch := range m.BranchNames() {
			if err := appendPair(branch, ""); err != nil {
				return nil, err
			}
		}
	case perArch:
		for _, archName := range m.AllArches() {
			if err := appendPair("", archName); err != nil {
				return nil, err
			}
		}
	default:
		if err := appendPair("", ""); err != nil {
			return nil, err
		}
	}
	return pairs, nil
}

// EnsureImagesDirs creates every local images directory for the manifest.
func (w *Workspace) EnsureImagesDirs(m *manifest.Manifest) error {
	pairs, err := w.ImagesDirs(m)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if err := os.MkdirAll(pair.Dir, 0o755); err != nil {
			return fmt.Errorf("create images directory %s: %w", pair.Dir, err)
		}
	}
	return nil
}

// ClearImagesDirs removes everything under the local images directories.
func (w *Workspace) ClearImagesDirs(m *manifest.Manifest) error {
	pairs, err := w.ImagesDirs(m)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		entries, err := os.ReadDir(pair.Dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(pair.Dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExpandPath expands environment variables and a leading ~ in a path.
func ExpandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if expanded == "~" || strings.HasPrefix(expanded, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, strings.TrimPrefix(expanded[1:], "/"))
		}
	}
	return expanded
}

func defaultDataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return ExpandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share")
}
