// Package builder drives the external profiles build for every resolved job
// and places the produced images into the publication layout.
package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/altcloud/cloud-build/internal/aptconf"
	"github.com/altcloud/cloud-build/internal/executil"
	"github.com/altcloud/cloud-build/internal/matrix"
	"github.com/altcloud/cloud-build/internal/profiles"
	"github.com/altcloud/cloud-build/internal/workspace"
)

// Tester validates a freshly built image. Implementations decide how a
// method name maps onto an actual check.
type Tester interface {
	Test(ctx context.Context, method, imagePath string, job matrix.Job) error
}

// Service builds all jobs of a resolved matrix.
type Service struct {
	Logger    *slog.Logger
	Runner    executil.Runner
	Checkout  *profiles.Checkout
	AptConf   *aptconf.Generator
	Workspace *workspace.Workspace
	Tester    Tester

	RebuildAfter time.Duration
	TryBuildAll  bool
	NoTests      bool

	// Now is overridable for staleness tests; nil means time.Now.
	Now func() time.Time

	buildErrors []*BuildError
}

// Run builds every job in order and returns the aggregated failure, if any.
func (s *Service) Run(ctx context.Context, jobs []matrix.Job) error {
	if s.Runner == nil || s.Checkout == nil || s.Workspace == nil {
		return fmt.Errorf("build service is not fully configured")
	}
	s.buildErrors = nil

	for _, job := range jobs {
		if err := s.buildJob(ctx, job); err != nil {
			return err
		}
	}

	if len(s.buildErrors) > 0 {
		return &MultipleBuildErrors{Errors: s.buildErrors}
	}
	return s.removeOldTarballs()
}

func (s *Service) buildJob(ctx context.Context, job matrix.Job) error {
	logger := s.logger().With("image", job.Image, "branch", job.Branch, "arch", job.Arch)

	scripts, err := s.Checkout.InstallScripts(job)
	if err != nil {
		return err
	}
	defer scripts.Remove()

	for _, kind := range job.Kinds {
		tarball, err := s.buildTarball(ctx, job, kind, logger)
		if err != nil {
			return err
		}
		if tarball == "" {
			continue
		}

		imagePath, err := s.imagePath(ctx, job, kind)
		if err != nil {
			return err
		}
		if err := linkImage(tarball, imagePath, false); err != nil {
			return fmt.Errorf("place image %s: %w", imagePath, err)
		}

		if s.NoTests || s.Tester == nil {
			continue
		}
		for _, method := range job.Tests {
			logger.Info("test image", "method", method)
			if err := s.Tester.Test(ctx, method, imagePath, job); err != nil {
				return fmt.Errorf("test for %s failed: %w", job.Image, err)
			}
		}
	}
	return nil
}

// buildTarball runs make for one job/kind pair. An empty result with nil
// error means the target failed but try_build_all keeps the run alive.
func (s *Service) buildTarball(ctx context.Context, job matrix.Job, kind string, logger *slog.Logger) (string, error) {
	targetBranch := profiles.TargetName(job)
	fullTarget := targetBranch + "." + kind
	tarballName := path.Base(targetBranch) + "-" + job.Arch + "." + kind
	tarballPath := filepath.Join(s.Workspace.OutDir(), tarballName)

	rebuild, err := s.shouldRebuild(tarballPath)
	if err != nil {
		return "", err
	}
	if !rebuild {
		logger.Info("skip building", "target", fullTarget)
		return tarballPath, nil
	}

	args := []string{
		fmt.Sprintf("APTCONF=%s", s.AptConf.ConfPath(job.Branch, job.Arch)),
		fmt.Sprintf("ARCH=%s", job.Arch),
		fmt.Sprintf("BRANCH=%s", job.Branch),
		fmt.Sprintf("IMAGE_OUTDIR=%s", s.Workspace.OutDir()),
		fmt.Sprintf("IMAGE_OUTFILE=%s", tarballName),
	}
	if job.ImageRepo != "" {
		args = append(args, fmt.Sprintf("REPO=%s", job.ImageRepo))
	}
	if job.SizeBytes != "" {
		args = append(args, fmt.Sprintf("VM_SIZE=%s", job.SizeBytes))
	}
	args = append(args, fullTarget)

	logger.Info("begin building", "target", fullTarget)
	// The build's own failure is judged by the output file: make is
	// allowed to fail for targets that are broken on a single arch.
	_ = s.Runner.Run(ctx, s.Checkout.Dir(), "make", args...)

	if _, err := os.Stat(tarballPath); err != nil {
		return "", s.buildFailed(fullTarget, job.Arch)
	}
	logger.Info("end building", "target", fullTarget)
	return tarballPath, nil
}

func (s *Service) buildFailed(target, archName string) error {
	buildErr := &BuildError{Target: target, Arch: archName}
	if s.TryBuildAll {
		s.buildErrors = append(s.buildErrors, buildErr)
		return nil
	}
	return buildErr
}

func (s *Service) shouldRebuild(tarballPath string) (bool, error) {
	info, err := os.Stat(tarballPath)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}

	if s.now().Sub(info.ModTime()) <= s.RebuildAfter {
		return false, nil
	}
	if err := os.Remove(tarballPath); err != nil {
		return false, fmt.Errorf("remove stale tarball: %w", err)
	}
	return true, nil
}

// imagePath resolves the final image location, running the external rename
// program when the job defers naming to one.
func (s *Service) imagePath(ctx context.Context, job matrix.Job, kind string) (string, error) {
	name := job.OutputNames[kind]
	if job.RenameProg != "" {
		renamed, err := s.Runner.Output(ctx, "", job.RenameProg, name)
		if err != nil {
			return "", fmt.Errorf("rename program %s: %w", job.RenameProg, err)
		}
		if renamed = strings.TrimSpace(renamed); renamed != "" {
			name = renamed
		}
	}
	return filepath.Join(s.Workspace.ImagesDir(job.Branch, job.Arch), name), nil
}

func (s *Service) removeOldTarballs() error {
	entries, err := os.ReadDir(s.Workspace.OutDir())
	if err != nil {
		return err
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if s.now().Sub(info.ModTime()) > s.RebuildAfter {
			if err := os.Remove(filepath.Join(s.Workspace.OutDir(), entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// linkImage hard-links a built tarball into the images directory.
func linkImage(src, dst string, rewrite bool) error {
	if rewrite {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Link(src, dst)
}
