// Package imagetest validates built images by booting them with the method
// the manifest names: a container runtime, a libvirt VM, or an arbitrary
// program.
package imagetest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/altcloud/cloud-build/internal/arch"
	"github.com/altcloud/cloud-build/internal/executil"
	"github.com/altcloud/cloud-build/internal/logging"
	"github.com/altcloud/cloud-build/internal/matrix"
)

// smokeCommand is executed inside every booted image.
const smokeCommand = "apt-get update && apt-get install -y vim-console"

var progMethodPattern = regexp.MustCompile(`^prog\(([-.\w]+)\)$`)

// Tester dispatches test methods from an image's tests list.
type Tester struct {
	Logger *slog.Logger
	Runner executil.Runner
	// VM handles the "vm" method; nil disables it.
	VM *VMDriver
}

// Test runs a single named test method against an image. Images for
// architectures the host cannot execute pass trivially.
func (t *Tester) Test(ctx context.Context, method, imagePath string, job matrix.Job) error {
	logger := logging.Ensure(t.Logger).With("method", method, "image", job.Image, "arch", job.Arch)

	if !arch.Normalize(job.Arch).Native() {
		logger.Info("skipping test for non-native arch")
		return nil
	}

	workDir, err := os.MkdirTemp("", "cloud-build-test-*")
	if err != nil {
		return fmt.Errorf("create test directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	localImage := filepath.Join(workDir, filepath.Base(imagePath))
	if err := copyFile(imagePath, localImage); err != nil {
		return fmt.Errorf("stage image for test: %w", err)
	}

	switch {
	case method == "docker":
		return t.runScripts(ctx, workDir, dockerScripts(filepath.Base(localImage)))
	case method == "lxd":
		return t.runScripts(ctx, workDir, lxdScripts(localImage))
	case method == "vm":
		if t.VM == nil {
			return fmt.Errorf("vm test method is not configured")
		}
		return t.VM.Test(ctx, localImage)
	default:
		if match := progMethodPattern.FindStringSubmatch(method); match != nil {
			return t.Runner.Run(ctx, workDir, match[1], localImage)
		}
		return fmt.Errorf("undefined test method %q", method)
	}
}

func (t *Tester) runScripts(ctx context.Context, dir string, scripts []script) error {
	for _, s := range scripts {
		if s.file != "" {
			if err := os.WriteFile(filepath.Join(dir, s.file), []byte(s.contents), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", s.file, err)
			}
			continue
		}
		if err := t.Runner.Run(ctx, dir, "sh", "-c", s.command); err != nil {
			return err
		}
	}
	return nil
}

// script is either a file to materialize in the test directory or a shell
// command to execute there.
type script struct {
	file     string
	contents string
	command  string
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
