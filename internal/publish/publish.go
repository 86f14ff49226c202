// Package publish handles everything that happens after images are built:
// checksums, detached signatures, external file injection and syncing the
// image tree to the remote.
package publish

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/altcloud/cloud-build/internal/executil"
	"github.com/altcloud/cloud-build/internal/logging"
	"github.com/altcloud/cloud-build/internal/manifest"
	"github.com/altcloud/cloud-build/internal/workspace"
)

const (
	checksumCommand = "sha256sum"
	sumFile         = "SHA256SUM"
)

// Service publishes built images for one manifest.
type Service struct {
	Logger    *slog.Logger
	Runner    executil.Runner
	Workspace *workspace.Workspace
	Manifest  *manifest.Manifest
}

func (s *Service) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

// Sign computes checksums in every images directory and signs them with the
// configured key. The checksum and signature are also copied to the plural
// names some downloaders expect.
func (s *Service) Sign(ctx context.Context) error {
	key := string(s.Manifest.Key)
	if key == "" {
		return &manifest.ConfigError{Reason: "pass key to config file for sign"}
	}

	pairs, err := s.Workspace.ImagesDirs(s.Manifest)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		files, err := imageFiles(pair.Dir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			continue
		}

		s.logger().Info("calculating checksums", "dir", pair.Dir, "files", len(files))
		sums, err := s.Runner.Output(ctx, pair.Dir, checksumCommand, files...)
		if err != nil {
			return err
		}
		sumPath := filepath.Join(pair.Dir, sumFile)
		if err := os.WriteFile(sumPath, []byte(sums), 0o644); err != nil {
			return fmt.Errorf("write checksum file: %w", err)
		}
		if err := copyFile(sumPath, filepath.Join(pair.Dir, "SHA256SUMS")); err != nil {
			return err
		}

		s.logger().Info("signing checksums", "dir", pair.Dir)
		if err := s.Runner.Run(ctx, pair.Dir, "gpg2", "--yes", "-basu", key, sumFile); err != nil {
			return err
		}
		if err := copyFile(sumPath+".asc", filepath.Join(pair.Dir, "SHA256SUMS.gpg")); err != nil {
			return err
		}
	}
	return nil
}

// imageFiles lists the publishable files of a directory, excluding previous
// checksum artifacts.
func imageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), sumFile) {
			continue
		}
		files = append(files, entry.Name())
	}
	return files, nil
}

// Sync rsyncs every images directory to its formatted remote and then runs
// the configured after-sync commands.
func (s *Service) Sync(ctx context.Context, createRemoteDirs bool) error {
	pairs, err := s.Workspace.ImagesDirs(s.Manifest)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if createRemoteDirs && !strings.Contains(pair.Remote, ":") {
			if err := os.MkdirAll(pair.Remote, 0o755); err != nil {
				return fmt.Errorf("create remote directory: %w", err)
			}
		}

		args := []string{pair.Dir + "/", "-rv", pair.Remote}
		if !s.Manifest.KeepOldImages() {
			args = append(args, "--delete")
		}
		s.logger().Info("syncing images", "dir", pair.Dir, "remote", pair.Remote)
		if err := s.Runner.Run(ctx, "", "rsync", args...); err != nil {
			return err
		}
	}
	return s.afterSyncCommands(ctx)
}

// afterSyncCommands runs the manifest's post-sync hooks. A remote of the form
// host:path runs them over ssh on that host, otherwise they run locally.
func (s *Service) afterSyncCommands(ctx context.Context) error {
	remote := s.Workspace.Remote()
	host := ""
	if colon := strings.Index(remote, ":"); colon != -1 {
		host = remote[:colon]
	}

	for _, command := range s.Manifest.AfterSyncCommands {
		var err error
		if host != "" {
			err = s.Runner.Run(ctx, "", "ssh", host, command)
		} else {
			err = s.Runner.Run(ctx, "", command)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CopyExternalFiles copies extra per-branch per-arch files from the
// configured external_files tree into the local images directories.
func (s *Service) CopyExternalFiles() error {
	root := s.Manifest.ExternalFiles
	if root == "" {
		return nil
	}
	root = workspace.ExpandPath(root)

	branches, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read external_files: %w", err)
	}
	for _, branchEntry := range branches {
		branch := branchEntry.Name()
		if _, ok := s.Manifest.Branches[branch]; !ok {
			return &manifest.ConfigError{Reason: fmt.Sprintf("unknown branch %s in external_files", branch)}
		}
		known := map[string]bool{}
		for _, archName := range s.Manifest.ArchesByBranch(branch) {
			known[archName] = true
		}

		arches, err := os.ReadDir(filepath.Join(root, branch))
		if err != nil {
			return err
		}
		for _, archEntry := range arches {
			archName := archEntry.Name()
			if !known[archName] {
				return &manifest.ConfigError{Reason: fmt.Sprintf("unknown arch %s in external_files", archName)}
			}

			srcDir := filepath.Join(root, branch, archName)
			dstDir := s.Workspace.ImagesDir(branch, archName)
			files, err := os.ReadDir(srcDir)
			if err != nil {
				return err
			}
			for _, file := range files {
				if file.IsDir() {
					continue
				}
				s.logger().Info("copying external file", "file", file.Name(), "branch", branch, "arch", archName)
				src := filepath.Join(srcDir, file.Name())
				dst := filepath.Join(dstDir, file.Name())
				if err := copyFile(src, dst); err != nil {
					return err
				}
			}
		}
	}
	return nil
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
