// Package simple wires the manifest, workspace, profiles checkout, builder
// and publisher into the complete flows the CLI exposes.
package simple

import (
	"context"
	"log/slog"

	"github.com/altcloud/cloud-build/internal/aptconf"
	"github.com/altcloud/cloud-build/internal/builder"
	"github.com/altcloud/cloud-build/internal/executil"
	"github.com/altcloud/cloud-build/internal/imagetest"
	"github.com/altcloud/cloud-build/internal/logging"
	"github.com/altcloud/cloud-build/internal/manifest"
	"github.com/altcloud/cloud-build/internal/matrix"
	"github.com/altcloud/cloud-build/internal/profiles"
	"github.com/altcloud/cloud-build/internal/publish"
	"github.com/altcloud/cloud-build/internal/workspace"
)

// DefaultConfigPath is read when no config flag is given.
const DefaultConfigPath = "/etc/cloud-build/config.yaml"

// DefaultConnectionURI is the libvirt endpoint for the vm test method.
const DefaultConnectionURI = "qemu:///system"

// Options carries the CLI-level knobs of a full build run.
type Options struct {
	ConfigPath string
	DataDir    string
	// Tasks maps a lowercased branch name to task repositories mixed into
	// that branch's package sources.
	Tasks map[string][]string

	NoTests          bool
	NoSign           bool
	CreateRemoteDirs bool
	ConnectionURI    string

	// LevelVar, when set, is adjusted to the manifest's log_level.
	LevelVar *slog.LevelVar
}

// Plan loads the manifest and resolves the build matrix without touching any
// build state.
func Plan(configPath string, logger *slog.Logger) ([]matrix.Job, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	m, err := loadManifest(configPath, nil)
	if err != nil {
		return nil, err
	}
	jobs, err := matrix.Resolve(m)
	if err != nil {
		return nil, err
	}
	logger.Info("resolved build matrix", "jobs", len(jobs))
	return jobs, nil
}

// Build executes the end-to-end flow: build every image of the matrix, copy
// external files in, sign the results and sync them to the remote.
func Build(ctx context.Context, opts Options, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	m, err := loadManifest(opts.ConfigPath, opts.LevelVar)
	if err != nil {
		return err
	}
	jobs, err := matrix.Resolve(m)
	if err != nil {
		return err
	}

	w, err := workspace.Open(opts.DataDir, m.Remote)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.ClearImagesDirs(m); err != nil {
		return err
	}
	if err := w.EnsureImagesDirs(m); err != nil {
		return err
	}

	runner := &executil.ExecRunner{Logger: logger.With("service", "exec")}

	apt := &aptconf.Generator{Dir: w.WorkDir(), Tasks: opts.Tasks}
	if err := apt.Write(m); err != nil {
		return err
	}

	checkout := &profiles.Checkout{
		WorkDir: w.WorkDir(),
		GitURL:  m.MkimageProfilesGit,
		Runner:  runner,
		Logger:  logger.With("service", "profiles"),
	}
	if err := checkout.Ensure(ctx); err != nil {
		return err
	}
	if err := checkout.WriteRules(jobs); err != nil {
		return err
	}
	defer checkout.RemoveRules()

	buildService := builder.Service{
		Logger:    logger.With("service", "build"),
		Runner:    runner,
		Checkout:  checkout,
		AptConf:   apt,
		Workspace: w,
		Tester: &imagetest.Tester{
			Logger: logger.With("service", "test"),
			Runner: runner,
			VM: &imagetest.VMDriver{
				ConnectionURI: connectionURI(opts),
				Logger:        logger.With("driver", "vm"),
			},
		},
		RebuildAfter: m.RebuildAfter.Duration,
		TryBuildAll:  m.TryBuildAll,
		NoTests:      opts.NoTests,
	}
	if err := buildService.Run(ctx, jobs); err != nil {
		return err
	}

	publisher := publish.Service{
		Logger:    logger.With("service", "publish"),
		Runner:    runner,
		Workspace: w,
		Manifest:  m,
	}
	if err := publisher.CopyExternalFiles(); err != nil {
		return err
	}
	if !opts.NoSign {
		if err := publisher.Sign(ctx); err != nil {
			return err
		}
	}
	return publisher.Sync(ctx, opts.CreateRemoteDirs)
}

// Sign checksums and signs the already built images without rebuilding them.
func Sign(ctx context.Context, configPath, dataDir string, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	publisher, closeWorkspace, err := openPublisher(configPath, dataDir, logger)
	if err != nil {
		return err
	}
	defer closeWorkspace()

	return publisher.Sign(ctx)
}

// Sync pushes the already built images to the remote without rebuilding them.
func Sync(ctx context.Context, configPath, dataDir string, createRemoteDirs bool, logger *slog.Logger) error {
	logger = logging.Ensure(logger).With("component", "config.simple")

	publisher, closeWorkspace, err := openPublisher(configPath, dataDir, logger)
	if err != nil {
		return err
	}
	defer closeWorkspace()

	return publisher.Sync(ctx, createRemoteDirs)
}

func openPublisher(configPath, dataDir string, logger *slog.Logger) (*publish.Service, func(), error) {
	m, err := loadManifest(configPath, nil)
	if err != nil {
		return nil, nil, err
	}
	w, err := workspace.Open(dataDir, m.Remote)
	if err != nil {
		return nil, nil, err
	}

	publisher := &publish.Service{
		Logger:    logger.With("service", "publish"),
		Runner:    &executil.ExecRunner{Logger: logger.With("service", "exec")},
		Workspace: w,
		Manifest:  m,
	}
	return publisher, func() { w.Close() }, nil
}

func loadManifest(configPath string, levelVar *slog.LevelVar) (*manifest.Manifest, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	m, err := manifest.Load(configPath)
	if err != nil {
		return nil, err
	}
	if levelVar != nil && m.LogLevel != "" {
		level, err := logging.ParseLevel(m.LogLevel)
		if err != nil {
			return nil, err
		}
		levelVar.Set(level)
	}
	return m, nil
}

func connectionURI(opts Options) string {
	if opts.ConnectionURI != "" {
		return opts.ConnectionURI
	}
	return DefaultConnectionURI
}
