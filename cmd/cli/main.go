package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	config "github.com/altcloud/cloud-build/internal/configurations"
	"github.com/altcloud/cloud-build/internal/logging"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(&levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel
	jsonLog := false

	root := &cobra.Command{
		Use:           "cloud-build",
		Short:         "Build, test and publish ALT cloud images from a declarative config",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "Emit logs as JSON records")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		if jsonLog {
			slog.SetDefault(logging.NewJSON(os.Stderr, levelVar))
		}
		return nil
	}

	root.AddCommand(
		newPlanCommand(),
		newBuildCommand(levelVar),
		newSignCommand(),
		newSyncCommand(),
	)
	return root
}

func newPlanCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Resolve the build matrix and print the jobs without building",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "plan")

			jobs, err := config.Plan(configPath, logger)
			if err != nil {
				return err
			}
			for _, job := range jobs {
				fmt.Printf("%s %s %s target=%s kinds=%s\n",
					job.Image, job.Branch, job.Arch, job.Target, strings.Join(job.Kinds, ","))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Path to the build config")

	return cmd
}

func newBuildCommand(levelVar *slog.LevelVar) *cobra.Command {
	var (
		configPath       string
		dataDir          string
		tasks            []string
		noTests          bool
		noSign           bool
		createRemoteDirs bool
		connectionURI    string
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build, test, sign and sync every image of the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "build")

			taskMap, err := parseTasks(tasks)
			if err != nil {
				return err
			}

			opts := config.Options{
				ConfigPath:       configPath,
				DataDir:          dataDir,
				Tasks:            taskMap,
				NoTests:          noTests,
				NoSign:           noSign,
				CreateRemoteDirs: createRemoteDirs,
				ConnectionURI:    connectionURI,
				LevelVar:         levelVar,
			}

			if err := config.Build(cmd.Context(), opts, logger); err != nil {
				logger.Error("build failed", "error", err)
				return err
			}

			logger.Info("build completed")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Path to the build config")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding build state (default: XDG data home)")
	cmd.Flags().StringArrayVar(&tasks, "tasks", nil, "Add a task repository to a branch as <branch>:<task>; repeat flag to add more")
	cmd.Flags().BoolVar(&noTests, "no-tests", false, "Disable running tests on built images")
	cmd.Flags().BoolVar(&noSign, "no-sign", false, "Disable creating check sums and signing them")
	cmd.Flags().BoolVar(&createRemoteDirs, "create-remote-dirs", false, "Create remote directories before syncing")
	cmd.Flags().StringVar(&connectionURI, "connect-uri", config.DefaultConnectionURI, "Libvirt connection URI for the vm test method")

	return cmd
}

func newSignCommand() *cobra.Command {
	var (
		configPath string
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Checksum and sign the already built images",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "sign")
			return config.Sign(cmd.Context(), configPath, dataDir, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Path to the build config")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding build state (default: XDG data home)")

	return cmd
}

func newSyncCommand() *cobra.Command {
	var (
		configPath       string
		dataDir          string
		createRemoteDirs bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the already built images to the remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default().With("command", "sync")
			return config.Sync(cmd.Context(), configPath, dataDir, createRemoteDirs, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "Path to the build config")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory holding build state (default: XDG data home)")
	cmd.Flags().BoolVar(&createRemoteDirs, "create-remote-dirs", false, "Create remote directories before syncing")

	return cmd
}

// parseTasks turns repeated <branch>:<task> flags into the per-branch task
// map. Branch names are matched case-insensitively.
func parseTasks(entries []string) (map[string][]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tasks := map[string][]string{}
	for _, entry := range entries {
		branch, task, ok := strings.Cut(entry, ":")
		if !ok || branch == "" || task == "" {
			return nil, fmt.Errorf("invalid task %q, expected <branch>:<task>", entry)
		}
		key := strings.ToLower(branch)
		tasks[key] = append(tasks[key], task)
	}
	return tasks, nil
}
