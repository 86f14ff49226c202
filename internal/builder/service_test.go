package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/altcloud/cloud-build/internal/aptconf"
	"github.com/altcloud/cloud-build/internal/executil"
	"github.com/altcloud/cloud-build/internal/matrix"
	"github.com/altcloud/cloud-build/internal/profiles"
	"github.com/altcloud/cloud-build/internal/workspace"
)

// buildingRunner pretends make produced the requested output file.
func buildingRunner() *executil.FakeRunner {
	runner := &executil.FakeRunner{}
	runner.OnRun = func(dir, name string, args []string) error {
		if name != "make" {
			return nil
		}
		outDir, outFile := "", ""
		for _, arg := range args {
			if v, ok := strings.CutPrefix(arg, "IMAGE_OUTDIR="); ok {
				outDir = v
			}
			if v, ok := strings.CutPrefix(arg, "IMAGE_OUTFILE="); ok {
				outFile = v
			}
		}
		if outDir == "" || outFile == "" {
			return nil
		}
		return os.WriteFile(filepath.Join(outDir, outFile), []byte("image"), 0o644)
	}
	return runner
}

func newService(t *testing.T, runner executil.Runner) (*Service, *workspace.Workspace) {
	t.Helper()

	ws, err := workspace.Open(t.TempDir(), "/srv/images")
	if err != nil {
		t.Fatalf("workspace.Open() error = %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	service := &Service{
		Runner:       runner,
		Checkout:     &profiles.Checkout{WorkDir: ws.WorkDir(), Runner: runner},
		AptConf:      &aptconf.Generator{Dir: filepath.Join(ws.WorkDir(), "apt")},
		Workspace:    ws,
		RebuildAfter: 24 * time.Hour,
		NoTests:      true,
	}
	return service, ws
}

func vmJob() matrix.Job {
	return matrix.Job{
		Image:         "vm",
		Branch:        "p9",
		Arch:          "x86_64",
		Target:        "vm/systemd",
		Kinds:         []string{"qcow2c"},
		RepositoryURL: "copy:///space/ALT/p9",
		OutputNames:   map[string]string{"qcow2c": "alt-p9-vm-x86_64.qcow2"},
	}
}

func TestRunBuildsAndPlacesImage(t *testing.T) {
	t.Parallel()

	runner := buildingRunner()
	service, ws := newService(t, runner)

	if err := service.Run(context.Background(), []matrix.Job{vmJob()}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !runner.CalledWith("make") || !runner.CalledWith("vm/systemd_p9.qcow2c") {
		t.Errorf("make was not invoked for the job target: %v", runner.Calls)
	}
	if !runner.CalledWith("ARCH=x86_64") || !runner.CalledWith("BRANCH=p9") {
		t.Errorf("make missing ARCH/BRANCH variables: %v", runner.Calls)
	}

	placed := filepath.Join(ws.ImagesDir("p9", "x86_64"), "alt-p9-vm-x86_64.qcow2")
	if _, err := os.Stat(placed); err != nil {
		t.Errorf("image not placed at %s: %v", placed, err)
	}
}

func TestRunSkipsFreshTarball(t *testing.T) {
	t.Parallel()

	runner := buildingRunner()
	service, ws := newService(t, runner)

	tarball := filepath.Join(ws.OutDir(), "systemd_p9-x86_64.qcow2c")
	if err := os.WriteFile(tarball, []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := service.Run(context.Background(), []matrix.Job{vmJob()}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if runner.CalledWith("make") {
		t.Errorf("make invoked for a fresh tarball: %v", runner.Calls)
	}
}

func TestRunRebuildsStaleTarball(t *testing.T) {
	t.Parallel()

	runner := buildingRunner()
	service, ws := newService(t, runner)
	service.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	tarball := filepath.Join(ws.OutDir(), "systemd_p9-x86_64.qcow2c")
	if err := os.WriteFile(tarball, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := service.Run(context.Background(), []matrix.Job{vmJob()}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !runner.CalledWith("make") {
		t.Error("stale tarball was not rebuilt")
	}
}

func TestRunFailsFastWithoutTryBuildAll(t *testing.T) {
	t.Parallel()

	// No OnRun: make "succeeds" but never writes the output file.
	runner := &executil.FakeRunner{}
	service, _ := newService(t, runner)

	err := service.Run(context.Background(), []matrix.Job{vmJob()})
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		t.Fatalf("Run() error = %v, want BuildError", err)
	}
	if buildErr.Target != "vm/systemd_p9.qcow2c" || buildErr.Arch != "x86_64" {
		t.Errorf("BuildError = %+v", buildErr)
	}
}

func TestRunAggregatesWithTryBuildAll(t *testing.T) {
	t.Parallel()

	runner := &executil.FakeRunner{}
	service, _ := newService(t, runner)
	service.TryBuildAll = true

	second := vmJob()
	second.Arch = "i586"
	second.OutputNames = map[string]string{"qcow2c": "alt-p9-vm-i586.qcow2"}

	err := service.Run(context.Background(), []matrix.Job{vmJob(), second})
	var multi *MultipleBuildErrors
	if !errors.As(err, &multi) {
		t.Fatalf("Run() error = %v, want MultipleBuildErrors", err)
	}
	if len(multi.Errors) != 2 {
		t.Errorf("aggregated %d errors, want 2", len(multi.Errors))
	}
	if !strings.Contains(multi.Error(), "vm/systemd_p9.qcow2c i586") {
		t.Errorf("error text missing target: %s", multi.Error())
	}
}

func TestRenameProg(t *testing.T) {
	t.Parallel()

	runner := buildingRunner()
	runner.Outputs = map[string]string{
		"renamer alt-p9-vm-x86_64.qcow2c": "cloud.qcow2\n",
	}
	service, ws := newService(t, runner)

	job := vmJob()
	job.RenameProg = "renamer"
	job.OutputNames = map[string]string{"qcow2c": "alt-p9-vm-x86_64.qcow2c"}

	if err := service.Run(context.Background(), []matrix.Job{job}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	placed := filepath.Join(ws.ImagesDir("p9", "x86_64"), "cloud.qcow2")
	if _, err := os.Stat(placed); err != nil {
		t.Errorf("renamed image not placed at %s: %v", placed, err)
	}
}

type recordingTester struct {
	methods []string
}

func (r *recordingTester) Test(_ context.Context, method, _ string, _ matrix.Job) error {
	r.methods = append(r.methods, method)
	return nil
}

func TestRunInvokesTester(t *testing.T) {
	t.Parallel()

	runner := buildingRunner()
	service, _ := newService(t, runner)
	tester := &recordingTester{}
	service.Tester = tester
	service.NoTests = false

	job := vmJob()
	job.Tests = []string{"docker", "lxd"}

	if err := service.Run(context.Background(), []matrix.Job{job}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(tester.methods) != 2 || tester.methods[0] != "docker" || tester.methods[1] != "lxd" {
		t.Errorf("tester methods = %v, want [docker lxd]", tester.methods)
	}
}
